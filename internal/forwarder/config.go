package forwarder

import (
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
)

const (
	// DefaultBatchSize bounds how many rows one dispatch cycle claims.
	DefaultBatchSize = 50
	// DefaultDispatchInterval is the pause between dispatch cycles.
	DefaultDispatchInterval = 2 * time.Second
	// DefaultLeaseDuration is how long a claim stays exclusive before the
	// sweeper may hand the row to another worker.
	DefaultLeaseDuration = 60 * time.Second
	// DefaultMaxAttempts is the delivery attempt ceiling before quarantine.
	DefaultMaxAttempts = 8
	// DefaultBackoffCapSeconds caps the retry delay (10 minutes).
	DefaultBackoffCapSeconds = 600
	// DefaultBackoffJitterRatio spreads retry delays +/-30% around the
	// exponential value.
	DefaultBackoffJitterRatio = 0.3
	// DefaultWorkerCount is the number of concurrent senders per cycle.
	DefaultWorkerCount = 1
)

// Config tunes the dispatcher. The zero value is usable; normalize fills in
// defaults.
type Config struct {
	// WorkerID identifies this process in claim rows. Generated when empty.
	WorkerID string

	BatchSize          int
	DispatchInterval   time.Duration
	LeaseDuration      time.Duration
	MaxAttempts        int
	BackoffCapSeconds  int
	BackoffJitterRatio float64
	WorkerCount        int

	// MeterProvider overrides the global OpenTelemetry meter provider.
	MeterProvider metric.MeterProvider
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:          DefaultBatchSize,
		DispatchInterval:   DefaultDispatchInterval,
		LeaseDuration:      DefaultLeaseDuration,
		MaxAttempts:        DefaultMaxAttempts,
		BackoffCapSeconds:  DefaultBackoffCapSeconds,
		BackoffJitterRatio: DefaultBackoffJitterRatio,
		WorkerCount:        DefaultWorkerCount,
	}
}

func (cfg *Config) normalize() {
	if cfg.WorkerID == "" {
		cfg.WorkerID = "forwarder-" + uuid.NewString()[:8]
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = DefaultDispatchInterval
	}

	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = DefaultLeaseDuration
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}

	if cfg.BackoffCapSeconds <= 0 {
		cfg.BackoffCapSeconds = DefaultBackoffCapSeconds
	}

	if cfg.BackoffJitterRatio < 0 || cfg.BackoffJitterRatio > 1 {
		cfg.BackoffJitterRatio = DefaultBackoffJitterRatio
	}

	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = DefaultWorkerCount
	}
}
