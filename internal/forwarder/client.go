package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/ingest"
	"github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/log"
	"github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/outbox"
)

const (
	batchPath = "/v1/events/batch"

	// DefaultRequestTimeout bounds one batch POST including body read.
	DefaultRequestTimeout = 10 * time.Second

	// DefaultSchemaVersion is stamped on outgoing events; the outbox stores
	// raw payloads without a schema marker.
	DefaultSchemaVersion = "1"

	maxErrorBodyBytes = 2048
)

// Sender posts a batch of outbox events to the ingestion boundary and returns
// the per-event outcome summary.
type Sender interface {
	Send(ctx context.Context, events []*outbox.Event) (*ingest.BatchResponse, error)
}

// StatusError reports a non-2xx response from the ingestion boundary.
type StatusError struct {
	StatusCode int
	Body       string
}

func (err *StatusError) Error() string {
	return fmt.Sprintf("ingest returned HTTP %d: %s", err.StatusCode, err.Body)
}

// Transient reports whether the failure may clear on retry. Auth failures are
// retried: they are usually credential rotation skew, not bad events.
func (err *StatusError) Transient() bool {
	return err.StatusCode == http.StatusUnauthorized || err.StatusCode >= http.StatusInternalServerError
}

// Transient classifies a Send failure. Network errors and timeouts are
// transient; only a non-auth 4xx response is terminal for the batch.
func Transient(err error) bool {
	if err == nil {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Transient()
	}

	return true
}

// ClientConfig configures the HTTP client that talks to the ingestion
// boundary.
type ClientConfig struct {
	// IngestURL is the boundary base URL, e.g. "https://ingest.example.com".
	IngestURL string
	TenantID  string
	EdgeID    string

	AuthMode   ingest.AuthMode
	APIKey     string
	HMACSecret string

	RequestTimeout time.Duration
	SchemaVersion  string

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
	Logger     log.Logger
}

// Client posts outbox batches to the ingestion boundary over HTTP.
type Client struct {
	cfg       ClientConfig
	endpoint  string
	transport *http.Client
	logger    log.Logger
}

var _ Sender = (*Client)(nil)

// NewClient validates cfg and builds a client. Credentials for the configured
// auth mode are required up front so a misconfigured edge fails at startup,
// not on the first dispatch cycle.
func NewClient(cfg ClientConfig) (*Client, error) {
	cfg.IngestURL = strings.TrimRight(strings.TrimSpace(cfg.IngestURL), "/")
	if cfg.IngestURL == "" {
		return nil, ErrIngestURLRequired
	}

	cfg.TenantID = strings.TrimSpace(cfg.TenantID)
	if cfg.TenantID == "" {
		return nil, outbox.ErrTenantIDRequired
	}

	cfg.EdgeID = strings.TrimSpace(cfg.EdgeID)
	if cfg.EdgeID == "" {
		return nil, ErrEdgeIDRequired
	}

	switch cfg.AuthMode {
	case ingest.AuthModeAPIKey:
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, ErrAPIKeyRequired
		}
	case ingest.AuthModeHMAC:
		if strings.TrimSpace(cfg.HMACSecret) == "" {
			return nil, ErrHMACSecretRequired
		}
	}

	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = DefaultSchemaVersion
	}

	transport := cfg.HTTPClient
	if transport == nil {
		transport = &http.Client{Timeout: cfg.RequestTimeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	return &Client{
		cfg:       cfg,
		endpoint:  cfg.IngestURL + batchPath,
		transport: transport,
		logger:    logger,
	}, nil
}

// Send posts events as one batch envelope and parses the per-event summary.
func (client *Client) Send(ctx context.Context, events []*outbox.Event) (*ingest.BatchResponse, error) {
	if len(events) == 0 {
		return &ingest.BatchResponse{}, nil
	}

	envelope := ingest.BatchRequest{
		TenantID: client.cfg.TenantID,
		EdgeID:   client.cfg.EdgeID,
		SentAt:   time.Now().UTC(),
		Events:   make([]ingest.IncomingEvent, 0, len(events)),
	}

	for _, event := range events {
		if event == nil {
			continue
		}

		envelope.Events = append(envelope.Events, client.toWire(event))
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshal batch: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, client.cfg.RequestTimeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, client.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build batch request: %w", err)
	}

	request.Header.Set("Content-Type", "application/json")
	request.Header.Set(ingest.HeaderTenantID, client.cfg.TenantID)

	switch client.cfg.AuthMode {
	case ingest.AuthModeAPIKey:
		request.Header.Set(ingest.HeaderAPIKey, client.cfg.APIKey)
	case ingest.AuthModeHMAC:
		request.Header.Set(ingest.HeaderSignature, ingest.SignBody(client.cfg.HMACSecret, body))
	}

	response, err := client.transport.Do(request)
	if err != nil {
		return nil, fmt.Errorf("post batch: %w", err)
	}

	defer func() {
		if closeErr := response.Body.Close(); closeErr != nil {
			client.logger.Log(ctx, log.LevelWarn, "close ingest response body", log.Err(closeErr))
		}
	}()

	if response.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))

		return nil, &StatusError{
			StatusCode: response.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}

	var summary ingest.BatchResponse
	if err := json.NewDecoder(response.Body).Decode(&summary); err != nil {
		return nil, fmt.Errorf("decode batch response: %w", err)
	}

	return &summary, nil
}

func (client *Client) toWire(event *outbox.Event) ingest.IncomingEvent {
	return ingest.IncomingEvent{
		EventID:       event.ID.String(),
		EventType:     event.EventType,
		TenantID:      event.TenantID,
		FarmID:        event.FarmID,
		BarnID:        event.BarnID,
		DeviceID:      event.DeviceID,
		SessionID:     event.SessionID,
		OccurredAt:    event.OccurredAt.UTC().Format(time.RFC3339Nano),
		TraceID:       event.TraceID,
		SchemaVersion: client.cfg.SchemaVersion,
		Payload:       event.Payload,
	}
}
