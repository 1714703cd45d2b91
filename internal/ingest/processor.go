package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/backoff"
	"github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/dedupe"
	"github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/log"
)

var (
	ErrStoreRequired     = errors.New("ingest: dedupe store is required")
	ErrPublisherRequired = errors.New("ingest: publisher is required")
	ErrProcessorRequired = errors.New("ingest: processor is required")
)

const (
	// DefaultExchange is the topic exchange events fan out to.
	DefaultExchange = "farmiq.events"

	// routingKeyPrefix is joined with the event-type domain segment.
	routingKeyPrefix = "farmiq.events."

	publishAttempts       = 3
	publishBackoffInitial = 100 * time.Millisecond
)

// EventPublisher sends a confirmed message to the downstream exchange.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
}

// Processor admits events exactly once and fans them out downstream. The
// dedupe insert decides first-seen versus duplicate; only first-seen events
// are published.
type Processor struct {
	store     dedupe.Store
	publisher EventPublisher
	exchange  string
	logger    log.Logger
	tracer    trace.Tracer
	sleep     func(context.Context, time.Duration) error
}

// ProcessorOption mutates Processor configuration.
type ProcessorOption func(*Processor)

// WithProcessorLogger sets the processor logger.
func WithProcessorLogger(logger log.Logger) ProcessorOption {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithExchange overrides the downstream exchange name.
func WithExchange(exchange string) ProcessorOption {
	return func(p *Processor) {
		if exchange != "" {
			p.exchange = exchange
		}
	}
}

// NewProcessor creates an event processor.
func NewProcessor(store dedupe.Store, publisher EventPublisher, opts ...ProcessorOption) (*Processor, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}

	if publisher == nil {
		return nil, ErrPublisherRequired
	}

	p := &Processor{
		store:     store,
		publisher: publisher,
		exchange:  DefaultExchange,
		logger:    log.NewNop(),
		tracer:    otel.Tracer("ingest"),
		sleep:     backoff.SleepWithContext,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	return p, nil
}

// Process admits one validated event. First-seen events are published with a
// bounded retry; duplicates are acknowledged without side effects.
//
// If publishing ultimately fails, the dedupe key is released again so the
// edge's retry of the whole batch can re-admit the event.
func (p *Processor) Process(ctx context.Context, ev IncomingEvent) (dedupe.Outcome, error) {
	ctx, span := p.tracer.Start(ctx, "ingest.process")
	defer span.End()

	eventID, err := uuid.Parse(ev.EventID)
	if err != nil {
		return "", fmt.Errorf("ingest: parsing event id: %w", err)
	}

	outcome, err := p.store.Record(ctx, ev.TenantID, eventID)
	if err != nil {
		span.RecordError(err)

		return "", fmt.Errorf("ingest: recording event: %w", err)
	}

	if outcome == dedupe.Duplicate {
		return outcome, nil
	}

	if err := p.publishWithRetry(ctx, ev); err != nil {
		span.RecordError(err)

		if removeErr := p.store.Remove(ctx, ev.TenantID, eventID); removeErr != nil {
			p.logger.Log(ctx, log.LevelError, "failed to release dedupe key after publish failure",
				log.String("event_id", ev.EventID), log.Err(removeErr))
		}

		return "", fmt.Errorf("ingest: publishing event: %w", err)
	}

	return outcome, nil
}

func (p *Processor) publishWithRetry(ctx context.Context, ev IncomingEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	routingKey := routingKeyPrefix + ev.DomainPrefix()

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.EventID,
		Type:         ev.EventType,
		Timestamp:    time.Now().UTC(),
		Body:         body,
		Headers: amqp.Table{
			"tenant_id":      ev.TenantID,
			"trace_id":       ev.TraceID,
			"schema_version": ev.SchemaVersion,
		},
	}

	var lastErr error

	for attempt := range publishAttempts {
		if attempt > 0 {
			if err := p.sleep(ctx, backoff.ExponentialWithJitter(publishBackoffInitial, attempt-1)); err != nil {
				return err
			}
		}

		lastErr = p.publisher.Publish(ctx, p.exchange, routingKey, msg)
		if lastErr == nil {
			return nil
		}

		p.logger.Log(ctx, log.LevelWarn, "publish attempt failed",
			log.String("event_id", ev.EventID),
			log.Int("attempt", attempt+1),
			log.Err(lastErr))
	}

	return lastErr
}
