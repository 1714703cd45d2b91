package outbox

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxPayloadBytes bounds the stored payload size (1 MiB).
const DefaultMaxPayloadBytes = 1 << 20

// Event is an operational event stored in the outbox for reliable forwarding
// to the cloud ingestion boundary.
//
// A producer writes the row inside the same transaction as the business
// change; from then on the row is mutated exclusively by the claim scheduler,
// the dispatcher and the DLQ manager. Rows are never hard-deleted on success.
type Event struct {
	ID        uuid.UUID
	TenantID  string
	FarmID    string
	BarnID    string
	DeviceID  string
	SessionID string

	EventType        string
	OccurredAt       time.Time
	TraceID          string
	Payload          json.RawMessage
	PayloadSizeBytes int
	Priority         int

	Status        Status
	NextAttemptAt time.Time

	ClaimedBy      string
	ClaimedAt      *time.Time
	LeaseExpiresAt *time.Time

	AttemptCount     int
	LastAttemptAt    *time.Time
	LastErrorCode    string
	LastErrorMessage string

	FailedAt  *time.Time
	DLQReason string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewEvent creates a valid outbox event initialized as pending and claimable
// immediately.
func NewEvent(
	tenantID, farmID, barnID, deviceID, sessionID string,
	eventType string,
	occurredAt time.Time,
	traceID string,
	payload json.RawMessage,
) (*Event, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, fmt.Errorf("outbox event: %w", ErrTenantIDRequired)
	}

	farmID = strings.TrimSpace(farmID)
	if farmID == "" {
		return nil, fmt.Errorf("outbox event: %w", ErrFarmIDRequired)
	}

	barnID = strings.TrimSpace(barnID)
	if barnID == "" {
		return nil, fmt.Errorf("outbox event: %w", ErrBarnIDRequired)
	}

	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil, fmt.Errorf("outbox event: %w", ErrDeviceIDRequired)
	}

	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return nil, fmt.Errorf("outbox event: %w", ErrEventTypeRequired)
	}

	if occurredAt.IsZero() {
		return nil, fmt.Errorf("outbox event: %w", ErrOccurredAtRequired)
	}

	traceID = strings.TrimSpace(traceID)
	if traceID == "" {
		return nil, fmt.Errorf("outbox event: %w", ErrTraceIDRequired)
	}

	if len(payload) == 0 {
		return nil, fmt.Errorf("outbox event: %w", ErrPayloadRequired)
	}

	if len(payload) > DefaultMaxPayloadBytes {
		return nil, fmt.Errorf("outbox event: %w", ErrPayloadTooLarge)
	}

	if !json.Valid(payload) {
		return nil, fmt.Errorf("outbox event: %w", ErrPayloadNotJSON)
	}

	now := time.Now().UTC()

	return &Event{
		ID:               uuid.New(),
		TenantID:         tenantID,
		FarmID:           farmID,
		BarnID:           barnID,
		DeviceID:         deviceID,
		SessionID:        strings.TrimSpace(sessionID),
		EventType:        eventType,
		OccurredAt:       occurredAt.UTC(),
		TraceID:          traceID,
		Payload:          payload,
		PayloadSizeBytes: len(payload),
		Status:           StatusPending,
		NextAttemptAt:    now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// Leased reports whether the event currently holds a worker lease.
func (event *Event) Leased() bool {
	if event == nil {
		return false
	}

	return (event.Status == StatusClaimed || event.Status == StatusSending) &&
		event.LeaseExpiresAt != nil
}

// LeaseExpired reports whether the event's lease has lapsed at now.
func (event *Event) LeaseExpired(now time.Time) bool {
	return event.Leased() && event.LeaseExpiresAt.Before(now)
}

// DomainPrefix returns the event-type segment before the first dot, used for
// downstream routing ("weighing.session.closed" -> "weighing").
func (event *Event) DomainPrefix() string {
	if event == nil {
		return ""
	}

	if idx := strings.IndexByte(event.EventType, '.'); idx > 0 {
		return event.EventType[:idx]
	}

	return event.EventType
}
