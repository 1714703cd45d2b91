package ingest

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BatchRequest is the envelope the edge forwarder posts.
type BatchRequest struct {
	TenantID string          `json:"tenant_id"`
	EdgeID   string          `json:"edge_id"`
	SentAt   time.Time       `json:"sent_at"`
	Events   []IncomingEvent `json:"events"`
}

// IncomingEvent is one telemetry event inside a batch. DeviceID and StationID
// are alternatives; at least one must be set.
type IncomingEvent struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	TenantID      string          `json:"tenant_id"`
	FarmID        string          `json:"farm_id"`
	BarnID        string          `json:"barn_id"`
	DeviceID      string          `json:"device_id,omitempty"`
	StationID     string          `json:"station_id,omitempty"`
	SessionID     string          `json:"session_id,omitempty"`
	OccurredAt    string          `json:"occurred_at"`
	TraceID       string          `json:"trace_id"`
	SchemaVersion string          `json:"schema_version"`
	Payload       json.RawMessage `json:"payload"`
}

// EventError reports why a single event was rejected.
type EventError struct {
	EventID string `json:"event_id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// BatchResponse summarizes what happened to each event in a batch.
type BatchResponse struct {
	Accepted   int          `json:"accepted"`
	Duplicated int          `json:"duplicated"`
	Rejected   int          `json:"rejected"`
	Errors     []EventError `json:"errors,omitempty"`
}

// DomainPrefix returns the event-type segment before the first dot, used as
// the routing-key suffix ("weighing.session.closed" -> "weighing").
func (ev IncomingEvent) DomainPrefix() string {
	if idx := strings.IndexByte(ev.EventType, '.'); idx > 0 {
		return ev.EventType[:idx]
	}

	return ev.EventType
}

// Validate checks the per-event required fields. It returns a human-readable
// reason for the first violation found, or an empty string when valid.
func (ev IncomingEvent) Validate() string {
	if strings.TrimSpace(ev.EventID) == "" {
		return "Missing event_id"
	}

	// The dedupe key column is a typed uuid; a non-UUID id could never be
	// recorded, so it is rejected here as a per-event validation failure.
	if _, err := uuid.Parse(ev.EventID); err != nil {
		return "Invalid event_id: must be a UUID"
	}

	if strings.TrimSpace(ev.EventType) == "" {
		return "Missing event_type"
	}

	if strings.TrimSpace(ev.TenantID) == "" {
		return "Missing tenant_id"
	}

	if strings.TrimSpace(ev.FarmID) == "" {
		return "Missing farm_id"
	}

	if strings.TrimSpace(ev.BarnID) == "" {
		return "Missing barn_id"
	}

	if strings.TrimSpace(ev.DeviceID) == "" && strings.TrimSpace(ev.StationID) == "" {
		return "Missing device_id or station_id"
	}

	if strings.TrimSpace(ev.OccurredAt) == "" {
		return "Missing occurred_at"
	}

	if _, err := time.Parse(time.RFC3339, ev.OccurredAt); err != nil {
		return "Invalid occurred_at: must be ISO-8601"
	}

	if strings.TrimSpace(ev.TraceID) == "" {
		return "Missing trace_id"
	}

	if strings.TrimSpace(ev.SchemaVersion) == "" {
		return "Missing schema_version"
	}

	if len(ev.Payload) == 0 {
		return "Missing payload"
	}

	if !json.Valid(ev.Payload) {
		return "Invalid payload: must be JSON"
	}

	return ""
}
