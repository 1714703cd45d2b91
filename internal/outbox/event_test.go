//go:build unit

package outbox

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	t.Parallel()

	occurred := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	payload := json.RawMessage(`{"weight_kg": 412.5}`)

	event, err := NewEvent("tenant-1", "farm-1", "barn-7", "scale-03", "sess-9",
		"weighing.session.closed", occurred, "trace-abc", payload)
	require.NoError(t, err)

	assert.NotEqual(t, "00000000-0000-0000-0000-000000000000", event.ID.String())
	assert.Equal(t, "tenant-1", event.TenantID)
	assert.Equal(t, "sess-9", event.SessionID)
	assert.Equal(t, StatusPending, event.Status)
	assert.Zero(t, event.AttemptCount)
	assert.Equal(t, len(payload), event.PayloadSizeBytes)
	assert.Equal(t, occurred, event.OccurredAt)
	assert.False(t, event.NextAttemptAt.IsZero(), "new events must be claimable")
	assert.Zero(t, event.Priority)
}

func TestNewEventValidation(t *testing.T) {
	t.Parallel()

	occurred := time.Now().UTC()
	payload := json.RawMessage(`{}`)

	tests := []struct {
		name    string
		mutate  func() (*Event, error)
		wantErr error
	}{
		{
			name: "missing tenant",
			mutate: func() (*Event, error) {
				return NewEvent("", "f", "b", "d", "", "t.e", occurred, "tr", payload)
			},
			wantErr: ErrTenantIDRequired,
		},
		{
			name: "missing farm",
			mutate: func() (*Event, error) {
				return NewEvent("tn", " ", "b", "d", "", "t.e", occurred, "tr", payload)
			},
			wantErr: ErrFarmIDRequired,
		},
		{
			name: "missing device",
			mutate: func() (*Event, error) {
				return NewEvent("tn", "f", "b", "", "", "t.e", occurred, "tr", payload)
			},
			wantErr: ErrDeviceIDRequired,
		},
		{
			name: "missing event type",
			mutate: func() (*Event, error) {
				return NewEvent("tn", "f", "b", "d", "", "  ", occurred, "tr", payload)
			},
			wantErr: ErrEventTypeRequired,
		},
		{
			name: "zero occurred at",
			mutate: func() (*Event, error) {
				return NewEvent("tn", "f", "b", "d", "", "t.e", time.Time{}, "tr", payload)
			},
			wantErr: ErrOccurredAtRequired,
		},
		{
			name: "missing trace id",
			mutate: func() (*Event, error) {
				return NewEvent("tn", "f", "b", "d", "", "t.e", occurred, "", payload)
			},
			wantErr: ErrTraceIDRequired,
		},
		{
			name: "empty payload",
			mutate: func() (*Event, error) {
				return NewEvent("tn", "f", "b", "d", "", "t.e", occurred, "tr", nil)
			},
			wantErr: ErrPayloadRequired,
		},
		{
			name: "payload not json",
			mutate: func() (*Event, error) {
				return NewEvent("tn", "f", "b", "d", "", "t.e", occurred, "tr", json.RawMessage("{broken"))
			},
			wantErr: ErrPayloadNotJSON,
		},
		{
			name: "payload too large",
			mutate: func() (*Event, error) {
				huge := append(json.RawMessage(`{"blob":"`), bytes.Repeat([]byte("a"), DefaultMaxPayloadBytes)...)
				huge = append(huge, []byte(`"}`)...)

				return NewEvent("tn", "f", "b", "d", "", "t.e", occurred, "tr", huge)
			},
			wantErr: ErrPayloadTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			event, err := tt.mutate()
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, event)
		})
	}
}

func TestEventLease(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	lease := now.Add(30 * time.Second)

	event := &Event{Status: StatusClaimed, LeaseExpiresAt: &lease}
	assert.True(t, event.Leased())
	assert.False(t, event.LeaseExpired(now))
	assert.True(t, event.LeaseExpired(now.Add(time.Minute)))

	event.Status = StatusSending
	assert.True(t, event.Leased())

	event.Status = StatusPending
	assert.False(t, event.Leased())
	assert.False(t, event.LeaseExpired(now.Add(time.Hour)))
}

func TestEventDomainPrefix(t *testing.T) {
	t.Parallel()

	tests := []struct {
		eventType string
		want      string
	}{
		{"weighing.session.closed", "weighing"},
		{"feed.intake.recorded", "feed"},
		{"telemetry.sample", "telemetry"},
		{"heartbeat", "heartbeat"},
		{".oddball", ".oddball"},
	}

	for _, tt := range tests {
		event := &Event{EventType: tt.eventType}
		assert.Equal(t, tt.want, event.DomainPrefix(), tt.eventType)
	}
}
