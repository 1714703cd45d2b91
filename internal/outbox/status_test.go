//go:build unit

package outbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		want    Status
		wantErr bool
	}{
		{name: "pending", raw: "PENDING", want: StatusPending},
		{name: "claimed", raw: "CLAIMED", want: StatusClaimed},
		{name: "sending", raw: "SENDING", want: StatusSending},
		{name: "acked", raw: "ACKED", want: StatusAcked},
		{name: "failed", raw: "FAILED", want: StatusFailed},
		{name: "dlq", raw: "DLQ", want: StatusDLQ},
		{name: "lowercase rejected", raw: "pending", wantErr: true},
		{name: "unknown rejected", raw: "SHIPPED", wantErr: true},
		{name: "empty rejected", raw: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseStatus(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrStatusInvalid)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStatusCanTransitionTo(t *testing.T) {
	t.Parallel()

	allowed := []struct {
		from Status
		to   Status
	}{
		{StatusPending, StatusClaimed},
		{StatusClaimed, StatusSending},
		{StatusClaimed, StatusPending}, // lease expiry sweep
		{StatusSending, StatusAcked},
		{StatusSending, StatusPending}, // transient failure reschedule
		{StatusSending, StatusDLQ},
		{StatusDLQ, StatusPending}, // explicit redrive
		{StatusFailed, StatusPending},
		{StatusFailed, StatusDLQ},
	}

	for _, tt := range allowed {
		assert.True(t, tt.from.CanTransitionTo(tt.to), "%s -> %s should be allowed", tt.from, tt.to)
	}

	denied := []struct {
		from Status
		to   Status
	}{
		{StatusAcked, StatusPending},
		{StatusAcked, StatusDLQ},
		{StatusPending, StatusSending},
		{StatusPending, StatusAcked},
		{StatusPending, StatusDLQ},
		{StatusDLQ, StatusClaimed},
		{StatusDLQ, StatusAcked},
		{StatusClaimed, StatusAcked},
		{StatusClaimed, StatusDLQ},
	}

	for _, tt := range denied {
		assert.False(t, tt.from.CanTransitionTo(tt.to), "%s -> %s should be denied", tt.from, tt.to)
	}
}

func TestStatusIsTerminal(t *testing.T) {
	t.Parallel()

	assert.True(t, StatusAcked.IsTerminal())
	assert.True(t, StatusDLQ.IsTerminal())
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusClaimed.IsTerminal())
	assert.False(t, StatusSending.IsTerminal())
	assert.False(t, StatusFailed.IsTerminal())
}

func TestValidateTransition(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateTransition("PENDING", "CLAIMED"))
	require.NoError(t, ValidateTransition("SENDING", "DLQ"))

	err := ValidateTransition("ACKED", "PENDING")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransitionInvalid)

	err = ValidateTransition("bogus", "PENDING")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStatusInvalid)
}
