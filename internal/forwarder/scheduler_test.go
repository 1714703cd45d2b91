//go:build unit

package forwarder

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/outbox"
)

func TestNewScheduler_Validation(t *testing.T) {
	t.Parallel()

	store := outbox.NewMemoryStore()

	_, err := NewScheduler(nil, "worker-1", time.Minute, nil)
	require.ErrorIs(t, err, outbox.ErrStoreRequired)

	_, err = NewScheduler(store, "  ", time.Minute, nil)
	require.ErrorIs(t, err, outbox.ErrWorkerIDRequired)

	_, err = NewScheduler(store, "worker-1", 0, nil)
	require.ErrorIs(t, err, outbox.ErrLeaseMustBePositive)
}

func TestScheduler_ClaimStampsWorkerAndLease(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 12, 8, 0, 0, 0, time.UTC)
	clock := newFakeClock(now)
	store := outbox.NewMemoryStore()

	event := newTestEvent(t, "weighing.session.closed", now.Add(-time.Minute))
	_, err := store.Insert(context.Background(), event)
	require.NoError(t, err)

	scheduler, err := NewScheduler(store, "worker-1", time.Minute, clock)
	require.NoError(t, err)

	claimed, err := scheduler.Claim(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	assert.Equal(t, "worker-1", claimed[0].ClaimedBy)
	assert.Equal(t, outbox.StatusClaimed, claimed[0].Status)
	require.NotNil(t, claimed[0].LeaseExpiresAt)
	assert.Equal(t, now.Add(time.Minute), *claimed[0].LeaseExpiresAt)
	assert.Equal(t, "worker-1", scheduler.WorkerID())
}
