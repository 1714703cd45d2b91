//go:build unit

package dlq

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/outbox"
)

const testTenantID = "tenant-1"

func quarantinedEvent(t *testing.T, store *outbox.MemoryStore, now time.Time, reason string) *outbox.Event {
	t.Helper()

	event, err := outbox.NewEvent(
		testTenantID, "farm-1", "barn-1", "device-1", "",
		"weighing.session.closed",
		now,
		"trace-1",
		json.RawMessage(`{"weight_kg":31.5}`),
	)
	require.NoError(t, err)

	event.NextAttemptAt = now

	_, err = store.Insert(context.Background(), event)
	require.NoError(t, err)

	claimed, err := store.ClaimBatch(context.Background(), "worker-1", 1, time.Minute, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, event.ID, claimed[0].ID)

	require.NoError(t, store.MarkSending(context.Background(), event.ID, "worker-1"))
	require.NoError(t, store.MoveToDLQ(context.Background(), event.ID, "worker-1", reason))

	return event
}

func TestNewManager_RequiresStore(t *testing.T) {
	t.Parallel()

	_, err := NewManager(nil)
	require.ErrorIs(t, err, outbox.ErrStoreRequired)
}

func TestManager_ListReturnsQuarantinedEvents(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 12, 8, 0, 0, 0, time.UTC)
	store := outbox.NewMemoryStore()

	event := quarantinedEvent(t, store, now, "max attempts exceeded")

	manager, err := NewManager(store)
	require.NoError(t, err)

	listed, err := manager.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, event.ID, listed[0].ID)
	assert.Equal(t, outbox.StatusDLQ, listed[0].Status)
	assert.Equal(t, "max attempts exceeded", listed[0].DLQReason)
}

func TestManager_RedriveResetsAttemptBudget(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 12, 8, 0, 0, 0, time.UTC)
	redriveAt := now.Add(time.Hour)
	store := outbox.NewMemoryStore()

	event := quarantinedEvent(t, store, now, "max attempts exceeded")

	manager, err := NewManager(store, WithNowFunc(func() time.Time { return redriveAt }))
	require.NoError(t, err)

	redriven, err := manager.Redrive(context.Background(), []uuid.UUID{event.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, redriven)

	stored, err := store.GetByID(context.Background(), testTenantID, event.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, stored.Status)
	assert.Zero(t, stored.AttemptCount)
	assert.Empty(t, stored.DLQReason)
	assert.Nil(t, stored.FailedAt)
	assert.Equal(t, redriveAt, stored.NextAttemptAt)

	// Immediately claimable again.
	claimed, err := store.ClaimBatch(context.Background(), "worker-2", 1, time.Minute, redriveAt)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, event.ID, claimed[0].ID)
}

func TestManager_RedriveSkipsNonDLQRows(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 12, 8, 0, 0, 0, time.UTC)
	store := outbox.NewMemoryStore()

	quarantined := quarantinedEvent(t, store, now, "max attempts exceeded")

	pending, err := outbox.NewEvent(
		testTenantID, "farm-1", "barn-1", "device-1", "",
		"feeding.delivered",
		now,
		"trace-2",
		json.RawMessage(`{"feed_kg":12}`),
	)
	require.NoError(t, err)

	_, err = store.Insert(context.Background(), pending)
	require.NoError(t, err)

	manager, err := NewManager(store)
	require.NoError(t, err)

	redriven, err := manager.Redrive(context.Background(), []uuid.UUID{quarantined.ID, pending.ID, uuid.New()})
	require.NoError(t, err)
	assert.Equal(t, 1, redriven)
}

func TestManager_RedriveEmptyIDs(t *testing.T) {
	t.Parallel()

	manager, err := NewManager(outbox.NewMemoryStore())
	require.NoError(t, err)

	redriven, err := manager.Redrive(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, redriven)
}

func TestManager_RedriveAll(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 12, 8, 0, 0, 0, time.UTC)
	store := outbox.NewMemoryStore()

	for i := 0; i < 3; i++ {
		quarantinedEvent(t, store, now.Add(time.Duration(i)*time.Minute), "max attempts exceeded")
	}

	manager, err := NewManager(store)
	require.NoError(t, err)

	redriven, err := manager.RedriveAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, redriven)

	remaining, err := manager.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}
