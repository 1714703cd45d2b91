//go:build integration

package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/log"
	"github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/outbox"
	libPostgres "github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/postgres"
)

const outboxTestSchema = `
CREATE TABLE outbox_events (
    id                 UUID PRIMARY KEY,
    tenant_id          TEXT        NOT NULL,
    farm_id            TEXT        NOT NULL,
    barn_id            TEXT        NOT NULL,
    device_id          TEXT        NOT NULL,
    session_id         TEXT,
    event_type         TEXT        NOT NULL,
    occurred_at        TIMESTAMPTZ NOT NULL,
    trace_id           TEXT        NOT NULL,
    payload            JSONB       NOT NULL,
    payload_size_bytes INTEGER     NOT NULL DEFAULT 0,
    priority           INTEGER     NOT NULL DEFAULT 0,
    status             TEXT        NOT NULL DEFAULT 'PENDING',
    next_attempt_at    TIMESTAMPTZ NOT NULL,
    claimed_by         TEXT,
    claimed_at         TIMESTAMPTZ,
    lease_expires_at   TIMESTAMPTZ,
    attempt_count      INTEGER     NOT NULL DEFAULT 0,
    last_attempt_at    TIMESTAMPTZ,
    last_error_code    TEXT,
    last_error_message TEXT,
    failed_at          TIMESTAMPTZ,
    dlq_reason         TEXT,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    CONSTRAINT outbox_events_tenant_unique UNIQUE (tenant_id, id)
);
`

type repoFixture struct {
	ctx  context.Context
	conn *libPostgres.Connection
	repo *Repository
}

func newRepoFixture(t *testing.T) *repoFixture {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(ctx))
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	conn := &libPostgres.Connection{
		ConnectionStringPrimary: dsn,
		ConnectionStringReplica: dsn,
		PrimaryDBName:           "testdb",
		Logger:                  log.NewNop(),
	}
	require.NoError(t, conn.Connect(ctx))
	t.Cleanup(func() {
		if err := conn.Close(); err != nil {
			t.Errorf("cleanup: close connection: %v", err)
		}
	})

	db, err := conn.GetDB(ctx)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, outboxTestSchema)
	require.NoError(t, err)

	repo, err := NewRepository(conn, WithLogger(log.NewNop()))
	require.NoError(t, err)

	return &repoFixture{ctx: ctx, conn: conn, repo: repo}
}

func insertTestEvent(t *testing.T, fx *repoFixture, eventType string, priority int) *outbox.Event {
	t.Helper()

	event, err := outbox.NewEvent(
		"tenant-a", "farm-1", "barn-1", "scale-7", "",
		eventType,
		time.Now().UTC().Add(-time.Minute),
		uuid.NewString(),
		json.RawMessage(`{"weight_kg": 41.2}`),
	)
	require.NoError(t, err)

	event.Priority = priority

	_, err = fx.repo.Insert(fx.ctx, event)
	require.NoError(t, err)

	return event
}

func TestIntegration_ClaimBatch_LeasesPendingRows(t *testing.T) {
	fx := newRepoFixture(t)

	insertTestEvent(t, fx, "weighing.session.closed", 0)
	insertTestEvent(t, fx, "feeding.meal.dispensed", 5)

	now := time.Now().UTC()

	claimed, err := fx.repo.ClaimBatch(fx.ctx, "worker-1", 10, time.Minute, now)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	// Higher priority first.
	assert.Equal(t, "feeding.meal.dispensed", claimed[0].EventType)

	for _, event := range claimed {
		assert.Equal(t, outbox.StatusClaimed, event.Status)
		assert.Equal(t, "worker-1", event.ClaimedBy)
		require.NotNil(t, event.LeaseExpiresAt)
		assert.True(t, event.LeaseExpiresAt.After(now))
	}

	// A second claimer sees nothing while leases are held.
	again, err := fx.repo.ClaimBatch(fx.ctx, "worker-2", 10, time.Minute, now)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestIntegration_ClaimBatch_SkipsFutureRows(t *testing.T) {
	fx := newRepoFixture(t)

	event := insertTestEvent(t, fx, "weighing.session.closed", 0)

	past := event.NextAttemptAt.Add(-time.Hour)

	claimed, err := fx.repo.ClaimBatch(fx.ctx, "worker-1", 10, time.Minute, past)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestIntegration_MarkSending_RequiresClaimOwner(t *testing.T) {
	fx := newRepoFixture(t)

	event := insertTestEvent(t, fx, "weighing.session.closed", 0)

	now := time.Now().UTC()

	_, err := fx.repo.ClaimBatch(fx.ctx, "worker-1", 1, time.Minute, now)
	require.NoError(t, err)

	err = fx.repo.MarkSending(fx.ctx, event.ID, "worker-2")
	assert.ErrorIs(t, err, outbox.ErrStateConflict)

	require.NoError(t, fx.repo.MarkSending(fx.ctx, event.ID, "worker-1"))

	// Second transition attempt hits the CAS guard.
	err = fx.repo.MarkSending(fx.ctx, event.ID, "worker-1")
	assert.ErrorIs(t, err, outbox.ErrStateConflict)
}

func TestIntegration_AckedIsTerminal(t *testing.T) {
	fx := newRepoFixture(t)

	event := insertTestEvent(t, fx, "weighing.session.closed", 0)

	now := time.Now().UTC()

	_, err := fx.repo.ClaimBatch(fx.ctx, "worker-1", 1, time.Minute, now)
	require.NoError(t, err)
	require.NoError(t, fx.repo.MarkSending(fx.ctx, event.ID, "worker-1"))
	require.NoError(t, fx.repo.MarkAcked(fx.ctx, event.ID))

	stored, err := fx.repo.GetByID(fx.ctx, "tenant-a", event.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusAcked, stored.Status)
	assert.Empty(t, stored.ClaimedBy)

	// Acked rows never re-enter the claim pool.
	claimed, err := fx.repo.ClaimBatch(fx.ctx, "worker-1", 10, time.Minute, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, claimed)

	err = fx.repo.MarkAcked(fx.ctx, event.ID)
	assert.ErrorIs(t, err, outbox.ErrStateConflict)
}

func TestIntegration_Reschedule_IncrementsAttempts(t *testing.T) {
	fx := newRepoFixture(t)

	event := insertTestEvent(t, fx, "weighing.session.closed", 0)

	now := time.Now().UTC()
	retryAt := now.Add(30 * time.Second)

	_, err := fx.repo.ClaimBatch(fx.ctx, "worker-1", 1, time.Minute, now)
	require.NoError(t, err)
	require.NoError(t, fx.repo.MarkSending(fx.ctx, event.ID, "worker-1"))
	require.NoError(t, fx.repo.Reschedule(fx.ctx, event.ID, "worker-1", retryAt, "HTTP_503", "service unavailable"))

	stored, err := fx.repo.GetByID(fx.ctx, "tenant-a", event.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, stored.Status)
	assert.Equal(t, 1, stored.AttemptCount)
	assert.Equal(t, "HTTP_503", stored.LastErrorCode)
	assert.Empty(t, stored.ClaimedBy)
	assert.Nil(t, stored.LeaseExpiresAt)

	// Not due yet.
	claimed, err := fx.repo.ClaimBatch(fx.ctx, "worker-1", 10, time.Minute, now)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	claimed, err = fx.repo.ClaimBatch(fx.ctx, "worker-1", 10, time.Minute, retryAt.Add(time.Second))
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
}

func TestIntegration_StaleWorkerCannotMutateReclaimedRow(t *testing.T) {
	fx := newRepoFixture(t)

	event := insertTestEvent(t, fx, "weighing.session.closed", 0)

	now := time.Now().UTC()

	_, err := fx.repo.ClaimBatch(fx.ctx, "worker-1", 1, 10*time.Second, now)
	require.NoError(t, err)
	require.NoError(t, fx.repo.MarkSending(fx.ctx, event.ID, "worker-1"))

	// worker-1 stalls past its lease; the sweep hands the row to worker-2.
	reclaimed, err := fx.repo.ReclaimExpiredLeases(fx.ctx, now.Add(11*time.Second))
	require.NoError(t, err)
	require.Equal(t, 1, reclaimed)

	_, err = fx.repo.ClaimBatch(fx.ctx, "worker-2", 1, time.Minute, now.Add(11*time.Second))
	require.NoError(t, err)
	require.NoError(t, fx.repo.MarkSending(fx.ctx, event.ID, "worker-2"))

	err = fx.repo.Reschedule(fx.ctx, event.ID, "worker-1", now.Add(time.Minute), "HTTP_503", "service unavailable")
	assert.ErrorIs(t, err, outbox.ErrStateConflict)

	err = fx.repo.MoveToDLQ(fx.ctx, event.ID, "worker-1", "max attempts exceeded")
	assert.ErrorIs(t, err, outbox.ErrStateConflict)

	stored, err := fx.repo.GetByID(fx.ctx, "tenant-a", event.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusSending, stored.Status)
	assert.Equal(t, "worker-2", stored.ClaimedBy)
	assert.Zero(t, stored.AttemptCount)
}

func TestIntegration_ReclaimExpiredLeases(t *testing.T) {
	fx := newRepoFixture(t)

	event := insertTestEvent(t, fx, "weighing.session.closed", 0)

	now := time.Now().UTC()

	_, err := fx.repo.ClaimBatch(fx.ctx, "worker-1", 1, 10*time.Second, now)
	require.NoError(t, err)

	// Lease still live.
	reclaimed, err := fx.repo.ReclaimExpiredLeases(fx.ctx, now.Add(5*time.Second))
	require.NoError(t, err)
	assert.Zero(t, reclaimed)

	reclaimed, err = fx.repo.ReclaimExpiredLeases(fx.ctx, now.Add(11*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)

	stored, err := fx.repo.GetByID(fx.ctx, "tenant-a", event.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, stored.Status)
	assert.Zero(t, stored.AttemptCount)
	assert.Empty(t, stored.ClaimedBy)
}

func TestIntegration_DLQAndRedrive(t *testing.T) {
	fx := newRepoFixture(t)

	event := insertTestEvent(t, fx, "weighing.session.closed", 0)

	now := time.Now().UTC()

	_, err := fx.repo.ClaimBatch(fx.ctx, "worker-1", 1, time.Minute, now)
	require.NoError(t, err)
	require.NoError(t, fx.repo.MarkSending(fx.ctx, event.ID, "worker-1"))
	require.NoError(t, fx.repo.MoveToDLQ(fx.ctx, event.ID, "worker-1", "max attempts exceeded"))

	// Quarantined rows are invisible to the claimer.
	claimed, err := fx.repo.ClaimBatch(fx.ctx, "worker-1", 10, time.Minute, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, claimed)

	listed, err := fx.repo.ListDLQ(fx.ctx, 10)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "max attempts exceeded", listed[0].DLQReason)
	assert.Equal(t, 1, listed[0].AttemptCount)
	require.NotNil(t, listed[0].FailedAt)

	redriven, err := fx.repo.Redrive(fx.ctx, []uuid.UUID{event.ID}, now)
	require.NoError(t, err)
	assert.Equal(t, 1, redriven)

	stored, err := fx.repo.GetByID(fx.ctx, "tenant-a", event.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, stored.Status)
	assert.Zero(t, stored.AttemptCount)
	assert.Empty(t, stored.DLQReason)
	assert.Nil(t, stored.FailedAt)

	// Redrive only touches quarantined rows.
	redriven, err = fx.repo.Redrive(fx.ctx, []uuid.UUID{event.ID}, now)
	require.NoError(t, err)
	assert.Zero(t, redriven)
}

func TestIntegration_CountPending(t *testing.T) {
	fx := newRepoFixture(t)

	insertTestEvent(t, fx, "weighing.session.closed", 0)
	insertTestEvent(t, fx, "feeding.meal.dispensed", 0)

	count, err := fx.repo.CountPending(fx.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
