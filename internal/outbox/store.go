package outbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Tx aliases *sql.Tx so producers can enqueue events inside their own
// business transaction without an adapter layer.
type Tx = *sql.Tx

// Store defines persistence operations for outbox events.
//
// Every single-row mutation is compare-and-set: the implementation must verify
// the row is still in the expected status before applying, so a worker acting
// on a stale read cannot clobber a state change made by another worker or the
// lease-reclaim sweep. A failed guard surfaces as ErrStateConflict.
type Store interface {
	// Insert persists a new pending event.
	Insert(ctx context.Context, event *Event) (*Event, error)
	// InsertTx persists a new pending event inside the caller's transaction.
	InsertTx(ctx context.Context, tx Tx, event *Event) (*Event, error)
	// GetByID fetches one event.
	GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*Event, error)

	// ClaimBatch atomically leases up to limit claimable rows
	// (status=PENDING, next_attempt_at<=now, ordered by priority DESC,
	// occurred_at ASC) to workerID until now+leaseDuration. Rows locked by a
	// concurrent claimer are skipped, never blocked on.
	ClaimBatch(ctx context.Context, workerID string, limit int, leaseDuration time.Duration, now time.Time) ([]*Event, error)

	// MarkSending records that network I/O for a claimed row has started.
	MarkSending(ctx context.Context, id uuid.UUID, workerID string) error
	// MarkAcked finalizes a delivered row. Claim fields are cleared.
	MarkAcked(ctx context.Context, id uuid.UUID) error
	// Reschedule returns a sending row owned by workerID to the pool after a
	// transient failure, incrementing attempt_count and recording the failure.
	Reschedule(ctx context.Context, id uuid.UUID, workerID string, nextAttemptAt time.Time, errorCode, errorMessage string) error
	// MoveToDLQ quarantines a row. A SENDING row must still be owned by
	// workerID and its in-flight attempt is counted; a FAILED row carries no
	// claim and moves regardless of workerID. DLQ rows are invisible to
	// ClaimBatch until an explicit Redrive.
	MoveToDLQ(ctx context.Context, id uuid.UUID, workerID, reason string) error

	// ReclaimExpiredLeases resets CLAIMED/SENDING rows whose lease lapsed
	// before now back to PENDING, clearing claim fields without touching
	// attempt_count. Returns the number of reclaimed rows.
	ReclaimExpiredLeases(ctx context.Context, now time.Time) (int, error)

	// ListDLQ returns quarantined rows ordered by failed_at DESC.
	ListDLQ(ctx context.Context, limit int) ([]*Event, error)
	// Redrive resets DLQ rows to PENDING with attempt_count = 0 and
	// next_attempt_at = now, clearing error, claim and dlq fields. Returns the
	// number of redriven rows.
	Redrive(ctx context.Context, ids []uuid.UUID, now time.Time) (int, error)

	// CountPending reports the current claimable backlog.
	CountPending(ctx context.Context) (int, error)
}
