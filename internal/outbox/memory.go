package outbox

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for tests and single-node tooling. It
// honors the same state machine and compare-and-set semantics as the
// PostgreSQL store.
type MemoryStore struct {
	mu     sync.Mutex
	events map[uuid.UUID]*Event
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory outbox store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[uuid.UUID]*Event)}
}

func (store *MemoryStore) Insert(_ context.Context, event *Event) (*Event, error) {
	if event == nil {
		return nil, ErrEventRequired
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	clone := *event
	store.events[event.ID] = &clone

	return event, nil
}

// InsertTx ignores the transaction; in-memory writes are atomic already.
func (store *MemoryStore) InsertTx(ctx context.Context, _ Tx, event *Event) (*Event, error) {
	return store.Insert(ctx, event)
}

func (store *MemoryStore) GetByID(_ context.Context, tenantID string, id uuid.UUID) (*Event, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	event, ok := store.events[id]
	if !ok || event.TenantID != tenantID {
		return nil, ErrNotFound
	}

	clone := *event

	return &clone, nil
}

func (store *MemoryStore) ClaimBatch(
	_ context.Context,
	workerID string,
	limit int,
	leaseDuration time.Duration,
	now time.Time,
) ([]*Event, error) {
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return nil, ErrWorkerIDRequired
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	if leaseDuration <= 0 {
		return nil, ErrLeaseMustBePositive
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	var claimable []*Event

	for _, event := range store.events {
		if event.Status == StatusPending && !event.NextAttemptAt.After(now) {
			claimable = append(claimable, event)
		}
	}

	sort.Slice(claimable, func(i, j int) bool {
		if claimable[i].Priority != claimable[j].Priority {
			return claimable[i].Priority > claimable[j].Priority
		}

		return claimable[i].OccurredAt.Before(claimable[j].OccurredAt)
	})

	if len(claimable) > limit {
		claimable = claimable[:limit]
	}

	leaseUntil := now.Add(leaseDuration)
	claimed := make([]*Event, 0, len(claimable))

	for _, event := range claimable {
		event.Status = StatusClaimed
		event.ClaimedBy = workerID
		claimedAt := now
		event.ClaimedAt = &claimedAt
		expires := leaseUntil
		event.LeaseExpiresAt = &expires
		event.UpdatedAt = now

		clone := *event
		claimed = append(claimed, &clone)
	}

	return claimed, nil
}

func (store *MemoryStore) MarkSending(_ context.Context, id uuid.UUID, workerID string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	event, ok := store.events[id]
	if !ok || event.Status != StatusClaimed || event.ClaimedBy != workerID {
		return ErrStateConflict
	}

	event.Status = StatusSending
	event.UpdatedAt = time.Now().UTC()

	return nil
}

func (store *MemoryStore) MarkAcked(_ context.Context, id uuid.UUID) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	event, ok := store.events[id]
	if !ok || event.Status != StatusSending {
		return ErrStateConflict
	}

	now := time.Now().UTC()
	event.Status = StatusAcked
	event.ClaimedBy = ""
	event.ClaimedAt = nil
	event.LeaseExpiresAt = nil
	event.LastAttemptAt = &now
	event.UpdatedAt = now

	return nil
}

func (store *MemoryStore) Reschedule(_ context.Context, id uuid.UUID, workerID string, nextAttemptAt time.Time, errorCode, errorMessage string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	event, ok := store.events[id]
	if !ok || event.Status != StatusSending || event.ClaimedBy != workerID {
		return ErrStateConflict
	}

	now := time.Now().UTC()
	event.Status = StatusPending
	event.NextAttemptAt = nextAttemptAt
	event.AttemptCount++
	event.LastAttemptAt = &now
	event.LastErrorCode = errorCode
	event.LastErrorMessage = SanitizeErrorMessage(errorMessage)
	event.ClaimedBy = ""
	event.ClaimedAt = nil
	event.LeaseExpiresAt = nil
	event.UpdatedAt = now

	return nil
}

func (store *MemoryStore) MoveToDLQ(_ context.Context, id uuid.UUID, workerID, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return ErrDLQReasonRequired
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	event, ok := store.events[id]
	if !ok || (event.Status != StatusSending && event.Status != StatusFailed) {
		return ErrStateConflict
	}

	if event.Status == StatusSending {
		if event.ClaimedBy != workerID {
			return ErrStateConflict
		}

		// The in-flight attempt ended here; it counts toward the tally.
		event.AttemptCount++
	}

	now := time.Now().UTC()
	event.Status = StatusDLQ
	event.DLQReason = SanitizeErrorMessage(reason)
	event.FailedAt = &now
	event.LastAttemptAt = &now
	event.ClaimedBy = ""
	event.ClaimedAt = nil
	event.LeaseExpiresAt = nil
	event.UpdatedAt = now

	return nil
}

func (store *MemoryStore) ReclaimExpiredLeases(_ context.Context, now time.Time) (int, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	reclaimed := 0

	for _, event := range store.events {
		if (event.Status == StatusClaimed || event.Status == StatusSending) &&
			event.LeaseExpiresAt != nil && event.LeaseExpiresAt.Before(now) {
			event.Status = StatusPending
			event.ClaimedBy = ""
			event.ClaimedAt = nil
			event.LeaseExpiresAt = nil
			event.UpdatedAt = now

			reclaimed++
		}
	}

	return reclaimed, nil
}

func (store *MemoryStore) ListDLQ(_ context.Context, limit int) ([]*Event, error) {
	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	var quarantined []*Event

	for _, event := range store.events {
		if event.Status == StatusDLQ {
			clone := *event
			quarantined = append(quarantined, &clone)
		}
	}

	sort.Slice(quarantined, func(i, j int) bool {
		left, right := quarantined[i].FailedAt, quarantined[j].FailedAt
		if left == nil || right == nil {
			return right == nil
		}

		return left.After(*right)
	})

	if len(quarantined) > limit {
		quarantined = quarantined[:limit]
	}

	return quarantined, nil
}

func (store *MemoryStore) Redrive(_ context.Context, ids []uuid.UUID, now time.Time) (int, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	redriven := 0

	for _, id := range ids {
		event, ok := store.events[id]
		if !ok || event.Status != StatusDLQ {
			continue
		}

		event.Status = StatusPending
		event.AttemptCount = 0
		event.NextAttemptAt = now
		event.ClaimedBy = ""
		event.ClaimedAt = nil
		event.LeaseExpiresAt = nil
		event.LastErrorCode = ""
		event.LastErrorMessage = ""
		event.FailedAt = nil
		event.DLQReason = ""
		event.UpdatedAt = now

		redriven++
	}

	return redriven, nil
}

func (store *MemoryStore) CountPending(_ context.Context) (int, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	count := 0

	for _, event := range store.events {
		if event.Status == StatusPending {
			count++
		}
	}

	return count, nil
}
