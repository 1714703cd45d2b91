// Package dlq provides operator tooling over quarantined outbox events.
//
// Quarantined rows are invisible to the claim scheduler; they leave the DLQ
// only through an explicit redrive, which resets the attempt counter so the
// event gets a full fresh retry budget.
package dlq

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/log"
	"github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/outbox"
)

// DefaultListLimit bounds a List call when the caller passes no limit.
const DefaultListLimit = 100

// Manager inspects and redrives quarantined outbox events.
type Manager struct {
	store  outbox.Store
	logger log.Logger
	now    func() time.Time
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithLogger attaches a logger.
func WithLogger(logger log.Logger) ManagerOption {
	return func(manager *Manager) {
		if logger != nil {
			manager.logger = logger
		}
	}
}

// WithNowFunc injects the clock used to stamp redriven rows.
func WithNowFunc(now func() time.Time) ManagerOption {
	return func(manager *Manager) {
		if now != nil {
			manager.now = now
		}
	}
}

// NewManager creates a DLQ manager over store.
func NewManager(store outbox.Store, opts ...ManagerOption) (*Manager, error) {
	if store == nil {
		return nil, outbox.ErrStoreRequired
	}

	manager := &Manager{
		store:  store,
		logger: log.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		if opt != nil {
			opt(manager)
		}
	}

	return manager, nil
}

// List returns quarantined events, most recently failed first.
func (manager *Manager) List(ctx context.Context, limit int) ([]*outbox.Event, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	events, err := manager.store.ListDLQ(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list dlq events: %w", err)
	}

	return events, nil
}

// Redrive returns the given quarantined events to the claimable pool with a
// fresh attempt budget. IDs that are not in the DLQ are skipped; the returned
// count is how many rows actually moved.
func (manager *Manager) Redrive(ctx context.Context, ids []uuid.UUID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	redriven, err := manager.store.Redrive(ctx, ids, manager.now())
	if err != nil {
		return 0, fmt.Errorf("redrive dlq events: %w", err)
	}

	manager.logger.Log(ctx, log.LevelInfo, "redrove dlq events",
		log.Int("requested", len(ids)),
		log.Int("redriven", redriven),
	)

	return redriven, nil
}

// RedriveAll redrives every currently quarantined event, in list order.
func (manager *Manager) RedriveAll(ctx context.Context) (int, error) {
	total := 0

	for {
		events, err := manager.store.ListDLQ(ctx, DefaultListLimit)
		if err != nil {
			return total, fmt.Errorf("list dlq events: %w", err)
		}

		if len(events) == 0 {
			return total, nil
		}

		ids := make([]uuid.UUID, 0, len(events))
		for _, event := range events {
			ids = append(ids, event.ID)
		}

		redriven, err := manager.Redrive(ctx, ids)
		if err != nil {
			return total, err
		}

		total += redriven

		// Nothing moved despite a non-empty list: stop rather than spin.
		if redriven == 0 {
			return total, nil
		}
	}
}
