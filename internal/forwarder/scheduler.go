package forwarder

import (
	"context"
	"strings"
	"time"

	"github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/outbox"
)

// Scheduler leases claimable outbox rows for one worker. It is a thin wrapper
// over Store.ClaimBatch that stamps the worker identity and lease duration so
// callers cannot claim with mismatched parameters.
//
// Claiming relies on the store skipping rows locked by concurrent claimers, so
// several schedulers can run against the same table without coordination.
type Scheduler struct {
	store         outbox.Store
	workerID      string
	leaseDuration time.Duration
	clock         Clock
}

// NewScheduler creates a scheduler for workerID with the given lease duration.
func NewScheduler(store outbox.Store, workerID string, leaseDuration time.Duration, clock Clock) (*Scheduler, error) {
	if store == nil {
		return nil, outbox.ErrStoreRequired
	}

	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return nil, outbox.ErrWorkerIDRequired
	}

	if leaseDuration <= 0 {
		return nil, outbox.ErrLeaseMustBePositive
	}

	if clock == nil {
		clock = SystemClock()
	}

	return &Scheduler{
		store:         store,
		workerID:      workerID,
		leaseDuration: leaseDuration,
		clock:         clock,
	}, nil
}

// Claim leases up to limit due rows to this scheduler's worker.
func (scheduler *Scheduler) Claim(ctx context.Context, limit int) ([]*outbox.Event, error) {
	return scheduler.store.ClaimBatch(ctx, scheduler.workerID, limit, scheduler.leaseDuration, scheduler.clock.Now())
}

// WorkerID returns the identity stamped on claimed rows.
func (scheduler *Scheduler) WorkerID() string { return scheduler.workerID }
