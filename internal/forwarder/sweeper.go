package forwarder

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/log"
	"github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/outbox"
	"github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/runtime"
)

// Sweeper periodically returns rows whose lease lapsed to the claimable pool,
// so events claimed by a crashed worker are not stranded. Sweeping never
// touches attempt_count: a dead worker is not a delivery failure.
type Sweeper struct {
	store    outbox.Store
	interval time.Duration
	clock    Clock
	logger   log.Logger

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	sweepWg    sync.WaitGroup
}

// SweeperOption customizes a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweeperClock injects a deterministic clock for tests.
func WithSweeperClock(clock Clock) SweeperOption {
	return func(sweeper *Sweeper) {
		if clock != nil {
			sweeper.clock = clock
		}
	}
}

// WithSweeperInterval overrides the leaseDuration/2 default. Intervals longer
// than the lease delay reclaims; shorter ones just add load.
func WithSweeperInterval(interval time.Duration) SweeperOption {
	return func(sweeper *Sweeper) {
		if interval > 0 {
			sweeper.interval = interval
		}
	}
}

// WithSweeperLogger attaches a logger.
func WithSweeperLogger(logger log.Logger) SweeperOption {
	return func(sweeper *Sweeper) {
		if logger != nil {
			sweeper.logger = logger
		}
	}
}

// NewSweeper creates a sweeper that runs every leaseDuration/2, so an expired
// lease is reclaimed at most half a lease after it lapses.
func NewSweeper(store outbox.Store, leaseDuration time.Duration, opts ...SweeperOption) (*Sweeper, error) {
	if store == nil {
		return nil, outbox.ErrStoreRequired
	}

	if leaseDuration <= 0 {
		return nil, outbox.ErrLeaseMustBePositive
	}

	sweeper := &Sweeper{
		store:    store,
		interval: leaseDuration / 2,
		clock:    SystemClock(),
		logger:   log.NewNop(),
		stop:     make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(sweeper)
		}
	}

	return sweeper, nil
}

// Interval returns the sweep period.
func (sweeper *Sweeper) Interval() time.Duration { return sweeper.interval }

// Run sweeps on the configured interval until Stop is called or ctx is
// cancelled. Only one loop may run at a time.
func (sweeper *Sweeper) Run(parentCtx context.Context) error {
	if sweeper == nil {
		return ErrSweeperRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !sweeper.registerRun(cancel) {
		cancel()

		return ErrSweeperRunning
	}

	defer sweeper.clearRun()

	sweeper.logger.Log(ctx, log.LevelInfo, "lease sweeper started",
		log.String("interval", sweeper.interval.String()),
	)
	defer sweeper.logger.Log(context.Background(), log.LevelInfo, "lease sweeper stopped")

	defer runtime.RecoverAndLog(ctx, sweeper.logger, "forwarder", "sweeper_run")

	ticker := time.NewTicker(sweeper.interval)
	defer ticker.Stop()

	for {
		select {
		case <-sweeper.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			select {
			case <-sweeper.stop:
				return nil
			case <-ctx.Done():
				return nil
			default:
			}

			func() {
				sweeper.sweepWg.Add(1)
				defer sweeper.sweepWg.Done()
				defer runtime.RecoverAndLog(ctx, sweeper.logger, "forwarder", "sweeper_tick")

				if _, err := sweeper.SweepOnce(ctx); err != nil {
					log.SafeError(sweeper.logger, ctx, "lease sweep failed", err)
				}
			}()
		}
	}
}

// SweepOnce reclaims expired leases and reports how many rows were returned
// to the pool.
func (sweeper *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	reclaimed, err := sweeper.store.ReclaimExpiredLeases(ctx, sweeper.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("reclaim expired leases: %w", err)
	}

	if reclaimed > 0 {
		// A reclaim means a worker died or stalled past its lease.
		sweeper.logger.Log(ctx, log.LevelWarn, "reclaimed expired outbox leases",
			log.Int("reclaimed", reclaimed),
		)
	}

	return reclaimed, nil
}

// Stop signals the sweep loop to stop.
func (sweeper *Sweeper) Stop() {
	if sweeper == nil {
		return
	}

	sweeper.stopOnce.Do(func() {
		sweeper.runStateMu.Lock()
		cancel := sweeper.cancelFunc
		stop := sweeper.stop
		if stop == nil {
			stop = make(chan struct{})
			sweeper.stop = stop
		}
		sweeper.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(stop)
	})
}

// Shutdown stops the loop and waits for an in-flight sweep to finish.
func (sweeper *Sweeper) Shutdown(ctx context.Context) error {
	if sweeper == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	sweeper.Stop()

	done := make(chan struct{})

	runtime.SafeGo(sweeper.logger, "forwarder.sweeper_shutdown_wait", func() {
		sweeper.sweepWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sweeper shutdown: %w", ctx.Err())
	}
}

func (sweeper *Sweeper) registerRun(cancel context.CancelFunc) bool {
	sweeper.runStateMu.Lock()
	defer sweeper.runStateMu.Unlock()

	if sweeper.running {
		return false
	}

	if sweeper.stop == nil || isClosedSignal(sweeper.stop) {
		sweeper.stop = make(chan struct{})
		sweeper.stopOnce = sync.Once{}
	}

	sweeper.running = true
	sweeper.cancelFunc = cancel

	return true
}

func (sweeper *Sweeper) clearRun() {
	sweeper.runStateMu.Lock()
	defer sweeper.runStateMu.Unlock()

	sweeper.running = false
	sweeper.cancelFunc = nil
}
