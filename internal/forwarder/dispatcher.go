package forwarder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/backoff"
	"github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/log"
	"github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/outbox"
	"github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/runtime"
)

// Dispatcher drains claimed outbox events toward the ingestion boundary on a
// fixed interval.
type Dispatcher struct {
	store     outbox.Store
	scheduler *Scheduler
	sender    Sender
	logger    log.Logger
	tracer    trace.Tracer
	clock     Clock
	rng       backoff.RandFunc
	cfg       Config

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	dispatchWg sync.WaitGroup

	metrics forwarderMetrics
}

// DispatchResult captures one dispatch cycle outcome.
type DispatchResult struct {
	Claimed      int
	Acked        int
	Rescheduled  int
	DeadLettered int
}

func (result *DispatchResult) add(other DispatchResult) {
	result.Claimed += other.Claimed
	result.Acked += other.Acked
	result.Rescheduled += other.Rescheduled
	result.DeadLettered += other.DeadLettered
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithConfig replaces the default dispatcher configuration.
func WithConfig(cfg Config) DispatcherOption {
	return func(dispatcher *Dispatcher) { dispatcher.cfg = cfg }
}

// WithClock injects a deterministic clock for tests.
func WithClock(clock Clock) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if clock != nil {
			dispatcher.clock = clock
		}
	}
}

// WithRand injects the jitter source for retry delays.
func WithRand(rng backoff.RandFunc) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if rng != nil {
			dispatcher.rng = rng
		}
	}
}

// NewDispatcher creates a dispatcher over store that delivers through sender.
func NewDispatcher(
	store outbox.Store,
	sender Sender,
	logger log.Logger,
	tracer trace.Tracer,
	opts ...DispatcherOption,
) (*Dispatcher, error) {
	if store == nil {
		return nil, outbox.ErrStoreRequired
	}

	if sender == nil {
		return nil, ErrSenderRequired
	}

	if logger == nil {
		logger = log.NewNop()
	}

	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("forwarder.noop")
	}

	dispatcher := &Dispatcher{
		store:  store,
		sender: sender,
		logger: logger,
		tracer: tracer,
		clock:  SystemClock(),
		rng:    backoff.CryptoRand,
		cfg:    DefaultConfig(),
		stop:   make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(dispatcher)
		}
	}

	dispatcher.cfg.normalize()

	scheduler, err := NewScheduler(store, dispatcher.cfg.WorkerID, dispatcher.cfg.LeaseDuration, dispatcher.clock)
	if err != nil {
		return nil, err
	}

	dispatcher.scheduler = scheduler

	metrics, err := newForwarderMetrics(dispatcher.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init forwarder metrics: %w", err)
	}

	dispatcher.metrics = metrics

	return dispatcher, nil
}

// Run starts the dispatch loop until Stop is called.
func (dispatcher *Dispatcher) Run() error {
	return dispatcher.RunContext(context.Background())
}

// RunContext starts the dispatch loop until Stop is called or ctx is
// cancelled. Only one loop may run at a time.
func (dispatcher *Dispatcher) RunContext(parentCtx context.Context) error {
	if dispatcher == nil {
		return ErrDispatcherRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !dispatcher.registerRun(cancel) {
		cancel()

		return ErrDispatcherRunning
	}

	defer dispatcher.clearRun()

	dispatcher.logger.Log(ctx, log.LevelInfo, "forwarder dispatcher started",
		log.String("worker_id", dispatcher.cfg.WorkerID),
		log.Int("batch_size", dispatcher.cfg.BatchSize),
	)
	defer dispatcher.logger.Log(context.Background(), log.LevelInfo, "forwarder dispatcher stopped")

	defer runtime.RecoverAndLog(ctx, dispatcher.logger, "forwarder", "dispatcher_run")

	ticker := time.NewTicker(dispatcher.cfg.DispatchInterval)
	defer ticker.Stop()

	dispatcher.runCycle(ctx, "forwarder.dispatcher.initial_dispatch")

	for {
		select {
		case <-dispatcher.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			select {
			case <-dispatcher.stop:
				return nil
			case <-ctx.Done():
				return nil
			default:
			}

			dispatcher.runCycle(ctx, "forwarder.dispatcher.dispatch_once")
		}
	}
}

func (dispatcher *Dispatcher) runCycle(ctx context.Context, spanName string) {
	dispatcher.dispatchWg.Add(1)
	defer dispatcher.dispatchWg.Done()

	cycleCtx, span := dispatcher.tracer.Start(ctx, spanName)
	defer span.End()
	defer runtime.RecoverAndLog(cycleCtx, dispatcher.logger, "forwarder", "dispatcher_cycle")

	result := dispatcher.DispatchOnceResult(cycleCtx)
	span.SetAttributes(
		attribute.Int("forwarder.dispatch.claimed", result.Claimed),
		attribute.Int("forwarder.dispatch.acked", result.Acked),
		attribute.Int("forwarder.dispatch.rescheduled", result.Rescheduled),
		attribute.Int("forwarder.dispatch.dead_lettered", result.DeadLettered),
	)
}

// Stop signals the dispatch loop to stop.
func (dispatcher *Dispatcher) Stop() {
	if dispatcher == nil {
		return
	}

	dispatcher.stopOnce.Do(func() {
		dispatcher.runStateMu.Lock()
		cancel := dispatcher.cancelFunc
		stop := dispatcher.stop
		if stop == nil {
			stop = make(chan struct{})
			dispatcher.stop = stop
		}
		dispatcher.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(stop)
	})
}

// Shutdown stops the loop and waits for the in-flight cycle to finish.
func (dispatcher *Dispatcher) Shutdown(ctx context.Context) error {
	if dispatcher == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	dispatcher.Stop()

	done := make(chan struct{})

	runtime.SafeGo(dispatcher.logger, "forwarder.dispatcher_shutdown_wait", func() {
		dispatcher.dispatchWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

// DispatchOnce runs one dispatch cycle and returns how many rows were claimed.
func (dispatcher *Dispatcher) DispatchOnce(ctx context.Context) int {
	return dispatcher.DispatchOnceResult(ctx).Claimed
}

// DispatchOnceResult claims one batch, delivers it and applies per-event
// outcomes.
func (dispatcher *Dispatcher) DispatchOnceResult(ctx context.Context) DispatchResult {
	if dispatcher == nil || dispatcher.store == nil || dispatcher.sender == nil {
		return DispatchResult{}
	}

	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now().UTC()

	ctx, span := dispatcher.tracer.Start(ctx, "forwarder.dispatch")
	defer span.End()

	var result DispatchResult

	events, err := dispatcher.scheduler.Claim(ctx, dispatcher.cfg.BatchSize)
	if err != nil {
		log.SafeError(dispatcher.logger, ctx, "failed to claim outbox batch", err)

		return result
	}

	result.Claimed = len(events)

	if len(events) > 0 {
		var (
			outcomeMu sync.Mutex
			workerWg  sync.WaitGroup
		)

		for _, chunk := range chunkEvents(events, dispatcher.cfg.WorkerCount) {
			workerWg.Add(1)

			go func(chunk []*outbox.Event) {
				defer workerWg.Done()
				defer runtime.RecoverAndLog(ctx, dispatcher.logger, "forwarder", "dispatcher_worker")

				outcome := dispatcher.deliverChunk(ctx, chunk)

				outcomeMu.Lock()
				result.add(outcome)
				outcomeMu.Unlock()
			}(chunk)
		}

		workerWg.Wait()
	}

	dispatcher.recordCycle(ctx, result, time.Since(start).Seconds())

	return result
}

// deliverChunk posts one chunk as a single batch request and applies the
// per-event outcome. Rows that lost their claim between the claim query and
// MarkSending are skipped silently; another worker or the sweeper owns them
// now.
func (dispatcher *Dispatcher) deliverChunk(ctx context.Context, events []*outbox.Event) DispatchResult {
	var result DispatchResult

	sendable := make([]*outbox.Event, 0, len(events))

	for _, event := range events {
		if event == nil {
			continue
		}

		if err := dispatcher.store.MarkSending(ctx, event.ID, dispatcher.cfg.WorkerID); err != nil {
			if !errors.Is(err, outbox.ErrStateConflict) {
				log.SafeError(dispatcher.logger, ctx, "failed to mark outbox event sending", err)
			}

			continue
		}

		sendable = append(sendable, event)
	}

	if len(sendable) == 0 {
		return result
	}

	summary, err := dispatcher.sender.Send(ctx, sendable)
	if err != nil {
		return dispatcher.handleSendFailure(ctx, sendable, err)
	}

	rejected := make(map[string]string, len(summary.Errors))
	for _, eventErr := range summary.Errors {
		rejected[eventErr.EventID] = eventErr.Message
	}

	for _, event := range sendable {
		if reason, ok := rejected[event.ID.String()]; ok {
			if dispatcher.quarantine(ctx, event, "validation failure: "+reason) {
				result.DeadLettered++
			}

			continue
		}

		if err := dispatcher.store.MarkAcked(ctx, event.ID); err != nil {
			log.SafeError(dispatcher.logger, ctx, "failed to mark outbox event acked", err)

			continue
		}

		result.Acked++
	}

	return result
}

// handleSendFailure applies the whole-batch failure outcome. A terminal
// response quarantines every row; a transient one reschedules with
// exponential backoff, quarantining rows that exhausted their attempts.
func (dispatcher *Dispatcher) handleSendFailure(ctx context.Context, events []*outbox.Event, sendErr error) DispatchResult {
	var result DispatchResult

	log.SafeError(dispatcher.logger, ctx, "batch delivery failed", sendErr)

	if !Transient(sendErr) {
		reason := outbox.SanitizeErrorMessage("receiver rejected batch: " + sendErr.Error())

		for _, event := range events {
			if dispatcher.quarantine(ctx, event, reason) {
				result.DeadLettered++
			}
		}

		return result
	}

	errorCode := sendErrorCode(sendErr)
	errorMessage := sendErr.Error()

	for _, event := range events {
		attempt := event.AttemptCount + 1

		if attempt >= dispatcher.cfg.MaxAttempts {
			if dispatcher.quarantine(ctx, event, "max attempts exceeded") {
				result.DeadLettered++
			}

			continue
		}

		delaySeconds := backoff.RetryDelaySeconds(
			attempt,
			dispatcher.cfg.BackoffCapSeconds,
			dispatcher.cfg.BackoffJitterRatio,
			dispatcher.rng,
		)
		nextAttemptAt := dispatcher.clock.Now().Add(time.Duration(delaySeconds) * time.Second)

		if err := dispatcher.store.Reschedule(ctx, event.ID, dispatcher.cfg.WorkerID, nextAttemptAt, errorCode, errorMessage); err != nil {
			log.SafeError(dispatcher.logger, ctx, "failed to reschedule outbox event", err)

			continue
		}

		result.Rescheduled++
	}

	return result
}

func (dispatcher *Dispatcher) quarantine(ctx context.Context, event *outbox.Event, reason string) bool {
	if err := dispatcher.store.MoveToDLQ(ctx, event.ID, dispatcher.cfg.WorkerID, reason); err != nil {
		log.SafeError(dispatcher.logger, ctx, "failed to quarantine outbox event", err)

		return false
	}

	// The row was SENDING, so the store just counted the in-flight attempt.
	dispatcher.logger.Log(ctx, log.LevelWarn, "outbox event quarantined",
		log.String("event_id", event.ID.String()),
		log.String("event_type", event.EventType),
		log.Int("attempt_count", event.AttemptCount+1),
		log.String("reason", reason),
	)

	return true
}

func (dispatcher *Dispatcher) recordCycle(ctx context.Context, result DispatchResult, latencySeconds float64) {
	if dispatcher.metrics.eventsAcked != nil && result.Acked > 0 {
		dispatcher.metrics.eventsAcked.Add(ctx, int64(result.Acked))
	}

	if dispatcher.metrics.eventsRescheduled != nil && result.Rescheduled > 0 {
		dispatcher.metrics.eventsRescheduled.Add(ctx, int64(result.Rescheduled))
	}

	if dispatcher.metrics.eventsDeadLettered != nil && result.DeadLettered > 0 {
		dispatcher.metrics.eventsDeadLettered.Add(ctx, int64(result.DeadLettered))
	}

	if dispatcher.metrics.dispatchLatency != nil {
		dispatcher.metrics.dispatchLatency.Record(ctx, latencySeconds)
	}

	if dispatcher.metrics.queueDepth != nil {
		pending, err := dispatcher.store.CountPending(ctx)
		if err != nil {
			log.SafeError(dispatcher.logger, ctx, "failed to count pending outbox events", err)

			return
		}

		dispatcher.metrics.queueDepth.Record(ctx, int64(pending))
	}
}

func (dispatcher *Dispatcher) registerRun(cancel context.CancelFunc) bool {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	if dispatcher.running {
		return false
	}

	if dispatcher.stop == nil || isClosedSignal(dispatcher.stop) {
		dispatcher.stop = make(chan struct{})
		dispatcher.stopOnce = sync.Once{}
	}

	dispatcher.running = true
	dispatcher.cancelFunc = cancel

	return true
}

func (dispatcher *Dispatcher) clearRun() {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	dispatcher.running = false
	dispatcher.cancelFunc = nil
}

func chunkEvents(events []*outbox.Event, workers int) [][]*outbox.Event {
	if workers <= 1 || len(events) <= 1 {
		return [][]*outbox.Event{events}
	}

	if workers > len(events) {
		workers = len(events)
	}

	chunkSize := (len(events) + workers - 1) / workers
	chunks := make([][]*outbox.Event, 0, workers)

	for start := 0; start < len(events); start += chunkSize {
		end := start + chunkSize
		if end > len(events) {
			end = len(events)
		}

		chunks = append(chunks, events[start:end])
	}

	return chunks
}

func sendErrorCode(err error) string {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return fmt.Sprintf("HTTP_%d", statusErr.StatusCode)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return "TIMEOUT"
	}

	return "NETWORK"
}

func isClosedSignal(signal <-chan struct{}) bool {
	if signal == nil {
		return false
	}

	select {
	case <-signal:
		return true
	default:
		return false
	}
}
