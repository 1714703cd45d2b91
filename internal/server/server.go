// Package server coordinates startup and graceful shutdown of the HTTP
// listener and background workers that make up one process.
package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/log"
	"github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/runtime"
)

// ErrNothingConfigured indicates the manager has no HTTP server and no
// workers to run.
var ErrNothingConfigured = errors.New("nothing configured: use WithHTTPServer() or WithWorker()")

// DefaultShutdownTimeout bounds how long shutdown waits for each component.
const DefaultShutdownTimeout = 30 * time.Second

type managedWorker struct {
	name     string
	run      func(ctx context.Context) error
	shutdown func(ctx context.Context) error
}

type managedCloser struct {
	name  string
	close func(ctx context.Context) error
}

// Manager starts an optional fiber app and any number of background workers,
// then blocks until a termination signal, a closed shutdown channel, or a
// startup error, and shuts everything down in reverse dependency order:
// HTTP first so no new work arrives, then workers, then closers.
type Manager struct {
	httpServer  *fiber.App
	httpAddress string
	workers     []managedWorker
	closers     []managedCloser
	logger      log.Logger

	started         chan struct{}
	startedOnce     sync.Once
	shutdownChan    <-chan struct{}
	shutdownOnce    sync.Once
	shutdownTimeout time.Duration
	startupErrors   chan error

	runCtx    context.Context
	runCancel context.CancelFunc
}

// NewManager creates a Manager. A nil logger is replaced by a no-op logger.
func NewManager(logger log.Logger) *Manager {
	if logger == nil {
		logger = log.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		logger:          logger,
		started:         make(chan struct{}),
		shutdownTimeout: DefaultShutdownTimeout,
		startupErrors:   make(chan error, 8),
		runCtx:          ctx,
		runCancel:       cancel,
	}
}

// WithHTTPServer configures the fiber app to listen on address.
func (manager *Manager) WithHTTPServer(app *fiber.App, address string) *Manager {
	manager.httpServer = app
	manager.httpAddress = address

	return manager
}

// WithWorker registers a background loop. run blocks until stopped; shutdown
// stops it and waits for in-flight work. Workers run after the HTTP server
// starts and shut down after it stops.
func (manager *Manager) WithWorker(name string, run, shutdown func(ctx context.Context) error) *Manager {
	manager.workers = append(manager.workers, managedWorker{name: name, run: run, shutdown: shutdown})

	return manager
}

// WithCloser registers a resource released at the end of shutdown, e.g. a
// broker connection or database pool. Closers run in registration order.
func (manager *Manager) WithCloser(name string, close func(ctx context.Context) error) *Manager {
	manager.closers = append(manager.closers, managedCloser{name: name, close: close})

	return manager
}

// WithShutdownChannel replaces OS signal handling with a caller-owned
// channel, so tests can trigger shutdown deterministically.
func (manager *Manager) WithShutdownChannel(ch <-chan struct{}) *Manager {
	manager.shutdownChan = ch

	return manager
}

// WithShutdownTimeout overrides the per-component shutdown wait.
func (manager *Manager) WithShutdownTimeout(timeout time.Duration) *Manager {
	if timeout > 0 {
		manager.shutdownTimeout = timeout
	}

	return manager
}

// Started returns a channel closed once all goroutines have been launched.
// It signals launch, not that the listen socket is bound.
func (manager *Manager) Started() <-chan struct{} {
	return manager.started
}

// Run starts everything and blocks until shutdown completes. It returns
// ErrNothingConfigured when there is nothing to run.
func (manager *Manager) Run() error {
	if manager.httpServer == nil && len(manager.workers) == 0 {
		return ErrNothingConfigured
	}

	manager.start()
	manager.awaitShutdown()

	return nil
}

func (manager *Manager) start() {
	if manager.httpServer != nil {
		runtime.SafeGo(manager.logger, "server.http_listen", func() {
			manager.logInfof("starting http server on %s", manager.httpAddress)

			if err := manager.httpServer.Listen(manager.httpAddress); err != nil {
				manager.reportStartupError(fmt.Errorf("http server: %w", err))
			}
		})
	}

	for _, worker := range manager.workers {
		worker := worker

		runtime.SafeGo(manager.logger, "server.worker_"+worker.name, func() {
			manager.logInfof("starting worker %s", worker.name)

			if err := worker.run(manager.runCtx); err != nil {
				manager.reportStartupError(fmt.Errorf("worker %s: %w", worker.name, err))
			}
		})
	}

	manager.startedOnce.Do(func() {
		close(manager.started)
	})
}

func (manager *Manager) reportStartupError(err error) {
	manager.logger.Log(context.Background(), log.LevelError, "component failed", log.Err(err))

	select {
	case manager.startupErrors <- err:
	default:
	}
}

func (manager *Manager) awaitShutdown() {
	if manager.shutdownChan != nil {
		select {
		case <-manager.shutdownChan:
		case err := <-manager.startupErrors:
			manager.logger.Log(context.Background(), log.LevelError, "startup failed, shutting down", log.Err(err))
		}
	} else {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

		select {
		case <-signals:
			signal.Stop(signals)
		case err := <-manager.startupErrors:
			manager.logger.Log(context.Background(), log.LevelError, "startup failed, shutting down", log.Err(err))
		}
	}

	manager.logInfof("gracefully shutting down")
	manager.Shutdown()
}

// Shutdown executes the shutdown sequence once: HTTP listener, then workers
// in reverse registration order, then closers. Safe to call concurrently.
func (manager *Manager) Shutdown() {
	manager.shutdownOnce.Do(func() {
		if manager.httpServer != nil {
			manager.logInfof("shutting down http server")

			if err := manager.httpServer.ShutdownWithTimeout(manager.shutdownTimeout); err != nil {
				manager.logger.Log(context.Background(), log.LevelError, "http shutdown failed", log.Err(err))
			}
		}

		for i := len(manager.workers) - 1; i >= 0; i-- {
			worker := manager.workers[i]

			manager.logInfof("shutting down worker %s", worker.name)

			ctx, cancel := context.WithTimeout(context.Background(), manager.shutdownTimeout)

			if err := worker.shutdown(ctx); err != nil {
				manager.logger.Log(ctx, log.LevelError, "worker shutdown failed",
					log.String("worker", worker.name), log.Err(err))
			}

			cancel()
		}

		manager.runCancel()

		for _, closer := range manager.closers {
			manager.logInfof("closing %s", closer.name)

			ctx, cancel := context.WithTimeout(context.Background(), manager.shutdownTimeout)

			if err := closer.close(ctx); err != nil {
				manager.logger.Log(ctx, log.LevelError, "close failed",
					log.String("resource", closer.name), log.Err(err))
			}

			cancel()
		}

		manager.logInfof("graceful shutdown completed")
	})
}

func (manager *Manager) logInfof(format string, args ...any) {
	manager.logger.Log(context.Background(), log.LevelInfo, fmt.Sprintf(format, args...))
}
