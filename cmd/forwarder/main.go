// The forwarder drains the edge outbox toward the cloud ingestion boundary.
// It runs a claim scheduler, dispatcher workers and a lease-reclaim sweeper
// against the local PostgreSQL, and shuts down gracefully on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/env"
	"github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/forwarder"
	"github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/ingest"
	"github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/log"
	"github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/postgres"
	"github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/server"
	outboxPostgres "github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/outbox/postgres"
)

const (
	defaultLogLevel       = "info"
	defaultMigrationsPath = "migrations"
	defaultDatabaseName   = "farmiq_edge"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "forwarder:", err)
		os.Exit(1)
	}
}

func run() error {
	level, err := log.ParseLevel(env.GetenvOrDefault("LOG_LEVEL", defaultLogLevel))
	if err != nil {
		return fmt.Errorf("parse LOG_LEVEL: %w", err)
	}

	logger := log.NewGoLogger(level)

	databaseURL := env.GetenvOrDefault("DATABASE_URL", "")
	if databaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}

	ingestURL := env.GetenvOrDefault("INGEST_URL", "")
	if ingestURL == "" {
		return errors.New("INGEST_URL is required")
	}

	tenantID := env.GetenvOrDefault("EDGE_TENANT_ID", "")
	if tenantID == "" {
		return errors.New("EDGE_TENANT_ID is required")
	}

	edgeID := env.GetenvOrDefault("EDGE_ID", "")
	if edgeID == "" {
		return errors.New("EDGE_ID is required")
	}

	authMode, err := ingest.ParseAuthMode(env.GetenvOrDefault("AUTH_MODE", "none"))
	if err != nil {
		return fmt.Errorf("parse AUTH_MODE: %w", err)
	}

	ctx := context.Background()

	pgConn := &postgres.Connection{
		ConnectionStringPrimary: databaseURL,
		ConnectionStringReplica: env.GetenvOrDefault("DATABASE_REPLICA_URL", ""),
		PrimaryDBName:           env.GetenvOrDefault("DATABASE_NAME", defaultDatabaseName),
		MigrationsPath:          env.GetenvOrDefault("MIGRATIONS_PATH", defaultMigrationsPath),
		Logger:                  logger,
	}
	if err := pgConn.Connect(ctx); err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}

	store, err := outboxPostgres.NewRepository(pgConn, outboxPostgres.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("init outbox store: %w", err)
	}

	client, err := forwarder.NewClient(forwarder.ClientConfig{
		IngestURL:      ingestURL,
		TenantID:       tenantID,
		EdgeID:         edgeID,
		AuthMode:       authMode,
		APIKey:         env.GetenvOrDefault("API_KEY", ""),
		HMACSecret:     env.GetenvOrDefault("HMAC_SECRET", ""),
		RequestTimeout: env.GetenvDurationOrDefault("REQUEST_TIMEOUT", forwarder.DefaultRequestTimeout),
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("init ingest client: %w", err)
	}

	cfg := forwarder.DefaultConfig()
	cfg.WorkerID = env.GetenvOrDefault("WORKER_ID", "")
	cfg.BatchSize = env.GetenvIntOrDefault("BATCH_SIZE", cfg.BatchSize)
	cfg.DispatchInterval = env.GetenvDurationOrDefault("DISPATCH_INTERVAL", cfg.DispatchInterval)
	cfg.LeaseDuration = env.GetenvDurationOrDefault("LEASE_DURATION", cfg.LeaseDuration)
	cfg.MaxAttempts = env.GetenvIntOrDefault("MAX_ATTEMPTS", cfg.MaxAttempts)
	cfg.BackoffCapSeconds = env.GetenvIntOrDefault("BACKOFF_CAP_SECONDS", cfg.BackoffCapSeconds)
	cfg.BackoffJitterRatio = env.GetenvFloatOrDefault("BACKOFF_JITTER_RATIO", cfg.BackoffJitterRatio)
	cfg.WorkerCount = env.GetenvIntOrDefault("WORKER_COUNT", cfg.WorkerCount)

	dispatcher, err := forwarder.NewDispatcher(store, client, logger, nil, forwarder.WithConfig(cfg))
	if err != nil {
		return fmt.Errorf("init dispatcher: %w", err)
	}

	sweeper, err := forwarder.NewSweeper(store, cfg.LeaseDuration,
		forwarder.WithSweeperLogger(logger),
		forwarder.WithSweeperInterval(env.GetenvDurationOrDefault("SWEEP_INTERVAL", 0)),
	)
	if err != nil {
		return fmt.Errorf("init sweeper: %w", err)
	}

	return server.NewManager(logger).
		WithWorker("dispatcher",
			func(ctx context.Context) error { return dispatcher.RunContext(ctx) },
			dispatcher.Shutdown,
		).
		WithWorker("sweeper", sweeper.Run, sweeper.Shutdown).
		WithCloser("postgres", func(context.Context) error { return pgConn.Close() }).
		Run()
}
