// The ingest service is the cloud-side ingestion boundary. It authenticates
// edge batches, deduplicates events by id and fans them out to RabbitMQ,
// shutting down gracefully on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/dedupe"
	"github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/env"
	"github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/ingest"
	"github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/log"
	"github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/postgres"
	"github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/rabbitmq"
	"github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/ratelimit"
	"github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/redis"
	"github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/server"
)

const (
	defaultAddress        = ":8080"
	defaultLogLevel       = "info"
	defaultMigrationsPath = "migrations"
	defaultDatabaseName   = "farmiq_cloud"
	defaultRateLimitMax   = 300
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "ingest:", err)
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

	rabbitURL := env.GetenvOrDefault("RABBITMQ_URL", "")
	if rabbitURL == "" {
		return errors.New("RABBITMQ_URL is required")
	}

	authMode, err := ingest.ParseAuthMode(env.GetenvOrDefault("AUTH_MODE", "none"))
	if err != nil {
		return fmt.Errorf("parse AUTH_MODE: %w", err)
	}

	exchange := env.GetenvOrDefault("EXCHANGE", ingest.DefaultExchange)

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

	dedupeStore, err := dedupe.NewPostgresStore(pgConn, dedupe.WithPostgresLogger(logger))
	if err != nil {
		return fmt.Errorf("init dedupe store: %w", err)
	}

	amqpConn := &rabbitmq.Connection{
		ConnectionStringSource: rabbitURL,
		Logger:                 logger,
	}
	if err := amqpConn.ConnectContext(ctx); err != nil {
		return fmt.Errorf("connect rabbitmq: %w", err)
	}

	channel, err := amqpConn.GetChannelContext(ctx)
	if err != nil {
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}

	if err := rabbitmq.EnsureTopology(channel, rabbitmq.WithEventsExchangeName(exchange)); err != nil {
		return fmt.Errorf("declare rabbitmq topology: %w", err)
	}

	publisher, err := rabbitmq.NewConfirmablePublisher(ctx, amqpConn, rabbitmq.WithPublisherLogger(logger))
	if err != nil {
		return fmt.Errorf("init publisher: %w", err)
	}

	processor, err := ingest.NewProcessor(dedupeStore, publisher,
		ingest.WithExchange(exchange),
		ingest.WithProcessorLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("init processor: %w", err)
	}

	handler, err := ingest.NewHandler(processor, authMode, logger)
	if err != nil {
		return fmt.Errorf("init handler: %w", err)
	}

	app := fiber.New(fiber.Config{
		AppName:               ingest.ServiceName,
		DisableStartupMessage: true,
	})

	middlewares := []fiber.Handler{
		ingest.WithAuth(ingest.AuthConfig{
			Mode:        authMode,
			APIKeys:     env.GetenvList("API_KEYS"),
			HMACSecrets: env.GetenvList("HMAC_SECRETS"),
			Logger:      logger,
		}),
	}

	manager := server.NewManager(logger)

	if redisAddress := env.GetenvOrDefault("REDIS_ADDRESS", ""); redisAddress != "" {
		redisConn := &redis.Connection{
			Addr:     redisAddress,
			Password: env.GetenvOrDefault("REDIS_PASSWORD", ""),
			DB:       env.GetenvIntOrDefault("REDIS_DB", 0),
			Logger:   logger,
		}
		if err := redisConn.Connect(ctx); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}

		middlewares = append([]fiber.Handler{limiter.New(limiter.Config{
			Max:        env.GetenvIntOrDefault("RATE_LIMIT_MAX", defaultRateLimitMax),
			Expiration: time.Minute,
			Storage:    ratelimit.NewRedisStorage(redisConn),
		})}, middlewares...)

		manager.WithCloser("redis", func(context.Context) error { return redisConn.Close() })
	}

	handler.RegisterRoutes(app, middlewares...)

	return manager.
		WithHTTPServer(app, env.GetenvOrDefault("ADDRESS", defaultAddress)).
		WithCloser("publisher", func(context.Context) error { return publisher.Close() }).
		WithCloser("rabbitmq", amqpConn.CloseContext).
		WithCloser("postgres", func(context.Context) error { return pgConn.Close() }).
		Run()
}
