// Package redis manages the Redis connection backing distributed rate
// limiting on the ingestion gate.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/log"
)

// ErrNilClient is returned when a redis client receiver is nil.
var ErrNilClient = errors.New("redis client is nil")

// Connection is a lazily connected Redis client handle.
type Connection struct {
	Addr     string
	Password string `json:"-"`
	DB       int
	Logger   log.Logger

	mu        sync.Mutex
	client    redis.UniversalClient
	connected bool
}

// Connect establishes the connection and verifies it with a ping.
func (rc *Connection) Connect(ctx context.Context) error {
	if rc == nil {
		return ErrNilClient
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	return rc.connectLocked(ctx)
}

func (rc *Connection) connectLocked(ctx context.Context) error {
	if rc.connected && rc.client != nil {
		return nil
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{rc.Addr},
		Password: rc.Password,
		DB:       rc.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()

		rc.logger().Log(ctx, log.LevelError, "failed to connect to redis", log.Err(err))

		return fmt.Errorf("redis connect: %w", err)
	}

	rc.client = client
	rc.connected = true

	rc.logger().Log(ctx, log.LevelInfo, "connected to redis")

	return nil
}

// GetClient returns the live client, connecting if necessary.
func (rc *Connection) GetClient(ctx context.Context) (redis.UniversalClient, error) {
	if rc == nil {
		return nil, ErrNilClient
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	if !rc.connected || rc.client == nil {
		if err := rc.connectLocked(ctx); err != nil {
			return nil, err
		}
	}

	return rc.client, nil
}

// IsConnected reports whether a live client exists.
func (rc *Connection) IsConnected() bool {
	if rc == nil {
		return false
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	return rc.connected && rc.client != nil
}

// Close releases the client.
func (rc *Connection) Close() error {
	if rc == nil {
		return nil
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.client == nil {
		return nil
	}

	err := rc.client.Close()
	rc.client = nil
	rc.connected = false

	if err != nil {
		return fmt.Errorf("redis close: %w", err)
	}

	return nil
}

func (rc *Connection) logger() log.Logger {
	if rc == nil || rc.Logger == nil {
		return &log.NopLogger{}
	}

	return rc.Logger
}
