// Package postgres manages the database connection shared by the outbox store
// and the dedupe store, including schema migrations.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bxcodec/dbresolver/v2"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"

	// File system migration source, used by migrate.NewWithDatabaseInstance.
	_ "github.com/golang-migrate/migrate/v4/source/file"

	// pgx stdlib driver registration.
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/log"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

var (
	connectionStringCredentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	connectionStringPasswordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
	dbNamePattern                      = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)
)

// Connection is a hub which deals with postgres connections.
//
// Reads are balanced over the replica when one is configured; all outbox and
// dedupe mutations run on the primary.
type Connection struct {
	ConnectionStringPrimary string
	ConnectionStringReplica string
	PrimaryDBName           string
	MigrationsPath          string
	Logger                  log.Logger
	MaxOpenConnections      int
	MaxIdleConnections      int

	connectionDB dbresolver.DB
	connected    bool
	mu           sync.RWMutex
}

func (pc *Connection) initDefaults() {
	if pc.Logger == nil {
		pc.Logger = log.NewNop()
	}

	if pc.MaxOpenConnections <= 0 {
		pc.MaxOpenConnections = defaultMaxOpenConns
	}

	if pc.MaxIdleConnections <= 0 {
		pc.MaxIdleConnections = defaultMaxIdleConns
	}

	if pc.ConnectionStringReplica == "" {
		pc.ConnectionStringReplica = pc.ConnectionStringPrimary
	}
}

// Connect establishes the primary/replica pool and runs pending migrations.
func (pc *Connection) Connect(ctx context.Context) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	return pc.connectLocked(ctx)
}

func (pc *Connection) connectLocked(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	pc.initDefaults()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before database connection: %w", err)
	}

	if pc.connectionDB != nil {
		if err := pc.closeLocked(); err != nil {
			pc.Logger.Log(ctx, log.LevelWarn, "failed to close previous connection before reconnect", log.Err(err))
		}
	}

	pc.Logger.Log(ctx, log.LevelInfo, "connecting to primary and replica databases")

	dbPrimary, err := sql.Open("pgx", pc.ConnectionStringPrimary)
	if err != nil {
		sanitized := sanitizeSensitiveError(err)
		pc.Logger.Log(ctx, log.LevelError, "failed to connect to primary database", log.String("error_detail", sanitized))

		return fmt.Errorf("failed to connect to primary database: %s", sanitized)
	}

	var success bool

	defer func() {
		if !success {
			dbPrimary.Close()
		}
	}()

	applyPoolLimits(dbPrimary, pc.MaxOpenConnections, pc.MaxIdleConnections)

	dbReplica, err := sql.Open("pgx", pc.ConnectionStringReplica)
	if err != nil {
		sanitized := sanitizeSensitiveError(err)
		pc.Logger.Log(ctx, log.LevelError, "failed to connect to replica database", log.String("error_detail", sanitized))

		return fmt.Errorf("failed to connect to replica database: %s", sanitized)
	}

	defer func() {
		if !success {
			dbReplica.Close()
		}
	}()

	applyPoolLimits(dbReplica, pc.MaxOpenConnections, pc.MaxIdleConnections)

	connectionDB := dbresolver.New(
		dbresolver.WithPrimaryDBs(dbPrimary),
		dbresolver.WithReplicaDBs(dbReplica),
		dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
	)

	if pc.MigrationsPath != "" {
		migrationsPath, pathErr := sanitizePath(pc.MigrationsPath)
		if pathErr != nil {
			return pathErr
		}

		if err := runMigrations(dbPrimary, migrationsPath, pc.PrimaryDBName, pc.Logger); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before ping: %w", err)
	}

	if err := connectionDB.PingContext(ctx); err != nil {
		pc.Logger.Log(ctx, log.LevelError, "failed to ping database", log.Err(err))

		return fmt.Errorf("failed to ping database: %w", err)
	}

	pc.connected = true
	pc.connectionDB = connectionDB

	pc.Logger.Log(ctx, log.LevelInfo, "connected to postgres")

	success = true

	return nil
}

// GetDB returns the resolver, initializing the connection if necessary.
func (pc *Connection) GetDB(ctx context.Context) (dbresolver.DB, error) {
	pc.mu.RLock()

	if pc.connectionDB != nil {
		db := pc.connectionDB
		pc.mu.RUnlock()

		return db, nil
	}

	pc.mu.RUnlock()

	pc.mu.Lock()
	defer pc.mu.Unlock()

	// Double-check after acquiring the write lock.
	if pc.connectionDB != nil {
		return pc.connectionDB, nil
	}

	if err := pc.connectLocked(ctx); err != nil {
		return nil, err
	}

	return pc.connectionDB, nil
}

// Close releases database connection resources.
func (pc *Connection) Close() error {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	return pc.closeLocked()
}

func (pc *Connection) closeLocked() error {
	if pc.connectionDB != nil {
		err := pc.connectionDB.Close()
		pc.connectionDB = nil
		pc.connected = false

		return err
	}

	return nil
}

// IsConnected reports whether the database resolver is initialized.
func (pc *Connection) IsConnected() bool {
	pc.mu.RLock()
	defer pc.mu.RUnlock()

	return pc.connected
}

func applyPoolLimits(db *sql.DB, maxOpen, maxIdle int) {
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)
}

func sanitizeSensitiveError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := connectionStringCredentialsPattern.ReplaceAllString(err.Error(), "://***@")
	sanitized = connectionStringPasswordPattern.ReplaceAllString(sanitized, "${1}***")

	return sanitized
}

func sanitizePath(path string) (string, error) {
	cleaned := filepath.Clean(path)
	for _, part := range strings.Split(cleaned, string(filepath.Separator)) {
		if part == ".." {
			return "", fmt.Errorf("invalid migrations path: %q", path)
		}
	}

	absPath, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("failed to resolve migrations path: %w", err)
	}

	return absPath, nil
}

// migrationsSourceURL builds the file source URL for golang-migrate from an
// absolute migrations directory. MigrationsPath is a plain directory, never a
// URL; a scheme prefix would be cleaned into a literal path segment.
func migrationsSourceURL(migrationsPath string) (string, error) {
	sourceURL, err := url.Parse(filepath.ToSlash(migrationsPath))
	if err != nil {
		return "", fmt.Errorf("failed to parse migrations url: %w", err)
	}

	sourceURL.Scheme = "file"

	return sourceURL.String(), nil
}

func validateDBName(name string) error {
	if !dbNamePattern.MatchString(name) {
		return fmt.Errorf("invalid database name: %q", name)
	}

	return nil
}

func runMigrations(dbPrimary *sql.DB, migrationsPath, primaryDBName string, logger log.Logger) error {
	ctx := context.Background()

	if err := validateDBName(primaryDBName); err != nil {
		return err
	}

	sourceURL, err := migrationsSourceURL(migrationsPath)
	if err != nil {
		return err
	}

	primaryDriver, err := migratepg.WithInstance(dbPrimary, &migratepg.Config{
		DatabaseName: primaryDBName,
		SchemaName:   "public",
	})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver instance: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(sourceURL, primaryDBName, primaryDriver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Log(ctx, log.LevelInfo, "no new migrations found, skipping")

			return nil
		}

		var dirtyErr migrate.ErrDirty
		if errors.As(err, &dirtyErr) {
			return fmt.Errorf("migration failed: dirty database version %d", dirtyErr.Version)
		}

		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}
