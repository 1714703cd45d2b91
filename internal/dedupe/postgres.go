package dedupe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/log"
	libPostgres "github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/postgres"
)

var ErrConnectionRequired = errors.New("dedupe: postgres connection is required")

const defaultDedupeTable = "event_dedupe"

// PostgresStore implements Store over a unique-keyed dedupe table.
type PostgresStore struct {
	conn      *libPostgres.Connection
	logger    log.Logger
	tableName string
}

var _ Store = (*PostgresStore)(nil)

// PostgresOption mutates PostgresStore configuration.
type PostgresOption func(*PostgresStore)

// WithPostgresLogger sets the store logger.
func WithPostgresLogger(logger log.Logger) PostgresOption {
	return func(store *PostgresStore) {
		if logger != nil {
			store.logger = logger
		}
	}
}

// WithPostgresTableName overrides the dedupe table name.
func WithPostgresTableName(tableName string) PostgresOption {
	return func(store *PostgresStore) {
		if strings.TrimSpace(tableName) != "" {
			store.tableName = tableName
		}
	}
}

// NewPostgresStore creates a dedupe store backed by PostgreSQL.
func NewPostgresStore(conn *libPostgres.Connection, opts ...PostgresOption) (*PostgresStore, error) {
	if conn == nil {
		return nil, ErrConnectionRequired
	}

	store := &PostgresStore{
		conn:      conn,
		logger:    log.NewNop(),
		tableName: defaultDedupeTable,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	return store, nil
}

// Record inserts the (tenant, event) key and classifies the result. Only a
// unique violation maps to Duplicate; any other failure is a real error and
// must not be mistaken for "already seen".
func (store *PostgresStore) Record(ctx context.Context, tenantID string, eventID uuid.UUID) (Outcome, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return "", ErrTenantIDRequired
	}

	if eventID == uuid.Nil {
		return "", ErrEventIDRequired
	}

	db, err := store.conn.GetDB(ctx)
	if err != nil {
		return "", fmt.Errorf("dedupe: getting database connection: %w", err)
	}

	query := "INSERT INTO " + store.tableName + " (tenant_id, event_id) VALUES ($1, $2)"

	_, err = db.ExecContext(ctx, query, tenantID, eventID)
	if err != nil {
		if isUniqueViolation(err) {
			return Duplicate, nil
		}

		store.logger.Log(ctx, log.LevelError, "failed to record dedupe key", log.Err(err))

		return "", fmt.Errorf("dedupe: recording event id: %w", err)
	}

	return Inserted, nil
}

// Remove deletes the (tenant, event) key. Missing keys are not an error.
func (store *PostgresStore) Remove(ctx context.Context, tenantID string, eventID uuid.UUID) error {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return ErrTenantIDRequired
	}

	if eventID == uuid.Nil {
		return ErrEventIDRequired
	}

	db, err := store.conn.GetDB(ctx)
	if err != nil {
		return fmt.Errorf("dedupe: getting database connection: %w", err)
	}

	query := "DELETE FROM " + store.tableName + " WHERE tenant_id = $1 AND event_id = $2"

	if _, err := db.ExecContext(ctx, query, tenantID, eventID); err != nil {
		return fmt.Errorf("dedupe: removing event id: %w", err)
	}

	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError

	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
