// Package postgres persists outbox events in PostgreSQL.
//
// ClaimBatch is the one place in the pipeline requiring true mutual exclusion
// across worker processes; it relies on FOR UPDATE SKIP LOCKED so concurrent
// claimers never select the same row and never block each other. Every other
// mutation is a compare-and-set UPDATE guarded by the expected status.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/log"
	"github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/outbox"
	libPostgres "github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/postgres"
)

var (
	ErrConnectionRequired       = errors.New("postgres connection is required")
	ErrRepositoryNotInitialized = errors.New("outbox repository not initialized")
	ErrNoPrimaryDB              = errors.New("no primary database available")
)

const outboxColumns = "id, tenant_id, farm_id, barn_id, device_id, session_id, " +
	"event_type, occurred_at, trace_id, payload, payload_size_bytes, priority, " +
	"status, next_attempt_at, claimed_by, claimed_at, lease_expires_at, " +
	"attempt_count, last_attempt_at, last_error_code, last_error_message, " +
	"failed_at, dlq_reason, created_at, updated_at"

const defaultTableName = "outbox_events"

// Option mutates repository configuration at construction.
type Option func(*Repository)

// WithLogger sets the repository logger.
func WithLogger(logger log.Logger) Option {
	return func(repo *Repository) {
		if logger != nil {
			repo.logger = logger
		}
	}
}

// WithTableName overrides the outbox table name.
func WithTableName(tableName string) Option {
	return func(repo *Repository) {
		if strings.TrimSpace(tableName) != "" {
			repo.tableName = tableName
		}
	}
}

// Repository implements outbox.Store over PostgreSQL.
type Repository struct {
	conn      *libPostgres.Connection
	logger    log.Logger
	tracer    trace.Tracer
	tableName string
}

var _ outbox.Store = (*Repository)(nil)

// NewRepository creates a PostgreSQL outbox repository.
func NewRepository(conn *libPostgres.Connection, opts ...Option) (*Repository, error) {
	if conn == nil {
		return nil, ErrConnectionRequired
	}

	repo := &Repository{
		conn:      conn,
		logger:    log.NewNop(),
		tracer:    otel.Tracer("outbox.postgres"),
		tableName: defaultTableName,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}

	return repo, nil
}

// Insert persists a new pending event.
func (repo *Repository) Insert(ctx context.Context, event *outbox.Event) (*outbox.Event, error) {
	return repo.insert(ctx, nil, event)
}

// InsertTx persists a new pending event inside the caller's transaction, so a
// producer's business write and its outbox row commit or roll back together.
func (repo *Repository) InsertTx(ctx context.Context, tx outbox.Tx, event *outbox.Event) (*outbox.Event, error) {
	if tx == nil {
		return nil, fmt.Errorf("insert outbox event: transaction is required")
	}

	return repo.insert(ctx, tx, event)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type querier interface {
	execer
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (repo *Repository) insert(ctx context.Context, tx outbox.Tx, event *outbox.Event) (*outbox.Event, error) {
	if event == nil {
		return nil, outbox.ErrEventRequired
	}

	ctx, span := repo.tracer.Start(ctx, "outbox.postgres.insert")
	defer span.End()

	var runner execer
	if tx != nil {
		runner = tx
	} else {
		db, err := repo.primaryDB(ctx)
		if err != nil {
			return nil, err
		}

		runner = db
	}

	query := "INSERT INTO " + repo.tableName + " (" + outboxColumns + ") VALUES " +
		"($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)"

	_, err := runner.ExecContext(ctx, query,
		event.ID, event.TenantID, event.FarmID, event.BarnID, event.DeviceID,
		nullString(event.SessionID), event.EventType, event.OccurredAt, event.TraceID,
		[]byte(event.Payload), event.PayloadSizeBytes, event.Priority,
		string(event.Status), event.NextAttemptAt,
		nullString(event.ClaimedBy), event.ClaimedAt, event.LeaseExpiresAt,
		event.AttemptCount, event.LastAttemptAt,
		nullString(event.LastErrorCode), nullString(event.LastErrorMessage),
		event.FailedAt, nullString(event.DLQReason),
		event.CreatedAt, event.UpdatedAt,
	)
	if err != nil {
		repo.logError(ctx, span, "failed to insert outbox event", err)

		return nil, fmt.Errorf("inserting outbox event: %w", err)
	}

	return event, nil
}

// GetByID fetches one event scoped to a tenant.
func (repo *Repository) GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*outbox.Event, error) {
	if id == uuid.Nil {
		return nil, outbox.ErrEventIDRequired
	}

	ctx, span := repo.tracer.Start(ctx, "outbox.postgres.get_by_id")
	defer span.End()

	db, err := repo.db(ctx)
	if err != nil {
		return nil, err
	}

	query := "SELECT " + outboxColumns + " FROM " + repo.tableName + " WHERE tenant_id = $1 AND id = $2"

	event, err := scanEvent(db.QueryRowContext(ctx, query, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, outbox.ErrNotFound
	}

	if err != nil {
		repo.logError(ctx, span, "failed to get outbox event", err)

		return nil, fmt.Errorf("getting outbox event: %w", err)
	}

	return event, nil
}

// ClaimBatch atomically leases up to limit claimable rows to workerID.
//
// The SELECT and the UPDATE run in one transaction; SKIP LOCKED guarantees a
// row selected here is invisible to every concurrent claimer until commit, at
// which point its status is already CLAIMED.
func (repo *Repository) ClaimBatch(
	ctx context.Context,
	workerID string,
	limit int,
	leaseDuration time.Duration,
	now time.Time,
) ([]*outbox.Event, error) {
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return nil, outbox.ErrWorkerIDRequired
	}

	if limit <= 0 {
		return nil, outbox.ErrLimitMustBePositive
	}

	if leaseDuration <= 0 {
		return nil, outbox.ErrLeaseMustBePositive
	}

	ctx, span := repo.tracer.Start(ctx, "outbox.postgres.claim_batch")
	defer span.End()

	db, err := repo.primaryDB(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	events, err := repo.claimInTx(ctx, tx, workerID, limit, leaseDuration, now)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			repo.logError(ctx, span, "failed to roll back claim transaction", rbErr)
		}

		repo.logError(ctx, span, "failed to claim outbox batch", err)

		return nil, fmt.Errorf("claiming outbox batch: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim transaction: %w", err)
	}

	return events, nil
}

func (repo *Repository) claimInTx(
	ctx context.Context,
	tx *sql.Tx,
	workerID string,
	limit int,
	leaseDuration time.Duration,
	now time.Time,
) ([]*outbox.Event, error) {
	selectQuery := "SELECT " + outboxColumns + " FROM " + repo.tableName +
		" WHERE status = $1 AND next_attempt_at <= $2" +
		" ORDER BY priority DESC, occurred_at ASC" +
		" LIMIT $3 FOR UPDATE SKIP LOCKED"

	rows, err := tx.QueryContext(ctx, selectQuery, string(outbox.StatusPending), now, limit)
	if err != nil {
		return nil, fmt.Errorf("selecting claimable rows: %w", err)
	}

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}

	if len(events) == 0 {
		return events, nil
	}

	leaseUntil := now.Add(leaseDuration)
	ids := collectEventIDs(events)

	updateQuery := "UPDATE " + repo.tableName + " SET status = $1, claimed_by = $2, " +
		"claimed_at = $3, lease_expires_at = $4, updated_at = $5 " +
		"WHERE id = ANY($6::uuid[]) AND status = $7"

	result, err := tx.ExecContext(ctx, updateQuery,
		string(outbox.StatusClaimed), workerID, now, leaseUntil, now,
		ids, string(outbox.StatusPending),
	)
	if err != nil {
		return nil, fmt.Errorf("marking rows claimed: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("reading rows affected: %w", err)
	}

	if affected != int64(len(ids)) {
		// The selected rows are locked by this transaction; a mismatch means
		// the snapshot raced something unexpected. Bail rather than hand out
		// a partially claimed batch.
		return nil, outbox.ErrStateConflict
	}

	for _, event := range events {
		event.Status = outbox.StatusClaimed
		event.ClaimedBy = workerID
		claimedAt := now
		event.ClaimedAt = &claimedAt
		expires := leaseUntil
		event.LeaseExpiresAt = &expires
		event.UpdatedAt = now
	}

	return events, nil
}

// MarkSending records that network I/O for a claimed row has started.
func (repo *Repository) MarkSending(ctx context.Context, id uuid.UUID, workerID string) error {
	if id == uuid.Nil {
		return outbox.ErrEventIDRequired
	}

	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return outbox.ErrWorkerIDRequired
	}

	ctx, span := repo.tracer.Start(ctx, "outbox.postgres.mark_sending")
	defer span.End()

	query := "UPDATE " + repo.tableName + " SET status = $1, updated_at = $2 " +
		"WHERE id = $3 AND status = $4 AND claimed_by = $5"

	return repo.execCAS(ctx, span, "failed to mark outbox sending", query,
		string(outbox.StatusSending), time.Now().UTC(), id, string(outbox.StatusClaimed), workerID)
}

// MarkAcked finalizes a delivered row and clears the claim fields.
func (repo *Repository) MarkAcked(ctx context.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return outbox.ErrEventIDRequired
	}

	ctx, span := repo.tracer.Start(ctx, "outbox.postgres.mark_acked")
	defer span.End()

	query := "UPDATE " + repo.tableName + " SET status = $1, claimed_by = NULL, " +
		"claimed_at = NULL, lease_expires_at = NULL, last_attempt_at = $2, updated_at = $2 " +
		"WHERE id = $3 AND status = $4"

	return repo.execCAS(ctx, span, "failed to mark outbox acked", query,
		string(outbox.StatusAcked), time.Now().UTC(), id, string(outbox.StatusSending))
}

// Reschedule returns a sending row to the pool after a transient failure. The
// claimed_by guard keeps a stale worker whose lease already lapsed from
// clobbering a row another worker re-claimed.
func (repo *Repository) Reschedule(
	ctx context.Context,
	id uuid.UUID,
	workerID string,
	nextAttemptAt time.Time,
	errorCode, errorMessage string,
) error {
	if id == uuid.Nil {
		return outbox.ErrEventIDRequired
	}

	if strings.TrimSpace(workerID) == "" {
		return outbox.ErrWorkerIDRequired
	}

	ctx, span := repo.tracer.Start(ctx, "outbox.postgres.reschedule")
	defer span.End()

	now := time.Now().UTC()

	query := "UPDATE " + repo.tableName + " SET status = $1, next_attempt_at = $2, " +
		"attempt_count = attempt_count + 1, last_attempt_at = $3, " +
		"last_error_code = $4, last_error_message = $5, " +
		"claimed_by = NULL, claimed_at = NULL, lease_expires_at = NULL, updated_at = $3 " +
		"WHERE id = $6 AND status = $7 AND claimed_by = $8"

	return repo.execCAS(ctx, span, "failed to reschedule outbox event", query,
		string(outbox.StatusPending), nextAttemptAt, now,
		errorCode, outbox.SanitizeErrorMessage(errorMessage),
		id, string(outbox.StatusSending), workerID)
}

// MoveToDLQ quarantines a row until an explicit redrive. A SENDING row must
// still belong to workerID and its in-flight attempt is added to the tally; a
// FAILED row carries no claim and moves as-is.
func (repo *Repository) MoveToDLQ(ctx context.Context, id uuid.UUID, workerID, reason string) error {
	if id == uuid.Nil {
		return outbox.ErrEventIDRequired
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return outbox.ErrDLQReasonRequired
	}

	ctx, span := repo.tracer.Start(ctx, "outbox.postgres.move_to_dlq")
	defer span.End()

	now := time.Now().UTC()

	query := "UPDATE " + repo.tableName + " SET status = $1, dlq_reason = $2, " +
		"failed_at = $3, last_attempt_at = $3, " +
		"attempt_count = attempt_count + CASE WHEN status = $4 THEN 1 ELSE 0 END, " +
		"claimed_by = NULL, claimed_at = NULL, lease_expires_at = NULL, updated_at = $3 " +
		"WHERE id = $5 AND (status = $6 OR (status = $4 AND claimed_by = $7))"

	return repo.execCAS(ctx, span, "failed to move outbox event to dlq", query,
		string(outbox.StatusDLQ), outbox.SanitizeErrorMessage(reason), now,
		string(outbox.StatusSending),
		id, string(outbox.StatusFailed), workerID)
}

// ReclaimExpiredLeases resets rows whose lease lapsed back to PENDING.
//
// attempt_count is deliberately untouched: the work was never confirmed to
// have completed, so the reclaim is not an attempt.
func (repo *Repository) ReclaimExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	ctx, span := repo.tracer.Start(ctx, "outbox.postgres.reclaim_expired_leases")
	defer span.End()

	db, err := repo.primaryDB(ctx)
	if err != nil {
		return 0, err
	}

	query := "UPDATE " + repo.tableName + " SET status = $1, claimed_by = NULL, " +
		"claimed_at = NULL, lease_expires_at = NULL, updated_at = $2 " +
		"WHERE status = ANY($3::text[]) AND lease_expires_at < $4"

	result, err := db.ExecContext(ctx, query,
		string(outbox.StatusPending), now,
		[]string{string(outbox.StatusClaimed), string(outbox.StatusSending)}, now,
	)
	if err != nil {
		repo.logError(ctx, span, "failed to reclaim expired leases", err)

		return 0, fmt.Errorf("reclaiming expired leases: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading rows affected: %w", err)
	}

	return int(affected), nil
}

// ListDLQ returns quarantined rows ordered by failed_at DESC.
func (repo *Repository) ListDLQ(ctx context.Context, limit int) ([]*outbox.Event, error) {
	if limit <= 0 {
		return nil, outbox.ErrLimitMustBePositive
	}

	ctx, span := repo.tracer.Start(ctx, "outbox.postgres.list_dlq")
	defer span.End()

	db, err := repo.db(ctx)
	if err != nil {
		return nil, err
	}

	query := "SELECT " + outboxColumns + " FROM " + repo.tableName +
		" WHERE status = $1 ORDER BY failed_at DESC LIMIT $2"

	rows, err := db.QueryContext(ctx, query, string(outbox.StatusDLQ), limit)
	if err != nil {
		repo.logError(ctx, span, "failed to list dlq events", err)

		return nil, fmt.Errorf("listing dlq events: %w", err)
	}

	return scanEvents(rows)
}

// Redrive resets DLQ rows to PENDING with attempt_count = 0.
func (repo *Repository) Redrive(ctx context.Context, ids []uuid.UUID, now time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	ctx, span := repo.tracer.Start(ctx, "outbox.postgres.redrive")
	defer span.End()

	db, err := repo.primaryDB(ctx)
	if err != nil {
		return 0, err
	}

	query := "UPDATE " + repo.tableName + " SET status = $1, attempt_count = 0, " +
		"next_attempt_at = $2, claimed_by = NULL, claimed_at = NULL, lease_expires_at = NULL, " +
		"last_error_code = NULL, last_error_message = NULL, failed_at = NULL, dlq_reason = NULL, " +
		"updated_at = $2 WHERE id = ANY($3::uuid[]) AND status = $4"

	result, err := db.ExecContext(ctx, query,
		string(outbox.StatusPending), now, ids, string(outbox.StatusDLQ))
	if err != nil {
		repo.logError(ctx, span, "failed to redrive dlq events", err)

		return 0, fmt.Errorf("redriving dlq events: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading rows affected: %w", err)
	}

	return int(affected), nil
}

// CountPending reports the current claimable backlog.
func (repo *Repository) CountPending(ctx context.Context) (int, error) {
	ctx, span := repo.tracer.Start(ctx, "outbox.postgres.count_pending")
	defer span.End()

	db, err := repo.db(ctx)
	if err != nil {
		return 0, err
	}

	query := "SELECT COUNT(*) FROM " + repo.tableName + " WHERE status = $1"

	var count int
	if err := db.QueryRowContext(ctx, query, string(outbox.StatusPending)).Scan(&count); err != nil {
		repo.logError(ctx, span, "failed to count pending events", err)

		return 0, fmt.Errorf("counting pending events: %w", err)
	}

	return count, nil
}

func (repo *Repository) db(ctx context.Context) (querier, error) {
	if repo == nil || repo.conn == nil {
		return nil, ErrRepositoryNotInitialized
	}

	db, err := repo.conn.GetDB(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting database connection: %w", err)
	}

	return db, nil
}

// primaryDB resolves the writable primary; claims and every CAS update must
// never land on a read replica.
func (repo *Repository) primaryDB(ctx context.Context) (*sql.DB, error) {
	if repo == nil || repo.conn == nil {
		return nil, ErrRepositoryNotInitialized
	}

	resolved, err := repo.conn.GetDB(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting database connection: %w", err)
	}

	primaries := resolved.PrimaryDBs()
	if len(primaries) == 0 || primaries[0] == nil {
		return nil, ErrNoPrimaryDB
	}

	return primaries[0], nil
}

func (repo *Repository) execCAS(ctx context.Context, span trace.Span, msg, query string, args ...any) error {
	db, err := repo.primaryDB(ctx)
	if err != nil {
		return err
	}

	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		repo.logError(ctx, span, msg, err)

		return fmt.Errorf("%s: %w", msg, err)
	}

	return ensureRowsAffected(result)
}

// ensureRowsAffected maps a zero-row CAS update to ErrStateConflict: the row
// moved out of the expected status underneath the caller.
func ensureRowsAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}

	if affected == 0 {
		return outbox.ErrStateConflict
	}

	return nil
}

func (repo *Repository) logError(ctx context.Context, span trace.Span, msg string, err error) {
	span.RecordError(err)
	repo.logger.Log(ctx, log.LevelError, msg, log.String("error_detail", outbox.SanitizeError(err)))
}

func collectEventIDs(events []*outbox.Event) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(events))
	for _, event := range events {
		if event != nil {
			ids = append(ids, event.ID)
		}
	}

	return ids
}

func nullString(value string) sql.NullString {
	if strings.TrimSpace(value) == "" {
		return sql.NullString{}
	}

	return sql.NullString{String: value, Valid: true}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*outbox.Event, error) {
	var (
		event            outbox.Event
		sessionID        sql.NullString
		status           string
		claimedBy        sql.NullString
		claimedAt        sql.NullTime
		leaseExpiresAt   sql.NullTime
		lastAttemptAt    sql.NullTime
		lastErrorCode    sql.NullString
		lastErrorMessage sql.NullString
		failedAt         sql.NullTime
		dlqReason        sql.NullString
		payload          []byte
	)

	err := row.Scan(
		&event.ID, &event.TenantID, &event.FarmID, &event.BarnID, &event.DeviceID, &sessionID,
		&event.EventType, &event.OccurredAt, &event.TraceID, &payload,
		&event.PayloadSizeBytes, &event.Priority,
		&status, &event.NextAttemptAt, &claimedBy, &claimedAt, &leaseExpiresAt,
		&event.AttemptCount, &lastAttemptAt, &lastErrorCode, &lastErrorMessage,
		&failedAt, &dlqReason, &event.CreatedAt, &event.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsedStatus, err := outbox.ParseStatus(status)
	if err != nil {
		return nil, err
	}

	event.Status = parsedStatus
	event.Payload = payload
	event.SessionID = sessionID.String
	event.ClaimedBy = claimedBy.String
	event.LastErrorCode = lastErrorCode.String
	event.LastErrorMessage = lastErrorMessage.String
	event.DLQReason = dlqReason.String

	if claimedAt.Valid {
		event.ClaimedAt = &claimedAt.Time
	}

	if leaseExpiresAt.Valid {
		event.LeaseExpiresAt = &leaseExpiresAt.Time
	}

	if lastAttemptAt.Valid {
		event.LastAttemptAt = &lastAttemptAt.Time
	}

	if failedAt.Valid {
		event.FailedAt = &failedAt.Time
	}

	return &event, nil
}

func scanEvents(rows *sql.Rows) ([]*outbox.Event, error) {
	defer rows.Close()

	var events []*outbox.Event

	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning outbox event: %w", err)
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outbox events: %w", err)
	}

	return events, nil
}
