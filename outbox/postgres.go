package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rbaliyan/dddkit/transaction"
)

// PostgresStore implements Store for PostgreSQL.
//
// Inserts run on the pgx.Tx of a transaction.PgxManager transaction. Claims
// and status changes are single-row conditional updates.
//
// Schema (created by EnsureIndexes):
//
//	CREATE TABLE outbox (
//	    id           TEXT PRIMARY KEY,
//	    event        JSONB NOT NULL,
//	    context_name TEXT NOT NULL,
//	    status       TEXT NOT NULL,
//	    scheduled_at TIMESTAMPTZ NOT NULL,
//	    claimed_at   TIMESTAMPTZ,
//	    published_at TIMESTAMPTZ,
//	    attempts     INT NOT NULL DEFAULT 0
//	);
//	CREATE INDEX outbox_sweep_idx ON outbox (status, context_name, scheduled_at);
//
// Example:
//
//	store := outbox.NewPostgresStore(pool).WithTableName("billing_outbox")
type PostgresStore struct {
	pool      *pgxpool.Pool
	tableName string
}

// NewPostgresStore creates a new PostgreSQL outbox store.
// The default table name is "outbox".
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool:      pool,
		tableName: "outbox",
	}
}

// WithTableName sets a custom table name.
func (s *PostgresStore) WithTableName(name string) *PostgresStore {
	s.tableName = name
	return s
}

func (s *PostgresStore) table() string {
	return pgx.Identifier{s.tableName}.Sanitize()
}

// EnsureIndexes creates the outbox table and its sweep index.
func (s *PostgresStore) EnsureIndexes(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id           TEXT PRIMARY KEY,
			event        JSONB NOT NULL,
			context_name TEXT NOT NULL,
			status       TEXT NOT NULL,
			scheduled_at TIMESTAMPTZ NOT NULL,
			claimed_at   TIMESTAMPTZ,
			published_at TIMESTAMPTZ,
			attempts     INT NOT NULL DEFAULT 0
		)`, s.table()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (status, context_name, scheduled_at)`,
			pgx.Identifier{s.tableName + "_sweep_idx"}.Sanitize(), s.table()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (published_at) WHERE published_at IS NOT NULL`,
			pgx.Identifier{s.tableName + "_published_idx"}.Sanitize(), s.table()),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure outbox table: %w", err)
		}
	}
	return nil
}

// Insert adds records to the outbox within tx.
func (s *PostgresStore) Insert(ctx context.Context, tx transaction.Transaction, records []*Record) error {
	q, err := transaction.PgxQuerier(tx, s.pool)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, event, context_name, status, scheduled_at, claimed_at, published_at, attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, s.table())

	for _, r := range records {
		data, err := json.Marshal(r.Event)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		id := r.ID
		if id == "" {
			id = uuid.NewString()
		}
		_, err = q.Exec(ctx, query, id, data, r.ContextName, r.Status,
			r.ScheduledAt, r.ClaimedAt, r.PublishedAt, r.Attempts)
		if err != nil {
			return fmt.Errorf("insert outbox record: %w", err)
		}
		r.ID = id
	}
	return nil
}

// Claim moves a record from scheduled to processing.
func (s *PostgresStore) Claim(ctx context.Context, id string, at time.Time) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET status = $1, claimed_at = $2, attempts = attempts + 1
		WHERE id = $3 AND status = $4
	`, s.table())

	tag, err := s.pool.Exec(ctx, query, StatusProcessing, at, id, StatusScheduled)
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Get returns a record or ErrNotFound.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	query := fmt.Sprintf(`
		SELECT id, event, context_name, status, scheduled_at, claimed_at, published_at, attempts
		FROM %s WHERE id = $1
	`, s.table())

	var (
		r    Record
		data []byte
	)
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&r.ID, &data, &r.ContextName, &r.Status,
		&r.ScheduledAt, &r.ClaimedAt, &r.PublishedAt, &r.Attempts,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("select: %w", err)
	}
	if err := json.Unmarshal(data, &r.Event); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &r, nil
}

// MarkPublished moves a record from processing to published.
func (s *PostgresStore) MarkPublished(ctx context.Context, id string, at time.Time) error {
	query := fmt.Sprintf(`
		UPDATE %s SET status = $1, published_at = $2
		WHERE id = $3 AND status = $4
	`, s.table())

	tag, err := s.pool.Exec(ctx, query, StatusPublished, at, id, StatusProcessing)
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotClaimed, id)
	}
	return nil
}

// ListScheduled returns the ids of the scheduled records of a context.
func (s *PostgresStore) ListScheduled(ctx context.Context, contextName string) ([]string, error) {
	query := fmt.Sprintf(`
		SELECT id FROM %s
		WHERE status = $1 AND context_name = $2
		ORDER BY scheduled_at
	`, s.table())

	rows, err := s.pool.Query(ctx, query, StatusScheduled, contextName)
	if err != nil {
		return nil, fmt.Errorf("query scheduled: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan scheduled: %w", err)
	}
	return ids, nil
}

// ReleaseExpired returns stale processing records to scheduled.
func (s *PostgresStore) ReleaseExpired(ctx context.Context, contextName string, before time.Time) (int64, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET status = $1, claimed_at = NULL
		WHERE status = $2 AND context_name = $3 AND claimed_at < $4
	`, s.table())

	tag, err := s.pool.Exec(ctx, query, StatusScheduled, StatusProcessing, contextName, before)
	if err != nil {
		return 0, fmt.Errorf("update: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeletePublished removes records published before the given time.
func (s *PostgresStore) DeletePublished(ctx context.Context, before time.Time) (int64, error) {
	query := fmt.Sprintf(`
		DELETE FROM %s WHERE status = $1 AND published_at < $2
	`, s.table())

	tag, err := s.pool.Exec(ctx, query, StatusPublished, before)
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Compile-time check
var _ Store = (*PostgresStore)(nil)
