package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rbaliyan/dddkit/transaction"
)

/*
PostgreSQL Schema:

CREATE TABLE IF NOT EXISTS aggregates (
    id          TEXT PRIMARY KEY,
    version     INTEGER NOT NULL,
    model       JSONB NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL
);
*/

// PostgresStore stores documents as JSONB rows.
type PostgresStore[M Document] struct {
	pool  *pgxpool.Pool
	table string
	now   func() time.Time
}

// NewPostgresStore creates a PostgreSQL document store
func NewPostgresStore[M Document](pool *pgxpool.Pool, table string) *PostgresStore[M] {
	return &PostgresStore[M]{pool: pool, table: table, now: time.Now}
}

func (s *PostgresStore[M]) ident() string {
	return pgx.Identifier{s.table}.Sanitize()
}

// EnsureIndexes creates the table. The primary key is the unique id index.
func (s *PostgresStore[M]) EnsureIndexes(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id          TEXT PRIMARY KEY,
			version     INTEGER NOT NULL,
			model       JSONB NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL
		)`, s.ident()))
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	return nil
}

// FindByID returns the stored document or ErrNotFound
func (s *PostgresStore[M]) FindByID(ctx context.Context, id string) (*Record[M], error) {
	query := fmt.Sprintf(`
		SELECT version, model, created_at, updated_at
		FROM %s
		WHERE id = $1`, s.ident())

	rec := &Record[M]{ID: id}
	var raw []byte
	err := s.pool.QueryRow(ctx, query, id).Scan(&rec.Version, &raw, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("select: %w", err)
	}

	if err := json.Unmarshal(raw, &rec.Model); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	return rec, nil
}

// Upsert writes model if the stored version equals expected.
//
// The insert falls back to an update guarded by the stored version; when the
// guard fails no row is returned and the write is reported as a conflict.
func (s *PostgresStore[M]) Upsert(ctx context.Context, tx transaction.Transaction, model M, expected int) (int, error) {
	q, err := transaction.PgxQuerier(tx, s.pool)
	if err != nil {
		return 0, err
	}

	raw, err := json.Marshal(model)
	if err != nil {
		return 0, fmt.Errorf("encode model: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %[1]s (id, version, model, created_at, updated_at)
		VALUES ($1, $2 + 1, $3, $4, $4)
		ON CONFLICT (id) DO UPDATE
		SET version = EXCLUDED.version, model = EXCLUDED.model, updated_at = EXCLUDED.updated_at
		WHERE %[1]s.version = $2
		RETURNING version`, s.ident())

	id := model.DocumentID()
	var version int
	err = q.QueryRow(ctx, query, id, expected, raw, s.now()).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s expected at version %d", ErrVersionConflict, id, expected)
	}
	if err != nil {
		return 0, fmt.Errorf("upsert: %w", err)
	}
	return version, nil
}

// Compile-time check
var _ Store[Document] = (*PostgresStore[Document])(nil)
