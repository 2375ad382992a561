package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rbaliyan/dddkit/transaction"
)

// PostgresStore keeps processed keys in a PostgreSQL table.
//
// Schema (created by EnsureIndexes):
//
//	CREATE TABLE idempotency (
//	    key          TEXT PRIMARY KEY,
//	    processed_at TIMESTAMPTZ NOT NULL,
//	    expires_at   TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX idempotency_expires_idx ON idempotency (expires_at);
type PostgresStore struct {
	pool      *pgxpool.Pool
	tableName string
	ttl       time.Duration
}

// NewPostgresStore creates a store in the "idempotency" table.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool:      pool,
		tableName: "idempotency",
		ttl:       DefaultTTL,
	}
}

// WithTableName sets a custom table name.
func (s *PostgresStore) WithTableName(name string) *PostgresStore {
	s.tableName = name
	return s
}

// WithConfig applies cfg.
func (s *PostgresStore) WithConfig(cfg Config) *PostgresStore {
	s.ttl = cfg.ttl()
	return s
}

func (s *PostgresStore) table() string {
	return pgx.Identifier{s.tableName}.Sanitize()
}

// EnsureIndexes creates the table and its expiry index.
func (s *PostgresStore) EnsureIndexes(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			key          TEXT PRIMARY KEY,
			processed_at TIMESTAMPTZ NOT NULL,
			expires_at   TIMESTAMPTZ NOT NULL
		)`, s.table()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (expires_at)`,
			pgx.Identifier{s.tableName + "_expires_idx"}.Sanitize(), s.table()),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure idempotency table: %w", err)
		}
	}
	return nil
}

// IsDuplicate reports whether key is marked and not expired.
func (s *PostgresStore) IsDuplicate(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE key = $1 AND expires_at > now())`, s.table()),
		key,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check idempotency key: %w", err)
	}
	return exists, nil
}

// MarkProcessed inserts key, or revives it when expired. Within a
// transaction.PgxManager transaction it runs on the transaction's connection.
func (s *PostgresStore) MarkProcessed(ctx context.Context, tx transaction.Transaction, key string) error {
	q, err := transaction.PgxQuerier(tx, s.pool)
	if err != nil {
		return err
	}

	now := time.Now()
	tag, err := q.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %[1]s AS t (key, processed_at, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET processed_at = EXCLUDED.processed_at, expires_at = EXCLUDED.expires_at
		WHERE t.expires_at <= $2`, s.table()),
		key, now, now.Add(s.ttl),
	)
	if err != nil {
		return fmt.Errorf("mark idempotency key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyProcessed, key)
	}
	return nil
}

// Remove forgets key.
func (s *PostgresStore) Remove(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.table()), key)
	if err != nil {
		return fmt.Errorf("remove idempotency key: %w", err)
	}
	return nil
}

// Purge deletes expired keys.
func (s *PostgresStore) Purge(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= now()`, s.table()))
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Compile-time check
var _ Store = (*PostgresStore)(nil)
