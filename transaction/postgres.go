package transaction

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxTransaction wraps pgx.Tx to implement Transaction.
type PgxTransaction struct {
	tx  pgx.Tx
	ctx context.Context
}

// Commit commits the transaction.
func (t *PgxTransaction) Commit() error {
	return t.tx.Commit(t.ctx)
}

// Rollback rolls back the transaction.
// Rolling back a finished transaction is not an error.
func (t *PgxTransaction) Rollback() error {
	if err := t.tx.Rollback(t.ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

// Tx returns the underlying pgx.Tx for executing queries.
func (t *PgxTransaction) Tx() pgx.Tx {
	return t.tx
}

// PgxTransactionProvider is implemented by transactions that provide pgx access.
type PgxTransactionProvider interface {
	Transaction
	// Tx returns the underlying pgx.Tx.
	Tx() pgx.Tx
}

// PgxManager implements Manager for PostgreSQL through a pgx pool.
//
// The manager does not own the pool and will not close it.
type PgxManager struct {
	pool    *pgxpool.Pool
	options pgx.TxOptions
}

// NewPgxManager creates a new PostgreSQL transaction manager.
func NewPgxManager(pool *pgxpool.Pool) *PgxManager {
	return &PgxManager{pool: pool}
}

// WithIsolation sets the isolation level of new transactions.
func (m *PgxManager) WithIsolation(level pgx.TxIsoLevel) *PgxManager {
	m.options.IsoLevel = level
	return m
}

// Begin starts a new transaction.
func (m *PgxManager) Begin(ctx context.Context) (Transaction, error) {
	tx, err := m.pool.BeginTx(ctx, m.options)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &PgxTransaction{tx: tx, ctx: ctx}, nil
}

// Execute runs a function within a transaction.
// A panic in fn rolls the transaction back and is re-raised.
func (m *PgxManager) Execute(ctx context.Context, fn func(tx Transaction) error) error {
	return Run(ctx, m, fn)
}

// Querier is the query surface shared by pgx.Tx and *pgxpool.Pool.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgxQuerier returns the querier to run a statement with: the pgx.Tx of tx,
// or fallback when tx is nil.
func PgxQuerier(tx Transaction, fallback Querier) (Querier, error) {
	if tx == nil {
		return fallback, nil
	}
	pgTx, ok := tx.(PgxTransactionProvider)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedTransaction, tx)
	}
	return pgTx.Tx(), nil
}

// Compile-time checks
var _ Transaction = (*PgxTransaction)(nil)
var _ PgxTransactionProvider = (*PgxTransaction)(nil)
var _ Manager = (*PgxManager)(nil)
var _ Querier = (pgx.Tx)(nil)
var _ Querier = (*pgxpool.Pool)(nil)
