// Package transaction provides store-agnostic transaction management.
//
// Aggregate persistence and outbox scheduling must commit or roll back
// together. Stores receive the active Transaction and type-assert it to the
// provider interface of their backend, so one unit of work can span every
// store that shares a backend.
//
// # Overview
//
// The package provides:
//   - Transaction interface for backend-agnostic transaction handling
//   - Manager interface for transaction lifecycle management
//   - MongoManager for MongoDB transactions (see mongodb.go)
//   - PgxManager for PostgreSQL transactions through pgx (see postgres.go)
//
// # Basic Usage
//
//	txManager := transaction.NewPgxManager(pool)
//
//	err := txManager.Execute(ctx, func(tx transaction.Transaction) error {
//	    pgTx := tx.(transaction.PgxTransactionProvider).Tx()
//
//	    if _, err := pgTx.Exec(ctx, "UPDATE orders SET status = $1 WHERE id = $2", "paid", orderID); err != nil {
//	        return err // Triggers rollback
//	    }
//
//	    return nil // Triggers commit
//	})
//
// # Best Practices
//
//   - Keep transactions short to reduce lock contention
//   - Use Execute() for automatic commit/rollback handling
//   - Never hold a transaction open across a network call to a broker
package transaction

import (
	"context"
	"errors"
)

// ErrTransactionFailed is returned when a transaction cannot be completed.
//
// This error indicates that the transaction could not be committed or rolled
// back successfully. The caller should check the underlying error for more
// details about what failed.
var ErrTransactionFailed = errors.New("transaction failed")

// ErrUnsupportedTransaction is returned by stores handed a Transaction from a
// different backend than their own.
//
// Example:
//
//	mongoTx, ok := tx.(transaction.MongoSessionProvider)
//	if !ok {
//	    return fmt.Errorf("%w: %T", transaction.ErrUnsupportedTransaction, tx)
//	}
var ErrUnsupportedTransaction = errors.New("unsupported transaction type")

// Transaction represents an active transaction.
//
// Implementations wrap MongoDB sessions, pgx transactions, or the in-memory
// store's staged writes.
//
// Users typically don't call Commit/Rollback directly - instead use
// Manager.Execute() which handles these automatically.
type Transaction interface {
	// Commit commits the transaction.
	// After Commit, the transaction is no longer usable.
	Commit() error

	// Rollback aborts the transaction.
	// After Rollback, the transaction is no longer usable.
	// It's safe to call Rollback on an already committed/rolled back transaction.
	Rollback() error
}

// Manager handles transaction lifecycle.
//
// The Manager interface provides two ways to work with transactions:
//   - Begin/Commit/Rollback: Manual control (use when you need fine-grained control)
//   - Execute: Automatic commit/rollback (recommended for most use cases)
//
// Implementations:
//   - MongoManager: For MongoDB replica sets (see mongodb.go)
//   - PgxManager: For PostgreSQL (see postgres.go)
//   - memstore.DB: For the in-memory document store
type Manager interface {
	// Begin starts a new transaction.
	//
	// The returned Transaction must be either committed or rolled back.
	// Prefer using Execute() which handles this automatically.
	Begin(ctx context.Context) (Transaction, error)

	// Execute runs a function within a transaction, automatically handling commit/rollback.
	//
	// If fn returns nil, the transaction is committed.
	// If fn returns an error, the transaction is rolled back.
	// If fn panics, the transaction is rolled back and the panic is re-raised.
	//
	// Implementations may run fn more than once when the backend reports a
	// transient conflict, so fn must not have side effects outside tx.
	Execute(ctx context.Context, fn func(tx Transaction) error) error
}

// Run executes fn within a transaction begun on m, for managers that only
// need the default Begin/Commit/Rollback sequence.
func Run(ctx context.Context, m interface {
	Begin(ctx context.Context) (Transaction, error)
}, fn func(tx Transaction) error) error {
	tx, err := m.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}

	return tx.Commit()
}
