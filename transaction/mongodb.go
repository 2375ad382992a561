package transaction

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"
)

// MongoTransaction wraps a MongoDB session to implement Transaction.
//
// MongoDB transactions require a replica set or sharded cluster.
// Standalone MongoDB deployments do not support transactions.
//
// Example:
//
//	err := manager.Execute(ctx, func(tx transaction.Transaction) error {
//	    sessCtx := tx.(transaction.MongoSessionProvider).SessionContext()
//	    _, err := collection.InsertOne(sessCtx, doc)
//	    return err
//	})
type MongoTransaction struct {
	session mongo.Session
	ctx     mongo.SessionContext
	owned   bool
}

// Commit commits the MongoDB transaction.
//
// Transactions handed out by Execute are committed by the manager and
// Commit is a no-op for them.
func (t *MongoTransaction) Commit() error {
	if !t.owned {
		return nil
	}
	defer t.session.EndSession(t.ctx)
	return t.session.CommitTransaction(t.ctx)
}

// Rollback rolls back the MongoDB transaction.
func (t *MongoTransaction) Rollback() error {
	if !t.owned {
		return nil
	}
	defer t.session.EndSession(t.ctx)
	return t.session.AbortTransaction(t.ctx)
}

// Session returns the MongoDB session.
func (t *MongoTransaction) Session() mongo.Session {
	return t.session
}

// SessionContext returns the MongoDB session context.
//
// Use this context for all MongoDB operations within the transaction.
func (t *MongoTransaction) SessionContext() mongo.SessionContext {
	return t.ctx
}

// MongoManager implements Manager for MongoDB.
//
// Requirements:
//   - MongoDB 4.0+ for replica set transactions
//   - MongoDB 4.2+ for sharded cluster transactions
//
// Execute uses the driver's WithTransaction, which retries the callback on
// TransientTransactionError and the commit on UnknownTransactionCommitResult.
type MongoManager struct {
	client *mongo.Client
}

// NewMongoManager creates a new MongoDB transaction manager.
//
// The manager does not own the client and will not close it.
func NewMongoManager(client *mongo.Client) *MongoManager {
	return &MongoManager{client: client}
}

// Begin starts a new MongoDB transaction.
//
// The returned transaction owns its session: Commit or Rollback ends it.
func (m *MongoManager) Begin(ctx context.Context) (Transaction, error) {
	session, err := m.client.StartSession()
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}

	if err := session.StartTransaction(); err != nil {
		session.EndSession(ctx)
		return nil, fmt.Errorf("start transaction: %w", err)
	}

	return &MongoTransaction{
		session: session,
		ctx:     mongo.NewSessionContext(ctx, session),
		owned:   true,
	}, nil
}

// Execute runs a function within a MongoDB transaction.
func (m *MongoManager) Execute(ctx context.Context, fn func(tx Transaction) error) error {
	session, err := m.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (interface{}, error) {
		tx := &MongoTransaction{
			session: session,
			ctx:     sessCtx,
		}

		if err := fn(tx); err != nil {
			return nil, err
		}

		return nil, nil
	})

	return err
}

// MongoSessionProvider is implemented by transactions that provide MongoDB session access.
//
// Example:
//
//	mongoTx, ok := tx.(transaction.MongoSessionProvider)
//	if !ok {
//	    return transaction.ErrUnsupportedTransaction
//	}
//	_, err := collection.InsertOne(mongoTx.SessionContext(), doc)
type MongoSessionProvider interface {
	Transaction

	// Session returns the MongoDB session.
	Session() mongo.Session

	// SessionContext returns the MongoDB session context.
	SessionContext() mongo.SessionContext
}

// MongoContext returns the context to run a MongoDB operation with: the
// session context of tx, or ctx when tx is nil.
func MongoContext(ctx context.Context, tx Transaction) (context.Context, error) {
	if tx == nil {
		return ctx, nil
	}
	mongoTx, ok := tx.(MongoSessionProvider)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedTransaction, tx)
	}
	return mongoTx.SessionContext(), nil
}

// Compile-time checks
var _ Manager = (*MongoManager)(nil)
var _ Transaction = (*MongoTransaction)(nil)
var _ MongoSessionProvider = (*MongoTransaction)(nil)
