// Package docstore persists versioned documents with optimistic concurrency.
//
// Every stored document carries a version equal to the number of successful
// writes. Upsert only succeeds when the stored version equals the version the
// caller read; otherwise it fails with ErrVersionConflict. A document that does
// not exist yet is inserted, and a concurrent insert of the same id conflicts.
//
// Three backends are provided:
//   - MongoStore: model fields inlined next to __version, createdAt and
//     updatedAt, with a unique index on the id field
//   - PostgresStore: a table of (id, version, model JSONB, created_at, updated_at)
//   - MemoryStore: a memstore collection, for tests and single-process use
package docstore

import (
	"context"
	"errors"
	"time"

	"github.com/rbaliyan/dddkit/transaction"
)

// Errors
var (
	ErrNotFound = errors.New("document not found")
	// ErrVersionConflict is returned when the stored version differs from the
	// expected one, including when a document with the same id already exists.
	ErrVersionConflict = errors.New("document version conflict")
)

// Document is a model that can be stored.
type Document interface {
	// DocumentID returns the unique identifier of the document.
	DocumentID() string
}

// Record is a stored document with its bookkeeping fields.
type Record[M Document] struct {
	ID        string
	Version   int
	Model     M
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store persists versioned documents.
type Store[M Document] interface {
	// EnsureIndexes creates the indexes or tables the store relies on.
	EnsureIndexes(ctx context.Context) error

	// FindByID returns the stored document or ErrNotFound.
	FindByID(ctx context.Context, id string) (*Record[M], error)

	// Upsert writes model if the stored version equals expected, or inserts it
	// when no document with its id exists. The new version is expected+1.
	// tx may be nil to write outside a transaction.
	Upsert(ctx context.Context, tx transaction.Transaction, model M, expected int) (int, error)
}
