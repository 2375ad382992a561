package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rbaliyan/dddkit/memstore"
	"github.com/rbaliyan/dddkit/transaction"
)

// memoryDocument is the stored form of a document in memstore
type memoryDocument struct {
	ID        string          `json:"id"`
	Version   int             `json:"version"`
	Model     json.RawMessage `json:"model"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// MemoryStore stores documents in a memstore collection.
type MemoryStore[M Document] struct {
	db         *memstore.DB
	collection string
	now        func() time.Time
}

// NewMemoryStore creates a store backed by a memstore collection.
func NewMemoryStore[M Document](db *memstore.DB, collection string) *MemoryStore[M] {
	return &MemoryStore[M]{db: db, collection: collection, now: time.Now}
}

// EnsureIndexes is a no-op; memstore keys are unique.
func (s *MemoryStore[M]) EnsureIndexes(context.Context) error {
	return nil
}

// FindByID returns the stored document or ErrNotFound.
func (s *MemoryStore[M]) FindByID(_ context.Context, id string) (*Record[M], error) {
	data, ok := s.db.Get(s.collection, id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	var doc memoryDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	var model M
	if err := json.Unmarshal(doc.Model, &model); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}

	return &Record[M]{
		ID:        doc.ID,
		Version:   doc.Version,
		Model:     model,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}, nil
}

// Upsert writes model if the stored version equals expected.
func (s *MemoryStore[M]) Upsert(_ context.Context, tx transaction.Transaction, model M, expected int) (int, error) {
	id := model.DocumentID()
	raw, err := json.Marshal(model)
	if err != nil {
		return 0, fmt.Errorf("encode model: %w", err)
	}

	now := s.now()
	doc := memoryDocument{
		ID:        id,
		Version:   expected + 1,
		Model:     raw,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var current []byte
	var exists bool
	var mtx *memstore.Tx
	if tx != nil {
		if mtx, err = memstore.FromTransaction(tx); err != nil {
			return 0, err
		}
		current, exists = mtx.Get(s.collection, id)
	} else {
		current, exists = s.db.Get(s.collection, id)
	}
	if exists {
		var prev memoryDocument
		if err := json.Unmarshal(current, &prev); err == nil {
			doc.CreatedAt = prev.CreatedAt
		}
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return 0, fmt.Errorf("encode document: %w", err)
	}

	cond := expectVersion(id, expected)
	if mtx != nil {
		err = mtx.Put(s.collection, id, data, cond)
	} else {
		err = s.db.Put(s.collection, id, data, cond)
	}
	if err != nil {
		return 0, err
	}
	return doc.Version, nil
}

// expectVersion matches the conditional upsert of the database backends: a
// missing document may be inserted, an existing one must carry the expected version.
func expectVersion(id string, expected int) memstore.Precondition {
	return func(current []byte, exists bool) error {
		if !exists {
			return nil
		}
		var doc memoryDocument
		if err := json.Unmarshal(current, &doc); err != nil {
			return fmt.Errorf("decode document: %w", err)
		}
		if doc.Version != expected {
			return fmt.Errorf("%w: %s at version %d, expected %d", ErrVersionConflict, id, doc.Version, expected)
		}
		return nil
	}
}

// Compile-time check
var _ Store[Document] = (*MemoryStore[Document])(nil)
