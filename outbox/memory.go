package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/dddkit/memstore"
	"github.com/rbaliyan/dddkit/transaction"
)

// MemoryStore keeps outbox records in a memstore collection.
//
// Records inserted through a memstore transaction become visible when the
// transaction commits, together with the documents written alongside them.
type MemoryStore struct {
	db         *memstore.DB
	collection string
}

// NewMemoryStore creates an outbox store in the "outbox" collection of db.
func NewMemoryStore(db *memstore.DB) *MemoryStore {
	return &MemoryStore{db: db, collection: "outbox"}
}

// WithCollection sets a custom collection name
func (s *MemoryStore) WithCollection(name string) *MemoryStore {
	s.collection = name
	return s
}

// EnsureIndexes is a no-op for the memory store.
func (s *MemoryStore) EnsureIndexes(context.Context) error {
	return nil
}

func mustNotExist(id string) memstore.Precondition {
	return func(_ []byte, exists bool) error {
		if exists {
			return fmt.Errorf("outbox record %s already exists", id)
		}
		return nil
	}
}

// Insert stores records within tx.
func (s *MemoryStore) Insert(_ context.Context, tx transaction.Transaction, records []*Record) error {
	var mtx *memstore.Tx
	if tx != nil {
		var err error
		if mtx, err = memstore.FromTransaction(tx); err != nil {
			return err
		}
	}

	for _, r := range records {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}

		if mtx != nil {
			err = mtx.Put(s.collection, r.ID, data, mustNotExist(r.ID))
		} else {
			err = s.db.Put(s.collection, r.ID, data, mustNotExist(r.ID))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// transition atomically rewrites a record when it is in the from status.
func (s *MemoryStore) transition(id string, from Status, apply func(r *Record) bool) (bool, error) {
	return s.db.Update(s.collection, id, func(current []byte, exists bool) ([]byte, bool, error) {
		if !exists {
			return nil, false, nil
		}
		var r Record
		if err := json.Unmarshal(current, &r); err != nil {
			return nil, false, fmt.Errorf("decode record: %w", err)
		}
		if r.Status != from || !apply(&r) {
			return nil, false, nil
		}
		data, err := json.Marshal(&r)
		if err != nil {
			return nil, false, fmt.Errorf("encode record: %w", err)
		}
		return data, true, nil
	})
}

// Claim moves a record from scheduled to processing.
func (s *MemoryStore) Claim(_ context.Context, id string, at time.Time) (bool, error) {
	return s.transition(id, StatusScheduled, func(r *Record) bool {
		r.Status = StatusProcessing
		r.ClaimedAt = &at
		r.Attempts++
		return true
	})
}

// Get returns a record or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	data, ok := s.db.Get(s.collection, id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &r, nil
}

// MarkPublished moves a record from processing to published.
func (s *MemoryStore) MarkPublished(_ context.Context, id string, at time.Time) error {
	ok, err := s.transition(id, StatusProcessing, func(r *Record) bool {
		r.Status = StatusPublished
		r.PublishedAt = &at
		return true
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotClaimed, id)
	}
	return nil
}

func (s *MemoryStore) scan(match func(r *Record) bool) []*Record {
	var out []*Record
	s.db.Scan(s.collection, func(_ string, doc []byte) bool {
		var r Record
		if err := json.Unmarshal(doc, &r); err == nil && match(&r) {
			out = append(out, &r)
		}
		return true
	})
	slices.SortFunc(out, func(a, b *Record) int {
		return a.ScheduledAt.Compare(b.ScheduledAt)
	})
	return out
}

// ListScheduled returns the ids of the scheduled records of a context.
func (s *MemoryStore) ListScheduled(_ context.Context, contextName string) ([]string, error) {
	recs := s.scan(func(r *Record) bool {
		return r.Status == StatusScheduled && r.ContextName == contextName
	})
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	return ids, nil
}

// ReleaseExpired returns stale processing records to scheduled.
func (s *MemoryStore) ReleaseExpired(_ context.Context, contextName string, before time.Time) (int64, error) {
	stale := s.scan(func(r *Record) bool {
		return r.Status == StatusProcessing && r.ContextName == contextName &&
			r.ClaimedAt != nil && r.ClaimedAt.Before(before)
	})

	var released int64
	for _, r := range stale {
		claimedAt := *r.ClaimedAt
		ok, err := s.transition(r.ID, StatusProcessing, func(cur *Record) bool {
			if cur.ClaimedAt == nil || !cur.ClaimedAt.Equal(claimedAt) {
				return false
			}
			cur.Status = StatusScheduled
			cur.ClaimedAt = nil
			return true
		})
		if err != nil {
			return released, err
		}
		if ok {
			released++
		}
	}
	return released, nil
}

// DeletePublished removes records published before the given time.
func (s *MemoryStore) DeletePublished(_ context.Context, before time.Time) (int64, error) {
	old := s.scan(func(r *Record) bool {
		return r.Status == StatusPublished && r.PublishedAt != nil && r.PublishedAt.Before(before)
	})
	for _, r := range old {
		s.db.Delete(s.collection, r.ID)
	}
	return int64(len(old)), nil
}

// Compile-time check
var _ Store = (*MemoryStore)(nil)
