package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rbaliyan/dddkit/memstore"
	"github.com/rbaliyan/dddkit/transaction"
)

type memoryEntry struct {
	ProcessedAt time.Time `json:"processedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// MemoryStore keeps processed keys in a memstore collection, so they can be
// marked in the same transaction as the documents a handler writes.
type MemoryStore struct {
	db         *memstore.DB
	collection string
	ttl        time.Duration
	now        func() time.Time
}

// NewMemoryStore creates a store in the "idempotency" collection of db.
func NewMemoryStore(db *memstore.DB) *MemoryStore {
	return &MemoryStore{
		db:         db,
		collection: "idempotency",
		ttl:        DefaultTTL,
		now:        time.Now,
	}
}

// WithCollection sets a custom collection name
func (s *MemoryStore) WithCollection(name string) *MemoryStore {
	s.collection = name
	return s
}

// WithConfig applies cfg.
func (s *MemoryStore) WithConfig(cfg Config) *MemoryStore {
	s.ttl = cfg.ttl()
	return s
}

// WithClock replaces time.Now.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) live(doc []byte, now time.Time) bool {
	var e memoryEntry
	if err := json.Unmarshal(doc, &e); err != nil {
		return false
	}
	return e.ExpiresAt.After(now)
}

// IsDuplicate reports whether key is marked and not expired.
func (s *MemoryStore) IsDuplicate(_ context.Context, key string) (bool, error) {
	doc, ok := s.db.Get(s.collection, key)
	if !ok {
		return false, nil
	}
	return s.live(doc, s.now()), nil
}

// MarkProcessed records key. Within a memstore transaction the check is
// repeated at commit, so the second of two concurrent transactions fails.
func (s *MemoryStore) MarkProcessed(_ context.Context, tx transaction.Transaction, key string) error {
	now := s.now()
	doc, err := json.Marshal(memoryEntry{ProcessedAt: now, ExpiresAt: now.Add(s.ttl)})
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	cond := func(current []byte, exists bool) error {
		if exists && s.live(current, now) {
			return fmt.Errorf("%w: %s", ErrAlreadyProcessed, key)
		}
		return nil
	}

	if tx == nil {
		return s.db.Put(s.collection, key, doc, cond)
	}
	mtx, err := memstore.FromTransaction(tx)
	if err != nil {
		return err
	}
	return mtx.Put(s.collection, key, doc, cond)
}

// Remove forgets key.
func (s *MemoryStore) Remove(_ context.Context, key string) error {
	s.db.Delete(s.collection, key)
	return nil
}

// Purge deletes expired keys.
func (s *MemoryStore) Purge(context.Context) (int64, error) {
	now := s.now()
	var expired []string
	s.db.Scan(s.collection, func(key string, doc []byte) bool {
		if !s.live(doc, now) {
			expired = append(expired, key)
		}
		return true
	})

	var n int64
	for _, key := range expired {
		if s.db.Delete(s.collection, key) {
			n++
		}
	}
	return n, nil
}

// Compile-time check
var _ Store = (*MemoryStore)(nil)
