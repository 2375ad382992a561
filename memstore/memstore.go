// Package memstore is an in-memory document database with optimistic transactions.
//
// Documents are opaque byte slices grouped in named collections. Writes made
// inside a transaction are staged and carry a Precondition; on commit every
// precondition is checked again against the latest committed state, and the
// whole transaction is rejected if any of them fails. This gives the same
// conflict behavior stores see from a unique index or a conditional update,
// which makes the package suitable for tests and single-process deployments.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rbaliyan/dddkit/transaction"
)

// Errors
var (
	ErrTxDone   = errors.New("transaction already committed or rolled back")
	ErrConflict = errors.New("write conflict")
)

// Precondition validates the current state of a document before a write
// replaces it. exists is false when there is no document under the key.
type Precondition func(current []byte, exists bool) error

// DB is an in-memory document database. The zero value is not usable; use New.
type DB struct {
	mu          sync.RWMutex
	collections map[string]map[string][]byte
}

// New creates an empty database.
func New() *DB {
	return &DB{collections: make(map[string]map[string][]byte)}
}

// Get returns a copy of the document stored under key.
func (db *DB) Get(collection, key string) ([]byte, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.getLocked(collection, key)
}

func (db *DB) getLocked(collection, key string) ([]byte, bool) {
	doc, ok := db.collections[collection][key]
	if !ok {
		return nil, false
	}
	return slices.Clone(doc), true
}

func (db *DB) putLocked(collection, key string, doc []byte) {
	c, ok := db.collections[collection]
	if !ok {
		c = make(map[string][]byte)
		db.collections[collection] = c
	}
	c[key] = slices.Clone(doc)
}

// Put writes a document outside any transaction. cond may be nil.
func (db *DB) Put(collection, key string, doc []byte, cond Precondition) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if cond != nil {
		current, exists := db.getLocked(collection, key)
		if err := cond(current, exists); err != nil {
			return err
		}
	}
	db.putLocked(collection, key, doc)
	return nil
}

// Delete removes a document outside any transaction and reports whether it existed.
func (db *DB) Delete(collection, key string) bool {
	db.mu.Lock()
	defer db.mu.Unlock()

	c := db.collections[collection]
	if _, ok := c[key]; !ok {
		return false
	}
	delete(c, key)
	return true
}

// Update atomically replaces a document with the result of fn.
//
// fn receives the current document and returns the new one and whether it
// should be written. Update reports whether a write happened.
func (db *DB) Update(collection, key string, fn func(current []byte, exists bool) ([]byte, bool, error)) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	current, exists := db.getLocked(collection, key)
	next, write, err := fn(current, exists)
	if err != nil || !write {
		return false, err
	}
	db.putLocked(collection, key, next)
	return true, nil
}

// Scan calls fn for every document of a collection in key order until fn
// returns false. fn must not call back into the database.
func (db *DB) Scan(collection string, fn func(key string, doc []byte) bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	c := db.collections[collection]
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		if !fn(k, slices.Clone(c[k])) {
			return
		}
	}
}

// Len returns the number of documents in a collection.
func (db *DB) Len(collection string) int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.collections[collection])
}

// Begin starts a transaction.
func (db *DB) Begin(context.Context) (transaction.Transaction, error) {
	return &Tx{db: db}, nil
}

// Execute runs fn in a transaction and commits it when fn succeeds.
func (db *DB) Execute(ctx context.Context, fn func(tx transaction.Transaction) error) error {
	return transaction.Run(ctx, db, fn)
}

type write struct {
	collection string
	key        string
	doc        []byte
	cond       Precondition
}

// Tx is a memstore transaction. Writes are invisible to other readers until Commit.
type Tx struct {
	db     *DB
	mu     sync.Mutex
	writes []write
	done   bool
}

// Get returns the document under key as seen by the transaction.
func (tx *Tx) Get(collection, key string) ([]byte, bool) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	for i := len(tx.writes) - 1; i >= 0; i-- {
		w := tx.writes[i]
		if w.collection == collection && w.key == key {
			return slices.Clone(w.doc), true
		}
	}
	return tx.db.Get(collection, key)
}

// Put stages a write. cond is checked now against the transaction's view and
// again at commit against the committed state. cond may be nil.
func (tx *Tx) Put(collection, key string, doc []byte, cond Precondition) error {
	if cond != nil {
		current, exists := tx.Get(collection, key)
		if err := cond(current, exists); err != nil {
			return err
		}
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return ErrTxDone
	}
	tx.writes = append(tx.writes, write{
		collection: collection,
		key:        key,
		doc:        slices.Clone(doc),
		cond:       cond,
	})
	return nil
}

// Commit validates every staged precondition and applies all writes atomically.
// A failed precondition rejects the whole transaction and its error is returned.
func (tx *Tx) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return ErrTxDone
	}
	tx.done = true

	db := tx.db
	db.mu.Lock()
	defer db.mu.Unlock()

	type docKey struct{ collection, key string }
	view := make(map[docKey][]byte, len(tx.writes))

	for _, w := range tx.writes {
		k := docKey{w.collection, w.key}
		if w.cond != nil {
			current, exists := view[k]
			if !exists {
				current, exists = db.getLocked(w.collection, w.key)
			}
			if err := w.cond(current, exists); err != nil {
				return fmt.Errorf("commit: %w", err)
			}
		}
		view[k] = w.doc
	}

	for k, doc := range view {
		db.putLocked(k.collection, k.key, doc)
	}
	tx.writes = nil
	return nil
}

// Rollback discards staged writes. Rolling back a finished transaction is a no-op.
func (tx *Tx) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	tx.done = true
	tx.writes = nil
	return nil
}

// FromTransaction returns the memstore transaction behind tx.
func FromTransaction(tx transaction.Transaction) (*Tx, error) {
	mtx, ok := tx.(*Tx)
	if !ok {
		return nil, fmt.Errorf("%w: %T", transaction.ErrUnsupportedTransaction, tx)
	}
	return mtx, nil
}

// Compile-time checks
var _ transaction.Manager = (*DB)(nil)
var _ transaction.Transaction = (*Tx)(nil)
