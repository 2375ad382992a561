// Package idempotency skips events a handler has already processed.
//
// Outbox relays and broker buses deliver at least once: a record whose lease
// expired is published again, and a failed delivery is requeued. Handlers
// with side effects outside their own store use a Store to remember the keys
// they have processed.
//
// # Usage
//
// Wrap a handler; the key is derived from the event:
//
//	store := idempotency.NewMemoryStore(db)
//	bus.Subscribe(ctx, "InvoiceIssued", idempotency.Handler(store, invoiceKey,
//	    event.Typed("SendInvoiceEmail", sendInvoiceEmail)))
//
// When the handler writes to the same database as the store, mark the key in
// the handler's transaction so both commit or neither does:
//
//	h := idempotency.TxHandler("ApplyPayment", store, txManager, paymentKey,
//	    func(ctx context.Context, tx transaction.Transaction, e event.Event) error {
//	        return payments.Apply(ctx, tx, e)
//	    })
package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rbaliyan/dddkit/transaction"
)

// DefaultTTL is how long processed keys are remembered by default.
const DefaultTTL = 24 * time.Hour

// ErrAlreadyProcessed is returned by MarkProcessed when the key is already
// marked and has not expired.
var ErrAlreadyProcessed = errors.New("message already processed")

// Store tracks processed keys.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// IsDuplicate reports whether key is marked and not expired.
	IsDuplicate(ctx context.Context, key string) (bool, error)

	// MarkProcessed records key, within tx when tx is not nil. It fails
	// with ErrAlreadyProcessed when another writer marked it first.
	MarkProcessed(ctx context.Context, tx transaction.Transaction, key string) error

	// Remove forgets key so it can be processed again.
	Remove(ctx context.Context, key string) error

	// Purge deletes expired keys and returns how many were removed.
	Purge(ctx context.Context) (int64, error)
}

// Config holds the store settings.
type Config struct {
	// TTL is how long a processed key is remembered.
	TTL time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"24h"`
}

// LoadConfig reads the configuration from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) ttl() time.Duration {
	if c.TTL <= 0 {
		return DefaultTTL
	}
	return c.TTL
}
