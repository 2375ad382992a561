package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rbaliyan/dddkit/event"
	"github.com/rbaliyan/dddkit/transaction"
)

// KeyFunc derives the idempotency key of an event.
type KeyFunc func(ctx context.Context, e event.Event) (string, error)

type handlerOptions struct {
	logger *slog.Logger
}

// Option configures a handler wrapper.
type Option func(*handlerOptions)

// WithLogger sets the logger. A nil logger discards output.
func WithLogger(l *slog.Logger) Option {
	return func(o *handlerOptions) {
		o.logger = l
	}
}

func newOptions(opts []Option) handlerOptions {
	var o handlerOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}
	o.logger = o.logger.With("component", "idempotency")
	return o
}

type guarded struct {
	store  Store
	key    KeyFunc
	next   event.Handler
	logger *slog.Logger
}

// Handler wraps h so events whose key is already marked are skipped. The key
// is marked after h succeeds; a failure of h leaves it unmarked for the retry.
func Handler(store Store, key KeyFunc, h event.Handler, opts ...Option) event.Handler {
	o := newOptions(opts)
	return &guarded{store: store, key: key, next: h, logger: o.logger}
}

func (g *guarded) Name() string { return g.next.Name() }

func (g *guarded) Handle(ctx context.Context, e event.Event) error {
	key, err := g.key(ctx, e)
	if err != nil {
		return fmt.Errorf("idempotency key: %w", err)
	}

	dup, err := g.store.IsDuplicate(ctx, key)
	if err != nil {
		return err
	}
	if dup {
		g.logger.Debug("skipping processed event", "event", e.Name, "handler", g.next.Name(), "key", key)
		return nil
	}

	if err := g.next.Handle(ctx, e); err != nil {
		return err
	}

	err = g.store.MarkProcessed(ctx, nil, key)
	if errors.Is(err, ErrAlreadyProcessed) {
		g.logger.Warn("event processed concurrently", "event", e.Name, "handler", g.next.Name(), "key", key)
		return nil
	}
	return err
}

// TxFunc handles an event inside a transaction.
type TxFunc func(ctx context.Context, tx transaction.Transaction, e event.Event) error

type transactional struct {
	name   string
	store  Store
	txm    transaction.Manager
	key    KeyFunc
	fn     TxFunc
	logger *slog.Logger
}

// TxHandler creates a handler that runs fn and marks the key in one
// transaction of txm. store must write through the same database as txm.
// When a concurrent delivery marks the key first, the transaction is rolled
// back and the event is treated as processed.
func TxHandler(name string, store Store, txm transaction.Manager, key KeyFunc, fn TxFunc, opts ...Option) event.Handler {
	o := newOptions(opts)
	return &transactional{name: name, store: store, txm: txm, key: key, fn: fn, logger: o.logger}
}

func (t *transactional) Name() string { return t.name }

func (t *transactional) Handle(ctx context.Context, e event.Event) error {
	key, err := t.key(ctx, e)
	if err != nil {
		return fmt.Errorf("idempotency key: %w", err)
	}

	dup, err := t.store.IsDuplicate(ctx, key)
	if err != nil {
		return err
	}
	if dup {
		t.logger.Debug("skipping processed event", "event", e.Name, "handler", t.name, "key", key)
		return nil
	}

	err = t.txm.Execute(ctx, func(tx transaction.Transaction) error {
		if err := t.store.MarkProcessed(ctx, tx, key); err != nil {
			return err
		}
		return t.fn(ctx, tx, e)
	})
	if errors.Is(err, ErrAlreadyProcessed) {
		t.logger.Warn("event processed concurrently", "event", e.Name, "handler", t.name, "key", key)
		return nil
	}
	return err
}

// Compile-time checks
var _ event.Handler = (*guarded)(nil)
var _ event.Handler = (*transactional)(nil)
