// Package query provides an in-process query bus with one handler per query name.
//
// Queries are executed synchronously and never retried.
//
//	bus := query.NewLocalBus(query.WithLogger(logger))
//	bus.Register("OrderByID", query.HandlerFunc(func(ctx context.Context, q query.Query) (any, error) {
//	    id, _ := query.PayloadAs[string](q)
//	    return orders.GetByID(ctx, id)
//	}))
//
//	order, err := query.ExecuteAs[*Order](ctx, bus, query.New("OrderByID", "o-1"))
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rbaliyan/dddkit/internal/payload"
)

// Query bus errors
var (
	ErrNoHandler                = errors.New("no handler registered for query")
	ErrHandlerAlreadyRegistered = errors.New("query handler already registered")
	ErrInvalidQuery             = errors.New("invalid query: name is required")
	ErrResultType               = errors.New("unexpected query result type")
)

// Query is a named read request.
type Query struct {
	Name    string `json:"name"`
	Payload any    `json:"payload"`
}

// New creates a query.
func New(name string, payload any) Query {
	return Query{Name: name, Payload: payload}
}

// Decode stores the payload in the value pointed to by v.
func (q Query) Decode(v any) error {
	return payload.Decode(q.Payload, v)
}

// PayloadAs returns the query payload as T.
func PayloadAs[T any](q Query) (T, error) {
	return payload.As[T](q.Payload)
}

// Handler answers a query.
type Handler interface {
	Handle(ctx context.Context, q Query) (any, error)
}

// HandlerFunc is the function form of Handler.
type HandlerFunc func(ctx context.Context, q Query) (any, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, q Query) (any, error) {
	return f(ctx, q)
}

// Option configures a LocalBus.
type Option func(*LocalBus)

// WithLogger sets the logger. A nil logger discards output.
func WithLogger(l *slog.Logger) Option {
	return func(b *LocalBus) {
		if l != nil {
			b.logger = l
		}
	}
}

// LocalBus is an in-process query bus.
type LocalBus struct {
	logger   *slog.Logger
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewLocalBus creates a query bus.
func NewLocalBus(opts ...Option) *LocalBus {
	b := &LocalBus{
		logger:   slog.New(slog.DiscardHandler),
		handlers: make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "query.local_bus")
	return b
}

// Register sets the handler for a query name.
// It returns ErrHandlerAlreadyRegistered if the name already has one.
func (b *LocalBus) Register(name string, h Handler) error {
	if name == "" || h == nil {
		return ErrInvalidQuery
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.handlers[name]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerAlreadyRegistered, name)
	}
	b.handlers[name] = h
	b.logger.Debug("registered query handler", "query", name)
	return nil
}

// Execute runs the handler registered for q.Name and returns its result.
func (b *LocalBus) Execute(ctx context.Context, q Query) (any, error) {
	if q.Name == "" {
		return nil, ErrInvalidQuery
	}

	b.mu.RLock()
	h, ok := b.handlers[q.Name]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, q.Name)
	}
	return h.Handle(ctx, q)
}

// ExecuteAs executes q and returns the result as R.
func ExecuteAs[R any](ctx context.Context, bus *LocalBus, q Query) (R, error) {
	var zero R
	out, err := bus.Execute(ctx, q)
	if err != nil {
		return zero, err
	}
	if out == nil {
		return zero, nil
	}
	r, ok := out.(R)
	if !ok {
		return zero, fmt.Errorf("%w: %s returned %T", ErrResultType, q.Name, out)
	}
	return r, nil
}
