package event

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rbaliyan/dddkit/backoff"
	"github.com/rbaliyan/dddkit/internal/delayqueue"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

const instrumentationName = "github.com/rbaliyan/dddkit/event"

// LocalBus is an in-process event bus.
//
// Any number of handlers may subscribe to an event name. Publish runs every
// handler on its own goroutine and returns immediately; failed handlers are
// retried through a delay queue until MaxAttempts is reached. PublishAndWait
// runs the same retry schedule inline and reports handlers that never succeeded.
type LocalBus struct {
	config Config
	policy backoff.Policy
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler

	retries *delayqueue.Queue
	// lifecycle orders inflight.Add in Publish against Close.
	lifecycle sync.Mutex
	inflight  sync.WaitGroup
	closed    atomic.Bool

	published metric.Int64Counter
	failed    metric.Int64Counter
}

// NewLocalBus creates an in-process event bus.
func NewLocalBus(opts ...Option) *LocalBus {
	o := newBusOptions(opts)

	meter := otel.Meter(instrumentationName)
	published, _ := meter.Int64Counter("event.published",
		metric.WithDescription("Total number of events published on the local bus"))
	failed, _ := meter.Int64Counter("event.handler_failed",
		metric.WithDescription("Total number of handlers that exhausted their attempts"))

	return &LocalBus{
		config:    o.config,
		policy:    o.policy,
		logger:    o.logger.With("component", "event.local_bus"),
		handlers:  make(map[string][]Handler),
		retries:   delayqueue.New(),
		published: published,
		failed:    failed,
	}
}

// Subscribe registers h for events named eventName.
// Handlers are invoked in registration order on Publish.
func (b *LocalBus) Subscribe(_ context.Context, eventName string, h Handler) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if eventName == "" || h == nil || h.Name() == "" {
		return ErrInvalidHandler
	}

	b.mu.Lock()
	b.handlers[eventName] = append(b.handlers[eventName], h)
	b.mu.Unlock()

	b.logger.Debug("subscribed handler", "event", eventName, "handler", h.Name())
	return nil
}

// Handlers returns the names of the handlers registered for eventName.
func (b *LocalBus) Handlers(eventName string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.handlers[eventName]))
	for _, h := range b.handlers[eventName] {
		names = append(names, h.Name())
	}
	return names
}

func (b *LocalBus) subscribers(eventName string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Handler(nil), b.handlers[eventName]...)
}

// Publish dispatches e to every subscribed handler and returns without
// waiting for them. Handlers run with a context detached from ctx's cancellation.
//
// Publishing an event nobody subscribed to logs a warning and succeeds.
func (b *LocalBus) Publish(ctx context.Context, e Event) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if e.Name == "" {
		return ErrInvalidEvent
	}

	handlers := b.subscribers(e.Name)
	if len(handlers) == 0 {
		b.logger.Warn("no handler found", "event", e.Name)
		return nil
	}
	b.published.Add(ctx, 1, metric.WithAttributes(attribute.String("event", e.Name)))

	b.lifecycle.Lock()
	if b.closed.Load() {
		b.lifecycle.Unlock()
		return ErrBusClosed
	}
	b.inflight.Add(len(handlers))
	b.lifecycle.Unlock()

	detached := context.WithoutCancel(ctx)
	for _, h := range handlers {
		go func(h Handler) {
			defer b.inflight.Done()
			b.attempt(detached, e, h, 1)
		}(h)
	}
	return nil
}

// attempt runs one attempt of h and schedules the next one on failure.
func (b *LocalBus) attempt(ctx context.Context, e Event, h Handler, n int) {
	err := safeHandle(ctx, h, e)
	if err == nil {
		return
	}

	if n >= b.config.MaxAttempts {
		b.exhausted(ctx, e, h, n, err)
		return
	}

	delay := b.policy.Delay(n + 1)
	b.logger.Warn("handler failed, retrying",
		"handler", h.Name(),
		"event", e.Name,
		"attempt", fmt.Sprintf("%d/%d", n, b.config.MaxAttempts),
		"delay", delay,
		"error", err)

	if err := b.retries.Schedule(delay, func() { b.attempt(ctx, e, h, n+1) }); err != nil {
		b.logger.Debug("retry dropped, bus closed", "handler", h.Name(), "event", e.Name)
	}
}

func (b *LocalBus) exhausted(ctx context.Context, e Event, h Handler, attempts int, err error) {
	b.failed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", e.Name),
		attribute.String("handler", h.Name())))
	b.logger.Error("handler failed",
		"handler", h.Name(),
		"event", e.Name,
		"attempts", attempts,
		"error", err)
}

// PublishAndWait dispatches e to every subscribed handler and waits for all of
// them. Retries happen inline, so the call lasts as long as the slowest
// handler's full retry schedule or until ctx is done.
//
// The returned error is a *HandlerError for the first handler that exhausted
// its attempts; it matches ErrHandlerFailed.
func (b *LocalBus) PublishAndWait(ctx context.Context, e Event) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if e.Name == "" {
		return ErrInvalidEvent
	}

	handlers := b.subscribers(e.Name)
	if len(handlers) == 0 {
		b.logger.Warn("no handler found", "event", e.Name)
		return nil
	}
	b.published.Add(ctx, 1, metric.WithAttributes(attribute.String("event", e.Name)))

	var g errgroup.Group
	for _, h := range handlers {
		g.Go(func() error {
			return b.runInline(ctx, e, h)
		})
	}
	return g.Wait()
}

func (b *LocalBus) runInline(ctx context.Context, e Event, h Handler) error {
	for n := 1; ; n++ {
		err := safeHandle(ctx, h, e)
		if err == nil {
			return nil
		}

		if n >= b.config.MaxAttempts {
			b.exhausted(ctx, e, h, n, err)
			return &HandlerError{Handler: h.Name(), Event: e.Name, Attempts: n, Err: err}
		}

		delay := b.policy.Delay(n + 1)
		b.logger.Warn("handler failed, retrying",
			"handler", h.Name(),
			"event", e.Name,
			"attempt", fmt.Sprintf("%d/%d", n, b.config.MaxAttempts),
			"delay", delay,
			"error", err)

		if err := backoff.Sleep(ctx, delay); err != nil {
			return &HandlerError{Handler: h.Name(), Event: e.Name, Attempts: n, Err: err}
		}
	}
}

// Close stops the bus. Pending retries are dropped and Close waits for
// running handlers until ctx is done.
func (b *LocalBus) Close(ctx context.Context) error {
	b.lifecycle.Lock()
	wasClosed := b.closed.Swap(true)
	b.lifecycle.Unlock()
	if wasClosed {
		return nil
	}

	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		b.retries.Close()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func safeHandle(ctx context.Context, h Handler, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return h.Handle(ctx, e)
}

// Compile-time check
var _ Bus = (*LocalBus)(nil)
