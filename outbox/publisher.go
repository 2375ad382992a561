package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/dddkit/event"
	"github.com/rbaliyan/dddkit/transaction"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const instrumentationName = "github.com/rbaliyan/dddkit/outbox"

// Outbox schedules events in a store and publishes them after commit.
type Outbox struct {
	store   Store
	publish PublishFunc
	config  Config
	logger  *slog.Logger
	now     func() time.Time
	tracer  trace.Tracer

	scheduled     metric.Int64Counter
	published     metric.Int64Counter
	publishFailed metric.Int64Counter
	released      metric.Int64Counter

	mu       sync.Mutex
	stopping atomic.Bool
	draining bool
	stop     chan struct{}
	done     chan struct{}
	// background tracks PublishEventsAsync goroutines for Terminate.
	background sync.WaitGroup
}

// New creates an outbox over store that delivers events with publish.
func New(store Store, publish PublishFunc, opts ...Option) *Outbox {
	o := outboxOptions{config: DefaultConfig(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}

	meter := otel.Meter(instrumentationName)
	scheduled, _ := meter.Int64Counter("outbox.scheduled",
		metric.WithDescription("Total number of events scheduled in the outbox"))
	published, _ := meter.Int64Counter("outbox.published",
		metric.WithDescription("Total number of outbox events published"))
	publishFailed, _ := meter.Int64Counter("outbox.publish_failed",
		metric.WithDescription("Total number of outbox publish attempts that failed"))
	released, _ := meter.Int64Counter("outbox.released",
		metric.WithDescription("Total number of stale claims returned to scheduled"))

	return &Outbox{
		store:         store,
		publish:       publish,
		config:        o.config.withDefaults(),
		logger:        o.logger.With("component", "outbox", "context", o.config.ContextName),
		now:           o.now,
		tracer:        otel.Tracer(instrumentationName),
		scheduled:     scheduled,
		published:     published,
		publishFailed: publishFailed,
		released:      released,
	}
}

// Store returns the underlying store.
func (o *Outbox) Store() Store {
	return o.store
}

// ScheduleEvents stores events as scheduled records within tx and returns
// their ids in input order. An empty input writes nothing. Events without a
// name or a payload are rejected with event.ErrInvalidEvent.
func (o *Outbox) ScheduleEvents(ctx context.Context, tx transaction.Transaction, events []event.Event) ([]string, error) {
	if len(events) == 0 {
		return []string{}, nil
	}

	now := o.now()
	records := make([]*Record, len(events))
	for i, e := range events {
		if !e.Valid() {
			return nil, fmt.Errorf("%w: %q", event.ErrInvalidEvent, e.Name)
		}
		records[i] = &Record{
			Event:       e,
			ContextName: o.config.ContextName,
			Status:      StatusScheduled,
			ScheduledAt: now,
		}
	}

	if err := o.store.Insert(ctx, tx, records); err != nil {
		return nil, err
	}

	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	o.scheduled.Add(ctx, int64(len(ids)))
	o.logger.Debug("scheduled events", "count", len(ids))
	return ids, nil
}

// PublishEvents claims and publishes every id concurrently and waits for all
// of them. Failures are logged and counted, never returned: a record that
// could not be published stays in the store for the sweep.
func (o *Outbox) PublishEvents(ctx context.Context, ids []string) {
	var g errgroup.Group
	g.SetLimit(o.config.PublishConcurrency)

	for _, id := range ids {
		g.Go(func() error {
			o.publishOne(ctx, id)
			return nil
		})
	}
	g.Wait()
}

// PublishEventsAsync runs PublishEvents in a background goroutine that is
// detached from the cancellation of ctx. Terminate waits for it.
func (o *Outbox) PublishEventsAsync(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)

	o.mu.Lock()
	tracked := !o.draining
	if tracked {
		o.background.Add(1)
	}
	o.mu.Unlock()

	go func() {
		if tracked {
			defer o.background.Done()
		}
		o.PublishEvents(ctx, ids)
	}()
}

func (o *Outbox) publishOne(ctx context.Context, id string) {
	ctx, span := o.tracer.Start(ctx, "outbox.publish",
		trace.WithAttributes(attribute.String("outbox.id", id)),
		trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	claimed, err := o.store.Claim(ctx, id, o.now())
	if err != nil {
		o.fail(ctx, span, id, "failed to claim outbox event", err)
		return
	}
	if !claimed {
		o.logger.Debug("outbox event already claimed", "id", id)
		return
	}

	rec, err := o.store.Get(ctx, id)
	if err != nil {
		o.fail(ctx, span, id, "failed to load outbox event", err)
		return
	}
	span.SetAttributes(attribute.String("event", rec.Event.Name))

	if err := o.send(ctx, rec.Event); err != nil {
		o.fail(ctx, span, id, "failed to publish outbox event", err)
		return
	}

	if err := o.store.MarkPublished(ctx, id, o.now()); err != nil {
		o.fail(ctx, span, id, "failed to mark outbox event as published", err)
		return
	}

	o.published.Add(ctx, 1, metric.WithAttributes(attribute.String("event", rec.Event.Name)))
	o.logger.Debug("published outbox event", "id", id, "event", rec.Event.Name)
}

// send publishes e within the claim lease, so a publish that outlives it is
// abandoned before the sweep can hand the record to another publisher.
func (o *Outbox) send(ctx context.Context, e event.Event) error {
	if o.config.ClaimTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.config.ClaimTimeout)
		defer cancel()
	}
	return o.publish(ctx, []event.Event{e})
}

func (o *Outbox) fail(ctx context.Context, span trace.Span, id, msg string, err error) {
	span.RecordError(err)
	o.publishFailed.Add(ctx, 1)
	if errors.Is(err, context.Canceled) {
		o.logger.Debug(msg, "id", id, "error", err)
		return
	}
	o.logger.Warn(msg, "id", id, "error", err)
}
