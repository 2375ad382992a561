// Package repo persists aggregates with optimistic locking.
//
// A Repository maps aggregates to documents of a docstore.Store and saves
// them inside a transaction.Manager transaction. Every save presents the
// version it read; version 0 means the aggregate was never saved.
//
//	accounts := repo.New(docstore.NewMongoStore[Account](db, "accounts"),
//	    transaction.NewMongoManager(client), repo.Identity[Account]()).
//	    WithOutbox(ob).
//	    WithLogger(logger)
//
//	acc, err := accounts.GetByID(ctx, id)
//	if err != nil {
//	    return err
//	}
//	acc.Aggregate.Balance += 10
//	err = accounts.SaveAndPublish(ctx, *acc, []event.Event{event.New("AccountCredited", acc.Aggregate)})
//	if errors.Is(err, repo.ErrOptimisticLock) {
//	    // reload and retry
//	}
package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rbaliyan/dddkit/docstore"
	"github.com/rbaliyan/dddkit/event"
	"github.com/rbaliyan/dddkit/outbox"
	"github.com/rbaliyan/dddkit/transaction"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/rbaliyan/dddkit/repo"

// Errors
var (
	ErrAggregateNotFound = errors.New("aggregate not found")
	// ErrDuplicatedID is returned when a first save collides with an existing id.
	ErrDuplicatedID = errors.New("aggregate id already exists")
	// ErrOptimisticLock is returned when the stored version moved past the one presented.
	ErrOptimisticLock = errors.New("aggregate was modified concurrently")
	ErrRepoHook       = errors.New("repository hook failed")
	ErrInvalidVersion = errors.New("invalid aggregate version")
	// ErrOutboxNotConfigured is returned by SaveAndPublish on a repository without an outbox.
	ErrOutboxNotConfigured = errors.New("outbox not configured")
)

// HookError reports a failed save hook. The save was rolled back.
type HookError struct {
	Err error
}

func (e *HookError) Error() string {
	return "RepoHook onSave method failed with error: " + e.Err.Error()
}

// Unwrap matches both ErrRepoHook and the hook's own error.
func (e *HookError) Unwrap() []error {
	return []error{ErrRepoHook, e.Err}
}

// Versioned is an aggregate with the version it was loaded at.
type Versioned[A any] struct {
	Aggregate A
	// Version is the number of successful saves. Zero means never saved.
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Mapper converts between aggregates and stored models.
type Mapper[A any, M docstore.Document] interface {
	ToModel(aggregate A) (M, error)
	ToAggregate(model M) (A, error)
}

// MapperFuncs adapts two functions to a Mapper.
type MapperFuncs[A any, M docstore.Document] struct {
	ToModelFunc     func(A) (M, error)
	ToAggregateFunc func(M) (A, error)
}

func (m MapperFuncs[A, M]) ToModel(a A) (M, error)       { return m.ToModelFunc(a) }
func (m MapperFuncs[A, M]) ToAggregate(mod M) (A, error) { return m.ToAggregateFunc(mod) }

type identity[M docstore.Document] struct{}

func (identity[M]) ToModel(m M) (M, error)     { return m, nil }
func (identity[M]) ToAggregate(m M) (M, error) { return m, nil }

// Identity is the Mapper for aggregates stored as they are.
func Identity[M docstore.Document]() Mapper[M, M] {
	return identity[M]{}
}

// Hooks run inside the save transaction. An error aborts the save.
type Hooks[M docstore.Document] interface {
	OnSave(ctx context.Context, tx transaction.Transaction, model M) error
}

// OnSaveFunc adapts a function to Hooks.
type OnSaveFunc[M docstore.Document] func(ctx context.Context, tx transaction.Transaction, model M) error

// OnSave calls f.
func (f OnSaveFunc[M]) OnSave(ctx context.Context, tx transaction.Transaction, model M) error {
	return f(ctx, tx, model)
}

// Repository loads and saves aggregates of type A stored as models of type M.
type Repository[A any, M docstore.Document] struct {
	store  docstore.Store[M]
	txm    transaction.Manager
	mapper Mapper[A, M]
	hooks  Hooks[M]
	outbox *outbox.Outbox
	logger *slog.Logger
	tracer trace.Tracer

	conflicts metric.Int64Counter
}

// New creates a repository. The store and the transaction manager must share a backend.
func New[A any, M docstore.Document](store docstore.Store[M], txm transaction.Manager, mapper Mapper[A, M]) *Repository[A, M] {
	conflicts, _ := otel.Meter(instrumentationName).Int64Counter("repo.conflicts",
		metric.WithDescription("Total number of saves rejected by a version conflict"))

	return &Repository[A, M]{
		store:     store,
		txm:       txm,
		mapper:    mapper,
		logger:    slog.New(slog.DiscardHandler),
		tracer:    otel.Tracer(instrumentationName),
		conflicts: conflicts,
	}
}

// WithHooks sets the save hooks
func (r *Repository[A, M]) WithHooks(h Hooks[M]) *Repository[A, M] {
	r.hooks = h
	return r
}

// WithOutbox sets the outbox used by SaveAndPublish
func (r *Repository[A, M]) WithOutbox(ob *outbox.Outbox) *Repository[A, M] {
	r.outbox = ob
	return r
}

// WithLogger sets the logger
func (r *Repository[A, M]) WithLogger(l *slog.Logger) *Repository[A, M] {
	if l != nil {
		r.logger = l.With("component", "repo")
	}
	return r
}

// EnsureIndexes creates the indexes the store relies on, and the outbox's when set.
func (r *Repository[A, M]) EnsureIndexes(ctx context.Context) error {
	if err := r.store.EnsureIndexes(ctx); err != nil {
		return err
	}
	if r.outbox != nil {
		return r.outbox.Store().EnsureIndexes(ctx)
	}
	return nil
}

// FindByID loads an aggregate. It returns nil and no error when absent.
func (r *Repository[A, M]) FindByID(ctx context.Context, id string) (*Versioned[A], error) {
	rec, err := r.store.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	agg, err := r.mapper.ToAggregate(rec.Model)
	if err != nil {
		return nil, fmt.Errorf("map model %s: %w", id, err)
	}
	r.logger.Debug("loaded aggregate", "id", id, "version", rec.Version)
	return &Versioned[A]{
		Aggregate: agg,
		Version:   rec.Version,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}, nil
}

// GetByID loads an aggregate or fails with ErrAggregateNotFound.
func (r *Repository[A, M]) GetByID(ctx context.Context, id string) (*Versioned[A], error) {
	v, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, fmt.Errorf("%w: %s", ErrAggregateNotFound, id)
	}
	return v, nil
}

// Save writes the aggregate if its stored version still equals v.Version.
func (r *Repository[A, M]) Save(ctx context.Context, v Versioned[A]) error {
	_, err := r.save(ctx, v, nil)
	return err
}

// SaveAndPublish saves the aggregate and schedules events in the same
// transaction. After commit the events are published in the background.
func (r *Repository[A, M]) SaveAndPublish(ctx context.Context, v Versioned[A], events []event.Event) error {
	if r.outbox == nil {
		return ErrOutboxNotConfigured
	}

	ids, err := r.save(ctx, v, events)
	if err != nil {
		return err
	}
	r.outbox.PublishEventsAsync(ctx, ids)
	return nil
}

func (r *Repository[A, M]) save(ctx context.Context, v Versioned[A], events []event.Event) (ids []string, err error) {
	if v.Version < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidVersion, v.Version)
	}
	model, err := r.mapper.ToModel(v.Aggregate)
	if err != nil {
		return nil, fmt.Errorf("map aggregate: %w", err)
	}
	id := model.DocumentID()

	ctx, span := r.tracer.Start(ctx, "repo.save",
		trace.WithAttributes(
			attribute.String("aggregate.id", id),
			attribute.Int("aggregate.version", v.Version),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var version int
	err = r.txm.Execute(ctx, func(tx transaction.Transaction) error {
		ids = nil
		var err error
		if version, err = r.store.Upsert(ctx, tx, model, v.Version); err != nil {
			return err
		}
		if r.hooks != nil {
			if err := r.hooks.OnSave(ctx, tx, model); err != nil {
				return &HookError{Err: err}
			}
		}
		if len(events) > 0 {
			ids, err = r.outbox.ScheduleEvents(ctx, tx, events)
		}
		return err
	})
	if err != nil {
		return nil, r.translate(ctx, id, v.Version, err)
	}

	r.logger.Debug("saved aggregate", "id", id, "version", version, "events", len(ids))
	return ids, nil
}

func (r *Repository[A, M]) translate(ctx context.Context, id string, version int, err error) error {
	var hookErr *HookError
	if errors.As(err, &hookErr) {
		r.logger.Warn("save hook failed", "id", id, "error", hookErr.Err)
		return hookErr
	}
	if !errors.Is(err, docstore.ErrVersionConflict) {
		return err
	}

	r.conflicts.Add(ctx, 1)
	if version == 0 {
		return fmt.Errorf("%w: %s: %w", ErrDuplicatedID, id, err)
	}
	return fmt.Errorf("%w: %s at version %d: %w", ErrOptimisticLock, id, version, err)
}
