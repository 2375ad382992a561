// Package outbox implements the transactional outbox pattern for reliable event publishing.
//
// The outbox pattern ensures that database writes and event publishing are atomic:
//  1. Events are stored as "scheduled" outbox records in the same transaction as the business data
//  2. After commit, each record is claimed with a conditional update (scheduled → processing)
//     and published through the PublishFunc
//  3. After a successful publish, the record is marked "published"
//
// A record is published at most once per claim: the conditional update is the
// only mutual exclusion, so any number of processes may race on the same ids.
//
// # Recovery
//
// A background sweep (Init / Run) republishes records that stayed scheduled for
// two consecutive sweeps, which covers processes that crashed between commit
// and publish. Records whose publish failed stay "processing"; once their claim
// is older than ClaimTimeout the sweep returns them to "scheduled".
//
// # Example
//
//	bus := event.NewLocalBus(event.WithLogger(logger))
//	ob := outbox.New(outbox.NewMongoStore(db), outbox.PublishTo(bus),
//	    outbox.WithLogger(logger),
//	    outbox.WithContextName("billing"))
//	ob.Init(ctx)
//	defer ob.Terminate(ctx)
//
//	var ids []string
//	err := txManager.Execute(ctx, func(tx transaction.Transaction) error {
//	    if err := saveInvoice(ctx, tx, inv); err != nil {
//	        return err
//	    }
//	    var err error
//	    ids, err = ob.ScheduleEvents(ctx, tx, []event.Event{event.New("InvoiceIssued", inv)})
//	    return err
//	})
//	if err == nil {
//	    ob.PublishEventsAsync(ctx, ids)
//	}
//
// # Best Practices
//
//   - Use idempotent handlers (see package idempotency) since events may be delivered more than once
//   - Give every service its own context name so sweeps do not steal each other's events
//   - Monitor the outbox.publish_failed counter for broker trouble
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rbaliyan/dddkit/event"
	"github.com/rbaliyan/dddkit/transaction"
)

// Status represents the state of an outbox record.
//
// Records progress through these states:
//   - StatusScheduled: Stored in the outbox, waiting to be published
//   - StatusProcessing: Claimed by a publisher
//   - StatusPublished: Successfully handed to the PublishFunc
type Status string

const (
	// StatusScheduled indicates the record is waiting to be published.
	StatusScheduled Status = "scheduled"

	// StatusProcessing indicates a publisher claimed the record.
	StatusProcessing Status = "processing"

	// StatusPublished indicates the record was published.
	StatusPublished Status = "published"
)

// Errors
var (
	ErrNotFound   = errors.New("outbox record not found")
	ErrNotClaimed = errors.New("outbox record is not being processed")
)

// Record is an event stored in the outbox.
type Record struct {
	ID          string      `json:"id"`
	Event       event.Event `json:"event"`
	ContextName string      `json:"contextName"`
	Status      Status      `json:"status"`
	ScheduledAt time.Time   `json:"scheduledAt"`
	ClaimedAt   *time.Time  `json:"claimedAt,omitempty"`
	PublishedAt *time.Time  `json:"publishedAt,omitempty"`
	Attempts    int         `json:"attempts"`
}

// Store is the persistence of outbox records.
//
// Claim and MarkPublished must be atomic conditional updates.
type Store interface {
	// EnsureIndexes creates the indexes or tables the store relies on.
	EnsureIndexes(ctx context.Context) error

	// Insert stores records within tx, assigning ids to records without one.
	// tx may be nil to insert outside a transaction.
	Insert(ctx context.Context, tx transaction.Transaction, records []*Record) error

	// Claim moves a record from scheduled to processing.
	// It reports false when the record is not scheduled.
	Claim(ctx context.Context, id string, at time.Time) (bool, error)

	// Get returns a record or ErrNotFound.
	Get(ctx context.Context, id string) (*Record, error)

	// MarkPublished moves a record from processing to published.
	// It returns ErrNotClaimed when the record is not processing.
	MarkPublished(ctx context.Context, id string, at time.Time) error

	// ListScheduled returns the ids of the scheduled records of a context.
	ListScheduled(ctx context.Context, contextName string) ([]string, error)

	// ReleaseExpired returns processing records claimed before the given time
	// to scheduled and reports how many were released.
	ReleaseExpired(ctx context.Context, contextName string, before time.Time) (int64, error)

	// DeletePublished removes records published before the given time.
	DeletePublished(ctx context.Context, before time.Time) (int64, error)
}

// PublishFunc delivers events, for example to a bus or a broker.
type PublishFunc func(ctx context.Context, events []event.Event) error

// PublishTo returns a PublishFunc that publishes each event to p.
func PublishTo(p event.Publisher) PublishFunc {
	return func(ctx context.Context, events []event.Event) error {
		for _, e := range events {
			if err := p.Publish(ctx, e); err != nil {
				return fmt.Errorf("publish %s: %w", e.Name, err)
			}
		}
		return nil
	}
}
