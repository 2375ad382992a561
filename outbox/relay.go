package outbox

import (
	"context"
	"errors"
	"time"
)

// Init starts the sweep in a background goroutine. The sweep runs until
// Terminate is called. Calling Init on a running outbox is a no-op.
func (o *Outbox) Init(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.done != nil {
		return
	}

	o.stop = make(chan struct{})
	o.done = make(chan struct{})
	o.draining = false
	o.stopping.Store(false)

	go func(ctx context.Context, done chan struct{}) {
		defer close(done)
		if err := o.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			o.logger.Error("outbox sweep stopped", "error", err)
		}
	}(context.WithoutCancel(ctx), o.done)
}

// Run sweeps the outbox every Interval until ctx is done or Terminate is called.
//
// Each sweep releases stale claims, then republishes the records that were
// already scheduled during the previous sweep. Records seen for the first
// time are only remembered, so freshly committed events get one interval for
// their regular publish to happen. Stopping only suppresses new cycles: a
// cycle that has started runs to completion.
func (o *Outbox) Run(ctx context.Context) error {
	o.mu.Lock()
	stop := o.stop
	o.mu.Unlock()

	interval := o.config.Interval
	cleanupEvery := int(o.config.CleanupInterval / interval)
	if cleanupEvery < 1 {
		cleanupEvery = 1
	}

	watch := map[string]struct{}{}
	for tick := 1; ; tick++ {
		if err := o.sleep(ctx, stop); err != nil {
			return err
		}
		if o.stopping.Load() {
			return nil
		}

		next, err := o.sweep(ctx, watch)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.logger.Error("outbox sweep failed", "error", err)
			next = map[string]struct{}{}
		}
		watch = next

		if o.config.Retention > 0 && tick%cleanupEvery == 0 {
			o.cleanup(ctx)
		}
	}
}

// sleep waits for the next cycle. A nil stop channel never fires.
func (o *Outbox) sleep(ctx context.Context, stop <-chan struct{}) error {
	t := time.NewTimer(o.config.Interval)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-stop:
		return nil
	case <-t.C:
		return nil
	}
}

// sweep runs one cycle and returns the ids to watch in the next one.
func (o *Outbox) sweep(ctx context.Context, watch map[string]struct{}) (map[string]struct{}, error) {
	if o.config.ClaimTimeout > 0 {
		n, err := o.store.ReleaseExpired(ctx, o.config.ContextName, o.now().Add(-o.config.ClaimTimeout))
		if err != nil {
			return nil, err
		}
		if n > 0 {
			o.released.Add(ctx, n)
			o.logger.Warn("released stale outbox claims", "count", n)
		}
	}

	current, err := o.store.ListScheduled(ctx, o.config.ContextName)
	if err != nil {
		return nil, err
	}

	var stale []string
	next := make(map[string]struct{}, len(current))
	for _, id := range current {
		if _, seen := watch[id]; seen {
			stale = append(stale, id)
			continue
		}
		next[id] = struct{}{}
	}

	if len(stale) > 0 {
		o.logger.Warn("outbox events are still scheduled, republishing", "ids", stale)
		o.PublishEvents(context.WithoutCancel(ctx), stale)
	}
	return next, nil
}

func (o *Outbox) cleanup(ctx context.Context) {
	deleted, err := o.store.DeletePublished(ctx, o.now().Add(-o.config.Retention))
	if err != nil {
		o.logger.Error("failed to cleanup published outbox events", "error", err)
		return
	}
	if deleted > 0 {
		o.logger.Info("cleaned up published outbox events", "count", deleted)
	}
}

// Terminate suppresses new sweep cycles and waits, bounded by ctx, for the
// running cycle and for PublishEventsAsync goroutines to finish. Publishes in
// flight are not interrupted.
func (o *Outbox) Terminate(ctx context.Context) error {
	o.mu.Lock()
	o.stopping.Store(true)
	o.draining = true
	stop, done := o.stop, o.done
	o.stop, o.done = nil, nil
	o.mu.Unlock()

	if stop != nil {
		close(stop)
	}

	finished := make(chan struct{})
	go func() {
		if done != nil {
			<-done
		}
		o.background.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
