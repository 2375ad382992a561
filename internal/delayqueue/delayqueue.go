// Package delayqueue runs functions after a delay from a single timer goroutine.
//
// Tasks are kept in a min-heap ordered by due time. The loop sleeps until the
// earliest task is due, then runs it on its own goroutine. Close drops every
// pending task and waits for running ones to return.
package delayqueue

import (
	"container/heap"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned when scheduling on a closed queue.
var ErrClosed = errors.New("delay queue is closed")

type task struct {
	due time.Time
	seq uint64
	fn  func()
}

type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(*task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Queue is a delay queue. The zero value is not usable; use New.
type Queue struct {
	mu      sync.Mutex
	tasks   taskHeap
	seq     uint64
	closed  bool
	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
	running sync.WaitGroup
}

// New creates a queue and starts its timer goroutine.
func New() *Queue {
	q := &Queue{
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go q.loop()
	return q
}

// Schedule runs fn after delay. A non-positive delay runs fn as soon as possible.
func (q *Queue) Schedule(delay time.Duration, fn func()) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.seq++
	heap.Push(&q.tasks, &task{due: time.Now().Add(delay), seq: q.seq, fn: fn})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Len returns the number of pending tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Close stops the queue. Pending tasks are discarded. Close blocks until
// tasks already started have returned. It is safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.stopped
		q.running.Wait()
		return
	}
	q.closed = true
	q.tasks = nil
	q.mu.Unlock()

	close(q.done)
	<-q.stopped
	q.running.Wait()
}

func (q *Queue) loop() {
	defer close(q.stopped)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		wait, ok := q.runDue()
		if ok {
			timer.Reset(wait)
		}

		select {
		case <-q.done:
			return
		case <-q.wake:
		case <-timer.C:
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}

// runDue starts every due task and reports how long until the next one.
func (q *Queue) runDue() (time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for len(q.tasks) > 0 {
		next := q.tasks[0]
		if next.due.After(now) {
			return next.due.Sub(now), true
		}
		heap.Pop(&q.tasks)

		q.running.Add(1)
		go func(fn func()) {
			defer q.running.Done()
			fn()
		}(next.fn)
	}
	return 0, false
}
