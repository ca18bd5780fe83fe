package kommobridge

import (
	"context"
	"fmt"
	"time"

	"github.com/romshark/kommobridge/internal/metrics"
)

// Queue is the bounded FIFO hand-off between the listener and the dispatch loop.
// It's safe for concurrent use.
type Queue struct{ c chan Event }

// NewQueue creates a queue holding at most size events.
// Panics if size < 1.
func NewQueue(size int) *Queue {
	if size < 1 {
		panic(fmt.Sprintf("invalid queue size: %d", size))
	}
	return &Queue{c: make(chan Event, size)}
}

// Put enqueues ev, blocking for at most timeout while the queue is full.
// Returns false if ev wasn't enqueued because the timeout elapsed
// or ctx was canceled.
func (q *Queue) Put(ctx context.Context, ev Event, timeout time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case q.c <- ev:
		metrics.SetQueueLength(len(q.c))
		return true
	default:
	}
	if timeout <= 0 {
		return false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case q.c <- ev:
		metrics.SetQueueLength(len(q.c))
		return true
	case <-ctx.Done():
		return false
	case <-timer.C:
		return false
	}
}

// Take dequeues the oldest event, blocking until one is available.
// Returns false once ctx is canceled, even if events are still queued.
func (q *Queue) Take(ctx context.Context) (Event, bool) {
	if ctx.Err() != nil {
		return Event{}, false
	}
	select {
	case ev := <-q.c:
		metrics.SetQueueLength(len(q.c))
		return ev, true
	case <-ctx.Done():
		return Event{}, false
	}
}

// Len returns the number of queued events.
func (q *Queue) Len() int { return len(q.c) }

// Cap returns the capacity of the queue.
func (q *Queue) Cap() int { return cap(q.c) }
