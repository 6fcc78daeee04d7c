// Package queue carries recompute triggers from the change dispatcher to the
// worker pool.
//
// The in-memory implementation is a bounded channel; producers never block.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/okian/outreachops/pkg/metrics"
)

// Default queue configuration constants.
const (
	defaultQueueCapacity = 10000
	defaultHeadroom      = 8
)

// Kind names the trigger that caused a unit of recompute work.
type Kind string

// Trigger kinds.
const (
	KindSignalCreated   Kind = "signal_created"
	KindSignalDeleted   Kind = "signal_deleted"
	KindResourceChanged Kind = "resource_changed"
	KindLogChanged      Kind = "log_changed"
	KindRecompute       Kind = "recompute"
	KindDailyTimer      Kind = "daily_timer"
)

// Trigger is one unit of work for the recompute workers.
type Trigger struct {
	At       time.Time
	Kind     Kind
	SignalID string
	GridID   string
}

// Queue provides non-blocking enqueue and channel-based dequeue semantics.
type Queue interface {
	// Enqueue adds a trigger to the queue.
	// Returns false if the queue is full or closed and the trigger was dropped.
	Enqueue(ctx context.Context, t Trigger) bool

	// Dequeue returns a channel that receives triggers as they become available.
	// The channel is closed when the queue is closed and drained.
	Dequeue(ctx context.Context) <-chan Trigger

	// Len returns the current number of queued triggers.
	Len(ctx context.Context) int

	// Close stops accepting triggers.
	Close() error

	// IsClosed returns true if the queue has been closed.
	IsClosed() bool
}

// InMemoryQueue implements Queue using a buffered channel.
type InMemoryQueue struct {
	triggers chan Trigger
	capacity int
	headroom int
	mu       sync.RWMutex
	closed   bool
}

// NewInMemoryQueue creates a new in-memory queue with configuration options.
func NewInMemoryQueue(opts ...Option) *InMemoryQueue {
	q := &InMemoryQueue{
		capacity: defaultQueueCapacity,
		headroom: defaultHeadroom,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.triggers = make(chan Trigger, q.capacity+q.headroom)

	metrics.UpdateQueueCapacity(q.capacity)
	metrics.UpdateQueueSize(0)

	return q
}

// Enqueue adds a trigger to the queue.
func (q *InMemoryQueue) Enqueue(ctx context.Context, t Trigger) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		metrics.RecordQueueRejected("closed")
		return false
	}
	if len(q.triggers) >= q.limit(t.Kind) {
		metrics.RecordQueueRejected("capacity_exceeded")
		return false
	}

	select {
	case q.triggers <- t:
		metrics.UpdateQueueSize(len(q.triggers))
		return true
	case <-ctx.Done():
		metrics.RecordQueueRejected("context_cancelled")
		return false
	default:
		metrics.RecordQueueRejected("queue_full")
		return false
	}
}

func (q *InMemoryQueue) limit(k Kind) int {
	if k == KindRecompute || k == KindDailyTimer {
		return q.capacity + q.headroom
	}
	return q.capacity
}

// Dequeue returns a channel that will receive triggers as they become available.
func (q *InMemoryQueue) Dequeue(ctx context.Context) <-chan Trigger {
	out := make(chan Trigger)
	go func() {
		defer close(out)
		for {
			var t Trigger
			select {
			case <-ctx.Done():
				return
			case next, ok := <-q.triggers:
				if !ok {
					return
				}
				t = next
			}
			select {
			case out <- t:
				metrics.UpdateQueueSize(len(q.triggers))
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Len returns the current number of queued triggers.
func (q *InMemoryQueue) Len(_ context.Context) int {
	size := len(q.triggers)
	metrics.UpdateQueueSize(size)
	return size
}

// Close gracefully shuts down the queue. Queued triggers are still delivered.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	close(q.triggers)
	q.closed = true
	return nil
}

// IsClosed returns true if the queue has been closed.
func (q *InMemoryQueue) IsClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}
