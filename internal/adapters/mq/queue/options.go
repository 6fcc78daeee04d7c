package queue

// Option configures an InMemoryQueue.
type Option func(*InMemoryQueue)

// WithCapacity bounds the number of pending change triggers.
func WithCapacity(capacity int) Option {
	return func(q *InMemoryQueue) {
		if capacity > 0 {
			q.capacity = capacity
		}
	}
}

// WithHeadroom reserves n slots past the capacity for full recomputes
// (KindRecompute and KindDailyTimer), so a flood of change triggers cannot
// shed an operator request or the nightly pass.
func WithHeadroom(n int) Option {
	return func(q *InMemoryQueue) {
		if n >= 0 {
			q.headroom = n
		}
	}
}
