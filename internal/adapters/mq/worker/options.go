package worker

import (
	"time"

	"github.com/okian/outreachops/pkg/logger"
)

// Option configures an InMemoryWorker. Pool options apply to every worker.
type Option func(*InMemoryWorker)

// WithName names the worker in logs.
func WithName(name string) Option {
	return func(w *InMemoryWorker) {
		if name != "" {
			w.name = name
		}
	}
}

// WithLogger sets the worker's logger.
func WithLogger(l logger.Logger) Option {
	return func(w *InMemoryWorker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithTriggerTimeout bounds a single Handle call. Zero leaves it unbounded.
func WithTriggerTimeout(d time.Duration) Option {
	return func(w *InMemoryWorker) {
		if d > 0 {
			w.timeout = d
		}
	}
}
