package reaper

import (
	"time"

	"github.com/okian/outreachops/pkg/logger"
)

// Option applies a configuration option to the Reaper.
type Option func(*Reaper)

// WithBatchSize sets how many signals are deleted per batch.
func WithBatchSize(n int) Option {
	return func(r *Reaper) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithMaxBatches caps the number of batches per run.
func WithMaxBatches(n int) Option {
	return func(r *Reaper) {
		if n > 0 {
			r.maxBatches = n
		}
	}
}

// WithWindow sets how long after creation an unstamped signal expires.
func WithWindow(d time.Duration) Option {
	return func(r *Reaper) {
		if d > 0 {
			r.window = d
		}
	}
}

// WithClock sets the time source that decides expiry.
func WithClock(now func() time.Time) Option {
	return func(r *Reaper) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(r *Reaper) {
		if l != nil {
			r.log = l
		}
	}
}
