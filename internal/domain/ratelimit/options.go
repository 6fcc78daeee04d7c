package ratelimit

import (
	"time"

	"github.com/okian/outreachops/pkg/logger"
)

// Option applies a configuration option to the limiter.
type Option func(*inMemoryLimiter)

// WithCooldown sets the minimum spacing between accepted submissions.
func WithCooldown(d time.Duration) Option {
	return func(l *inMemoryLimiter) {
		if d >= 0 {
			l.cooldown = d
		}
	}
}

// WithMaxSize bounds the number of tracked keys. If maxSize <= 0 the table is unbounded.
func WithMaxSize(maxSize int) Option {
	return func(l *inMemoryLimiter) {
		l.maxSize = maxSize
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(l *inMemoryLimiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithFile persists accepted submissions to path.
func WithFile(path string) Option {
	return func(l *inMemoryLimiter) {
		l.file = path
	}
}

// WithFlushInterval sets how often changes are written to the file. Zero or
// less disables background writes; Flush and Close still write.
func WithFlushInterval(d time.Duration) Option {
	return func(l *inMemoryLimiter) {
		l.interval = d
	}
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(l *inMemoryLimiter) {
		l.log = log
	}
}
