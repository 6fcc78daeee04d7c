package mirror

import (
	"time"

	"github.com/okian/outreachops/pkg/logger"
)

// Option applies a configuration option to the Engine.
type Option func(*Engine)

// WithDataMode selects raw or aggregate mirroring.
func WithDataMode(m DataMode) Option {
	return func(e *Engine) {
		if m == DataRaw || m == DataAggregates {
			e.dataMode = m
		}
	}
}

// WithSession sets the session the engine reads under. An empty session
// starts the engine degraded.
func WithSession(session string) Option {
	return func(e *Engine) {
		e.session = session
	}
}

// WithSeed replaces the embedded degraded-mode dataset.
func WithSeed(s Seed) Option {
	return func(e *Engine) {
		e.seed = s.clone()
	}
}

// WithSink sets the downstream receiver of every snapshot.
func WithSink(s Sink) Option {
	return func(e *Engine) {
		e.sink = s
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithIDGenerator sets how local ids of optimistic records are made.
func WithIDGenerator(gen func(prefix string) string) Option {
	return func(e *Engine) {
		if gen != nil {
			e.newID = gen
		}
	}
}

// WithReconnectBackoff bounds the wait between reconnect attempts after a
// transient failure. The wait doubles from lo up to hi.
func WithReconnectBackoff(lo, hi time.Duration) Option {
	return func(e *Engine) {
		if lo > 0 {
			e.retryMin = lo
		}
		if hi > 0 {
			e.retryMax = hi
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}
