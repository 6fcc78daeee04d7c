package repository

import (
	"time"

	"github.com/okian/outreachops/internal/adapters/changefeed"
	"github.com/okian/outreachops/pkg/logger"
)

// options are shared by every Store implementation.
type options struct {
	feed  changefeed.Publisher
	now   func() time.Time
	newID func(prefix string) string
	log   logger.Logger
}

// Option applies a configuration option to a Store.
type Option func(*options)

// WithPublisher announces mutations on feed.
func WithPublisher(feed changefeed.Publisher) Option {
	return func(o *options) {
		if feed != nil {
			o.feed = feed
		}
	}
}

// WithClock injects the time source used for server-set timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithIDGenerator replaces the random id generator.
func WithIDGenerator(gen func(prefix string) string) Option {
	return func(o *options) {
		if gen != nil {
			o.newID = gen
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}
