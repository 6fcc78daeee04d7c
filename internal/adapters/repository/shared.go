package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/okian/outreachops/internal/adapters/changefeed"
	"github.com/okian/outreachops/pkg/logger"
	"github.com/okian/outreachops/pkg/metrics"
)

func defaultOptions(opts []Option) options {
	o := options{
		feed:  changefeed.Nop{},
		now:   time.Now,
		newID: func(prefix string) string { return prefix + uuid.NewString() },
		log:   logger.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// announce publishes a change after a successful mutation. A failed publish
// does not undo the write; the next trigger or the daily run catches up.
func (o options) announce(ctx context.Context, c changefeed.Change) {
	if c.At.IsZero() {
		c.At = o.now()
	}
	if err := o.feed.Publish(ctx, c); err != nil {
		metrics.RecordErrorByComponent("repository", "publish")
		o.log.Warn(ctx, "change publish failed",
			logger.String("collection", string(c.Collection)),
			logger.String("op", string(c.Op)),
			logger.String("id", c.ID),
			logger.Error(err))
	}
}

// Signal, log and resource id prefixes.
const (
	SignalIDPrefix = "s_"
	LogIDPrefix    = "l_"
)
