package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/outreachops/internal/adapters/changefeed"
	"github.com/okian/outreachops/internal/adapters/mq/queue"
	"github.com/okian/outreachops/internal/adapters/repository"
	"github.com/okian/outreachops/pkg/logger"
	"github.com/okian/outreachops/pkg/metrics"
)

// Dispatcher defaults.
const (
	DefaultConsumer   = "trigger-dispatcher"
	DefaultMinBackoff = time.Second
	DefaultMaxBackoff = 10 * time.Second
)

// Collections the dispatcher listens to.
var dispatchCollections = []changefeed.Collection{
	changefeed.Signals,
	changefeed.Resources,
	changefeed.Logs,
	changefeed.Recompute,
}

// Translate maps a store change to the trigger it causes. Expiry updates,
// purges and derived collections cause nothing: the first two are written
// by trigger work itself and the reaper recomputes its own cells.
func Translate(c changefeed.Change) (queue.Trigger, bool) {
	t := queue.Trigger{At: c.At, SignalID: c.ID, GridID: c.GridID}
	switch c.Collection {
	case changefeed.Signals:
		switch c.Op {
		case changefeed.OpCreate:
			t.Kind = queue.KindSignalCreated
		case changefeed.OpDelete:
			t.Kind = queue.KindSignalDeleted
		default:
			return queue.Trigger{}, false
		}
	case changefeed.Resources:
		t = queue.Trigger{At: c.At, Kind: queue.KindResourceChanged}
	case changefeed.Logs:
		t = queue.Trigger{At: c.At, Kind: queue.KindLogChanged, GridID: c.GridID}
	case changefeed.Recompute:
		t = queue.Trigger{At: c.At, Kind: queue.KindRecompute}
	default:
		return queue.Trigger{}, false
	}
	return t, true
}

// Dispatcher consumes the change feed and enqueues triggers.
type Dispatcher struct {
	feed       changefeed.Subscriber
	queue      queue.Queue
	name       string
	log        logger.Logger
	minBackoff time.Duration
	maxBackoff time.Duration

	mu     sync.Mutex
	sub    changefeed.Subscription
	done   chan struct{}
	cancel context.CancelFunc

	dispatched atomic.Int64
	dropped    atomic.Int64
	failures   atomic.Int64
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(feed changefeed.Subscriber, q queue.Queue, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		feed:       feed,
		queue:      q,
		name:       DefaultConsumer,
		minBackoff: DefaultMinBackoff,
		maxBackoff: DefaultMaxBackoff,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.maxBackoff < d.minBackoff {
		d.maxBackoff = d.minBackoff
	}
	if d.log == nil {
		d.log = logger.Get().Named("dispatcher")
	}
	return d
}

// Start subscribes and begins dispatching in the background. Changes
// published after Start returns are seen by the dispatcher.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sub != nil {
		return nil
	}

	sub, err := d.feed.Subscribe(ctx, d.name, dispatchCollections...)
	if err != nil {
		return fmt.Errorf("dispatcher subscribe: %w", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.sub, d.cancel, d.done = sub, cancel, make(chan struct{})
	go d.loop(runCtx, sub, d.done)
	return nil
}

// Stop ends the subscription and waits for the loop to exit.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	sub, cancel, done := d.sub, d.cancel, d.done
	d.sub = nil
	d.mu.Unlock()
	if sub == nil {
		return nil
	}
	cancel()
	err := sub.Close()
	<-done
	return err
}

// Dispatched returns how many triggers were enqueued.
func (d *Dispatcher) Dispatched() int64 { return d.dispatched.Load() }

// Dropped returns how many triggers the queue rejected.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Failures returns how many subscription errors the dispatcher recovered from.
func (d *Dispatcher) Failures() int64 { return d.failures.Load() }

// loop runs until the subscription is closed or ctx is done. Transient
// subscription errors are retried on the same subscription after a backoff;
// any other failure replaces the subscription.
func (d *Dispatcher) loop(ctx context.Context, sub changefeed.Subscription, done chan struct{}) {
	defer close(done)
	wait := d.minBackoff
	for {
		c, err := sub.Next(ctx)
		switch {
		case err == nil:
			wait = d.minBackoff
		case errors.Is(err, changefeed.ErrDecode):
			d.log.Warn(ctx, "skipping malformed change", logger.Error(err))
			continue
		case errors.Is(err, changefeed.ErrClosed), ctx.Err() != nil:
			return
		default:
			d.failures.Add(1)
			transient := repository.Classify(err) == repository.ClassTransient
			metrics.RecordErrorByComponent("dispatcher", "subscription")
			d.log.Warn(ctx, "change subscription failed",
				logger.Error(err),
				logger.Bool("transient", transient),
				logger.Duration("retry_in", wait))
			if !sleep(ctx, wait) {
				return
			}
			wait = min(2*wait, d.maxBackoff)
			if transient {
				continue
			}
			next, ok := d.resubscribe(ctx, sub, &wait)
			if !ok {
				return
			}
			sub = next
			continue
		}

		t, ok := Translate(c)
		if !ok {
			continue
		}
		if !d.queue.Enqueue(ctx, t) {
			d.dropped.Add(1)
			metrics.RecordErrorByComponent("dispatcher", "dropped_"+string(t.Kind))
			d.log.Warn(ctx, "trigger dropped",
				logger.String("trigger", string(t.Kind)),
				logger.String("signal", t.SignalID),
				logger.String("cell", t.GridID))
			continue
		}
		d.dispatched.Add(1)
	}
}

// resubscribe opens a new subscription in place of old, retrying with
// backoff. It reports false when the dispatcher was stopped meanwhile.
func (d *Dispatcher) resubscribe(ctx context.Context, old changefeed.Subscription, wait *time.Duration) (changefeed.Subscription, bool) {
	for {
		sub, err := d.feed.Subscribe(ctx, d.name, dispatchCollections...)
		if err == nil {
			d.mu.Lock()
			if d.sub != old {
				d.mu.Unlock()
				_ = sub.Close()
				return nil, false
			}
			d.sub = sub
			d.mu.Unlock()
			_ = old.Close()
			d.log.Info(ctx, "change subscription restored")
			return sub, true
		}
		if ctx.Err() != nil {
			return nil, false
		}
		d.failures.Add(1)
		d.log.Warn(ctx, "resubscribe failed", logger.Error(err), logger.Duration("retry_in", *wait))
		if !sleep(ctx, *wait) {
			return nil, false
		}
		*wait = min(2*(*wait), d.maxBackoff)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
