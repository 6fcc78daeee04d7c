package trigger_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/okian/outreachops/internal/adapters/changefeed"
	"github.com/okian/outreachops/internal/adapters/mq/queue"
	"github.com/okian/outreachops/internal/adapters/repository"
	"github.com/okian/outreachops/internal/aggregation"
	"github.com/okian/outreachops/internal/domain/grid"
	"github.com/okian/outreachops/internal/domain/model"
	"github.com/okian/outreachops/internal/domain/scoring"
	"github.com/okian/outreachops/internal/reaper"
	"github.com/okian/outreachops/internal/trigger"
	"github.com/okian/outreachops/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

// step is one scripted result of Next.
type step struct {
	change changefeed.Change
	err    error
}

// scriptedFeed hands out subscriptions that replay one script each, then
// block until closed.
type scriptedFeed struct {
	mu      sync.Mutex
	scripts [][]step
	opened  int
}

func (f *scriptedFeed) Subscribe(context.Context, string, ...changefeed.Collection) (changefeed.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var script []step
	if f.opened < len(f.scripts) {
		script = f.scripts[f.opened]
	}
	f.opened++
	return &scriptedSub{steps: script, closed: make(chan struct{})}, nil
}

func (f *scriptedFeed) subscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

type scriptedSub struct {
	mu     sync.Mutex
	steps  []step
	closed chan struct{}
	once   sync.Once
}

func (s *scriptedSub) Next(ctx context.Context) (changefeed.Change, error) {
	s.mu.Lock()
	if len(s.steps) > 0 {
		next := s.steps[0]
		s.steps = s.steps[1:]
		s.mu.Unlock()
		return next.change, next.err
	}
	s.mu.Unlock()
	select {
	case <-s.closed:
		return changefeed.Change{}, changefeed.ErrClosed
	case <-ctx.Done():
		return changefeed.Change{}, ctx.Err()
	}
}

func (s *scriptedSub) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func resourceChange(id string) step {
	return step{change: changefeed.Change{Collection: changefeed.Resources, Op: changefeed.OpUpdate, ID: id}}
}

func connReset() error {
	return &net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET}
}

func TestDispatcherRecovers(t *testing.T) {
	Convey("Given a dispatcher with a short retry backoff", t, func() {
		ctx := context.Background()
		q := queue.NewInMemoryQueue(queue.WithCapacity(10))

		Convey("When the subscription fails with a network error and then delivers", func() {
			feed := &scriptedFeed{scripts: [][]step{{
				{err: connReset()},
				resourceChange("van"),
				resourceChange("clinic"),
				resourceChange("shelter"),
			}}}
			d := trigger.NewDispatcher(feed, q,
				trigger.WithRetryBackoff(time.Millisecond, 5*time.Millisecond),
				trigger.WithDispatcherLogger(logger.Nop()))
			So(d.Start(ctx), ShouldBeNil)
			defer func() { _ = d.Stop() }()

			Convey("Then every later change is dispatched on the same subscription", func() {
				So(eventually(func() bool { return d.Dispatched() == 3 }), ShouldBeTrue)
				So(q.Len(ctx), ShouldEqual, 3)
				So(d.Failures(), ShouldEqual, 1)
				So(feed.subscriptions(), ShouldEqual, 1)
			})
		})

		Convey("When the subscription fails with an unclassified error", func() {
			feed := &scriptedFeed{scripts: [][]step{
				{{err: errors.New("stream reset by broker")}},
				{resourceChange("van"), resourceChange("clinic")},
			}}
			d := trigger.NewDispatcher(feed, q,
				trigger.WithRetryBackoff(time.Millisecond, 5*time.Millisecond),
				trigger.WithDispatcherLogger(logger.Nop()))
			So(d.Start(ctx), ShouldBeNil)
			defer func() { _ = d.Stop() }()

			Convey("Then it resubscribes and keeps dispatching", func() {
				So(eventually(func() bool { return d.Dispatched() == 2 }), ShouldBeTrue)
				So(feed.subscriptions(), ShouldEqual, 2)
			})
		})

		Convey("When the dispatcher is stopped while waiting", func() {
			feed := &scriptedFeed{}
			d := trigger.NewDispatcher(feed, q, trigger.WithDispatcherLogger(logger.Nop()))
			So(d.Start(ctx), ShouldBeNil)

			stopped := make(chan error, 1)
			go func() { stopped <- d.Stop() }()

			Convey("Then Stop returns", func() {
				select {
				case err := <-stopped:
					So(err, ShouldBeNil)
				case <-time.After(2 * time.Second):
					So("stop timed out", ShouldBeEmpty)
				}
			})
		})
	})
}

func TestDroppedSignalTriggersStillExpire(t *testing.T) {
	Convey("Given a dispatcher feeding a queue with room for one trigger", t, func() {
		ctx := context.Background()
		feed := changefeed.NewMemory()
		store := repository.NewMemoryStore(repository.WithPublisher(feed))
		q := queue.NewInMemoryQueue(queue.WithCapacity(1), queue.WithHeadroom(0))
		d := trigger.NewDispatcher(feed, q, trigger.WithDispatcherLogger(logger.Nop()))
		So(d.Start(ctx), ShouldBeNil)
		defer func() {
			_ = d.Stop()
			_ = feed.Close()
		}()

		Convey("When three signals arrive before any worker runs", func() {
			for _, cell := range []string{"g_r1_c1", "g_r2_c2", "g_r3_c3"} {
				_, err := store.CreateSignal(ctx, model.Signal{SourceType: model.SourcePublic, Category: "food", GridID: cell, Status: model.StatusOpen})
				So(err, ShouldBeNil)
			}
			So(eventually(func() bool { return d.Dropped() == 2 }), ShouldBeTrue)
			So(q.Len(ctx), ShouldEqual, 1)

			Convey("Then the reaper still deletes all of them once the window has passed", func() {
				catalog, _ := grid.New()
				pipeline := aggregation.New(store, scoring.New(), catalog, aggregation.WithLogger(logger.Nop()))
				later := time.Now().Add(30 * 24 * time.Hour)
				r := reaper.New(store, pipeline,
					reaper.WithWindow(scoring.DefaultWindow),
					reaper.WithClock(func() time.Time { return later }),
					reaper.WithLogger(logger.Nop()))

				report, err := r.Run(ctx)
				So(err, ShouldBeNil)
				So(report.Deleted, ShouldEqual, 3)

				left, _ := store.ListSignals(ctx, repository.SignalQuery{})
				So(left, ShouldBeEmpty)
				m, _ := store.GetMetrics(ctx)
				So(m.Backlog, ShouldEqual, 0)
			})
		})
	})
}
