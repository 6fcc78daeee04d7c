package mirror_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/okian/outreachops/internal/adapters/changefeed"
	"github.com/okian/outreachops/internal/adapters/repository"
	"github.com/okian/outreachops/internal/aggregation"
	"github.com/okian/outreachops/internal/domain/grid"
	"github.com/okian/outreachops/internal/domain/model"
	"github.com/okian/outreachops/internal/domain/scoring"
	"github.com/okian/outreachops/internal/mirror"
	"github.com/okian/outreachops/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

func catalog() *grid.Catalog {
	c, err := grid.New()
	if err != nil {
		panic(err)
	}
	return c
}

// flakyStore fails selected reads.
type flakyStore struct {
	repository.Store
	resourcesErr error
	createErr    error
}

func (f *flakyStore) ListResources(ctx context.Context) ([]model.Resource, error) {
	if f.resourcesErr != nil {
		return nil, f.resourcesErr
	}
	return f.Store.ListResources(ctx)
}

func (f *flakyStore) CreateSignal(ctx context.Context, s model.Signal) (model.Signal, error) {
	if f.createErr != nil {
		return model.Signal{}, f.createErr
	}
	return f.Store.CreateSignal(ctx, s)
}

// fakeSub is a subscription driven by the test.
type fakeSub struct {
	events chan error
	done   chan struct{}
	once   sync.Once
}

func (s *fakeSub) Next(ctx context.Context) (changefeed.Change, error) {
	select {
	case err := <-s.events:
		return changefeed.Change{}, err
	case <-s.done:
		return changefeed.Change{}, changefeed.ErrClosed
	case <-ctx.Done():
		return changefeed.Change{}, ctx.Err()
	}
}

func (s *fakeSub) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *fakeSub) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

type fakeFeed struct {
	mu   sync.Mutex
	subs map[changefeed.Collection]*fakeSub
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{subs: make(map[changefeed.Collection]*fakeSub)}
}

func (f *fakeFeed) Subscribe(_ context.Context, _ string, collections ...changefeed.Collection) (changefeed.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSub{events: make(chan error, 4), done: make(chan struct{})}
	f.subs[collections[0]] = s
	return s, nil
}

func (f *fakeFeed) sub(c changefeed.Collection) *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[c]
}

func eventually(cond func() bool) bool {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func seedSignals(ctx context.Context, store repository.Store, cell string, n int) {
	for i := 0; i < n; i++ {
		_, _ = store.CreateSignal(ctx, model.Signal{
			ID:         fmt.Sprintf("s_%s_%02d", cell, i),
			CreatedAt:  now.Add(-time.Duration(i+2) * time.Hour),
			SourceType: model.SourceProvider,
			Category:   "food",
			GridID:     cell,
			Status:     model.StatusOpen,
		})
	}
}

func TestDegradedSnapshot(t *testing.T) {
	Convey("Given an engine without a session", t, func() {
		ctx := context.Background()
		var published []mirror.Snapshot
		e := mirror.New(repository.NewMemoryStore(), changefeed.NewMemory(), scoring.New(), catalog(),
			mirror.WithSession(""),
			mirror.WithClock(clock),
			mirror.WithLogger(logger.Nop()),
			mirror.WithSink(mirror.SinkFunc(func(s mirror.Snapshot) { published = append(published, s) })),
		)

		Convey("When it starts", func() {
			err := e.Start(ctx)
			snap := e.Snapshot()

			Convey("Then it serves the full seed with every cell present", func() {
				So(err, ShouldBeNil)
				So(e.Mode(), ShouldEqual, mirror.ModeDegraded)
				So(snap.Banner, ShouldEqual, mirror.BannerLocalData)
				So(len(snap.Cells), ShouldEqual, 25)
				So(len(snap.Resources), ShouldEqual, 3)
				So(snap.Metrics.Backlog, ShouldEqual, 3)
				So(snap.Metrics.AvgResponseMinutes, ShouldEqual, 42)
				So(len(published), ShouldEqual, 1)

				top := snap.Cells[0]
				So(top.CellID, ShouldEqual, "g_r2_c2")
				So(top.Rank, ShouldEqual, 1)
				So(top.Demand, ShouldEqual, 1.2)
				So(top.CapacityScore, ShouldEqual, 3)
				So(top.Priority, ShouldEqual, 0.39)
				second, _ := snap.Cell("g_r3_c3")
				So(second.Priority, ShouldEqual, 0.26)
				empty, _ := snap.Cell("g_r5_c5")
				So(empty.Band, ShouldEqual, model.BandDataInsufficient)
			})

			Convey("Then local writes show up without reaching the store", func() {
				_, err := e.SubmitSignal(ctx, model.Signal{SourceType: "organization", Category: "medical", GridID: "g_r5_c5"})
				So(err, ShouldBeNil)
				snap := e.Snapshot()
				cell, _ := snap.Cell("g_r5_c5")
				So(cell.DistinctCount, ShouldEqual, 1)
				So(cell.Demand, ShouldEqual, 1)
				So(snap.Pending.Signals, ShouldEqual, 1)
				So(snap.Metrics.Backlog, ShouldEqual, 4)
			})

			Convey("Then a seed reset drops local writes", func() {
				_, _ = e.SaveLog(ctx, model.OutreachLog{GridID: "g_r1_c1", Action: "visit"})
				snap := e.ResetSeed()
				So(snap.Pending, ShouldResemble, mirror.Pending{})
				So(len(snap.Cells), ShouldEqual, 25)
			})
		})
	})
}

func TestRawMirrorMatchesPipeline(t *testing.T) {
	Convey("Given signals and resources in the store", t, func() {
		ctx := context.Background()
		feed := changefeed.NewMemory()
		store := repository.NewMemoryStore(repository.WithPublisher(feed), repository.WithClock(clock))
		seedSignals(ctx, store, "g_r1_c1", 12)
		seedSignals(ctx, store, "g_r2_c3", 10)
		seedSignals(ctx, store, "g_r4_c4", 3)
		_, _ = store.UpsertResource(ctx, model.Resource{ID: "meal_mobile", ResourceType: "meal", Availability: model.Limited, CapacityScore: 2})

		cat := catalog()
		p := aggregation.New(store, scoring.New(), cat, aggregation.WithClock(clock), aggregation.WithLogger(logger.Nop()))
		So(p.RecomputeAll(ctx, "test"), ShouldBeNil)
		server, _ := p.Surface(ctx)

		hub := mirror.NewHub()
		e := mirror.New(store, feed, scoring.New(), cat,
			mirror.WithClock(clock), mirror.WithLogger(logger.Nop()), mirror.WithSink(hub))
		So(e.Start(ctx), ShouldBeNil)
		defer e.Stop()

		Convey("When the mirror derives its snapshot", func() {
			snap := e.Snapshot()

			Convey("Then it equals the server surface cell for cell", func() {
				So(e.Mode(), ShouldEqual, mirror.ModeLive)
				So(snap.Cuts, ShouldResemble, server.Cuts)
				So(len(snap.Cells), ShouldEqual, len(server.Cells))
				for i := range server.Cells {
					So(snap.Cells[i].CellID, ShouldEqual, server.Cells[i].CellID)
					So(snap.Cells[i].Demand, ShouldEqual, server.Cells[i].Demand)
					So(snap.Cells[i].Priority, ShouldEqual, server.Cells[i].Priority)
					So(snap.Cells[i].Band, ShouldEqual, server.Cells[i].Band)
					So(snap.Cells[i].Rank, ShouldEqual, server.Cells[i].Rank)
				}
			})
		})

		Convey("When a signal is written by someone else", func() {
			ch, detach := hub.Listen()
			defer detach()
			_, _ = store.CreateSignal(ctx, model.Signal{ID: "s_new", CreatedAt: now, SourceType: model.SourceOrg, Category: "food", GridID: "g_r4_c4", Status: model.StatusOpen})

			Convey("Then a new snapshot is pushed to the sink", func() {
				So(eventually(func() bool {
					select {
					case s := <-ch:
						c, _ := s.Cell("g_r4_c4")
						return c.DistinctCount == 4
					default:
						return false
					}
				}), ShouldBeTrue)
			})
		})

		Convey("When a signal is submitted through the engine", func() {
			stored, err := e.SubmitSignal(ctx, model.Signal{SourceType: model.SourcePublic, Category: "shelter", GridID: "g_r4_c4"})

			Convey("Then it is written, counted once and reconciled", func() {
				So(err, ShouldBeNil)
				So(stored.ID, ShouldStartWith, repository.SignalIDPrefix)
				cell, _ := e.Snapshot().Cell("g_r4_c4")
				So(cell.DistinctCount, ShouldEqual, 4)
				So(eventually(func() bool { return e.Snapshot().Pending.Signals == 0 }), ShouldBeTrue)
			})
		})

		Convey("When a submitted signal is invalid", func() {
			_, err := e.SubmitSignal(ctx, model.Signal{SourceType: model.SourceOrg, Category: "food", GridID: "g_r9_c9"})

			Convey("Then it is rejected before any write", func() {
				So(errors.Is(err, model.ErrUnknownCell), ShouldBeTrue)
				So(e.Snapshot().Pending.Signals, ShouldEqual, 0)
			})
		})
	})
}

func TestErrorClasses(t *testing.T) {
	Convey("Given a store whose resource reads fail", t, func() {
		ctx := context.Background()
		mem := repository.NewMemoryStore()

		Convey("When the failure is transient", func() {
			store := &flakyStore{Store: mem, resourcesErr: fmt.Errorf("read: %w", repository.ErrUnavailable)}
			e := mirror.New(store, changefeed.NewMemory(), scoring.New(), catalog(), mirror.WithLogger(logger.Nop()))
			err := e.Start(ctx)
			defer e.Stop()

			Convey("Then the engine falls back to the seed", func() {
				So(err, ShouldBeNil)
				So(e.Mode(), ShouldEqual, mirror.ModeDegraded)
				snap := e.Snapshot()
				So(snap.Banner, ShouldEqual, "Backend unavailable (resources)")
				So(len(snap.Cells), ShouldEqual, 25)
				So(snap.Metrics.AvgResponseMinutes, ShouldEqual, 42)
			})
		})

		Convey("When the failure is a permission error", func() {
			store := &flakyStore{Store: mem, resourcesErr: repository.ErrPermissionDenied}
			e := mirror.New(store, changefeed.NewMemory(), scoring.New(), catalog(), mirror.WithLogger(logger.Nop()))
			err := e.Start(ctx)
			defer e.Stop()

			Convey("Then only a banner is shown and no seed data is served", func() {
				So(err, ShouldBeNil)
				So(e.Mode(), ShouldEqual, mirror.ModeLive)
				snap := e.Snapshot()
				So(snap.Banner, ShouldEqual, mirror.BannerReadBlocked)
				So(snap.Resources, ShouldBeEmpty)
				So(snap.Metrics.Backlog, ShouldEqual, 0)
			})
		})
	})

	Convey("Given a live engine whose write hits an unreachable store", t, func() {
		ctx := context.Background()
		store := &flakyStore{Store: repository.NewMemoryStore(), createErr: repository.ErrUnavailable}
		e := mirror.New(store, changefeed.NewMemory(), scoring.New(), catalog(), mirror.WithLogger(logger.Nop()))
		So(e.Start(ctx), ShouldBeNil)
		defer e.Stop()

		Convey("When a signal is submitted", func() {
			_, err := e.SubmitSignal(ctx, model.Signal{SourceType: model.SourceOrg, Category: "food", GridID: "g_r1_c1"})

			Convey("Then the write fails, is withdrawn and the engine degrades", func() {
				So(errors.Is(err, repository.ErrUnavailable), ShouldBeTrue)
				So(e.Mode(), ShouldEqual, mirror.ModeDegraded)
				So(e.Snapshot().Pending.Signals, ShouldEqual, 0)
			})
		})
	})
}

func TestSubscriptionLifecycle(t *testing.T) {
	Convey("Given a live engine on a test feed", t, func() {
		ctx := context.Background()
		feed := newFakeFeed()
		e := mirror.New(repository.NewMemoryStore(), feed, scoring.New(), catalog(), mirror.WithLogger(logger.Nop()))
		So(e.Start(ctx), ShouldBeNil)
		streams := []changefeed.Collection{changefeed.Signals, changefeed.Resources, changefeed.Logs}

		Convey("When it is started twice", func() {
			err := e.Start(ctx)
			e.Stop()

			Convey("Then the second start is refused", func() {
				So(errors.Is(err, mirror.ErrStarted), ShouldBeTrue)
			})
		})

		Convey("When it is stopped", func() {
			e.Stop()

			Convey("Then every subscription is closed", func() {
				for _, c := range streams {
					So(feed.sub(c).isClosed(), ShouldBeTrue)
				}
			})
		})

		Convey("When one stream reports a network error", func() {
			feed.sub(changefeed.Logs).events <- &net.OpError{Op: "read", Net: "tcp", Err: errors.New("connection reset")}

			Convey("Then the engine degrades and closes all streams together", func() {
				So(eventually(func() bool { return e.Mode() == mirror.ModeDegraded }), ShouldBeTrue)
				So(e.Snapshot().Banner, ShouldEqual, "Backend unavailable (logs)")
				for _, c := range streams {
					So(feed.sub(c).isClosed(), ShouldBeTrue)
				}
				e.Stop()
			})
		})

		Convey("When one stream reports another error", func() {
			feed.sub(changefeed.Signals).events <- errors.New("listener exploded")

			Convey("Then a listener banner is shown and the mode is kept", func() {
				So(eventually(func() bool { return e.Snapshot().Banner == "Backend listener error (signals)" }), ShouldBeTrue)
				So(e.Mode(), ShouldEqual, mirror.ModeLive)
				e.Stop()
			})
		})
	})
}

func TestAggregateMirror(t *testing.T) {
	Convey("Given stored aggregates and metrics", t, func() {
		ctx := context.Background()
		feed := changefeed.NewMemory()
		store := repository.NewMemoryStore(repository.WithPublisher(feed))
		_ = store.PutAggregate(ctx, model.Aggregate{CellID: "g_r2_c2", Demand: 3, DistinctCount: 14, CapacityScore: 1, Priority: 2.73, UpdatedAt: now.Add(-time.Minute)})
		_ = store.PutMetrics(ctx, model.MetricsSummary{Backlog: 5, AvgResponseMinutes: 17, UpdatedAt: now.Add(-time.Minute)})

		e := mirror.New(store, feed, scoring.New(), catalog(),
			mirror.WithDataMode(mirror.DataAggregates), mirror.WithClock(clock), mirror.WithLogger(logger.Nop()))
		So(e.Start(ctx), ShouldBeNil)
		defer e.Stop()

		Convey("When the snapshot is taken", func() {
			snap := e.Snapshot()

			Convey("Then the stored aggregates and metrics are used", func() {
				cell, _ := snap.Cell("g_r2_c2")
				So(cell.Demand, ShouldEqual, 3)
				So(cell.Priority, ShouldEqual, 2.73)
				So(cell.Rank, ShouldEqual, 1)
				So(snap.Metrics.AvgResponseMinutes, ShouldEqual, 17)
				So(len(snap.Cells), ShouldEqual, 25)
			})
		})

		Convey("When a signal is submitted before the aggregate catches up", func() {
			_, err := e.SubmitSignal(ctx, model.Signal{SourceType: model.SourceOrg, Category: "food", GridID: "g_r2_c2"})
			So(err, ShouldBeNil)
			cell, _ := e.Snapshot().Cell("g_r2_c2")

			Convey("Then it is overlaid on the stored aggregate", func() {
				So(cell.DistinctCount, ShouldEqual, 15)
				So(cell.Demand, ShouldEqual, 4)
			})

			Convey("Then it is dropped once the aggregate is refreshed", func() {
				_ = store.PutAggregate(ctx, model.Aggregate{CellID: "g_r2_c2", Demand: 4, DistinctCount: 15, CapacityScore: 1, Priority: 3.64, UpdatedAt: now.Add(time.Second)})
				So(eventually(func() bool { return e.Snapshot().Pending.Signals == 0 }), ShouldBeTrue)
				cell, _ := e.Snapshot().Cell("g_r2_c2")
				So(cell.DistinctCount, ShouldEqual, 15)
			})
		})
	})
}

func TestParseSeed(t *testing.T) {
	Convey("Given seed documents", t, func() {
		Convey("Then the embedded seed parses", func() {
			s := mirror.DefaultSeed()
			So(len(s.Resources), ShouldEqual, 3)
			So(len(s.Aggregates), ShouldEqual, 2)
		})

		Convey("Then malformed yaml is rejected", func() {
			_, err := mirror.ParseSeed([]byte("resources: ["))
			So(errors.Is(err, mirror.ErrSeed), ShouldBeTrue)
		})

		Convey("Then out-of-range capacity is rejected", func() {
			_, err := mirror.ParseSeed([]byte("resources:\n  - id: x\n    resource_type: shelter\n    availability_state: available\n    capacity_score: 9\n"))
			So(errors.Is(err, mirror.ErrSeed), ShouldBeTrue)
			So(errors.Is(err, model.ErrCapacityRange), ShouldBeTrue)
		})
	})
}
