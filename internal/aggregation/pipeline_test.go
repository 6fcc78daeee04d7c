package aggregation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/okian/outreachops/internal/adapters/repository"
	"github.com/okian/outreachops/internal/aggregation"
	"github.com/okian/outreachops/internal/domain/grid"
	"github.com/okian/outreachops/internal/domain/model"
	"github.com/okian/outreachops/internal/domain/scoring"
	"github.com/okian/outreachops/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

// failingStore fails signal reads for one cell.
type failingStore struct {
	repository.Store
	cell string
	err  error
}

func (f failingStore) ListSignals(ctx context.Context, q repository.SignalQuery) ([]model.Signal, error) {
	if q.GridID == f.cell {
		return nil, f.err
	}
	return f.Store.ListSignals(ctx, q)
}

func seed(ctx context.Context, store repository.Store) {
	for i := 0; i < 10; i++ {
		_, _ = store.CreateSignal(ctx, model.Signal{
			CreatedAt:  now.Add(-2 * time.Hour),
			SourceType: model.SourceOrg,
			Category:   "food",
			GridID:     "g_r1_c1",
			Status:     model.StatusOpen,
		})
	}
	_, _ = store.CreateSignal(ctx, model.Signal{
		CreatedAt:  now.Add(-8 * 24 * time.Hour),
		SourceType: model.SourceOrg,
		Category:   "food",
		GridID:     "g_r1_c1",
		Status:     model.StatusResolved,
	})
	_, _ = store.CreateSignal(ctx, model.Signal{
		CreatedAt:  now.Add(-30 * time.Minute),
		SourceType: model.SourcePublic,
		Category:   "shelter",
		GridID:     "g_r2_c2",
		Status:     model.StatusOpen,
	})
}

func newPipeline(store repository.Store) *aggregation.Pipeline {
	catalog, err := grid.New()
	if err != nil {
		panic(err)
	}
	return aggregation.New(store, scoring.New(), catalog,
		aggregation.WithClock(clock),
		aggregation.WithLogger(logger.Nop()),
		aggregation.WithParallelism(4),
	)
}

func TestRecomputeCell(t *testing.T) {
	Convey("Given a store with signals in two cells", t, func() {
		ctx := context.Background()
		store := repository.NewMemoryStore(repository.WithClock(clock))
		seed(ctx, store)
		p := newPipeline(store)

		Convey("When a cell is recomputed", func() {
			agg, err := p.RecomputeCell(ctx, "g_r1_c1", "test")

			Convey("Then only signals inside the window count", func() {
				So(err, ShouldBeNil)
				So(agg.DistinctCount, ShouldEqual, 10)
				So(agg.DataInsufficient, ShouldBeFalse)
				So(agg.Anomaly, ShouldBeFalse)
				So(agg.Demand, ShouldEqual, 9.88)
				So(agg.CapacityScore, ShouldEqual, 1)
				So(agg.Priority, ShouldEqual, 8.98)
			})

			Convey("Then the aggregate is stored", func() {
				stored, err := store.GetAggregate(ctx, "g_r1_c1")
				So(err, ShouldBeNil)
				So(stored, ShouldResemble, agg)
			})

			Convey("Then recomputing again yields the identical aggregate", func() {
				again, err := p.RecomputeCell(ctx, "g_r1_c1", "test")
				So(err, ShouldBeNil)
				So(again, ShouldResemble, agg)
			})
		})

		Convey("When resources are reported", func() {
			for _, id := range []string{"a", "b", "c"} {
				_, _ = store.UpsertResource(ctx, model.Resource{ID: id, ResourceType: "shelter", Availability: model.Available, CapacityScore: 3})
			}
			agg, err := p.RecomputeCell(ctx, "g_r2_c2", "test")

			Convey("Then capacity is their mean and the cell stays insufficient", func() {
				So(err, ShouldBeNil)
				So(agg.CapacityScore, ShouldEqual, 3)
				So(agg.DistinctCount, ShouldEqual, 1)
				So(agg.DataInsufficient, ShouldBeTrue)
			})
		})

		Convey("When an unknown cell is recomputed", func() {
			_, err := p.RecomputeCell(ctx, "g_r9_c9", "test")

			Convey("Then it is rejected", func() {
				So(errors.Is(err, aggregation.ErrUnknownCell), ShouldBeTrue)
			})
		})
	})
}

func TestRecomputeAll(t *testing.T) {
	Convey("Given a seeded store", t, func() {
		ctx := context.Background()
		mem := repository.NewMemoryStore(repository.WithClock(clock))
		seed(ctx, mem)

		Convey("When every cell is recomputed", func() {
			err := newPipeline(mem).RecomputeAll(ctx, "test")
			aggs, _ := mem.ListAggregates(ctx)

			Convey("Then each catalog cell has an aggregate", func() {
				So(err, ShouldBeNil)
				So(len(aggs), ShouldEqual, 25)
			})
		})

		Convey("When one cell's reads fail", func() {
			boom := errors.New("store unreachable")
			err := newPipeline(failingStore{Store: mem, cell: "g_r3_c3", err: boom}).RecomputeAll(ctx, "test")
			aggs, _ := mem.ListAggregates(ctx)

			Convey("Then the other cells are still recomputed", func() {
				So(errors.Is(err, boom), ShouldBeTrue)
				So(len(aggs), ShouldEqual, 24)
				_, getErr := mem.GetAggregate(ctx, "g_r3_c3")
				So(errors.Is(getErr, repository.ErrNotFound), ShouldBeTrue)
			})
		})

		Convey("When the surface is built after a full pass", func() {
			p := newPipeline(mem)
			_ = p.RecomputeAll(ctx, "test")
			surface, err := p.Surface(ctx)

			Convey("Then insufficient cells are banded as such", func() {
				So(err, ShouldBeNil)
				view, ok := surface.Cell("g_r2_c2")
				So(ok, ShouldBeTrue)
				So(view.Band, ShouldEqual, model.BandDataInsufficient)
			})
		})
	})
}

func TestRecomputeMetrics(t *testing.T) {
	Convey("Given open signals in two cells and one outreach log", t, func() {
		ctx := context.Background()
		store := repository.NewMemoryStore(repository.WithClock(clock))
		seed(ctx, store)
		_, _ = store.AppendLog(ctx, model.OutreachLog{
			CreatedAt: now.Add(-2*time.Hour + 42*time.Minute),
			GridID:    "g_r1_c1",
			Action:    "visit",
			Outcome:   "served",
		})

		Convey("When metrics are recomputed", func() {
			summary, err := newPipeline(store).RecomputeMetrics(ctx, "test")

			Convey("Then the unanswered cell is backlog and the answered one averages 42 minutes", func() {
				So(err, ShouldBeNil)
				So(summary.Backlog, ShouldEqual, 1)
				So(summary.AvgResponseMinutes, ShouldEqual, 42)
				stored, err := store.GetMetrics(ctx)
				So(err, ShouldBeNil)
				So(stored, ShouldResemble, summary)
			})
		})
	})
}
