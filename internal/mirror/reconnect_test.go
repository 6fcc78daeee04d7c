package mirror_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/okian/outreachops/internal/adapters/changefeed"
	"github.com/okian/outreachops/internal/adapters/repository"
	"github.com/okian/outreachops/internal/domain/model"
	"github.com/okian/outreachops/internal/domain/scoring"
	"github.com/okian/outreachops/internal/mirror"
	"github.com/okian/outreachops/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

// outageStore fails resource reads while down is set.
type outageStore struct {
	repository.Store
	down atomic.Bool
}

func (o *outageStore) ListResources(ctx context.Context) ([]model.Resource, error) {
	if o.down.Load() {
		return nil, repository.ErrUnavailable
	}
	return o.Store.ListResources(ctx)
}

func newOutageEngine(store *outageStore, opts ...mirror.Option) *mirror.Engine {
	opts = append([]mirror.Option{
		mirror.WithReconnectBackoff(5*time.Millisecond, 20*time.Millisecond),
		mirror.WithLogger(logger.Nop()),
	}, opts...)
	return mirror.New(store, changefeed.NewMemory(), scoring.New(), catalog(), opts...)
}

func TestReconnect(t *testing.T) {
	Convey("Given a store that is down when the engine starts", t, func() {
		ctx := context.Background()
		store := &outageStore{Store: repository.NewMemoryStore()}
		_, _ = store.UpsertResource(ctx, model.Resource{ID: "van", ResourceType: "van", Availability: model.Available, CapacityScore: 2})
		store.down.Store(true)

		e := newOutageEngine(store)
		So(e.Start(ctx), ShouldBeNil)
		defer e.Stop()
		So(e.Mode(), ShouldEqual, mirror.ModeDegraded)

		Convey("When the store comes back", func() {
			store.down.Store(false)

			Convey("Then the engine returns to live data on its own", func() {
				So(eventually(func() bool { return e.Mode() == mirror.ModeLive }), ShouldBeTrue)
				snap := e.Snapshot()
				So(snap.Banner, ShouldBeEmpty)
				So(len(snap.Resources), ShouldEqual, 1)
				So(snap.Resources[0].ID, ShouldEqual, "van")
			})
		})

		Convey("When the store stays down", func() {
			time.Sleep(60 * time.Millisecond)

			Convey("Then the seed is still served and Resume reports the outage", func() {
				So(e.Mode(), ShouldEqual, mirror.ModeDegraded)
				err := e.Resume(ctx)
				So(errors.Is(err, mirror.ErrDegraded), ShouldBeTrue)
				So(errors.Is(err, repository.ErrUnavailable), ShouldBeTrue)
			})
		})

		Convey("When the engine is stopped while retrying", func() {
			stopped := make(chan struct{})
			go func() {
				e.Stop()
				close(stopped)
			}()

			Convey("Then Stop returns", func() {
				select {
				case <-stopped:
				case <-time.After(2 * time.Second):
					So("stop timed out", ShouldBeEmpty)
				}
			})
		})
	})
}

func TestResetSeedAndResume(t *testing.T) {
	Convey("Given a live engine", t, func() {
		ctx := context.Background()
		store := &outageStore{Store: repository.NewMemoryStore()}
		e := newOutageEngine(store)
		So(e.Start(ctx), ShouldBeNil)
		defer e.Stop()
		So(e.Mode(), ShouldEqual, mirror.ModeLive)

		Convey("When the seed is reset", func() {
			snap := e.ResetSeed()
			So(snap.Mode, ShouldEqual, mirror.ModeDegraded)
			time.Sleep(60 * time.Millisecond)

			Convey("Then the seed is kept until Resume brings live data back", func() {
				So(e.Mode(), ShouldEqual, mirror.ModeDegraded)
				So(e.Resume(ctx), ShouldBeNil)
				So(e.Mode(), ShouldEqual, mirror.ModeLive)
				So(e.Snapshot().Banner, ShouldBeEmpty)
			})
		})

		Convey("When Resume is called while live", func() {
			Convey("Then nothing changes", func() {
				So(e.Resume(ctx), ShouldBeNil)
				So(e.Mode(), ShouldEqual, mirror.ModeLive)
			})
		})
	})

	Convey("Given engines that cannot resume", t, func() {
		ctx := context.Background()
		store := &outageStore{Store: repository.NewMemoryStore()}

		Convey("When there is no session", func() {
			e := newOutageEngine(store, mirror.WithSession(""))
			So(e.Start(ctx), ShouldBeNil)
			defer e.Stop()

			Convey("Then Resume is refused", func() {
				So(errors.Is(e.Resume(ctx), mirror.ErrNoSession), ShouldBeTrue)
			})
		})

		Convey("When the engine was never started", func() {
			e := newOutageEngine(store)

			Convey("Then Resume is refused", func() {
				So(errors.Is(e.Resume(ctx), mirror.ErrNotStarted), ShouldBeTrue)
			})
		})
	})
}
