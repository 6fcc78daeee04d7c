package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	. "github.com/smartystreets/goconvey/convey"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/okian/outreachops/internal/adapters/http/api"
	"github.com/okian/outreachops/internal/adapters/repository"
	"github.com/okian/outreachops/internal/domain/grid"
	"github.com/okian/outreachops/internal/domain/model"
	"github.com/okian/outreachops/internal/domain/ratelimit"
	"github.com/okian/outreachops/internal/domain/scoring"
	"github.com/okian/outreachops/internal/mirror"
	"github.com/okian/outreachops/pkg/logger"
)

func init() {
	if err := logger.Init(); err != nil {
		panic(err)
	}
}

// mockDependencies implements api.Dependencies.
type mockDependencies struct {
	decision  ratelimit.Decision
	submitErr error
	deleteErr error
	recompErr error
	resumeErr error
	sessions  []string
	submitted []model.Signal
	resources []model.Resource
	logs      []model.OutreachLog
	snapshot  mirror.Snapshot
	snapshots chan mirror.Snapshot
}

func newMockDependencies() *mockDependencies {
	surface := scoring.BuildSurface([]model.Aggregate{
		{CellID: "g_r1_c1", Demand: 12.5, DistinctCount: 14, CapacityScore: 1, Priority: 11.36},
		{CellID: "g_r1_c2", Demand: 3, DistinctCount: 4, DataInsufficient: true, Anomaly: true, CapacityScore: 1, Priority: 2.73},
	})
	return &mockDependencies{
		decision:  ratelimit.Decision{Allowed: true},
		snapshot:  mirror.Snapshot{Surface: surface, Mode: mirror.ModeLive},
		snapshots: make(chan mirror.Snapshot, 1),
	}
}

func (m *mockDependencies) SubmitSignal(_ context.Context, session string, sig model.Signal) (model.Signal, ratelimit.Decision, error) {
	m.sessions = append(m.sessions, session)
	if m.submitErr != nil {
		return model.Signal{}, m.decision, m.submitErr
	}
	if !m.decision.Allowed {
		return model.Signal{}, m.decision, nil
	}
	sig.ID = fmt.Sprintf("s_%d", len(m.submitted)+1)
	sig.Status = model.StatusOpen
	m.submitted = append(m.submitted, sig)
	return sig, m.decision, nil
}

func (m *mockDependencies) DeleteSignal(_ context.Context, _ string) error { return m.deleteErr }

func (m *mockDependencies) UpsertResource(_ context.Context, r model.Resource) (model.Resource, error) {
	if err := r.Validate(); err != nil {
		return model.Resource{}, err
	}
	m.resources = append(m.resources, r)
	return r, nil
}

func (m *mockDependencies) SaveLog(_ context.Context, l model.OutreachLog) (model.OutreachLog, error) {
	if err := l.Validate(nil); err != nil {
		return model.OutreachLog{}, err
	}
	l.ID = "l_1"
	m.logs = append(m.logs, l)
	return l, nil
}

func (m *mockDependencies) Recompute(context.Context) error { return m.recompErr }

func (m *mockDependencies) ResetSeed(context.Context) (mirror.Snapshot, error) {
	return mirror.Snapshot{Mode: mirror.ModeDegraded, Banner: mirror.BannerLocalData}, nil
}

func (m *mockDependencies) ResumeLive(context.Context) (mirror.Snapshot, error) {
	if m.resumeErr != nil {
		return mirror.Snapshot{}, m.resumeErr
	}
	return m.snapshot, nil
}

func (m *mockDependencies) Snapshot(context.Context) (mirror.Snapshot, error) { return m.snapshot, nil }

func (m *mockDependencies) Grid() (grid.FeatureCollection, error) {
	c, err := grid.New()
	if err != nil {
		return grid.FeatureCollection{}, err
	}
	return c.FeatureCollection(), nil
}

func (m *mockDependencies) Listen() (<-chan mirror.Snapshot, func(), error) {
	m.snapshots <- m.snapshot
	return m.snapshots, func() {}, nil
}

type mockStatsProvider struct {
	stats map[string]interface{}
}

func (m *mockStatsProvider) GetStats() map[string]interface{} { return m.stats }

func newRouter(deps *mockDependencies) http.Handler {
	r := mux.NewRouter()
	api.NewServer(deps, &mockStatsProvider{stats: map[string]interface{}{"started": true}}).Register(context.Background(), r)
	return api.Middleware(r, logger.Nop())
}

func do(h http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(w *httptest.ResponseRecorder) map[string]interface{} {
	var out map[string]interface{}
	_ = json.NewDecoder(w.Body).Decode(&out)
	return out
}

func TestSignalsHandler(t *testing.T) {
	Convey("Given the API router", t, func() {
		deps := newMockDependencies()
		h := newRouter(deps)
		body := `{"source_type":"organization","category":"food","grid_id":"g_r1_c1","session":"abc"}`

		Convey("When a valid signal is posted", func() {
			w := do(h, http.MethodPost, "/signals", body)

			Convey("Then it is created", func() {
				So(w.Code, ShouldEqual, http.StatusCreated)
				resp := decode(w)
				So(resp["id"], ShouldEqual, "s_1")
				So(deps.sessions, ShouldResemble, []string{"abc"})
				So(deps.submitted[0].SourceType, ShouldEqual, model.SourceClass("organization"))
			})
		})

		Convey("When the session comes from the header", func() {
			w := do(h, http.MethodPost, "/signals", `{"source_type":"org","category":"food","grid_id":"g_r1_c1"}`, api.SessionHeader, "hdr")

			Convey("Then the header is used", func() {
				So(w.Code, ShouldEqual, http.StatusCreated)
				So(deps.sessions, ShouldResemble, []string{"hdr"})
			})
		})

		Convey("When no session is given", func() {
			w := do(h, http.MethodPost, "/signals", `{"source_type":"org","category":"food","grid_id":"g_r1_c1"}`)

			Convey("Then the request is rejected", func() {
				So(w.Code, ShouldEqual, http.StatusBadRequest)
				So(decode(w)["code"], ShouldEqual, "bad_request")
				So(deps.sessions, ShouldBeEmpty)
			})
		})

		Convey("When the body is malformed", func() {
			w := do(h, http.MethodPost, "/signals", `{"source_type":`)

			Convey("Then it should return bad request", func() {
				So(w.Code, ShouldEqual, http.StatusBadRequest)
			})
		})

		Convey("When validation fails", func() {
			deps.submitErr = fmt.Errorf("%w: %w", model.ErrValidation, model.ErrUnknownCell)
			w := do(h, http.MethodPost, "/signals", body)

			Convey("Then it should return a validation error", func() {
				So(w.Code, ShouldEqual, http.StatusBadRequest)
				So(decode(w)["code"], ShouldEqual, "validation")
			})
		})

		Convey("When the backend is unavailable", func() {
			deps.submitErr = repository.ErrUnavailable
			w := do(h, http.MethodPost, "/signals", body)

			Convey("Then it should return service unavailable", func() {
				So(w.Code, ShouldEqual, http.StatusServiceUnavailable)
			})
		})

		Convey("When the session is cooling down", func() {
			deps.decision = ratelimit.Decision{Allowed: false, RetryAfter: 29500 * time.Millisecond}
			w := do(h, http.MethodPost, "/signals", body)

			Convey("Then it should return too many requests with the wait", func() {
				So(w.Code, ShouldEqual, http.StatusTooManyRequests)
				So(w.Header().Get("Retry-After"), ShouldEqual, "30")
				resp := decode(w)
				So(resp["code"], ShouldEqual, "rate_limited")
				So(resp["retry_after"], ShouldEqual, 29.5)
			})
		})

		Convey("When a signal is deleted", func() {
			w := do(h, http.MethodDelete, "/signals/s_1", "")

			Convey("Then it should return no content", func() {
				So(w.Code, ShouldEqual, http.StatusNoContent)
			})
		})

		Convey("When a missing signal is deleted", func() {
			deps.deleteErr = fmt.Errorf("signal s_9: %w", repository.ErrNotFound)
			w := do(h, http.MethodDelete, "/signals/s_9", "")

			Convey("Then it should return not found", func() {
				So(w.Code, ShouldEqual, http.StatusNotFound)
				So(decode(w)["code"], ShouldEqual, "not_found")
			})
		})

		Convey("When the wrong method is used", func() {
			w := do(h, http.MethodGet, "/signals", "")

			Convey("Then it should return method not allowed", func() {
				So(w.Code, ShouldEqual, http.StatusMethodNotAllowed)
			})
		})
	})
}

func TestWritesHandler(t *testing.T) {
	Convey("Given the API router", t, func() {
		deps := newMockDependencies()
		h := newRouter(deps)

		Convey("When a resource is put", func() {
			w := do(h, http.MethodPut, "/resources/van", `{"resource_type":"meal","availability_state":"limited","capacity_score":2}`)

			Convey("Then the path id is used", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				So(deps.resources[0].ID, ShouldEqual, "van")
				So(deps.resources[0].Availability, ShouldEqual, model.Limited)
			})
		})

		Convey("When a resource is out of range", func() {
			w := do(h, http.MethodPut, "/resources/van", `{"resource_type":"meal","availability_state":"limited","capacity_score":7}`)

			Convey("Then it should return a validation error", func() {
				So(w.Code, ShouldEqual, http.StatusBadRequest)
			})
		})

		Convey("When a log is posted", func() {
			w := do(h, http.MethodPost, "/logs", `{"grid_id":"g_r1_c1","action":"visit","outcome":"served"}`)

			Convey("Then it is created", func() {
				So(w.Code, ShouldEqual, http.StatusCreated)
				So(decode(w)["id"], ShouldEqual, "l_1")
			})
		})

		Convey("When a recompute is requested", func() {
			w := do(h, http.MethodPost, "/recompute", "")

			Convey("Then it reports success", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				So(decode(w)["status"], ShouldEqual, "ok")
			})
		})

		Convey("When a recompute fails", func() {
			deps.recompErr = fmt.Errorf("recompute: %w", context.DeadlineExceeded)
			w := do(h, http.MethodPost, "/recompute", "")

			Convey("Then it reports failure", func() {
				So(w.Code, ShouldEqual, http.StatusInternalServerError)
			})
		})

		Convey("When the seed is reset", func() {
			w := do(h, http.MethodPost, "/seed/reset", "")

			Convey("Then the degraded snapshot is returned", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				resp := decode(w)
				So(resp["mode"], ShouldEqual, "degraded")
				So(resp["banner"], ShouldEqual, mirror.BannerLocalData)
			})
		})

		Convey("When live data is resumed", func() {
			w := do(h, http.MethodPost, "/mirror/resume", "")

			Convey("Then the live snapshot is returned", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				So(decode(w)["mode"], ShouldEqual, "live")
			})
		})

		Convey("When resuming while the backend is still down", func() {
			deps.resumeErr = mirror.ErrDegraded
			w := do(h, http.MethodPost, "/mirror/resume", "")

			Convey("Then 503 is returned", func() {
				So(w.Code, ShouldEqual, http.StatusServiceUnavailable)
				So(decode(w)["code"], ShouldEqual, "unavailable")
			})
		})

		Convey("When resuming without a session", func() {
			deps.resumeErr = mirror.ErrNoSession
			w := do(h, http.MethodPost, "/mirror/resume", "")

			Convey("Then 409 is returned", func() {
				So(w.Code, ShouldEqual, http.StatusConflict)
				So(decode(w)["code"], ShouldEqual, "no_session")
			})
		})
	})
}

func TestSnapshotHandler(t *testing.T) {
	Convey("Given the API router", t, func() {
		deps := newMockDependencies()
		h := newRouter(deps)

		Convey("When the snapshot is fetched", func() {
			w := do(h, http.MethodGet, "/snapshot", "")

			Convey("Then every cell is present", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				var snap mirror.Snapshot
				So(json.NewDecoder(w.Body).Decode(&snap), ShouldBeNil)
				So(len(snap.Cells), ShouldEqual, 2)
				So(snap.Cells[0].CellID, ShouldEqual, "g_r1_c1")
				So(snap.Cells[1].Demand, ShouldEqual, 3)
			})
		})

		Convey("When the public view is fetched", func() {
			w := do(h, http.MethodGet, "/snapshot?view=public", "")

			Convey("Then insufficient cells are masked", func() {
				var snap mirror.Snapshot
				So(json.NewDecoder(w.Body).Decode(&snap), ShouldBeNil)
				cell, _ := snap.Cell("g_r1_c2")
				So(cell.Demand, ShouldEqual, 0)
				So(cell.Priority, ShouldEqual, 0)
				So(cell.Anomaly, ShouldBeFalse)
				So(cell.Band, ShouldEqual, model.BandDataInsufficient)
			})
		})

		Convey("When one cell is fetched", func() {
			w := do(h, http.MethodGet, "/cells/g_r1_c1", "")

			Convey("Then its band and rank are materialised", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				resp := decode(w)
				So(resp["rank"], ShouldEqual, 1)
				So(resp["band"], ShouldEqual, string(model.BandHigh))
			})
		})

		Convey("When an unknown cell is fetched", func() {
			w := do(h, http.MethodGet, "/cells/g_r9_c9", "")

			Convey("Then it should return not found", func() {
				So(w.Code, ShouldEqual, http.StatusNotFound)
			})
		})

		Convey("When the grid is fetched", func() {
			w := do(h, http.MethodGet, "/grid", "")

			Convey("Then it is a feature collection", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				var fc grid.FeatureCollection
				So(json.NewDecoder(w.Body).Decode(&fc), ShouldBeNil)
				So(fc.Type, ShouldEqual, "FeatureCollection")
				So(len(fc.Features), ShouldEqual, 25)
			})
		})
	})
}

func TestStreamHandler(t *testing.T) {
	Convey("Given a running API server", t, func() {
		deps := newMockDependencies()
		srv := httptest.NewServer(newRouter(deps))
		defer srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		Convey("When a client connects to the stream", func() {
			conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws?view=public", nil)
			So(err, ShouldBeNil)
			defer conn.Close(websocket.StatusNormalClosure, "")

			Convey("Then it receives the current and the next snapshot", func() {
				var first mirror.Snapshot
				So(wsjson.Read(ctx, conn, &first), ShouldBeNil)
				So(first.Mode, ShouldEqual, mirror.ModeLive)
				masked, _ := first.Cell("g_r1_c2")
				So(masked.Demand, ShouldEqual, 0)

				deps.snapshots <- mirror.Snapshot{Mode: mirror.ModeDegraded, Banner: mirror.BannerReadBlocked}
				var second mirror.Snapshot
				So(wsjson.Read(ctx, conn, &second), ShouldBeNil)
				So(second.Banner, ShouldEqual, mirror.BannerReadBlocked)
			})
		})

		Convey("When the service closes the listener", func() {
			conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
			So(err, ShouldBeNil)
			defer conn.Close(websocket.StatusNormalClosure, "")

			var first mirror.Snapshot
			So(wsjson.Read(ctx, conn, &first), ShouldBeNil)
			close(deps.snapshots)

			Convey("Then the stream ends with going away", func() {
				var next mirror.Snapshot
				err := wsjson.Read(ctx, conn, &next)
				So(websocket.CloseStatus(err), ShouldEqual, websocket.StatusGoingAway)
			})
		})
	})
}

func TestHealthAndStats(t *testing.T) {
	Convey("Given the API router", t, func() {
		h := newRouter(newMockDependencies())

		Convey("Then /healthz reports ok", func() {
			w := do(h, http.MethodGet, "/healthz", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(decode(w)["status"], ShouldEqual, "ok")
		})

		Convey("Then /metrics serves the registry", func() {
			_ = do(h, http.MethodGet, "/healthz", "")
			w := do(h, http.MethodGet, "/metrics", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, "http_requests_total")
		})

		Convey("Then /stats returns the provider's stats", func() {
			w := do(h, http.MethodGet, "/stats", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(decode(w)["started"], ShouldEqual, true)
		})
	})
}

func TestMiddleware(t *testing.T) {
	Convey("Given a router wrapped by the middleware", t, func() {
		r := mux.NewRouter()
		r.HandleFunc("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })
		r.HandleFunc("/signals", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusCreated) }).Methods(http.MethodPost)
		h := api.Middleware(r, logger.Nop())

		Convey("When a handler panics", func() {
			w := do(h, http.MethodGet, "/boom", "")

			Convey("Then the panic is turned into a server error", func() {
				So(w.Code, ShouldEqual, http.StatusInternalServerError)
			})
		})

		Convey("When a browser sends a preflight request", func() {
			w := do(h, http.MethodOptions, "/signals", "",
				"Origin", "http://dashboard.local",
				"Access-Control-Request-Method", http.MethodPost)

			Convey("Then CORS headers are returned", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				So(w.Header().Get("Access-Control-Allow-Origin"), ShouldNotBeEmpty)
			})
		})
	})
}

func TestErrorHelpers(t *testing.T) {
	Convey("Given wrapped API errors", t, func() {
		err := api.WrapKind("api.op", api.ErrBadRequest, repository.ErrNotFound)

		Convey("Then both kind and cause are visible", func() {
			So(err.Error(), ShouldEqual, "api.op: bad request: record not found")
			So(errors.Is(err, api.ErrBadRequest), ShouldBeTrue)
			So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
			So(api.Wrap("api.op", nil), ShouldBeNil)
			So(api.NewKind("api.op", api.ErrRateLimited).Error(), ShouldEqual, "api.op: rate limited")
		})
	})
}
