// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/okian/outreachops/internal/domain/grid"
	"github.com/okian/outreachops/internal/domain/model"
	"github.com/okian/outreachops/internal/domain/ratelimit"
	"github.com/okian/outreachops/internal/mirror"
)

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to implementations in other packages.
type Dependencies interface {
	SignalDependencies
	WriteDependencies
	ReadDependencies
	StreamDependencies
}

// SignalDependencies submits and removes signals.
type SignalDependencies interface {
	// SubmitSignal gates sig on the session cooldown. A blocked submission
	// returns a Decision with Allowed false and a nil error.
	SubmitSignal(ctx context.Context, session string, sig model.Signal) (model.Signal, ratelimit.Decision, error)
	DeleteSignal(ctx context.Context, id string) error
}

// WriteDependencies covers the remaining write intents.
type WriteDependencies interface {
	UpsertResource(ctx context.Context, r model.Resource) (model.Resource, error)
	SaveLog(ctx context.Context, l model.OutreachLog) (model.OutreachLog, error)
	Recompute(ctx context.Context) error
	ResetSeed(ctx context.Context) (mirror.Snapshot, error)
	ResumeLive(ctx context.Context) (mirror.Snapshot, error)
}

// ReadDependencies exposes the derived state.
type ReadDependencies interface {
	Snapshot(ctx context.Context) (mirror.Snapshot, error)
	Grid() (grid.FeatureCollection, error)
}

// StreamDependencies pushes snapshots.
type StreamDependencies interface {
	Listen() (<-chan mirror.Snapshot, func(), error)
}

// Server wires HTTP routes for the business API.
type Server struct {
	healthHandler   *HealthHandler
	statsHandler    *StatsHandler
	signalsHandler  *SignalsHandler
	writesHandler   *WritesHandler
	snapshotHandler *SnapshotHandler
	streamHandler   *StreamHandler
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, statsProvider StatsProvider) *Server {
	return &Server{
		healthHandler:   NewHealthHandler(),
		statsHandler:    NewStatsHandler(statsProvider),
		signalsHandler:  NewSignalsHandler(deps),
		writesHandler:   NewWritesHandler(deps),
		snapshotHandler: NewSnapshotHandler(deps),
		streamHandler:   NewStreamHandler(deps),
	}
}

// Register attaches all HTTP routes to r.
func (s *Server) Register(_ context.Context, r *mux.Router) {
	r.HandleFunc("/healthz", Instrument("healthz", s.healthHandler.HandleHealth)).Methods(http.MethodGet)
	r.Handle("/metrics", s.healthHandler.MetricsHandler()).Methods(http.MethodGet)
	r.HandleFunc("/stats", Instrument("stats", s.statsHandler.HandleStats)).Methods(http.MethodGet)

	r.HandleFunc("/signals", Instrument("signals", s.signalsHandler.HandlePostSignal)).Methods(http.MethodPost)
	r.HandleFunc("/signals/{id}", Instrument("signal", s.signalsHandler.HandleDeleteSignal)).Methods(http.MethodDelete)
	r.HandleFunc("/resources/{id}", Instrument("resource", s.writesHandler.HandlePutResource)).Methods(http.MethodPut)
	r.HandleFunc("/logs", Instrument("logs", s.writesHandler.HandlePostLog)).Methods(http.MethodPost)
	r.HandleFunc("/recompute", Instrument("recompute", s.writesHandler.HandleRecompute)).Methods(http.MethodPost)
	r.HandleFunc("/seed/reset", Instrument("seed_reset", s.writesHandler.HandleResetSeed)).Methods(http.MethodPost)
	r.HandleFunc("/mirror/resume", Instrument("mirror_resume", s.writesHandler.HandleResume)).Methods(http.MethodPost)

	r.HandleFunc("/snapshot", Instrument("snapshot", s.snapshotHandler.HandleGetSnapshot)).Methods(http.MethodGet)
	r.HandleFunc("/cells/{id}", Instrument("cell", s.snapshotHandler.HandleGetCell)).Methods(http.MethodGet)
	r.HandleFunc("/grid", Instrument("grid", s.snapshotHandler.HandleGetGrid)).Methods(http.MethodGet)

	// Hijacked connections are not wrapped by the metrics middleware.
	r.HandleFunc("/ws", s.streamHandler.HandleStream).Methods(http.MethodGet)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type statusResponse struct {
	Status string `json:"status"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// writeFailure writes err with the status its kind maps to.
func writeFailure(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	writeError(w, status, code, err)
}

// publicView reports whether the caller asked for the masked view.
func publicView(r *http.Request) bool {
	return r.URL.Query().Get("view") == "public"
}
