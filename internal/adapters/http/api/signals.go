package api

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/okian/outreachops/internal/domain/model"
)

// SessionHeader carries the session identity when the body does not.
const SessionHeader = "X-Session-ID"

// signalRequest mirrors the OpenAPI schema for POST /signals.
type signalRequest struct {
	SourceType string   `json:"source_type"`
	Category   string   `json:"category"`
	GridID     string   `json:"grid_id"`
	Weight     *float64 `json:"weight,omitempty"`
	Session    string   `json:"session"`
}

func (s signalRequest) signal() model.Signal {
	return model.Signal{
		SourceType: model.SourceClass(strings.TrimSpace(s.SourceType)),
		Category:   strings.TrimSpace(s.Category),
		GridID:     strings.TrimSpace(s.GridID),
		Weight:     s.Weight,
	}
}

type rateLimitedResponse struct {
	Code       string  `json:"code"`
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after"`
}

// SignalsHandler handles signal submission and removal.
type SignalsHandler struct {
	deps SignalDependencies
}

// NewSignalsHandler creates a new signals handler.
func NewSignalsHandler(deps SignalDependencies) *SignalsHandler {
	return &SignalsHandler{deps: deps}
}

// HandlePostSignal handles POST /signals requests.
func (h *SignalsHandler) HandlePostSignal(w http.ResponseWriter, r *http.Request) {
	const op = "api.post_signal"
	var req signalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, WrapKind(op, ErrBadRequest, err))
		return
	}
	session := strings.TrimSpace(req.Session)
	if session == "" {
		session = strings.TrimSpace(r.Header.Get(SessionHeader))
	}
	if session == "" {
		writeFailure(w, NewKind(op, ErrMissingSession))
		return
	}

	stored, decision, err := h.deps.SubmitSignal(r.Context(), session, req.signal())
	if err != nil {
		writeFailure(w, Wrap(op, err))
		return
	}
	if !decision.Allowed {
		secs := decision.RetryAfter.Seconds()
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(secs))))
		writeJSON(w, http.StatusTooManyRequests, rateLimitedResponse{
			Code:       "rate_limited",
			Message:    NewKind(op, ErrRateLimited).Error(),
			RetryAfter: secs,
		})
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

// HandleDeleteSignal handles DELETE /signals/{id} requests.
func (h *SignalsHandler) HandleDeleteSignal(w http.ResponseWriter, r *http.Request) {
	const op = "api.delete_signal"
	id := mux.Vars(r)["id"]
	if err := h.deps.DeleteSignal(r.Context(), id); err != nil {
		writeFailure(w, Wrap(op, err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
