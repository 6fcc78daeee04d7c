package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/okian/outreachops/internal/domain/model"
)

type resourceRequest struct {
	ResourceType  string  `json:"resource_type"`
	Availability  string  `json:"availability_state"`
	CapacityScore float64 `json:"capacity_score"`
}

type logRequest struct {
	GridID  string `json:"grid_id"`
	Action  string `json:"action"`
	Outcome string `json:"outcome"`
}

// WritesHandler handles resource, log, recompute and seed reset requests.
type WritesHandler struct {
	deps WriteDependencies
}

// NewWritesHandler creates a new writes handler.
func NewWritesHandler(deps WriteDependencies) *WritesHandler {
	return &WritesHandler{deps: deps}
}

// HandlePutResource handles PUT /resources/{id} requests.
func (h *WritesHandler) HandlePutResource(w http.ResponseWriter, r *http.Request) {
	const op = "api.put_resource"
	var req resourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, WrapKind(op, ErrBadRequest, err))
		return
	}
	res, err := h.deps.UpsertResource(r.Context(), model.Resource{
		ID:            mux.Vars(r)["id"],
		ResourceType:  req.ResourceType,
		Availability:  model.Availability(req.Availability),
		CapacityScore: req.CapacityScore,
	})
	if err != nil {
		writeFailure(w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandlePostLog handles POST /logs requests.
func (h *WritesHandler) HandlePostLog(w http.ResponseWriter, r *http.Request) {
	const op = "api.post_log"
	var req logRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, WrapKind(op, ErrBadRequest, err))
		return
	}
	l, err := h.deps.SaveLog(r.Context(), model.OutreachLog{GridID: req.GridID, Action: req.Action, Outcome: req.Outcome})
	if err != nil {
		writeFailure(w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

// HandleRecompute handles POST /recompute requests. It blocks until every
// cell and the metrics are recomputed.
func (h *WritesHandler) HandleRecompute(w http.ResponseWriter, r *http.Request) {
	const op = "api.recompute"
	if err := h.deps.Recompute(r.Context()); err != nil {
		writeFailure(w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

// HandleResetSeed handles POST /seed/reset requests.
func (h *WritesHandler) HandleResetSeed(w http.ResponseWriter, r *http.Request) {
	const op = "api.reset_seed"
	snap, err := h.deps.ResetSeed(r.Context())
	if err != nil {
		writeFailure(w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, snap.Masked())
}

// HandleResume handles POST /mirror/resume requests.
func (h *WritesHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	const op = "api.resume"
	snap, err := h.deps.ResumeLive(r.Context())
	if err != nil {
		writeFailure(w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, snap.Masked())
}
