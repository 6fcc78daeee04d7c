package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

// SnapshotHandler serves the derived state.
type SnapshotHandler struct {
	deps ReadDependencies
}

// NewSnapshotHandler creates a new snapshot handler.
func NewSnapshotHandler(deps ReadDependencies) *SnapshotHandler {
	return &SnapshotHandler{deps: deps}
}

// HandleGetSnapshot handles GET /snapshot[?view=public] requests.
func (h *SnapshotHandler) HandleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_snapshot"
	snap, err := h.deps.Snapshot(r.Context())
	if err != nil {
		writeFailure(w, Wrap(op, err))
		return
	}
	if publicView(r) {
		snap = snap.Masked()
	}
	writeJSON(w, http.StatusOK, snap)
}

// HandleGetCell handles GET /cells/{id}[?view=public] requests.
func (h *SnapshotHandler) HandleGetCell(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_cell"
	snap, err := h.deps.Snapshot(r.Context())
	if err != nil {
		writeFailure(w, Wrap(op, err))
		return
	}
	if publicView(r) {
		snap = snap.Masked()
	}
	cell, ok := snap.Cell(mux.Vars(r)["id"])
	if !ok {
		writeFailure(w, NewKind(op, ErrCellNotFound))
		return
	}
	writeJSON(w, http.StatusOK, cell)
}

// HandleGetGrid handles GET /grid requests.
func (h *SnapshotHandler) HandleGetGrid(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_grid"
	fc, err := h.deps.Grid()
	if err != nil {
		writeFailure(w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, fc)
}
