package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/okian/outreachops/pkg/logger"
	"github.com/okian/outreachops/pkg/metrics"
)

const streamWriteTimeout = 5 * time.Second

// StreamHandler pushes every snapshot to websocket clients.
type StreamHandler struct {
	deps StreamDependencies
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(deps StreamDependencies) *StreamHandler {
	return &StreamHandler{deps: deps}
}

// HandleStream handles GET /ws[?view=public]. The first message is the
// current snapshot; slow clients skip intermediate ones.
func (h *StreamHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	const op = "api.stream"
	snaps, detach, err := h.deps.Listen()
	if err != nil {
		writeFailure(w, Wrap(op, err))
		return
	}
	defer detach()

	// The server write timeout would otherwise cut long-lived streams.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		metrics.RecordErrorByComponent("api", "ws_accept")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream ended")

	public := publicView(r)
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case snap, ok := <-snaps:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if public {
				snap = snap.Masked()
			}
			wctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(wctx, conn, snap)
			cancel()
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					logger.Get().Named("api").Debug(ctx, "stream write failed", logger.Error(err))
				}
				return
			}
		}
	}
}
