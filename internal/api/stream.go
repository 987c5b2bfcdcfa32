package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"example.com/activitysync/internal/jobs"
)

// streamJob upgrades to a websocket and pushes the status view each time it
// changes. The connection is closed normally once the job is terminal.
func (h *Handler) streamJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("progress stream upgrade failed", slog.String("job_id", job.ID), slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	// The client never sends; CloseRead handles its close frame.
	ctx := conn.CloseRead(r.Context())

	ticker := time.NewTicker(h.streamInterval)
	defer ticker.Stop()

	var last []byte
	for {
		view := jobs.NewStatusView(job)
		raw, err := json.Marshal(view)
		if err != nil {
			conn.Close(websocket.StatusInternalError, "encode status")
			return
		}
		if !bytes.Equal(raw, last) {
			if err := writeFrame(ctx, conn, raw); err != nil {
				return
			}
			last = raw
		}
		if view.Terminal() {
			conn.Close(websocket.StatusNormalClosure, string(view.State))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		job, err = h.tracker.Job(ctx, job.ID)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				h.logger.Error("progress stream reload", slog.String("error", err.Error()))
				conn.Close(websocket.StatusInternalError, "status unavailable")
			}
			return
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, raw []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, raw)
}
