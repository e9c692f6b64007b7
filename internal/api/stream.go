package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jpoore/twotruths/internal/broadcast"
	"github.com/jpoore/twotruths/internal/identity"
)

// HandleStream handles GET /api/game_stream: the per-session SSE push
// channel. Connecting replays the stored round if one exists; otherwise a
// generation is triggered so the client gets content without further action.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := identity.SessionIDFromContext(r.Context())
	if sessionID == "" {
		Error(w, http.StatusUnauthorized, "no session")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable buffering in nginx/proxies

	events, cancel, err := h.bc.Subscribe(r.Context(), sessionID)
	if err != nil {
		slog.Error("failed to subscribe session stream", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to open stream")
		return
	}
	defer cancel()

	if err := writeEvent(w, broadcast.Event{Type: broadcast.EventConnected, Message: "Connection established"}); err != nil {
		slog.Warn("failed to write connected event", "session_id", sessionID, "error", err)
		return
	}
	flusher.Flush()

	slog.Info("game stream connected", "session_id", sessionID)

	keepalive := time.NewTicker(h.cfg.SSE.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			slog.Info("game stream disconnected", "session_id", sessionID)
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				slog.Warn("failed to write keep-alive", "session_id", sessionID, "error", err)
				return
			}
			flusher.Flush()
		case ev := <-events:
			if err := writeEvent(w, ev); err != nil {
				slog.Warn("failed to write stream event", "session_id", sessionID, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

// writeEvent writes one SSE data message: "data: {json}\n\n".
func writeEvent(w http.ResponseWriter, ev broadcast.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// HandleTrigger handles GET /api/trigger_new_round: transition the session
// out of idle. The acknowledgement covers triggering only; the generation
// result arrives later on the push channel.
func (h *Handler) HandleTrigger(w http.ResponseWriter, r *http.Request) {
	sessionID := identity.SessionIDFromContext(r.Context())
	if sessionID == "" {
		Error(w, http.StatusUnauthorized, "no session")
		return
	}

	if h.bc.Trigger(sessionID) {
		JSON(w, http.StatusOK, map[string]string{"message": "New round generation triggered"})
		return
	}
	JSON(w, http.StatusAccepted, map[string]string{"message": "New round generation already in progress"})
}
