package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/axiston/convosync/internal/auth"
	"github.com/rs/zerolog/log"
)

// pingInterval and streamTTL bound the events stream: periodic keep-alive
// and a forced disconnect so external authorization gates re-apply on
// reconnect.
const (
	pingInterval = 25 * time.Second
	streamTTL    = 60 * time.Second
)

// changedEvent is the conversation_changed payload.
type changedEvent struct {
	ConversationID string `json:"conversationId"`
	Revision       uint64 `json:"revision"`
	Deleted        bool   `json:"deleted"`
}

// Events handles GET /sync/events: the per-user realtime channel, an
// http.Flusher-based SSE stream writer built around a notifier.Notifier
// subscription.
func (s *Server) Events(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorCode(w, r, http.StatusInternalServerError, "server_error", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store, no-transform")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fmt.Fprint(w, "retry: 3000\n\n")
	flusher.Flush()

	ch, cancel := s.Notifier.Subscribe(userID)
	defer cancel()

	writeEvent(w, "ready", map[string]any{})
	flusher.Flush()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	ttl := time.NewTimer(streamTTL)
	defer ttl.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return

		case <-ttl.C:
			writeEvent(w, "close", map[string]any{"reason": "ttl"})
			flusher.Flush()
			return

		case <-ping.C:
			writeEvent(w, "ping", map[string]any{})
			flusher.Flush()

		case evt, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, "conversation_changed", changedEvent{
				ConversationID: evt.ConversationID,
				Revision:       evt.Revision,
				Deleted:        evt.Deleted,
			})
			flusher.Flush()
		}
	}
}

// writeEvent writes one SSE record: "event: <name>\ndata: <json>\n\n".
func writeEvent(w http.ResponseWriter, name string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("event", name).Msg("events: failed to marshal payload")
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
}
