// ABOUTME: Server-sent event stream of registry lifecycle events
// ABOUTME: Each client gets its own bounded subscription; slow clients lose the oldest events

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/2389/caprouter/internal/registry"
)

// handleEvents streams registry events until the client goes away or the
// broadcaster closes.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sub := g.events.Subscribe(r.Context())
	logger := g.logger.With("sub_id", sub.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	g.writeSSEEvent(w, "connected", map[string]string{"subscription": sub.ID})
	flusher.Flush()
	logger.Debug("event stream opened", "remote_addr", r.RemoteAddr)

	for {
		select {
		case <-r.Context().Done():
			logger.Debug("event stream closed by client", "dropped", sub.Dropped())
			return
		case ev, ok := <-sub.C:
			if !ok {
				logger.Debug("event stream ended", "dropped", sub.Dropped())
				return
			}
			g.writeSSEEvent(w, sseEventName(ev.Type), ev)
			flusher.Flush()
		}
	}
}

func sseEventName(t registry.EventType) string {
	return strings.ToLower(string(t))
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\n", event)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}
