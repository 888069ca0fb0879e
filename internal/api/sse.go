package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"zerostream/internal/hub"
)

// heartbeatInterval paces SSE comment lines so dead connections are
// noticed even when the stream is quiet.
const heartbeatInterval = 15 * time.Second

// serveSSE attaches the client to the hub and relays messages as
// server-sent events until the client disconnects or is evicted.
func serveSSE(w http.ResponseWriter, r *http.Request, h *hub.Hub, class hub.Class, connID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sub, err := h.Subscribe(class, connID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case msg, ok := <-sub.C():
			if !ok {
				// Evicted by the hub.
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.MessageType(), data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
