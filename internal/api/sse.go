package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/micro-nova/streamrestore-go/internal/models"
)

// sseEvents handles the SSE (Server-Sent Events) endpoint.
// Clients receive the daemon info immediately, then store events as they
// happen. With ping=true the client is also pinged on every save.
func (h *Handlers) sseEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	ping := false
	if s := r.URL.Query().Get("ping"); s != "" {
		var err error
		if ping, err = strconv.ParseBool(s); err != nil {
			writeError(w, models.ErrBadRequest("invalid ping parameter"))
			return
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	id := uuid.New().String()
	ch := h.events.Subscribe(id)
	defer h.events.Unsubscribe(id)
	if ping {
		h.entries.Subscribe(id, true)
		defer h.entries.Disconnect(id)
	}
	h.logger.Debugw("event client connected", "client", id, "ping", ping)

	sendSSE(w, flusher, "info", h.info())

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			sendSSE(w, flusher, string(ev.Kind), ev)
		case <-r.Context().Done():
			h.logger.Debugw("event client disconnected", "client", id)
			return
		}
	}
}

func sendSSE(w http.ResponseWriter, flusher http.Flusher, event string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}
