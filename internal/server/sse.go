package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// streamEvents pushes the project's bus events to the client as SSE. The
// subscription starts at attach time; earlier events are not replayed. A
// client that stops reading is disconnected by the bus rather than allowed
// to stall publishers.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, projectID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch, cancel := s.bus.Subscribe(projectID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx proxy compatibility
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.logger.Debug("event stream attached", zap.String("projectId", projectID))

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				// Bus closed, or this subscriber fell too far behind and
				// was dropped.
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warn("encoding event", zap.String("event", ev.Event), zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: %s\n", ev.Event)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		case <-heartbeat.C:
			// Comment line keeps intermediaries from timing out idle streams.
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}
