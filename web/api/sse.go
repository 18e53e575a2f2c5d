package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ericvicenti/botical-sub001/internal/events"
)

const sseHeartbeat = 15 * time.Second

func writeSSE(w io.Writer, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
	return err
}

// sseHandler streams hub events as server-sent events. ?process=ID narrows
// the stream to one process. The stream ends when the client goes away or
// the hub drops it for falling behind.
func (s *Server) sseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming not supported")
			return
		}

		sub := s.hub.Subscribe(r.URL.Query().Get("process"))
		defer sub.Close()

		h := w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		heartbeat := time.NewTicker(sseHeartbeat)
		defer heartbeat.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-heartbeat.C:
				if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
					return
				}
			case e, ok := <-sub.C:
				if !ok {
					return
				}
				if err := writeSSE(w, e); err != nil {
					s.logger.Debugw("sse write failed", "error", err)
					return
				}
			}
			flusher.Flush()
		}
	}
}
