package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ashureev/turnstream/internal/domain"
	"github.com/go-chi/chi/v5"
)

// Stream serves a session's snapshots as Server-Sent Events. Every event is
// a full snapshot whose id is the session version; a client that reconnects
// with a Last-Event-ID equal to the current version skips the initial frame.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before hydration so no version is missed in between.
	f := newFeed(h.engine, id)
	defer f.Close()
	snap := h.engine.Load(r.Context(), id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "retry: %d\n\n", h.opts.RetryDelay.Milliseconds())
	if r.Header.Get("Last-Event-ID") != fmt.Sprint(snap.Version) {
		if err := writeSnapshot(w, snap); err != nil {
			return
		}
	}
	sent := snap.Version
	flusher.Flush()

	ticker := time.NewTicker(h.opts.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := writeSSE(w, "ping", map[string]string{"status": "alive"}); err != nil {
				return
			}
			flusher.Flush()
		case <-f.Ready():
			s, removed := f.next()
			if s != nil && s.Version > sent {
				if err := writeSnapshot(w, *s); err != nil {
					return
				}
				sent = s.Version
			}
			if removed {
				_ = writeSSE(w, "removed", map[string]string{"session_id": id})
				flusher.Flush()
				return
			}
			flusher.Flush()
		}
	}
}

func writeSnapshot(w http.ResponseWriter, s domain.Session) error {
	return writeSSEWithID(w, "snapshot", fmt.Sprint(s.Version), s)
}

func writeSSE(w http.ResponseWriter, event string, data interface{}) error {
	return writeSSEWithID(w, event, "", data)
}

func writeSSEWithID(w http.ResponseWriter, event, id string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
	return err
}
