package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/ashureev/turnstream/internal/domain"
	"github.com/ashureev/turnstream/internal/engine"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

const wsWriteTimeout = 5 * time.Second

// wsMessage is a client command.
type wsMessage struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// wsFrame is a server frame.
type wsFrame struct {
	Type    string          `json:"type"`
	Session *domain.Session `json:"session,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ServeWebSocket pushes a session's snapshots over a WebSocket and accepts
// send, abort and ping commands from the client.
func (h *Handler) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h.logger.Info("websocket connection request", "session_id", id, "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		Error(w, http.StatusForbidden, "origin not allowed")
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("failed to accept websocket", "error", err, "session_id", id)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "feed ended"); closeErr != nil {
			h.logger.Debug("failed to close websocket", "error", closeErr, "session_id", id)
		}
	}()

	h.conns.Register(id, ws)
	defer h.conns.Unregister(id, ws)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	f := newFeed(h.engine, id)
	defer f.Close()
	snap := h.engine.Load(ctx, id)
	if err := h.writeFrame(ctx, ws, wsFrame{Type: "snapshot", Session: &snap}); err != nil {
		return
	}

	go func() {
		defer cancel()
		h.readLoop(ctx, ws, id)
	}()

	sent := snap.Version
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.Ready():
			s, removed := f.next()
			if s != nil && s.Version > sent {
				if err := h.writeFrame(ctx, ws, wsFrame{Type: "snapshot", Session: s}); err != nil {
					return
				}
				sent = s.Version
			}
			if removed {
				_ = h.writeFrame(ctx, ws, wsFrame{Type: "removed"})
				return
			}
		}
	}
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, sessionID string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				h.logger.Debug("websocket closed by client", "session_id", sessionID)
			} else {
				h.logger.Warn("websocket read error", "error", err, "session_id", sessionID)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = h.writeFrame(ctx, ws, wsFrame{Type: "error", Error: "invalid message"})
			continue
		}

		switch msg.Type {
		case "ping":
			_ = h.writeFrame(ctx, ws, wsFrame{Type: "pong"})
		case "abort":
			h.engine.Abort(sessionID)
		case "send":
			if h.engine.Streaming(sessionID) {
				_ = h.writeFrame(ctx, ws, wsFrame{Type: "error", Error: engine.ErrTurnInFlight.Error()})
				continue
			}
			if !h.limiter.Allow(sessionID) {
				_ = h.writeFrame(ctx, ws, wsFrame{Type: "error", Error: "rate limit exceeded"})
				continue
			}
			if _, err := h.engine.Start(context.WithoutCancel(ctx), sessionID, msg.Message); err != nil {
				_ = h.writeFrame(ctx, ws, wsFrame{Type: "error", Error: err.Error()})
			}
		default:
			_ = h.writeFrame(ctx, ws, wsFrame{Type: "error", Error: "unknown message type"})
		}
	}
}

func (h *Handler) writeFrame(ctx context.Context, ws *websocket.Conn, frame wsFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.opts.Dev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.opts.AllowedOrigins) == 0 || slices.Contains(h.opts.AllowedOrigins, "*") {
		return true
	}
	if slices.Contains(h.opts.AllowedOrigins, origin) {
		return true
	}
	h.logger.Warn("websocket origin rejected", "origin", origin)
	return false
}
