// Package api exposes the session engine over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/turnstream/internal/engine"
	"github.com/go-chi/chi/v5"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

// Options tunes the HTTP surface.
type Options struct {
	KeepaliveInterval  time.Duration
	RetryDelay         time.Duration
	MaxRequestBodySize int64
	SendsPerMinute     int
	SendBurst          int
	// AllowedOrigins is matched against WebSocket Origin headers; "*" or
	// Dev accepts any origin.
	AllowedOrigins []string
	Dev            bool
}

// Handler serves the session API.
type Handler struct {
	engine  *engine.Engine
	limiter *sendLimiter
	conns   *connManager
	opts    Options
	logger  *slog.Logger
}

// NewHandler creates a Handler over e.
func NewHandler(e *engine.Engine, opts Options, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = 10 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	if opts.MaxRequestBodySize <= 0 {
		opts.MaxRequestBodySize = defaultMaxRequestBodySize
	}
	if opts.SendsPerMinute <= 0 {
		opts.SendsPerMinute = 10
	}
	if opts.SendBurst <= 0 {
		opts.SendBurst = 3
	}
	return &Handler{
		engine:  e,
		limiter: newSendLimiter(opts.SendsPerMinute, opts.SendBurst),
		conns:   newConnManager(logger),
		opts:    opts,
		logger:  logger,
	}
}

// RegisterRoutes registers the session routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/sessions", h.ListSessions)
		r.Get("/diagnostics", h.GetDiagnostics)
		r.Post("/diagnostics", h.SetDiagnostics)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Delete("/", h.DeleteSession)
			r.Post("/messages", h.SendMessage)
			r.Post("/abort", h.Abort)
			r.Post("/approvals/{requestID}", h.ResolveApproval)
			r.Post("/plan-approval", h.ResolvePlanApproval)
			r.Post("/allowed-tools", h.AllowTool)
			r.Delete("/ledger", h.ClearLedger)
			r.Get("/events", h.Stream)
		})
	})
	r.Get("/ws/sessions/{id}", h.ServeWebSocket)
}

// Close disconnects WebSocket watchers and releases handler resources.
func (h *Handler) Close() {
	h.conns.CloseAll()
	h.limiter.Close()
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrTurnInFlight),
		errors.Is(err, engine.ErrNoPendingApproval),
		errors.Is(err, engine.ErrRequestMismatch):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

// decodeBody reads a size-limited JSON body into v and writes the error
// response itself when it fails.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
