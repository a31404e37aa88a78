package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/ashureev/turnstream/internal/domain"
	"github.com/ashureev/turnstream/internal/engine"
	"github.com/go-chi/chi/v5"
)

type sendRequest struct {
	Message string `json:"message"`
}

type allowToolRequest struct {
	Tool string `json:"tool"`
}

type diagnosticsRequest struct {
	Enabled bool `json:"enabled"`
}

// ListSessions returns the ids of known sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string][]string{"sessions": h.engine.Sessions()})
}

// GetSession returns the current snapshot, hydrating it from history on
// first access.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	JSON(w, http.StatusOK, h.engine.Load(r.Context(), id))
}

// SendMessage starts a turn. The turn outlives the request; progress is
// observed through the event feeds.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req sendRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		Error(w, http.StatusBadRequest, "message is required")
		return
	}
	if h.engine.Streaming(id) {
		Error(w, http.StatusConflict, engine.ErrTurnInFlight.Error())
		return
	}
	if !h.limiter.Allow(id) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	h.engine.Load(r.Context(), id)
	if _, err := h.engine.Start(context.WithoutCancel(r.Context()), id, req.Message); err != nil {
		Error(w, statusFor(err), err.Error())
		return
	}
	h.logger.Info("turn started", "session_id", id)
	JSON(w, http.StatusAccepted, map[string]string{"session_id": id, "status": "streaming"})
}

// Abort cancels the in-flight turn.
func (h *Handler) Abort(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	JSON(w, http.StatusOK, map[string]bool{"aborted": h.engine.Abort(id)})
}

// ResolveApproval answers the pending tool approval.
func (h *Handler) ResolveApproval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	requestID := chi.URLParam(r, "requestID")

	var d domain.Decision
	if !h.decodeBody(w, r, &d) {
		return
	}
	if err := h.engine.ResolveApproval(r.Context(), id, requestID, d); err != nil {
		Error(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResolvePlanApproval answers the pending plan approval.
func (h *Handler) ResolvePlanApproval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var d domain.PlanDecision
	if !h.decodeBody(w, r, &d) {
		return
	}
	if err := h.engine.ResolvePlanApproval(r.Context(), id, d); err != nil {
		Error(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AllowTool adds a tool to the session allow-list.
func (h *Handler) AllowTool(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req allowToolRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if req.Tool == "" {
		Error(w, http.StatusBadRequest, "tool is required")
		return
	}
	h.engine.AllowTool(id, req.Tool)
	JSON(w, http.StatusOK, map[string][]string{"allowed_tools": h.engine.Get(id).AllowedToolNames()})
}

// DeleteSession aborts and discards a session.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.engine.Remove(id) {
		Error(w, http.StatusNotFound, engine.ErrSessionNotFound.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearLedger empties the diagnostic ledger.
func (h *Handler) ClearLedger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.engine.ClearLedger(id); err != nil {
		if errors.Is(err, engine.ErrSessionNotFound) {
			Error(w, http.StatusNotFound, err.Error())
			return
		}
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetDiagnostics reports whether the ledger is recorded.
func (h *Handler) GetDiagnostics(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, diagnosticsRequest{Enabled: h.engine.Diagnostics()})
}

// SetDiagnostics switches ledger recording.
func (h *Handler) SetDiagnostics(w http.ResponseWriter, r *http.Request) {
	var req diagnosticsRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	h.engine.SetDiagnostics(req.Enabled)
	h.logger.Info("diagnostics toggled", "enabled", req.Enabled)
	JSON(w, http.StatusOK, req)
}
