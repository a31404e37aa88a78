package engine

import (
	"context"
	"fmt"
	"maps"

	"github.com/ashureev/turnstream/internal/domain"
	"github.com/ashureev/turnstream/internal/protocol"
)

// handleApprovalRequest auto-approves allow-listed tools and otherwise
// installs the request in the session's single pending slot.
func (e *Engine) handleApprovalRequest(ctx context.Context, t *turn, ev protocol.ApprovalRequest) {
	sessionID := t.sessionID
	snap, ok := e.registry.Lookup(sessionID)
	if !ok || snap.TurnID != t.handle.id {
		return
	}
	if snap.ToolAllowed(ev.Tool) {
		e.logger.Info("auto-approving allow-listed tool",
			"session_id", sessionID,
			"request_id", ev.RequestID,
			"tool", ev.Tool,
		)
		if err := e.backend.SubmitApproval(ctx, sessionID, ev.RequestID, domain.Decision{Approved: true}); err != nil {
			e.logger.Warn("failed to deliver auto-approval",
				"session_id", sessionID,
				"request_id", ev.RequestID,
				"error", err,
			)
		}
		return
	}

	e.updateTurn(t, func(s *domain.Session) {
		s.ApprovalRequest = &domain.ApprovalRequest{
			RequestID: ev.RequestID,
			Tool:      ev.Tool,
			Input:     ev.Input,
			RiskLevel: ev.RiskLevel,
		}
	})
}

// ResolveApproval answers the pending tool approval. The slot is cleared
// before the decision is delivered; a delivery failure is logged and
// returned but does not restore the request. Approving with
// AllowForSession adds the tool to the session allow-list.
func (e *Engine) ResolveApproval(ctx context.Context, sessionID, requestID string, d domain.Decision) error {
	var pending *domain.ApprovalRequest
	var resolveErr error
	e.registry.UpdateIf(sessionID, func(s *domain.Session) bool {
		switch {
		case s.ApprovalRequest == nil:
			resolveErr = ErrNoPendingApproval
			return false
		case requestID != "" && s.ApprovalRequest.RequestID != requestID:
			resolveErr = ErrRequestMismatch
			return false
		}
		pending = s.ApprovalRequest
		s.ApprovalRequest = nil
		if d.Approved && d.AllowForSession {
			allowed := maps.Clone(s.AllowedTools)
			if allowed == nil {
				allowed = make(map[string]bool)
			}
			allowed[pending.Tool] = true
			s.AllowedTools = allowed
		}
		return true
	})
	if pending == nil {
		if resolveErr == nil {
			resolveErr = ErrNoPendingApproval
		}
		return resolveErr
	}

	e.logger.Info("approval resolved",
		"session_id", sessionID,
		"request_id", pending.RequestID,
		"tool", pending.Tool,
		"approved", d.Approved,
		"allow_for_session", d.AllowForSession,
	)
	if err := e.backend.SubmitApproval(ctx, sessionID, pending.RequestID, d); err != nil {
		e.logger.Warn("failed to deliver approval decision", "session_id", sessionID, "request_id", pending.RequestID, "error", err)
		return fmt.Errorf("deliver approval %s: %w", pending.RequestID, err)
	}
	return nil
}

// ResolvePlanApproval answers the pending plan approval. It never touches
// the tool approval slot.
func (e *Engine) ResolvePlanApproval(ctx context.Context, sessionID string, d domain.PlanDecision) error {
	var pending *domain.PlanApprovalRequest
	e.registry.UpdateIf(sessionID, func(s *domain.Session) bool {
		if s.PlanApprovalRequest == nil {
			return false
		}
		pending = s.PlanApprovalRequest
		s.PlanApprovalRequest = nil
		return true
	})
	if pending == nil {
		return ErrNoPendingApproval
	}

	e.logger.Info("plan approval resolved", "session_id", sessionID, "plan_id", pending.PlanID, "approved", d.Approved)
	if err := e.backend.SubmitPlanApproval(ctx, sessionID, pending.PlanID, d); err != nil {
		e.logger.Warn("failed to deliver plan decision", "session_id", sessionID, "plan_id", pending.PlanID, "error", err)
		return fmt.Errorf("deliver plan decision %s: %w", pending.PlanID, err)
	}
	return nil
}

// AllowTool adds tool to the session allow-list.
func (e *Engine) AllowTool(sessionID, tool string) {
	e.registry.Get(sessionID)
	e.registry.UpdateIf(sessionID, func(s *domain.Session) bool {
		if s.AllowedTools[tool] {
			return false
		}
		allowed := maps.Clone(s.AllowedTools)
		if allowed == nil {
			allowed = make(map[string]bool)
		}
		allowed[tool] = true
		s.AllowedTools = allowed
		return true
	})
}
