package engine

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/ashureev/turnstream/internal/domain"
	"github.com/ashureev/turnstream/internal/protocol"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// InterruptedMarker is appended to the text of an aborted turn that had
// already produced text. A textless aborted turn that still has a plan or
// tool calls to report gets the marker without the leading blank line.
const InterruptedMarker = "\n\n[interrupted]"

// turn holds the ingestion-loop state of one send.
type turn struct {
	handle    *turnHandle
	sessionID string
	message   string
	first     bool
	events    int
}

// Send runs one turn to completion. If ctx ends first the turn is aborted
// and Send waits for its finalization.
func (e *Engine) Send(ctx context.Context, sessionID, message string) error {
	done, err := e.Start(ctx, sessionID, message)
	if err != nil {
		return err
	}
	select {
	case <-done:
	case <-ctx.Done():
		e.Abort(sessionID)
		<-done
	}
	return nil
}

// Start claims the session's single stream slot, records the user message
// and runs the turn in the background. The returned channel closes after
// finalization. The turn is not bound to ctx's cancellation; use Abort.
func (e *Engine) Start(ctx context.Context, sessionID, message string) (<-chan struct{}, error) {
	if strings.TrimSpace(message) == "" {
		return nil, ErrEmptyMessage
	}

	e.turnMu.Lock()
	if _, busy := e.turns[sessionID]; busy {
		e.turnMu.Unlock()
		return nil, ErrTurnInFlight
	}
	turnCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &turnHandle{id: uuid.NewString(), cancel: cancel, done: make(chan struct{})}
	e.turns[sessionID] = h
	e.wg.Add(1)
	e.turnMu.Unlock()

	t := &turn{handle: h, sessionID: sessionID, message: message}
	e.registry.Get(sessionID)
	e.registry.Update(sessionID, func(s *domain.Session) {
		t.first = len(s.Messages) == 0
		s.Messages = append(slices.Clip(s.Messages), domain.Message{Role: domain.RoleUser, Content: message})
		s.Streaming = true
		s.TurnID = h.id
		s.StreamingContent = ""
		s.StreamingSegments = nil
		s.Activity = ""
		s.Plan = nil
		s.ApprovalRequest = nil
		s.PlanApprovalRequest = nil
		if e.diagnostics.Load() {
			s.DebugLedger = appendEntry(s.DebugLedger, domain.DividerEntry{UserMessage: message})
		}
	})

	go func() {
		defer e.wg.Done()
		defer close(h.done)
		e.run(turnCtx, t)
	}()
	return h.done, nil
}

func (e *Engine) run(ctx context.Context, t *turn) {
	ctx, span := e.tracer.Start(ctx, "session.turn",
		trace.WithAttributes(
			attribute.String("session.id", t.sessionID),
			attribute.String("turn.id", t.handle.id),
		),
	)
	defer span.End()

	e.logger.Info("turn started", "session_id", t.sessionID, "turn_id", t.handle.id, "message_length", len(t.message))

	var streamErr error
	for ev, err := range e.backend.Stream(ctx, t.sessionID, t.message) {
		if err != nil {
			streamErr = err
			break
		}
		t.events++
		if _, done := ev.(protocol.Done); done {
			break
		}
		if ctx.Err() != nil {
			break
		}
		e.dispatch(ctx, t, ev)
	}

	aborted := ctx.Err() != nil
	if aborted || errors.Is(streamErr, context.Canceled) {
		aborted = true
		streamErr = nil
	}
	if streamErr != nil {
		e.logger.Error("turn stream failed", "session_id", t.sessionID, "turn_id", t.handle.id, "error", streamErr)
		span.RecordError(streamErr)
		span.SetStatus(codes.Error, streamErr.Error())
	}
	span.SetAttributes(attribute.Int("turn.events", t.events), attribute.Bool("turn.aborted", aborted))

	e.finalize(t, aborted, streamErr)
}

// dispatch routes one event to the component that owns it. Events are
// handled strictly in arrival order.
func (e *Engine) dispatch(ctx context.Context, t *turn, ev protocol.Event) {
	now := e.now()
	diag := e.diagnostics.Load()
	id := t.sessionID

	switch ev := ev.(type) {
	case protocol.Token:
		e.patchTurn(t, func(s *domain.Session) bool {
			if ev.Content == "" {
				return false
			}
			s.StreamingContent += ev.Content
			s.StreamingSegments = appendText(s.StreamingSegments, ev.Content)
			return true
		})

	case protocol.ToolStart:
		e.updateTurn(t, func(s *domain.Session) {
			s.StreamingSegments = openToolSegment(s.StreamingSegments, ev.Tool, ev.Input)
			if diag {
				s.DebugLedger = openToolEntry(s.DebugLedger, ev, now)
			}
		})

	case protocol.ToolEnd:
		e.patchTurn(t, func(s *domain.Session) bool {
			var segOK, entryOK bool
			s.StreamingSegments, segOK = resolveToolSegment(s.StreamingSegments, ev.Tool, ev.Output, ev.Cached, ev.Sandbox)
			if diag {
				s.DebugLedger, entryOK = closeToolEntry(s.DebugLedger, ev, now)
			}
			return segOK || entryOK
		})

	case protocol.LLMStart:
		e.updateTurn(t, func(s *domain.Session) {
			s.StreamingSegments = markModelPass(s.StreamingSegments)
			s.Activity = activityOf(ev)
			if diag {
				s.DebugLedger = openLLMEntry(s.DebugLedger, ev, now)
			}
		})

	case protocol.LLMEnd:
		e.updateTurn(t, func(s *domain.Session) {
			s.Activity = ""
			if diag {
				s.DebugLedger, _ = closeLLMEntry(s.DebugLedger, ev, now)
			}
		})

	case protocol.PlanCreated:
		e.updateTurn(t, func(s *domain.Session) {
			s.Plan = installPlan(ev.Plan)
		})

	case protocol.PlanUpdated:
		e.patchTurn(t, func(s *domain.Session) bool {
			next, ok := updateStep(s.Plan, ev)
			s.Plan = next
			return ok
		})

	case protocol.PlanRevised:
		e.patchTurn(t, func(s *domain.Session) bool {
			next, ok := revisePlan(s.Plan, ev)
			s.Plan = next
			return ok
		})

	case protocol.PlanApprovalRequest:
		e.updateTurn(t, func(s *domain.Session) {
			s.PlanApprovalRequest = &domain.PlanApprovalRequest{
				PlanID:    ev.PlanID,
				Plan:      ev.Plan.Clone(),
				CreatedAt: now,
			}
			if s.Plan == nil {
				s.Plan = installPlan(ev.Plan)
			}
		})

	case protocol.ApprovalRequest:
		e.handleApprovalRequest(ctx, t, ev)

	case protocol.Phase:
		if diag {
			e.updateTurn(t, func(s *domain.Session) {
				s.DebugLedger = appendEntry(s.DebugLedger, domain.PhaseEntry{
					Phase:       ev.Phase,
					Description: ev.Description,
					Items:       slices.Clone(ev.Items),
				})
			})
		}

	case protocol.Error:
		e.logger.Warn("agent reported error", "session_id", id, "turn_id", t.handle.id, "content", ev.Content)
		e.updateTurn(t, func(s *domain.Session) {
			appendInline(s, errorText(s.StreamingContent, ev.Content))
		})

	case protocol.Done:
		// Terminator; handled by the ingestion loop.

	default:
		e.logger.Debug("ignoring unhandled event", "session_id", id, "type", ev.Type())
	}
}

// patchTurn applies patch only while the session still belongs to t. A
// session removed and recreated during the turn no longer carries its id, so
// late events of the old turn are dropped.
func (e *Engine) patchTurn(t *turn, patch func(*domain.Session) bool) (domain.Session, bool) {
	return e.registry.UpdateIf(t.sessionID, func(s *domain.Session) bool {
		if s.TurnID != t.handle.id {
			return false
		}
		return patch(s)
	})
}

func (e *Engine) updateTurn(t *turn, patch func(*domain.Session)) (domain.Session, bool) {
	return e.patchTurn(t, func(s *domain.Session) bool {
		patch(s)
		return true
	})
}

func activityOf(ev protocol.LLMStart) string {
	if ev.Node != "" {
		return ev.Node
	}
	return ev.Model
}

func errorText(current, msg string) string {
	if current == "" {
		return "Error: " + msg
	}
	return "\n\nError: " + msg
}

// appendInline adds text to the live buffers keeping content and text
// segments in step.
func appendInline(s *domain.Session, text string) {
	s.StreamingContent += text
	s.StreamingSegments = appendText(s.StreamingSegments, text)
}

// finalize converts the live buffers into a permanent transcript entry and
// releases the session's stream slot.
func (e *Engine) finalize(t *turn, aborted bool, streamErr error) {
	var appended bool
	var planID string
	var clearLater bool
	_, ok := e.updateTurn(t, func(s *domain.Session) {
		if streamErr != nil {
			appendInline(s, errorText(s.StreamingContent, streamErr.Error()))
		}
		if aborted {
			switch {
			case s.StreamingContent != "":
				appendInline(s, InterruptedMarker)
			case s.Plan != nil || domain.HasToolCalls(s.StreamingSegments):
				appendInline(s, strings.TrimPrefix(InterruptedMarker, "\n\n"))
			}
		}

		plan := settlePlan(s.Plan)
		content, segs := s.StreamingContent, s.StreamingSegments
		if content != "" || domain.HasToolCalls(segs) || plan != nil {
			s.Messages = append(slices.Clip(s.Messages), domain.Message{
				Role:     domain.RoleAssistant,
				Content:  content,
				Segments: segs,
				Plan:     plan.Clone(),
			})
			appended = true
		}
		if plan != nil && e.settleDelay > 0 {
			s.Plan = plan
			planID = plan.PlanID
			clearLater = true
		} else {
			s.Plan = nil
		}

		s.Streaming = false
		s.TurnID = ""
		s.StreamingContent = ""
		s.StreamingSegments = nil
		s.Activity = ""
		s.ApprovalRequest = nil
		s.PlanApprovalRequest = nil
	})

	e.release(t)
	e.logger.Info("turn finalized",
		"session_id", t.sessionID,
		"turn_id", t.handle.id,
		"events", t.events,
		"aborted", aborted,
		"message_appended", appended,
	)
	if !ok {
		return
	}

	if clearLater {
		e.scheduleClearPlan(t.sessionID, planID)
	}
	if t.first && e.onFirstMessage != nil {
		e.onFirstMessage(t.sessionID, t.message)
	}
}

func (e *Engine) release(t *turn) {
	e.turnMu.Lock()
	if cur, ok := e.turns[t.sessionID]; ok && cur == t.handle {
		delete(e.turns, t.sessionID)
	}
	e.turnMu.Unlock()
	t.handle.cancel()
}

// scheduleClearPlan drops the settled plan from the live session after the
// settle delay unless a newer turn has replaced it.
func (e *Engine) scheduleClearPlan(sessionID, planID string) {
	time.AfterFunc(e.settleDelay, func() {
		e.registry.UpdateIf(sessionID, func(s *domain.Session) bool {
			if s.Streaming || s.Plan == nil || s.Plan.PlanID != planID {
				return false
			}
			s.Plan = nil
			return true
		})
	})
}
