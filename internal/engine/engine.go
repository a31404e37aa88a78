// Package engine rebuilds structured conversation turns from the event
// streams of a remote agent. It multiplexes any number of sessions, each
// with at most one turn in flight, its own cancellation, plan state,
// approval gates and diagnostic ledger.
package engine

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/turnstream/internal/domain"
	"github.com/ashureev/turnstream/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrTurnInFlight is returned by Start when the session is already
	// streaming. Nothing changes in that case.
	ErrTurnInFlight = errors.New("turn already in flight")
	// ErrEmptyMessage is returned by Start for a blank message.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrNoPendingApproval is returned when resolving an empty approval slot.
	ErrNoPendingApproval = errors.New("no pending approval")
	// ErrRequestMismatch is returned when the pending approval has another id.
	ErrRequestMismatch = errors.New("approval request id does not match")
	// ErrSessionNotFound is returned for operations on unknown sessions.
	ErrSessionNotFound = errors.New("session not found")
)

// Backend is the agent service the engine talks to.
type Backend interface {
	// Stream opens one turn and yields its events in arrival order. Iteration
	// stops when the turn ends; a non-nil error ends it early.
	Stream(ctx context.Context, sessionID, message string) iter.Seq2[protocol.Event, error]
	// SubmitApproval delivers a tool approval decision.
	SubmitApproval(ctx context.Context, sessionID, requestID string, d domain.Decision) error
	// SubmitPlanApproval delivers a plan approval decision.
	SubmitPlanApproval(ctx context.Context, sessionID, planID string, d domain.PlanDecision) error
}

// HistoryLoader fetches persisted session history for lazy hydration.
type HistoryLoader interface {
	History(ctx context.Context, sessionID string) (*domain.History, error)
}

// Config configures an Engine.
type Config struct {
	Backend Backend
	// History hydrates sessions on first access. Nil disables hydration.
	History HistoryLoader
	// Diagnostics enables the ledger at startup.
	Diagnostics bool
	// PlanSettleDelay keeps a finished plan visible on the live session for
	// a while after the turn. Zero clears it during finalization.
	PlanSettleDelay time.Duration
	// DefaultAllowedTools seeds the allow-list of new sessions.
	DefaultAllowedTools []string
	// OnFirstMessage runs after the first turn of a session finalizes.
	OnFirstMessage func(sessionID, userMessage string)
	Logger         *slog.Logger
	Tracer         trace.Tracer
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// Engine coordinates sessions, their streams and their state.
type Engine struct {
	registry       *Registry
	backend        Backend
	history        HistoryLoader
	diagnostics    atomic.Bool
	settleDelay    time.Duration
	onFirstMessage func(sessionID, userMessage string)
	logger         *slog.Logger
	tracer         trace.Tracer
	now            func() time.Time

	turnMu sync.Mutex
	turns  map[string]*turnHandle
	wg     sync.WaitGroup
}

// turnHandle is the cancellation token of one in-flight turn.
type turnHandle struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an engine. Backend is required.
func New(cfg Config) (*Engine, error) {
	if cfg.Backend == nil {
		return nil, errors.New("engine: backend is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/ashureev/turnstream/internal/engine")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	e := &Engine{
		registry:       NewRegistry(cfg.DefaultAllowedTools),
		backend:        cfg.Backend,
		history:        cfg.History,
		settleDelay:    cfg.PlanSettleDelay,
		onFirstMessage: cfg.OnFirstMessage,
		logger:         cfg.Logger,
		tracer:         cfg.Tracer,
		now:            cfg.Now,
		turns:          make(map[string]*turnHandle),
	}
	e.diagnostics.Store(cfg.Diagnostics)
	return e, nil
}

// Get returns the snapshot of a session, creating it on first access.
func (e *Engine) Get(sessionID string) domain.Session {
	return e.registry.Get(sessionID)
}

// Sessions lists known session ids.
func (e *Engine) Sessions() []string {
	return e.registry.IDs()
}

// Subscribe registers l for every mutation of every session.
func (e *Engine) Subscribe(l Listener) (unsubscribe func()) {
	return e.registry.Subscribe(l)
}

// SetDiagnostics switches ledger recording on or off. It has no effect on
// transcripts or plans.
func (e *Engine) SetDiagnostics(enabled bool) {
	e.diagnostics.Store(enabled)
}

// Diagnostics reports whether the ledger is recorded.
func (e *Engine) Diagnostics() bool {
	return e.diagnostics.Load()
}

// Streaming reports whether sessionID has a turn in flight.
func (e *Engine) Streaming(sessionID string) bool {
	e.turnMu.Lock()
	defer e.turnMu.Unlock()
	_, ok := e.turns[sessionID]
	return ok
}

// Abort cancels the in-flight turn of sessionID. The turn still finalizes.
// It reports whether a turn was running.
func (e *Engine) Abort(sessionID string) bool {
	e.turnMu.Lock()
	h, ok := e.turns[sessionID]
	e.turnMu.Unlock()
	if !ok {
		return false
	}
	e.logger.Info("aborting turn", "session_id", sessionID, "turn_id", h.id)
	h.cancel()
	return true
}

// Remove cancels any in-flight turn and discards the session with its
// allow-list and ledger.
func (e *Engine) Remove(sessionID string) bool {
	e.Abort(sessionID)
	removed := e.registry.Delete(sessionID)
	if removed {
		e.logger.Info("session removed", "session_id", sessionID)
	}
	return removed
}

// ClearLedger empties the diagnostic ledger of a session.
func (e *Engine) ClearLedger(sessionID string) error {
	_, ok := e.registry.Update(sessionID, func(s *domain.Session) {
		s.DebugLedger = nil
	})
	if !ok {
		return ErrSessionNotFound
	}
	return nil
}

// Load hydrates a session from persisted history once. It does nothing
// while a turn is in flight or after a previous load. Fetch failures leave
// an empty transcript.
func (e *Engine) Load(ctx context.Context, sessionID string) domain.Session {
	snap := e.registry.Get(sessionID)
	if e.history == nil {
		return snap
	}
	snap, claimed := e.registry.UpdateIf(sessionID, func(s *domain.Session) bool {
		if s.Loaded || s.Loading || s.Streaming {
			return false
		}
		s.Loading = true
		return true
	})
	if !claimed {
		return snap
	}

	hist, err := e.history.History(ctx, sessionID)
	if err != nil {
		e.logger.Warn("failed to load session history", "session_id", sessionID, "error", err)
		hist = nil
	}
	snap, _ = e.registry.Update(sessionID, func(s *domain.Session) {
		s.Loading = false
		s.Loaded = true
		if hist == nil || s.Streaming || len(s.Messages) > 0 {
			return
		}
		s.Messages = hist.Messages
		s.DebugLedger = hist.DebugLedger
		s.Plan = hist.Plan.Clone()
	})
	return snap
}

// Close aborts every in-flight turn and waits for them to finalize or for
// ctx to end.
func (e *Engine) Close(ctx context.Context) error {
	e.turnMu.Lock()
	for _, h := range e.turns {
		h.cancel()
	}
	e.turnMu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
