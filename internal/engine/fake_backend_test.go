package engine

import (
	"context"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/turnstream/internal/domain"
	"github.com/ashureev/turnstream/internal/protocol"
	"github.com/stretchr/testify/require"
)

// script is what the fake backend streams for one turn. With hold set the
// stream blocks after its events until the turn is cancelled.
type script struct {
	events []protocol.Event
	err    error
	hold   bool
	// reached is closed once every event has been consumed.
	reached chan struct{}
	// late is yielded after a held stream is cancelled, once release (if
	// set) is closed, the way a backend flushes buffered events.
	late    []protocol.Event
	release chan struct{}
}

type approvalCall struct {
	SessionID string
	RequestID string
	Decision  domain.Decision
}

type planCall struct {
	SessionID string
	PlanID    string
	Decision  domain.PlanDecision
}

type fakeBackend struct {
	mu            sync.Mutex
	scripts       map[string][]*script
	approvals     []approvalCall
	planApprovals []planCall
	approvalErr   error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{scripts: make(map[string][]*script)}
}

func (f *fakeBackend) queue(sessionID string, s *script) *script {
	if s.reached == nil {
		s.reached = make(chan struct{})
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[sessionID] = append(f.scripts[sessionID], s)
	return s
}

func (f *fakeBackend) next(sessionID string) *script {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.scripts[sessionID]
	if len(q) == 0 {
		return &script{events: []protocol.Event{protocol.Done{}}, reached: make(chan struct{})}
	}
	f.scripts[sessionID] = q[1:]
	return q[0]
}

func (f *fakeBackend) Stream(ctx context.Context, sessionID, _ string) iter.Seq2[protocol.Event, error] {
	s := f.next(sessionID)
	return func(yield func(protocol.Event, error) bool) {
		defer func() {
			select {
			case <-s.reached:
			default:
				close(s.reached)
			}
		}()
		for _, ev := range s.events {
			if ctx.Err() != nil {
				yield(nil, ctx.Err())
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
		if s.err != nil {
			yield(nil, s.err)
			return
		}
		if s.hold {
			close(s.reached)
			<-ctx.Done()
			if s.release != nil {
				<-s.release
			}
			for _, ev := range s.late {
				if !yield(ev, nil) {
					return
				}
			}
			yield(nil, ctx.Err())
		}
	}
}

func (f *fakeBackend) SubmitApproval(_ context.Context, sessionID, requestID string, d domain.Decision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approvals = append(f.approvals, approvalCall{SessionID: sessionID, RequestID: requestID, Decision: d})
	return f.approvalErr
}

func (f *fakeBackend) SubmitPlanApproval(_ context.Context, sessionID, planID string, d domain.PlanDecision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.planApprovals = append(f.planApprovals, planCall{SessionID: sessionID, PlanID: planID, Decision: d})
	return f.approvalErr
}

func (f *fakeBackend) approvalCalls() []approvalCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]approvalCall(nil), f.approvals...)
}

type fakeHistory struct {
	hist  *domain.History
	err   error
	calls int
}

func (f *fakeHistory) History(context.Context, string) (*domain.History, error) {
	f.calls++
	return f.hist, f.err
}

// stepClock returns a clock that advances one second per reading.
func stepClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func newTestEngine(t *testing.T, backend *fakeBackend, opts ...func(*Config)) *Engine {
	t.Helper()
	cfg := Config{Backend: backend, Diagnostics: true, Now: stepClock()}
	for _, opt := range opts {
		opt(&cfg)
	}
	e, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	return e
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel")
	}
}

func lastAssistant(t *testing.T, s domain.Session) domain.Message {
	t.Helper()
	msg, ok := s.LastMessage()
	require.True(t, ok, "transcript is empty")
	require.Equal(t, domain.RoleAssistant, msg.Role)
	return msg
}

func strptr(s string) *string { return &s }
