package api

import (
	"context"
	"iter"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/turnstream/internal/domain"
	"github.com/ashureev/turnstream/internal/engine"
	"github.com/ashureev/turnstream/internal/protocol"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

// stubBackend streams the same events for every turn. With hold set each
// stream blocks after its events until the turn is cancelled.
type stubBackend struct {
	mu        sync.Mutex
	events    []protocol.Event
	hold      bool
	approvals []string
	plans     []string
}

func (b *stubBackend) Stream(ctx context.Context, _, _ string) iter.Seq2[protocol.Event, error] {
	b.mu.Lock()
	events, hold := b.events, b.hold
	b.mu.Unlock()
	return func(yield func(protocol.Event, error) bool) {
		for _, ev := range events {
			if !yield(ev, nil) {
				return
			}
		}
		if hold {
			<-ctx.Done()
			yield(nil, ctx.Err())
		}
	}
}

func (b *stubBackend) SubmitApproval(_ context.Context, _, requestID string, _ domain.Decision) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.approvals = append(b.approvals, requestID)
	return nil
}

func (b *stubBackend) SubmitPlanApproval(_ context.Context, _, planID string, _ domain.PlanDecision) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.plans = append(b.plans, planID)
	return nil
}

func newTestServer(t *testing.T, backend *stubBackend, opts Options) (*httptest.Server, *engine.Engine) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	e, err := engine.New(engine.Config{Backend: backend, Diagnostics: true, Logger: logger})
	require.NoError(t, err)

	h := NewHandler(e, opts, logger)
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	srv := httptest.NewServer(r)

	t.Cleanup(func() {
		h.Close()
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	return srv, e
}

func waitSettled(t *testing.T, e *engine.Engine, sessionID string) domain.Session {
	t.Helper()
	require.Eventually(t, func() bool {
		return !e.Streaming(sessionID)
	}, 2*time.Second, 5*time.Millisecond)
	return e.Get(sessionID)
}
