package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ashureev/turnstream/internal/domain"
	"github.com/ashureev/turnstream/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEvents(t *testing.T, w http.ResponseWriter, events ...protocol.Event) {
	t.Helper()
	w.Header().Set("Content-Type", "text/event-stream")
	for _, ev := range events {
		data, err := protocol.Marshal(ev)
		require.NoError(t, err)
		_, err = fmt.Fprintf(w, "data: %s\n\n", data)
		require.NoError(t, err)
	}
}

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(ClientConfig{BaseURL: srv.URL + "/", RequestTimeout: 2 * time.Second}, nil)
	require.NoError(t, err)
	return c
}

func TestClientStreamDecodesEvents(t *testing.T) {
	var got StreamRequest
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/chat/stream", r.URL.Path)
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeEvents(t, w,
			protocol.Token{Content: "Hi"},
			protocol.ToolStart{Tool: "ls", Input: "."},
			protocol.Done{},
		)
	}))

	var events []protocol.Event
	for ev, err := range c.Stream(context.Background(), "s1", "hello") {
		require.NoError(t, err)
		events = append(events, ev)
	}

	assert.Equal(t, StreamRequest{SessionID: "s1", Message: "hello"}, got)
	assert.Equal(t, []protocol.Event{
		protocol.Token{Content: "Hi"},
		protocol.ToolStart{Tool: "ls", Input: "."},
		protocol.Done{},
	}, events)
}

func TestClientStreamReportsErrorStatus(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"model overloaded"}`))
	}))

	var errs []error
	for ev, err := range c.Stream(context.Background(), "s1", "hello") {
		assert.Nil(t, ev)
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrBackendStatus)
	assert.Contains(t, errs[0].Error(), "model overloaded")
}

func TestClientStreamStopsOnCancel(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEvents(t, w, protocol.Token{Content: "partial"})
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var tokens int
	var lastErr error
	for ev, err := range c.Stream(ctx, "s1", "hello") {
		if err != nil {
			lastErr = err
			break
		}
		tokens++
		assert.Equal(t, protocol.Token{Content: "partial"}, ev)
		cancel()
	}
	assert.Equal(t, 1, tokens)
	assert.ErrorIs(t, lastErr, context.Canceled)
}

func TestClientSubmitsDecisions(t *testing.T) {
	var approval ApprovalRequest
	var plan PlanApprovalRequest
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/approvals/{id}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "r1", r.PathValue("id"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&approval))
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /api/plans/{id}/approval", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "p1", r.PathValue("id"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&plan))
		w.WriteHeader(http.StatusOK)
	})
	c := newTestClient(t, mux)

	ctx := context.Background()
	require.NoError(t, c.SubmitApproval(ctx, "s1", "r1", domain.Decision{Approved: true, AllowForSession: true}))
	require.NoError(t, c.SubmitPlanApproval(ctx, "s1", "p1", domain.PlanDecision{Approved: false, Feedback: "too long"}))

	assert.Equal(t, ApprovalRequest{SessionID: "s1", Approved: true, AllowForSession: true}, approval)
	assert.Equal(t, PlanApprovalRequest{SessionID: "s1", Approved: false, Feedback: "too long"}, plan)
}

func TestClientSubmitApprovalError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"detail":"request expired"}`))
	}))

	err := c.SubmitApproval(context.Background(), "s1", "r1", domain.Decision{Approved: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBackendStatus)
	assert.Contains(t, err.Error(), "request expired")
}

func TestClientHistory(t *testing.T) {
	hist := domain.History{
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: "hi"},
			{Role: domain.RoleAssistant, Content: "hello", Segments: []domain.Segment{domain.TextSegment{Content: "hello"}}},
		},
		DebugLedger: domain.Ledger{domain.DividerEntry{UserMessage: "hi"}},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sessions/{id}/history", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "s1" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(hist))
	})
	c := newTestClient(t, mux)

	got, err := c.History(context.Background(), "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, hist.Messages, got.Messages)
	assert.Equal(t, hist.DebugLedger, got.DebugLedger)

	missing, err := c.History(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient(ClientConfig{}, nil)
	assert.Error(t, err)
}
