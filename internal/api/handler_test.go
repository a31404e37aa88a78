package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/turnstream/internal/domain"
	"github.com/ashureev/turnstream/internal/engine"
	"github.com/ashureev/turnstream/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected application/json, got %q", ct)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		engine.ErrEmptyMessage:                               http.StatusBadRequest,
		engine.ErrSessionNotFound:                            http.StatusNotFound,
		engine.ErrTurnInFlight:                               http.StatusConflict,
		engine.ErrNoPendingApproval:                          http.StatusConflict,
		fmt.Errorf("wrapped: %w", engine.ErrRequestMismatch): http.StatusConflict,
		errors.New("backend down"):                           http.StatusBadGateway,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(err), err.Error())
	}
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func do(t *testing.T, method, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestSendMessageRunsTurn(t *testing.T) {
	backend := &stubBackend{events: []protocol.Event{
		protocol.Token{Content: "Hello"},
		protocol.Token{Content: " there"},
		protocol.Done{},
	}}
	srv, e := newTestServer(t, backend, Options{})

	resp := post(t, srv.URL+"/api/sessions/s1/messages", `{"message":"hi"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	waitSettled(t, e, "s1")

	resp = do(t, http.MethodGet, srv.URL+"/api/sessions/s1/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap domain.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "hi", snap.Messages[0].Content)
	assert.Equal(t, "Hello there", snap.Messages[1].Content)
	assert.False(t, snap.Streaming)
}

func TestSendMessageRejectsBlankAndMalformed(t *testing.T) {
	srv, _ := newTestServer(t, &stubBackend{}, Options{})

	resp := post(t, srv.URL+"/api/sessions/s1/messages", `{"message":"   "}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = post(t, srv.URL+"/api/sessions/s1/messages", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSendMessageBodyTooLarge(t *testing.T) {
	srv, _ := newTestServer(t, &stubBackend{}, Options{MaxRequestBodySize: 16})

	body := `{"message":"` + strings.Repeat("x", 64) + `"}`
	resp := post(t, srv.URL+"/api/sessions/s1/messages", body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestSendMessageWhileStreamingConflicts(t *testing.T) {
	backend := &stubBackend{events: []protocol.Event{protocol.Token{Content: "partial"}}, hold: true}
	srv, e := newTestServer(t, backend, Options{})

	resp := post(t, srv.URL+"/api/sessions/s1/messages", `{"message":"first"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Eventually(t, func() bool {
		return e.Get("s1").StreamingContent == "partial"
	}, 2*time.Second, 5*time.Millisecond)

	resp = post(t, srv.URL+"/api/sessions/s1/messages", `{"message":"second"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = post(t, srv.URL+"/api/sessions/s1/abort", ``)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body["aborted"])

	snap := waitSettled(t, e, "s1")
	last, ok := snap.LastMessage()
	require.True(t, ok)
	assert.Equal(t, "partial"+engine.InterruptedMarker, last.Content)
	assert.Len(t, snap.Messages, 2)
}

func TestSendMessageRateLimited(t *testing.T) {
	srv, e := newTestServer(t, &stubBackend{events: []protocol.Event{protocol.Done{}}}, Options{SendsPerMinute: 1, SendBurst: 1})

	resp := post(t, srv.URL+"/api/sessions/s1/messages", `{"message":"one"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	waitSettled(t, e, "s1")

	resp = post(t, srv.URL+"/api/sessions/s1/messages", `{"message":"two"}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	// Limits are per session.
	resp = post(t, srv.URL+"/api/sessions/s2/messages", `{"message":"one"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestResolveApprovalRoute(t *testing.T) {
	backend := &stubBackend{
		events: []protocol.Event{protocol.ApprovalRequest{RequestID: "r1", Tool: "shell", Input: "rm -rf /tmp/x"}},
		hold:   true,
	}
	srv, e := newTestServer(t, backend, Options{})

	resp := post(t, srv.URL+"/api/sessions/s1/approvals/r1", `{"approved":true}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "nothing pending yet")

	require.Equal(t, http.StatusAccepted, post(t, srv.URL+"/api/sessions/s1/messages", `{"message":"clean up"}`).StatusCode)
	require.Eventually(t, func() bool {
		return e.Get("s1").ApprovalRequest != nil
	}, 2*time.Second, 5*time.Millisecond)

	resp = post(t, srv.URL+"/api/sessions/s1/approvals/other", `{"approved":true}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = post(t, srv.URL+"/api/sessions/s1/approvals/r1", `{"approved":true,"allow_for_session":true}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	snap := e.Get("s1")
	assert.Nil(t, snap.ApprovalRequest)
	assert.True(t, snap.ToolAllowed("shell"))
	backend.mu.Lock()
	assert.Equal(t, []string{"r1"}, backend.approvals)
	backend.mu.Unlock()
}

func TestResolvePlanApprovalRoute(t *testing.T) {
	plan := domain.Plan{PlanID: "p1", Steps: []domain.PlanStep{{ID: "1", Title: "look", Status: domain.StepPending}}}
	backend := &stubBackend{
		events: []protocol.Event{protocol.PlanApprovalRequest{PlanID: "p1", Plan: plan}},
		hold:   true,
	}
	srv, e := newTestServer(t, backend, Options{})

	resp := post(t, srv.URL+"/api/sessions/s1/plan-approval", `{"approved":true}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	require.Equal(t, http.StatusAccepted, post(t, srv.URL+"/api/sessions/s1/messages", `{"message":"plan it"}`).StatusCode)
	require.Eventually(t, func() bool {
		return e.Get("s1").PlanApprovalRequest != nil
	}, 2*time.Second, 5*time.Millisecond)

	resp = post(t, srv.URL+"/api/sessions/s1/plan-approval", `{"approved":false,"feedback":"smaller steps"}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Nil(t, e.Get("s1").PlanApprovalRequest)
	backend.mu.Lock()
	assert.Equal(t, []string{"p1"}, backend.plans)
	backend.mu.Unlock()
}

func TestAllowToolRoute(t *testing.T) {
	srv, _ := newTestServer(t, &stubBackend{}, Options{})

	resp := post(t, srv.URL+"/api/sessions/s1/allowed-tools", `{"tool":"read_file"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string][]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body["allowed_tools"], "read_file")

	resp = post(t, srv.URL+"/api/sessions/s1/allowed-tools", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeleteSessionAndLedger(t *testing.T) {
	srv, e := newTestServer(t, &stubBackend{events: []protocol.Event{protocol.Token{Content: "ok"}, protocol.Done{}}}, Options{})

	resp := do(t, http.MethodDelete, srv.URL+"/api/sessions/missing/ledger")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.Equal(t, http.StatusAccepted, post(t, srv.URL+"/api/sessions/s1/messages", `{"message":"hi"}`).StatusCode)
	snap := waitSettled(t, e, "s1")
	require.NotEmpty(t, snap.DebugLedger)

	resp = do(t, http.MethodDelete, srv.URL+"/api/sessions/s1/ledger")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, e.Get("s1").DebugLedger)
	assert.Len(t, e.Get("s1").Messages, 2)

	resp = do(t, http.MethodDelete, srv.URL+"/api/sessions/s1/")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.NotContains(t, e.Sessions(), "s1")

	resp = do(t, http.MethodDelete, srv.URL+"/api/sessions/s1/")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDiagnosticsToggle(t *testing.T) {
	srv, e := newTestServer(t, &stubBackend{}, Options{})

	resp := post(t, srv.URL+"/api/diagnostics", `{"enabled":false}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, e.Diagnostics())

	resp = do(t, http.MethodGet, srv.URL+"/api/diagnostics")
	var body diagnosticsRequest
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.False(t, body.Enabled)
}

func TestListSessions(t *testing.T) {
	srv, e := newTestServer(t, &stubBackend{}, Options{})
	e.Get("a")
	e.Get("b")

	resp := do(t, http.MethodGet, srv.URL+"/api/sessions")
	var body map[string][]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.ElementsMatch(t, []string{"a", "b"}, body["sessions"])
}

func TestDecodeBodyRecorder(t *testing.T) {
	h := NewHandler(nil, Options{MaxRequestBodySize: 8}, nil)
	defer h.Close()

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"message":"too long for eight bytes"}`))
	var req sendRequest
	assert.False(t, h.decodeBody(w, r, &req))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
