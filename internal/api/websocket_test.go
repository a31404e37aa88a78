package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/turnstream/internal/engine"
	"github.com/ashureev/turnstream/internal/protocol"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialSession(t *testing.T, serverURL, sessionID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(serverURL, "http") + "/ws/sessions/" + sessionID
	ws, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) wsFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := ws.Read(ctx)
	require.NoError(t, err)
	var f wsFrame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func writeCommand(t *testing.T, ws *websocket.Conn, msg wsMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, ws.Write(context.Background(), websocket.MessageText, data))
}

func TestWebSocketSendAndFollow(t *testing.T) {
	backend := &stubBackend{events: []protocol.Event{
		protocol.Token{Content: "pong-ish"},
		protocol.Done{},
	}}
	srv, _ := newTestServer(t, backend, Options{})
	ws := dialSession(t, srv.URL, "s1")

	first := readFrame(t, ws)
	require.Equal(t, "snapshot", first.Type)
	require.NotNil(t, first.Session)
	assert.Empty(t, first.Session.Messages)

	writeCommand(t, ws, wsMessage{Type: "ping"})
	assert.Equal(t, "pong", readFrame(t, ws).Type)

	writeCommand(t, ws, wsMessage{Type: "send", Message: "hello"})
	for {
		f := readFrame(t, ws)
		require.Equal(t, "snapshot", f.Type)
		if !f.Session.Streaming && len(f.Session.Messages) == 2 {
			assert.Equal(t, "pong-ish", f.Session.Messages[1].Content)
			break
		}
	}
}

func TestWebSocketAbortAndErrors(t *testing.T) {
	backend := &stubBackend{events: []protocol.Event{protocol.Token{Content: "half"}}, hold: true}
	srv, e := newTestServer(t, backend, Options{})
	ws := dialSession(t, srv.URL, "s1")
	readFrame(t, ws)

	writeCommand(t, ws, wsMessage{Type: "dance"})
	f := readFrame(t, ws)
	assert.Equal(t, "error", f.Type)
	assert.Equal(t, "unknown message type", f.Error)

	writeCommand(t, ws, wsMessage{Type: "send", Message: " "})
	f = readFrame(t, ws)
	assert.Equal(t, "error", f.Type)

	writeCommand(t, ws, wsMessage{Type: "send", Message: "go"})
	require.Eventually(t, func() bool {
		return e.Get("s1").StreamingContent == "half"
	}, 2*time.Second, 5*time.Millisecond)

	writeCommand(t, ws, wsMessage{Type: "abort"})
	snap := waitSettled(t, e, "s1")
	last, ok := snap.LastMessage()
	require.True(t, ok)
	assert.True(t, strings.HasSuffix(last.Content, "[interrupted]"))
}

func TestWebSocketRemovedSessionClosesFeed(t *testing.T) {
	srv, e := newTestServer(t, &stubBackend{}, Options{})
	ws := dialSession(t, srv.URL, "s1")
	readFrame(t, ws)

	require.True(t, e.Remove("s1"))
	for {
		f := readFrame(t, ws)
		if f.Type == "removed" {
			break
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := ws.Read(ctx)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	srv, _ := newTestServer(t, &stubBackend{}, Options{AllowedOrigins: []string{"https://app.example"}})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/sessions/s1"
	_, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": {"https://evil.example"}},
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func readErrorFrame(t *testing.T, ws *websocket.Conn) string {
	t.Helper()
	for {
		f := readFrame(t, ws)
		if f.Type == "error" {
			return f.Error
		}
	}
}

func TestWebSocketSendInFlightKeepsRateBudget(t *testing.T) {
	backend := &stubBackend{events: []protocol.Event{protocol.Token{Content: "half"}}, hold: true}
	srv, e := newTestServer(t, backend, Options{SendsPerMinute: 1, SendBurst: 2})
	ws := dialSession(t, srv.URL, "s1")
	readFrame(t, ws)

	writeCommand(t, ws, wsMessage{Type: "send", Message: "go"})
	require.Eventually(t, func() bool {
		return e.Get("s1").StreamingContent == "half"
	}, 2*time.Second, 5*time.Millisecond)

	for range 3 {
		writeCommand(t, ws, wsMessage{Type: "send", Message: "again"})
		assert.Equal(t, engine.ErrTurnInFlight.Error(), readErrorFrame(t, ws))
	}

	e.Abort("s1")
	waitSettled(t, e, "s1")

	writeCommand(t, ws, wsMessage{Type: "send", Message: "next"})
	require.Eventually(t, func() bool {
		msgs := e.Get("s1").Messages
		return len(msgs) == 3 && msgs[2].Content == "next"
	}, 2*time.Second, 5*time.Millisecond)
}
