package convlog

import (
	"sync"
	"testing"
	"time"

	"github.com/ashureev/turnstream/internal/domain"
	"github.com/ashureev/turnstream/internal/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureLogger struct {
	mu     sync.Mutex
	events []ConversationLogEvent
}

func (c *captureLogger) Log(ev ConversationLogEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureLogger) Close() error { return nil }

func TestRecorderLogsTurnBoundaries(t *testing.T) {
	capture := &captureLogger{}
	r := NewRecorder(capture)
	r.now = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) }

	user := domain.Message{Role: domain.RoleUser, Content: "list files"}
	reply := domain.Message{
		Role:     domain.RoleAssistant,
		Content:  "a.txt" + engine.InterruptedMarker,
		Segments: []domain.Segment{domain.ToolSegment{Tool: "ls"}, domain.TextSegment{Content: "a.txt"}},
		Plan:     &domain.Plan{PlanID: "p1"},
	}

	r.Listen(engine.Notification{SessionID: "s1", Session: domain.Session{ID: "s1", Version: 1, Streaming: true, Messages: []domain.Message{user}}})
	r.Listen(engine.Notification{SessionID: "s1", Session: domain.Session{ID: "s1", Version: 2, Streaming: true, Messages: []domain.Message{user}, StreamingContent: "a"}})
	r.Listen(engine.Notification{SessionID: "s1", Session: domain.Session{ID: "s1", Version: 3, Messages: []domain.Message{user, reply}}})

	require.Len(t, capture.events, 2)
	started, finished := capture.events[0], capture.events[1]

	assert.Equal(t, "chat_user_message", started.EventType)
	assert.Equal(t, "outbound", started.Direction)
	assert.Equal(t, "list files", started.ContentRaw)
	assert.Equal(t, "2026-03-04T05:06:07Z", started.Timestamp)

	assert.Equal(t, "chat_assistant_message", finished.EventType)
	assert.Equal(t, reply.Content, finished.ContentRaw)
	assert.Equal(t, true, finished.Meta["appended"])
	assert.Equal(t, 1, finished.Meta["tool_calls"])
	assert.Equal(t, true, finished.Meta["interrupted"])
	assert.Equal(t, "p1", finished.Meta["plan_id"])
}

func TestRecorderIgnoresHydrationAndRemoval(t *testing.T) {
	capture := &captureLogger{}
	r := NewRecorder(capture)

	hydrated := []domain.Message{{Role: domain.RoleUser, Content: "old"}, {Role: domain.RoleAssistant, Content: "reply"}}
	r.Listen(engine.Notification{SessionID: "s1", Session: domain.Session{ID: "s1", Loaded: true, Messages: hydrated}})
	r.Listen(engine.Notification{SessionID: "s1", Removed: true})

	assert.Empty(t, capture.events)
}

func TestRecorderLogsEmptyTurn(t *testing.T) {
	capture := &captureLogger{}
	r := NewRecorder(capture)

	user := domain.Message{Role: domain.RoleUser, Content: "hm"}
	r.Listen(engine.Notification{SessionID: "s1", Session: domain.Session{ID: "s1", Streaming: true, Messages: []domain.Message{user}}})
	r.Listen(engine.Notification{SessionID: "s1", Session: domain.Session{ID: "s1", Messages: []domain.Message{user}}})

	require.Len(t, capture.events, 2)
	assert.Equal(t, false, capture.events[1].Meta["appended"])
	assert.Empty(t, capture.events[1].ContentRaw)
}
