package convlog

import (
	"strings"
	"sync"
	"time"

	"github.com/ashureev/turnstream/internal/domain"
	"github.com/ashureev/turnstream/internal/engine"
)

const channelEngine = "engine"

// Recorder turns engine notifications into conversation records: one when
// a turn starts and one when its assistant message is finalized.
type Recorder struct {
	log ConversationLogger
	now func() time.Time

	mu    sync.Mutex
	state map[string]turnState
}

type turnState struct {
	streaming bool
	count     int
}

// NewRecorder creates a Recorder writing to log.
func NewRecorder(log ConversationLogger) *Recorder {
	if log == nil {
		log = noopConversationLogger{}
	}
	return &Recorder{log: log, now: time.Now, state: make(map[string]turnState)}
}

// Listen is an engine.Listener.
func (r *Recorder) Listen(n engine.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n.Removed {
		delete(r.state, n.SessionID)
		return
	}
	s := n.Session
	prev := r.state[n.SessionID]
	cur := turnState{streaming: s.Streaming, count: len(s.Messages)}
	r.state[n.SessionID] = cur

	last, ok := s.LastMessage()
	switch {
	case !prev.streaming && cur.streaming && ok && last.Role == domain.RoleUser:
		r.log.Log(ConversationLogEvent{
			Timestamp:  r.timestamp(),
			SessionID:  n.SessionID,
			Channel:    channelEngine,
			Direction:  "outbound",
			EventType:  "chat_user_message",
			ContentRaw: last.Content,
			Meta:       map[string]any{"version": s.Version},
		})
	case prev.streaming && !cur.streaming:
		appended := ok && cur.count > prev.count && last.Role == domain.RoleAssistant
		meta := map[string]any{
			"version":  s.Version,
			"appended": appended,
		}
		var content string
		if appended {
			content = last.Content
			meta["segments"] = len(last.Segments)
			meta["tool_calls"] = countToolCalls(last.Segments)
			meta["interrupted"] = strings.HasSuffix(content, strings.TrimPrefix(engine.InterruptedMarker, "\n\n"))
			if last.Plan != nil {
				meta["plan_id"] = last.Plan.PlanID
			}
		}
		r.log.Log(ConversationLogEvent{
			Timestamp:  r.timestamp(),
			SessionID:  n.SessionID,
			Channel:    channelEngine,
			Direction:  "inbound",
			EventType:  "chat_assistant_message",
			ContentRaw: content,
			Meta:       meta,
		})
	}
}

func (r *Recorder) timestamp() string {
	return r.now().UTC().Format(time.RFC3339Nano)
}

func countToolCalls(segs []domain.Segment) int {
	n := 0
	for _, seg := range segs {
		if _, ok := seg.(domain.ToolSegment); ok {
			n++
		}
	}
	return n
}
