package domain

import "slices"

// Session is an immutable snapshot of one conversation. Slices, maps and
// pointers held by a published snapshot are never mutated afterwards;
// every change produces a new Session value.
type Session struct {
	ID       string
	Version  uint64
	Messages []Message

	// Live turn buffers, cleared on finalization. TurnID names the turn that
	// owns them.
	Streaming         bool
	TurnID            string
	StreamingContent  string
	StreamingSegments []Segment
	Activity          string

	Plan                *Plan
	ApprovalRequest     *ApprovalRequest
	PlanApprovalRequest *PlanApprovalRequest
	DebugLedger         Ledger
	AllowedTools        map[string]bool

	Loading bool
	Loaded  bool
}

// ToolAllowed reports whether tool is on the session allow-list.
func (s Session) ToolAllowed(tool string) bool {
	return s.AllowedTools[tool]
}

// AllowedToolNames returns the allow-list sorted by name.
func (s Session) AllowedToolNames() []string {
	names := make([]string, 0, len(s.AllowedTools))
	for name, ok := range s.AllowedTools {
		if ok {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// LastMessage returns the final transcript entry, if any.
func (s Session) LastMessage() (Message, bool) {
	if len(s.Messages) == 0 {
		return Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// History is the persisted state of a session used for lazy hydration.
type History struct {
	Messages    []Message `json:"messages"`
	DebugLedger Ledger    `json:"debug_ledger,omitempty"`
	Plan        *Plan     `json:"plan,omitempty"`
}
