// Package domain contains the core types of a reconstructed conversation:
// transcript messages, turn segments, plans, approval gates and the
// diagnostic ledger.
package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role identifies the author of a transcript message.
type Role string

const (
	// RoleUser marks a message typed by the user.
	RoleUser Role = "user"
	// RoleAssistant marks a finalized assistant turn.
	RoleAssistant Role = "assistant"
	// RoleTool marks a standalone tool message restored from history.
	RoleTool Role = "tool"
)

// Message is one finalized entry of a session transcript.
// When Segments is present it is the authoritative structured view and the
// concatenation of its text segments equals Content.
type Message struct {
	Role     Role      `json:"role"`
	Content  string    `json:"content"`
	Segments []Segment `json:"-"`
	Plan     *Plan     `json:"plan,omitempty"`
}

// Segment is one ordered unit of a turn's output. It is either a
// TextSegment or a ToolSegment.
type Segment interface {
	isSegment()
}

// TextSegment holds literal assistant text.
type TextSegment struct {
	Content string
}

// ToolSegment records a tool invocation. Output is nil until the matching
// tool_end arrives.
type ToolSegment struct {
	Tool    string
	Input   string
	Output  *string
	Cached  bool
	Sandbox bool
}

func (TextSegment) isSegment() {}
func (ToolSegment) isSegment() {}

// Resolved reports whether the tool call has received its output.
func (s ToolSegment) Resolved() bool {
	return s.Output != nil
}

// SegmentText concatenates the text segments in order, skipping tool calls.
func SegmentText(segments []Segment) string {
	var b strings.Builder
	for _, seg := range segments {
		if t, ok := seg.(TextSegment); ok {
			b.WriteString(t.Content)
		}
	}
	return b.String()
}

// HasToolCalls reports whether any segment is a tool invocation.
func HasToolCalls(segments []Segment) bool {
	for _, seg := range segments {
		if _, ok := seg.(ToolSegment); ok {
			return true
		}
	}
	return false
}

type segmentJSON struct {
	Type    string  `json:"type"`
	Content string  `json:"content,omitempty"`
	Tool    string  `json:"tool,omitempty"`
	Input   string  `json:"input,omitempty"`
	Output  *string `json:"output,omitempty"`
	Cached  bool    `json:"cached,omitempty"`
	Sandbox bool    `json:"sandbox,omitempty"`
}

func encodeSegment(seg Segment) (segmentJSON, error) {
	switch s := seg.(type) {
	case TextSegment:
		return segmentJSON{Type: "text", Content: s.Content}, nil
	case ToolSegment:
		return segmentJSON{
			Type:    "tool_call",
			Tool:    s.Tool,
			Input:   s.Input,
			Output:  s.Output,
			Cached:  s.Cached,
			Sandbox: s.Sandbox,
		}, nil
	default:
		return segmentJSON{}, fmt.Errorf("unsupported segment %T", seg)
	}
}

func decodeSegment(raw segmentJSON) (Segment, error) {
	switch raw.Type {
	case "text":
		return TextSegment{Content: raw.Content}, nil
	case "tool_call":
		return ToolSegment{
			Tool:    raw.Tool,
			Input:   raw.Input,
			Output:  raw.Output,
			Cached:  raw.Cached,
			Sandbox: raw.Sandbox,
		}, nil
	default:
		return nil, fmt.Errorf("unknown segment type %q", raw.Type)
	}
}

// EncodeSegments converts segments into their tagged wire form.
func EncodeSegments(segments []Segment) ([]json.RawMessage, error) {
	if segments == nil {
		return nil, nil
	}
	out := make([]json.RawMessage, 0, len(segments))
	for _, seg := range segments {
		raw, err := encodeSegment(seg)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("marshal segment: %w", err)
		}
		out = append(out, data)
	}
	return out, nil
}

// DecodeSegments parses the tagged wire form produced by EncodeSegments.
func DecodeSegments(raws []json.RawMessage) ([]Segment, error) {
	if raws == nil {
		return nil, nil
	}
	out := make([]Segment, 0, len(raws))
	for _, data := range raws {
		var raw segmentJSON
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("unmarshal segment: %w", err)
		}
		seg, err := decodeSegment(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, seg)
	}
	return out, nil
}

type messageJSON struct {
	Role     Role              `json:"role"`
	Content  string            `json:"content"`
	Segments []json.RawMessage `json:"segments,omitempty"`
	Plan     *Plan             `json:"plan,omitempty"`
}

// MarshalJSON encodes the message with its segments tagged by type.
func (m Message) MarshalJSON() ([]byte, error) {
	segs, err := EncodeSegments(m.Segments)
	if err != nil {
		return nil, err
	}
	return json.Marshal(messageJSON{Role: m.Role, Content: m.Content, Segments: segs, Plan: m.Plan})
}

// UnmarshalJSON decodes a message written by MarshalJSON.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw messageJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	segs, err := DecodeSegments(raw.Segments)
	if err != nil {
		return err
	}
	*m = Message{Role: raw.Role, Content: raw.Content, Segments: segs, Plan: raw.Plan}
	return nil
}
