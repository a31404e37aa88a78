package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// DebugEntry is one record of the diagnostic ledger. It is one of
// LLMCallEntry, ToolCallEntry, DividerEntry or PhaseEntry.
type DebugEntry interface {
	isDebugEntry()
}

// Usage is token and cost accounting reported for a model call.
type Usage struct {
	InputTokens  int     `json:"input_tokens,omitempty"`
	OutputTokens int     `json:"output_tokens,omitempty"`
	TotalTokens  int     `json:"total_tokens,omitempty"`
	InputCost    float64 `json:"input_cost,omitempty"`
	OutputCost   float64 `json:"output_cost,omitempty"`
	TotalCost    float64 `json:"total_cost,omitempty"`
}

// Timing records when a call started and how long it took.
type Timing struct {
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms,omitempty"`
}

// LLMCallEntry instruments one model invocation.
type LLMCallEntry struct {
	CallID     string `json:"call_id"`
	Node       string `json:"node,omitempty"`
	Model      string `json:"model,omitempty"`
	Motivation string `json:"motivation,omitempty"`
	Input      string `json:"input,omitempty"`
	Output     string `json:"output,omitempty"`
	Reasoning  string `json:"reasoning,omitempty"`
	Timing     Timing `json:"timing"`
	Usage      Usage  `json:"usage"`
	InProgress bool   `json:"in_progress"`
}

// ToolCallEntry instruments one tool invocation.
type ToolCallEntry struct {
	Tool       string `json:"tool"`
	Motivation string `json:"motivation,omitempty"`
	Input      string `json:"input,omitempty"`
	Output     string `json:"output,omitempty"`
	Cached     bool   `json:"cached,omitempty"`
	Timing     Timing `json:"timing"`
	InProgress bool   `json:"in_progress"`
}

// DividerEntry separates turns when the ledger is shown cumulatively.
type DividerEntry struct {
	UserMessage string `json:"user_message"`
}

// PhaseEntry marks a named phase of agent work.
type PhaseEntry struct {
	Phase       string   `json:"phase"`
	Description string   `json:"description,omitempty"`
	Items       []string `json:"items,omitempty"`
}

func (LLMCallEntry) isDebugEntry()  {}
func (ToolCallEntry) isDebugEntry() {}
func (DividerEntry) isDebugEntry()  {}
func (PhaseEntry) isDebugEntry()    {}

// EntryType returns the wire tag of a ledger entry.
func EntryType(e DebugEntry) string {
	switch e.(type) {
	case LLMCallEntry:
		return "llm_call"
	case ToolCallEntry:
		return "tool_call"
	case DividerEntry:
		return "divider"
	case PhaseEntry:
		return "phase"
	}
	return ""
}

// Ledger is an ordered list of debug entries with tagged JSON encoding.
type Ledger []DebugEntry

type ledgerEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MarshalJSON encodes every entry as {"type": ..., "data": ...}.
func (l Ledger) MarshalJSON() ([]byte, error) {
	out := make([]ledgerEnvelope, 0, len(l))
	for _, e := range l {
		typ := EntryType(e)
		if typ == "" {
			return nil, fmt.Errorf("unsupported ledger entry %T", e)
		}
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("marshal %s entry: %w", typ, err)
		}
		out = append(out, ledgerEnvelope{Type: typ, Data: data})
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the envelope form written by MarshalJSON.
func (l *Ledger) UnmarshalJSON(data []byte) error {
	var envs []ledgerEnvelope
	if err := json.Unmarshal(data, &envs); err != nil {
		return err
	}
	out := make(Ledger, 0, len(envs))
	for _, env := range envs {
		entry, err := decodeEntry(env)
		if err != nil {
			return err
		}
		out = append(out, entry)
	}
	*l = out
	return nil
}

func decodeEntry(env ledgerEnvelope) (DebugEntry, error) {
	switch env.Type {
	case "llm_call":
		var e LLMCallEntry
		if err := unmarshalEntry(env, &e); err != nil {
			return nil, err
		}
		return e, nil
	case "tool_call":
		var e ToolCallEntry
		if err := unmarshalEntry(env, &e); err != nil {
			return nil, err
		}
		return e, nil
	case "divider":
		var e DividerEntry
		if err := unmarshalEntry(env, &e); err != nil {
			return nil, err
		}
		return e, nil
	case "phase":
		var e PhaseEntry
		if err := unmarshalEntry(env, &e); err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown ledger entry type %q", env.Type)
	}
}

func unmarshalEntry(env ledgerEnvelope, dst any) error {
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return fmt.Errorf("unmarshal %s entry: %w", env.Type, err)
	}
	return nil
}
