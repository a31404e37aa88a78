package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ashureev/turnstream/internal/domain"
)

var (
	// ErrUnknownEvent is returned for a well-formed record whose type is not
	// part of the protocol.
	ErrUnknownEvent = errors.New("unknown event type")
	// ErrMissingType is returned for a record without a type field.
	ErrMissingType = errors.New("event type missing")
)

// text accepts a JSON string, number, bool or structured value and keeps
// it as text. Strings are unquoted; anything else keeps its JSON form.
type text string

func (t *text) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = text(s)
		return nil
	}
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON value %q", data)
	}
	*t = text(data)
	return nil
}

type wireStep struct {
	ID     text              `json:"id"`
	Title  string            `json:"title"`
	Status domain.StepStatus `json:"status,omitempty"`
}

type wirePlan struct {
	PlanID text       `json:"plan_id"`
	Title  string     `json:"title"`
	Steps  []wireStep `json:"steps"`
}

func (p wirePlan) domain() domain.Plan {
	return domain.Plan{
		PlanID: string(p.PlanID),
		Title:  p.Title,
		Steps:  wireSteps(p.Steps),
	}
}

func wireSteps(in []wireStep) []domain.PlanStep {
	steps := make([]domain.PlanStep, 0, len(in))
	for _, s := range in {
		status := s.Status
		if !status.Valid() {
			status = domain.StepPending
		}
		steps = append(steps, domain.PlanStep{ID: string(s.ID), Title: s.Title, Status: status})
	}
	return steps
}

// record is the union of every field any event may carry.
type record struct {
	Type Type `json:"type"`

	Content    text   `json:"content"`
	Tool       string `json:"tool"`
	Input      text   `json:"input"`
	Output     text   `json:"output"`
	Motivation string `json:"motivation"`
	Cached     bool   `json:"cached"`
	Sandbox    bool   `json:"sandbox"`
	DurationMs *int64 `json:"duration_ms"`

	CallID       text    `json:"call_id"`
	Node         string  `json:"node"`
	Model        string  `json:"model"`
	Reasoning    text    `json:"reasoning"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	InputCost    float64 `json:"input_cost"`
	OutputCost   float64 `json:"output_cost"`
	TotalCost    float64 `json:"total_cost"`

	Plan          *wirePlan         `json:"plan"`
	PlanID        text              `json:"plan_id"`
	StepID        text              `json:"step_id"`
	Status        domain.StepStatus `json:"status"`
	Reason        string            `json:"reason"`
	RevisedSteps  []wireStep        `json:"revised_steps"`
	KeepCompleted int               `json:"keep_completed"`

	RequestID text   `json:"request_id"`
	RiskLevel string `json:"risk_level"`

	Phase       string   `json:"phase"`
	Description string   `json:"description"`
	Items       []string `json:"items"`
}

// Parse decodes one JSON record into its typed event.
func Parse(data []byte) (Event, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return r.event()
}

func (r record) event() (Event, error) {
	switch r.Type {
	case TypeToken:
		return Token{Content: string(r.Content)}, nil
	case TypeToolStart:
		return ToolStart{Tool: r.Tool, Input: string(r.Input), Motivation: r.Motivation}, nil
	case TypeToolEnd:
		return ToolEnd{
			Tool:       r.Tool,
			Output:     string(r.Output),
			Cached:     r.Cached,
			Sandbox:    r.Sandbox,
			DurationMs: r.DurationMs,
		}, nil
	case TypeLLMStart:
		return LLMStart{
			CallID:     string(r.CallID),
			Node:       r.Node,
			Model:      r.Model,
			Input:      string(r.Input),
			Motivation: r.Motivation,
		}, nil
	case TypeLLMEnd:
		return LLMEnd{
			CallID:     string(r.CallID),
			Output:     string(r.Output),
			Reasoning:  string(r.Reasoning),
			DurationMs: r.DurationMs,
			Usage: domain.Usage{
				InputTokens:  r.InputTokens,
				OutputTokens: r.OutputTokens,
				TotalTokens:  r.TotalTokens,
				InputCost:    r.InputCost,
				OutputCost:   r.OutputCost,
				TotalCost:    r.TotalCost,
			},
		}, nil
	case TypePlanCreated:
		if r.Plan == nil {
			return nil, fmt.Errorf("%s: plan missing", r.Type)
		}
		return PlanCreated{Plan: r.Plan.domain()}, nil
	case TypePlanUpdated:
		if !r.Status.Valid() {
			return nil, fmt.Errorf("%s: invalid status %q", r.Type, r.Status)
		}
		return PlanUpdated{PlanID: string(r.PlanID), StepID: string(r.StepID), Status: r.Status}, nil
	case TypePlanRevised:
		return PlanRevised{
			PlanID:        string(r.PlanID),
			Reason:        r.Reason,
			RevisedSteps:  wireSteps(r.RevisedSteps),
			KeepCompleted: r.KeepCompleted,
		}, nil
	case TypePlanApprovalRequest:
		if r.Plan == nil {
			return nil, fmt.Errorf("%s: plan missing", r.Type)
		}
		plan := r.Plan.domain()
		planID := string(r.PlanID)
		if planID == "" {
			planID = plan.PlanID
		}
		return PlanApprovalRequest{PlanID: planID, Plan: plan}, nil
	case TypeApprovalRequest:
		return ApprovalRequest{
			RequestID: string(r.RequestID),
			Tool:      r.Tool,
			Input:     string(r.Input),
			RiskLevel: r.RiskLevel,
		}, nil
	case TypePhase:
		return Phase{Phase: r.Phase, Description: r.Description, Items: r.Items}, nil
	case TypeError:
		return Error{Content: string(r.Content)}, nil
	case TypeDone:
		return Done{}, nil
	case "":
		return nil, ErrMissingType
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, r.Type)
	}
}

// Marshal encodes an event into its JSON record. It is the inverse of
// Parse for every event type.
func Marshal(ev Event) ([]byte, error) {
	m := map[string]any{"type": ev.Type()}
	switch e := ev.(type) {
	case Token:
		m["content"] = e.Content
	case ToolStart:
		m["tool"] = e.Tool
		m["input"] = e.Input
		putString(m, "motivation", e.Motivation)
	case ToolEnd:
		m["tool"] = e.Tool
		m["output"] = e.Output
		m["cached"] = e.Cached
		m["sandbox"] = e.Sandbox
		if e.DurationMs != nil {
			m["duration_ms"] = *e.DurationMs
		}
	case LLMStart:
		m["call_id"] = e.CallID
		m["node"] = e.Node
		m["model"] = e.Model
		m["input"] = e.Input
		putString(m, "motivation", e.Motivation)
	case LLMEnd:
		m["call_id"] = e.CallID
		m["output"] = e.Output
		putString(m, "reasoning", e.Reasoning)
		if e.DurationMs != nil {
			m["duration_ms"] = *e.DurationMs
		}
		m["input_tokens"] = e.Usage.InputTokens
		m["output_tokens"] = e.Usage.OutputTokens
		m["total_tokens"] = e.Usage.TotalTokens
		m["input_cost"] = e.Usage.InputCost
		m["output_cost"] = e.Usage.OutputCost
		m["total_cost"] = e.Usage.TotalCost
	case PlanCreated:
		m["plan"] = e.Plan
	case PlanUpdated:
		m["plan_id"] = e.PlanID
		m["step_id"] = e.StepID
		m["status"] = e.Status
	case PlanRevised:
		m["plan_id"] = e.PlanID
		m["reason"] = e.Reason
		m["revised_steps"] = e.RevisedSteps
		m["keep_completed"] = e.KeepCompleted
	case PlanApprovalRequest:
		m["plan_id"] = e.PlanID
		m["plan"] = e.Plan
	case ApprovalRequest:
		m["request_id"] = e.RequestID
		m["tool"] = e.Tool
		m["input"] = e.Input
		m["risk_level"] = e.RiskLevel
	case Phase:
		m["phase"] = e.Phase
		putString(m, "description", e.Description)
		if len(e.Items) > 0 {
			m["items"] = e.Items
		}
	case Error:
		m["content"] = e.Content
	case Done:
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
	}
	return json.Marshal(m)
}

func putString(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}

// Int64 is a convenience for optional duration fields.
func Int64(v int64) *int64 {
	return &v
}
