// Package protocol defines the typed events an agent backend streams for a
// conversation turn and decodes them from the line-delimited transport.
package protocol

import (
	"github.com/ashureev/turnstream/internal/domain"
)

// Type discriminates events on the wire.
type Type string

const (
	TypeToken               Type = "token"
	TypeToolStart           Type = "tool_start"
	TypeToolEnd             Type = "tool_end"
	TypeLLMStart            Type = "llm_start"
	TypeLLMEnd              Type = "llm_end"
	TypePlanCreated         Type = "plan_created"
	TypePlanUpdated         Type = "plan_updated"
	TypePlanRevised         Type = "plan_revised"
	TypePlanApprovalRequest Type = "plan_approval_request"
	TypeApprovalRequest     Type = "approval_request"
	TypePhase               Type = "phase"
	TypeError               Type = "error"
	TypeDone                Type = "done"
)

// Event is one decoded protocol event. The set of implementations is
// closed; consumers switch over the concrete types.
type Event interface {
	Type() Type
}

// Token carries a fragment of assistant text.
type Token struct {
	Content string
}

// ToolStart announces a tool invocation.
type ToolStart struct {
	Tool       string
	Input      string
	Motivation string
}

// ToolEnd reports the result of the most recent unresolved invocation of
// Tool.
type ToolEnd struct {
	Tool       string
	Output     string
	Cached     bool
	Sandbox    bool
	DurationMs *int64
}

// LLMStart announces a model call.
type LLMStart struct {
	CallID     string
	Node       string
	Model      string
	Input      string
	Motivation string
}

// LLMEnd completes the model call identified by CallID.
type LLMEnd struct {
	CallID     string
	Output     string
	Reasoning  string
	DurationMs *int64
	Usage      domain.Usage
}

// PlanCreated installs a fresh plan.
type PlanCreated struct {
	Plan domain.Plan
}

// PlanUpdated moves one step of the active plan to Status.
type PlanUpdated struct {
	PlanID string
	StepID string
	Status domain.StepStatus
}

// PlanRevised keeps the first KeepCompleted steps and replaces the rest.
type PlanRevised struct {
	PlanID        string
	Reason        string
	RevisedSteps  []domain.PlanStep
	KeepCompleted int
}

// PlanApprovalRequest asks for a decision on a plan before it proceeds.
type PlanApprovalRequest struct {
	PlanID string
	Plan   domain.Plan
}

// ApprovalRequest asks for a decision on a risky tool call.
type ApprovalRequest struct {
	RequestID string
	Tool      string
	Input     string
	RiskLevel string
}

// Phase marks a named phase of agent work.
type Phase struct {
	Phase       string
	Description string
	Items       []string
}

// Error is a protocol-level error rendered inline in the transcript.
type Error struct {
	Content string
}

// Done terminates the turn.
type Done struct{}

func (Token) Type() Type               { return TypeToken }
func (ToolStart) Type() Type           { return TypeToolStart }
func (ToolEnd) Type() Type             { return TypeToolEnd }
func (LLMStart) Type() Type            { return TypeLLMStart }
func (LLMEnd) Type() Type              { return TypeLLMEnd }
func (PlanCreated) Type() Type         { return TypePlanCreated }
func (PlanUpdated) Type() Type         { return TypePlanUpdated }
func (PlanRevised) Type() Type         { return TypePlanRevised }
func (PlanApprovalRequest) Type() Type { return TypePlanApprovalRequest }
func (ApprovalRequest) Type() Type     { return TypeApprovalRequest }
func (Phase) Type() Type               { return TypePhase }
func (Error) Type() Type               { return TypeError }
func (Done) Type() Type                { return TypeDone }
