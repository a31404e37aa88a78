package domain

import "time"

// StepStatus is the lifecycle state of a plan step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Valid reports whether s is one of the known step states.
func (s StepStatus) Valid() bool {
	switch s {
	case StepPending, StepRunning, StepCompleted, StepFailed:
		return true
	}
	return false
}

// Terminal reports whether the step has finished.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed
}

// PlanStep is one step of a server-declared plan. ID is stable across
// revisions.
type PlanStep struct {
	ID      string     `json:"id"`
	Title   string     `json:"title"`
	Status  StepStatus `json:"status"`
	Revised bool       `json:"revised,omitempty"`
}

// Plan is an ordered multi-step execution strategy for a turn.
type Plan struct {
	PlanID         string     `json:"plan_id"`
	Title          string     `json:"title"`
	Steps          []PlanStep `json:"steps"`
	Revision       int        `json:"revision,omitempty"`
	RevisionReason string     `json:"revision_reason,omitempty"`
}

// Clone returns a deep copy of the plan. A nil plan clones to nil.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Steps = append([]PlanStep(nil), p.Steps...)
	return &cp
}

// StepIndex returns the index of the step with the given id, or -1.
func (p *Plan) StepIndex(id string) int {
	for i, s := range p.Steps {
		if s.ID == id {
			return i
		}
	}
	return -1
}

// RunningCount returns how many steps are currently running.
func (p *Plan) RunningCount() int {
	n := 0
	for _, s := range p.Steps {
		if s.Status == StepRunning {
			n++
		}
	}
	return n
}

// PlanApprovalRequest asks the user to accept or reject a plan before it
// proceeds.
type PlanApprovalRequest struct {
	PlanID    string    `json:"plan_id"`
	Plan      *Plan     `json:"plan"`
	CreatedAt time.Time `json:"created_at"`
}
