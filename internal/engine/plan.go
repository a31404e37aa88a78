package engine

import (
	"github.com/ashureev/turnstream/internal/domain"
	"github.com/ashureev/turnstream/internal/protocol"
)

// Plan transitions are pure: each takes the current plan and returns a new
// one, or reports that the event did not apply.

func installPlan(p domain.Plan) *domain.Plan {
	next := p.Clone()
	for i := range next.Steps {
		next.Steps[i].Status = domain.StepPending
		next.Steps[i].Revised = false
	}
	return next
}

func matchesPlan(p *domain.Plan, planID string) bool {
	return p != nil && (planID == "" || planID == p.PlanID)
}

// updateStep moves one step to status. Terminal steps never go back to
// pending or running. Starting a step completes any other running step, so
// at most one step runs at a time.
func updateStep(p *domain.Plan, ev protocol.PlanUpdated) (*domain.Plan, bool) {
	if !matchesPlan(p, ev.PlanID) {
		return p, false
	}
	idx := p.StepIndex(ev.StepID)
	if idx < 0 {
		return p, false
	}
	cur := p.Steps[idx].Status
	if cur == ev.Status || (cur.Terminal() && !ev.Status.Terminal()) {
		return p, false
	}

	next := p.Clone()
	if ev.Status == domain.StepRunning {
		for i := range next.Steps {
			if i != idx && next.Steps[i].Status == domain.StepRunning {
				next.Steps[i].Status = domain.StepCompleted
			}
		}
	}
	next.Steps[idx].Status = ev.Status
	return next, true
}

// revisePlan keeps the first KeepCompleted steps verbatim and replaces the
// remainder with the revised steps.
func revisePlan(p *domain.Plan, ev protocol.PlanRevised) (*domain.Plan, bool) {
	if !matchesPlan(p, ev.PlanID) {
		return p, false
	}
	keep := min(max(ev.KeepCompleted, 0), len(p.Steps))

	next := p.Clone()
	steps := make([]domain.PlanStep, 0, keep+len(ev.RevisedSteps))
	steps = append(steps, next.Steps[:keep]...)
	for _, s := range ev.RevisedSteps {
		s.Status = domain.StepPending
		s.Revised = true
		steps = append(steps, s)
	}
	next.Steps = steps
	next.Revision++
	next.RevisionReason = ev.Reason
	return next, true
}

// settlePlan force-completes every pending or running step so a finished
// turn never leaves the plan in a non-terminal state.
func settlePlan(p *domain.Plan) *domain.Plan {
	if p == nil {
		return nil
	}
	next := p.Clone()
	for i := range next.Steps {
		if !next.Steps[i].Status.Terminal() {
			next.Steps[i].Status = domain.StepCompleted
		}
	}
	return next
}
