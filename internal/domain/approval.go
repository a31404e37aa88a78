package domain

// ApprovalRequest is a pending per-tool-call risk approval.
type ApprovalRequest struct {
	RequestID string `json:"request_id"`
	Tool      string `json:"tool"`
	Input     string `json:"input,omitempty"`
	RiskLevel string `json:"risk_level,omitempty"`
}

// Decision is the resolution of a tool approval request. A denial with
// Feedback carries instructions back to the agent.
type Decision struct {
	Approved        bool   `json:"approved"`
	Feedback        string `json:"feedback,omitempty"`
	AllowForSession bool   `json:"allow_for_session,omitempty"`
}

// PlanDecision is the resolution of a plan approval request.
type PlanDecision struct {
	Approved bool   `json:"approved"`
	Feedback string `json:"feedback,omitempty"`
}
