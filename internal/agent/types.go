// Package agent is the client side of the agent backend: streamed turns,
// approval decisions, session history and a gRPC health probe.
package agent

// StreamRequest opens one turn on the backend.
type StreamRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// ApprovalRequest carries a tool approval decision to the backend.
type ApprovalRequest struct {
	SessionID       string `json:"session_id"`
	Approved        bool   `json:"approved"`
	Feedback        string `json:"feedback,omitempty"`
	AllowForSession bool   `json:"allow_for_session,omitempty"`
}

// PlanApprovalRequest carries a plan approval decision to the backend.
type PlanApprovalRequest struct {
	SessionID string `json:"session_id"`
	Approved  bool   `json:"approved"`
	Feedback  string `json:"feedback,omitempty"`
}

// errorBody is the backend's error envelope.
type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}
