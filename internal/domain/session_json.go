package domain

import "encoding/json"

type sessionJSON struct {
	ID                  string               `json:"id"`
	Version             uint64               `json:"version"`
	Messages            []Message            `json:"messages"`
	Streaming           bool                 `json:"streaming"`
	StreamingContent    string               `json:"streaming_content,omitempty"`
	StreamingSegments   []json.RawMessage    `json:"streaming_segments,omitempty"`
	Activity            string               `json:"activity,omitempty"`
	Plan                *Plan                `json:"plan,omitempty"`
	ApprovalRequest     *ApprovalRequest     `json:"approval_request,omitempty"`
	PlanApprovalRequest *PlanApprovalRequest `json:"plan_approval_request,omitempty"`
	DebugLedger         Ledger               `json:"debug_ledger"`
	AllowedTools        []string             `json:"allowed_tools"`
	Loading             bool                 `json:"loading"`
	Loaded              bool                 `json:"loaded"`
}

// MarshalJSON renders the snapshot for observers. The allow-list is
// emitted as a sorted array and live segments use the tagged form.
func (s Session) MarshalJSON() ([]byte, error) {
	segs, err := EncodeSegments(s.StreamingSegments)
	if err != nil {
		return nil, err
	}
	msgs := s.Messages
	if msgs == nil {
		msgs = []Message{}
	}
	ledger := s.DebugLedger
	if ledger == nil {
		ledger = Ledger{}
	}
	return json.Marshal(sessionJSON{
		ID:                  s.ID,
		Version:             s.Version,
		Messages:            msgs,
		Streaming:           s.Streaming,
		StreamingContent:    s.StreamingContent,
		StreamingSegments:   segs,
		Activity:            s.Activity,
		Plan:                s.Plan,
		ApprovalRequest:     s.ApprovalRequest,
		PlanApprovalRequest: s.PlanApprovalRequest,
		DebugLedger:         ledger,
		AllowedTools:        s.AllowedToolNames(),
		Loading:             s.Loading,
		Loaded:              s.Loaded,
	})
}

// UnmarshalJSON decodes a snapshot written by MarshalJSON.
func (s *Session) UnmarshalJSON(data []byte) error {
	var raw sessionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	segs, err := DecodeSegments(raw.StreamingSegments)
	if err != nil {
		return err
	}
	allowed := make(map[string]bool, len(raw.AllowedTools))
	for _, name := range raw.AllowedTools {
		allowed[name] = true
	}
	*s = Session{
		ID:                  raw.ID,
		Version:             raw.Version,
		Messages:            raw.Messages,
		Streaming:           raw.Streaming,
		StreamingContent:    raw.StreamingContent,
		StreamingSegments:   segs,
		Activity:            raw.Activity,
		Plan:                raw.Plan,
		ApprovalRequest:     raw.ApprovalRequest,
		PlanApprovalRequest: raw.PlanApprovalRequest,
		DebugLedger:         raw.DebugLedger,
		AllowedTools:        allowed,
		Loading:             raw.Loading,
		Loaded:              raw.Loaded,
	}
	return nil
}
