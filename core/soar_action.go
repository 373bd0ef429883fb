package core

import "time"

// SoarActionType identifies a response action
type SoarActionType string

const (
	SoarActionBlockIP     SoarActionType = "BLOCK_IP"
	SoarActionIsolateHost SoarActionType = "ISOLATE_HOST"
)

// SoarActionStatus is the execution state of a recorded action
type SoarActionStatus string

const (
	SoarActionStatusPending SoarActionStatus = "pending"
	SoarActionStatusSuccess SoarActionStatus = "success"
	SoarActionStatusFailed  SoarActionStatus = "failed"
)

// IsTerminal reports whether the status can no longer change
func (s SoarActionStatus) IsTerminal() bool {
	return s == SoarActionStatusSuccess || s == SoarActionStatusFailed
}

// Who triggered a response action
const (
	TriggeredByAI   = "ai"
	TriggeredByUser = "user"
)

// SoarAction is an append-only audit record for a response action.
// It is written as pending and moved once to a terminal status.
type SoarAction struct {
	ID          string                 `json:"id"`
	TenantID    string                 `json:"tenant_id"`
	AlertID     string                 `json:"alert_id,omitempty"`
	CaseID      string                 `json:"case_id,omitempty"`
	ActionType  SoarActionType         `json:"action_type"`
	Target      string                 `json:"target"`
	Provider    string                 `json:"provider"`
	Status      SoarActionStatus       `json:"status"`
	Result      map[string]interface{} `json:"result,omitempty"`
	TriggeredBy string                 `json:"triggered_by"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}
