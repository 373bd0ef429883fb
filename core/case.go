package core

import (
	"strings"
	"time"
)

// CaseStatus is the lifecycle state of a case
type CaseStatus string

const (
	CaseStatusOpen       CaseStatus = "open"
	CaseStatusInProgress CaseStatus = "in_progress"
	CaseStatusClosed     CaseStatus = "closed"
)

// Who created a case
const (
	CaseCreatedByAI   = "ai"
	CaseCreatedByRule = "rule"
	CaseCreatedByUser = "user"
)

// Case groups one or more alerts under an investigation
type Case struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenant_id"`
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	Severity      Severity   `json:"severity"`
	Status        CaseStatus `json:"status"`
	SourceAlertID string     `json:"source_alert_id,omitempty"`
	CreatedBy     string     `json:"created_by"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// CaseFromAlert seeds a case with the alert's title, description and severity
func CaseFromAlert(alert *Alert, createdBy string) *Case {
	return &Case{
		TenantID:      alert.TenantID,
		Title:         strings.TrimSpace(alert.Title),
		Description:   alert.Description,
		Severity:      alert.Severity,
		Status:        CaseStatusOpen,
		SourceAlertID: alert.ID,
		CreatedBy:     createdBy,
	}
}
