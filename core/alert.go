package core

import (
	"fmt"
	"strings"
	"time"
)

// Severity represents how urgent an alert is
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// IsValid checks if the severity is one of the known levels
func (s Severity) IsValid() bool {
	_, ok := severityRank[s]
	return ok
}

// Rank returns the ordinal of the severity (info=0 ... critical=4).
// Unknown severities rank as info.
func (s Severity) Rank() int {
	return severityRank[s]
}

// AtLeast reports whether s is at least as severe as other
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// ParseSeverity normalizes and validates a severity string
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if !sev.IsValid() {
		return "", fmt.Errorf("invalid severity: %q", s)
	}
	return sev, nil
}

// AlertStatus represents the analyst-facing lifecycle state of an alert
type AlertStatus string

const (
	AlertStatusNew           AlertStatus = "new"
	AlertStatusInvestigating AlertStatus = "investigating"
	AlertStatusDismissed     AlertStatus = "dismissed"
	AlertStatusPromoted      AlertStatus = "promoted"
)

// IsValid checks if the status is a known alert status
func (s AlertStatus) IsValid() bool {
	switch s {
	case AlertStatusNew, AlertStatusInvestigating, AlertStatusDismissed, AlertStatusPromoted:
		return true
	}
	return false
}

// TriageStatus tracks the AI triage pipeline for an alert
type TriageStatus string

const (
	TriageStatusPending   TriageStatus = "pending"
	TriageStatusEnriching TriageStatus = "enriching"
	TriageStatusProcessed TriageStatus = "processed"
	TriageStatusFailed    TriageStatus = "failed"
)

// Alert is a deduplicated occurrence of a suspicious condition.
// Exactly one Alert exists per (TenantID, Fingerprint) within the sliding
// dedup window measured from LastSeenAt.
type Alert struct {
	ID             string                 `json:"id"`
	TenantID       string                 `json:"tenant_id"`
	Fingerprint    string                 `json:"fingerprint"`
	Source         string                 `json:"source"`
	Severity       Severity               `json:"severity"`
	Title          string                 `json:"title"`
	Description    string                 `json:"description"`
	RawData        map[string]interface{} `json:"raw_data,omitempty"`
	Status         AlertStatus            `json:"status"`
	DuplicateCount int                    `json:"duplicate_count"`
	FirstSeenAt    time.Time              `json:"first_seen_at"`
	LastSeenAt     time.Time              `json:"last_seen_at"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	CaseID         string                 `json:"case_id,omitempty"`
	RuleID         string                 `json:"rule_id,omitempty"`
	Observables    []Observable           `json:"observables,omitempty"`
	AITriageStatus TriageStatus           `json:"ai_triage_status"`
	AIAnalysis     *TriageVerdict         `json:"ai_analysis,omitempty"`
}

// HasCase reports whether the alert has been linked to a case
func (a *Alert) HasCase() bool {
	return a.CaseID != ""
}

// SearchableText returns the lower-cased title and description, used for keyword checks
func (a *Alert) SearchableText() string {
	return strings.ToLower(a.Title + " " + a.Description)
}

// AlertInput is the payload accepted by alert creation
type AlertInput struct {
	TenantID    string                 `json:"tenant_id" validate:"required"`
	Source      string                 `json:"source" validate:"required"`
	Severity    Severity               `json:"severity" validate:"required,oneof=critical high medium low info"`
	Title       string                 `json:"title" validate:"required,max=512"`
	Description string                 `json:"description"`
	RawData     map[string]interface{} `json:"raw_data,omitempty"`
	RuleID      string                 `json:"rule_id,omitempty"`
}

// UpsertResult is the outcome of a dedup upsert
type UpsertResult struct {
	Alert   *Alert
	Created bool
}
