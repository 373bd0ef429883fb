package core

import (
	"strconv"
	"strings"
	"time"
)

// RuleActions are the optional follow-ups a detection rule performs on match.
// Persisted as a JSON blob on the rule row.
type RuleActions struct {
	AutoCase          bool     `json:"auto_case,omitempty" yaml:"auto_case"`
	CaseTitleTemplate string   `json:"case_title_template,omitempty" yaml:"case_title_template"`
	SeverityOverride  Severity `json:"severity_override,omitempty" yaml:"severity_override" validate:"omitempty,oneof=critical high medium low info"`
	GroupBy           []string `json:"group_by,omitempty" yaml:"group_by" validate:"dive,required"`
}

// IsAggregated reports whether hits are grouped into one alert per group
func (a RuleActions) IsAggregated() bool {
	return len(a.GroupBy) > 0
}

// DetectionRule is a named, schedulable predicate over the event store
type DetectionRule struct {
	ID                 string      `json:"id" yaml:"id"`
	TenantID           string      `json:"tenant_id" yaml:"tenant_id" validate:"required"`
	Name               string      `json:"name" yaml:"name" validate:"required,max=256"`
	Description        string      `json:"description,omitempty" yaml:"description"`
	Severity           Severity    `json:"severity" yaml:"severity" validate:"required,oneof=critical high medium low info"`
	Query              string      `json:"query" yaml:"query" validate:"required"`
	IsEnabled          bool        `json:"is_enabled" yaml:"enabled"`
	RunIntervalSeconds int         `json:"run_interval_seconds" yaml:"run_interval_seconds" validate:"gte=0"`
	LastRunAt          *time.Time  `json:"last_run_at,omitempty" yaml:"-"`
	Actions            RuleActions `json:"actions" yaml:"actions"`
	MitreTactic        string      `json:"mitre_tactic,omitempty" yaml:"mitre_tactic"`
	MitreTechnique     string      `json:"mitre_technique,omitempty" yaml:"mitre_technique"`
	CreatedAt          time.Time   `json:"created_at" yaml:"-"`
	UpdatedAt          time.Time   `json:"updated_at" yaml:"-"`
}

// RunInterval returns the rule's scheduling interval
func (r *DetectionRule) RunInterval() time.Duration {
	return time.Duration(r.RunIntervalSeconds) * time.Second
}

// IsDue reports whether the rule should run at now
func (r *DetectionRule) IsDue(now time.Time) bool {
	if !r.IsEnabled {
		return false
	}
	if r.LastRunAt == nil {
		return true
	}
	return !now.Before(r.LastRunAt.Add(r.RunInterval()))
}

// LookbackStart returns the start of the query window for a run at now
func (r *DetectionRule) LookbackStart(now time.Time) time.Time {
	if r.LastRunAt != nil {
		return *r.LastRunAt
	}
	return now.Add(-DefaultRuleLookback)
}

// CaseSeverity returns the severity for auto-created cases
func (r *DetectionRule) CaseSeverity() Severity {
	if r.Actions.SeverityOverride.IsValid() {
		return r.Actions.SeverityOverride
	}
	return r.Severity
}

// CaseTitle renders the auto-case title for an emitted alert.
// Supported placeholders: {rule_name}, {severity}, {count}, {group_key}.
func (r *DetectionRule) CaseTitle(count int, groupKey string) string {
	tmpl := strings.TrimSpace(r.Actions.CaseTitleTemplate)
	if tmpl == "" {
		return DetectionTitlePrefix + r.Name
	}
	return strings.NewReplacer(
		"{rule_name}", r.Name,
		"{severity}", string(r.CaseSeverity()),
		"{count}", strconv.Itoa(count),
		"{group_key}", groupKey,
	).Replace(tmpl)
}
