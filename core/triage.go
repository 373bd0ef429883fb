package core

import "time"

// Classification is the classifier's verdict label
type Classification string

const (
	ClassificationTruePositive  Classification = "TRUE_POSITIVE"
	ClassificationFalsePositive Classification = "FALSE_POSITIVE"
)

// IsValid checks if the classification is a known label
func (c Classification) IsValid() bool {
	return c == ClassificationTruePositive || c == ClassificationFalsePositive
}

// Triage tags applied to analyzed alerts
const (
	TagAIVerifiedThreat = "ai-verified-threat"
	TagCriticalThreat   = "critical-threat"
	TagAutoPromoted     = "auto-promoted"
)

// ActionTypeMulti marks an ActionTaken that combines several response actions
const ActionTypeMulti = "MULTI_ACTION"

// ActionStep is a single response action carried out during triage
type ActionStep struct {
	Type         SoarActionType   `json:"type"`
	Target       string           `json:"target"`
	Provider     string           `json:"provider"`
	Status       SoarActionStatus `json:"status"`
	SoarActionID string           `json:"soar_action_id"`
}

// ActionTaken summarizes the autonomous response applied to an alert
type ActionTaken struct {
	Type   string           `json:"type"`
	Target string           `json:"target,omitempty"`
	Status SoarActionStatus `json:"status"`
	Steps  []ActionStep     `json:"steps"`
}

// NewActionTaken folds executed steps into a single record.
// Returns nil when no step ran.
func NewActionTaken(steps []ActionStep) *ActionTaken {
	switch len(steps) {
	case 0:
		return nil
	case 1:
		return &ActionTaken{
			Type:   string(steps[0].Type),
			Target: steps[0].Target,
			Status: steps[0].Status,
			Steps:  steps,
		}
	}

	status := SoarActionStatusSuccess
	for _, step := range steps {
		if step.Status != SoarActionStatusSuccess {
			status = SoarActionStatusFailed
			break
		}
	}
	return &ActionTaken{
		Type:   ActionTypeMulti,
		Status: status,
		Steps:  steps,
	}
}

// TriageVerdict is the persisted AI analysis of an alert (ai_analysis column)
type TriageVerdict struct {
	Classification  Classification `json:"classification"`
	Confidence      int            `json:"confidence"`
	Reasoning       string         `json:"reasoning"`
	SuggestedAction string         `json:"suggested_action,omitempty"`
	ActionTaken     *ActionTaken   `json:"action_taken,omitempty"`
	Tags            []string       `json:"tags,omitempty"`
	PromotedCaseID  string         `json:"promoted_case_id,omitempty"`
	Classifier      string         `json:"classifier,omitempty"`
	Fallback        bool           `json:"fallback,omitempty"`
	AnalyzedAt      time.Time      `json:"analyzed_at"`
}

// HasTag reports whether the verdict carries tag
func (v *TriageVerdict) HasTag(tag string) bool {
	for _, t := range v.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// AddTag appends tag once
func (v *TriageVerdict) AddTag(tag string) {
	if !v.HasTag(tag) {
		v.Tags = append(v.Tags, tag)
	}
}

// TenantSettings holds per-tenant autopilot configuration
type TenantSettings struct {
	TenantID           string    `json:"tenant_id"`
	AutopilotMode      bool      `json:"autopilot_mode"`
	AutopilotThreshold int       `json:"autopilot_threshold" validate:"gte=0,lte=100"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// DefaultTenantSettings returns settings used when a tenant has none stored
func DefaultTenantSettings(tenantID string) TenantSettings {
	return TenantSettings{
		TenantID:           tenantID,
		AutopilotMode:      false,
		AutopilotThreshold: DefaultAutopilotThreshold,
	}
}

// EffectiveThreshold returns the autopilot threshold, falling back to the default when unset
func (s TenantSettings) EffectiveThreshold() int {
	if s.AutopilotThreshold <= 0 || s.AutopilotThreshold > 100 {
		return DefaultAutopilotThreshold
	}
	return s.AutopilotThreshold
}

// AnalystFeedback is a human verdict recorded against an alert
type AnalystFeedback struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	AlertID   string         `json:"alert_id"`
	Verdict   Classification `json:"verdict"`
	Comment   string         `json:"comment,omitempty"`
	Analyst   string         `json:"analyst,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
