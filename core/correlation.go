package core

import "time"

// CorrelationReason names the matcher that produced a correlation
type CorrelationReason string

const (
	CorrelationReasonTimeWindow         CorrelationReason = "time_window"
	CorrelationReasonSameSourceSeverity CorrelationReason = "same_source_severity"
)

// Correlation is a weighted grouping hypothesis between a primary alert and related alerts.
// Records are append-only evidence: created once per new alert, never mutated.
type Correlation struct {
	ID              string            `json:"id"`
	TenantID        string            `json:"tenant_id"`
	PrimaryAlertID  string            `json:"primary_alert_id"`
	RelatedAlertIDs []string          `json:"related_alert_ids"`
	Reason          CorrelationReason `json:"reason"`
	Confidence      float64           `json:"confidence"`
	CreatedAt       time.Time         `json:"created_at"`
}

// MeetsThreshold reports whether the correlation may be persisted
func (c *Correlation) MeetsThreshold() bool {
	return c.Confidence >= MinCorrelationConfidence
}

// NewCorrelation builds a correlation from matched alerts, keeping at most MaxRelatedAlerts ids.
// Returns nil when nothing matched.
func NewCorrelation(primary *Alert, related []*Alert, reason CorrelationReason, confidence float64) *Correlation {
	ids := make([]string, 0, len(related))
	seen := make(map[string]struct{}, len(related))
	for _, a := range related {
		if a == nil || a.ID == primary.ID {
			continue
		}
		if _, dup := seen[a.ID]; dup {
			continue
		}
		seen[a.ID] = struct{}{}
		ids = append(ids, a.ID)
		if len(ids) == MaxRelatedAlerts {
			break
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return &Correlation{
		TenantID:        primary.TenantID,
		PrimaryAlertID:  primary.ID,
		RelatedAlertIDs: ids,
		Reason:          reason,
		Confidence:      confidence,
	}
}
