package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDetectionRule_IsDue(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time {
		ts := now.Add(-d)
		return &ts
	}

	tests := []struct {
		name string
		rule DetectionRule
		want bool
	}{
		{"never run", DetectionRule{IsEnabled: true, RunIntervalSeconds: 300}, true},
		{"interval elapsed", DetectionRule{IsEnabled: true, RunIntervalSeconds: 300, LastRunAt: at(10 * time.Minute)}, true},
		{"exactly at interval", DetectionRule{IsEnabled: true, RunIntervalSeconds: 300, LastRunAt: at(5 * time.Minute)}, true},
		{"not yet due", DetectionRule{IsEnabled: true, RunIntervalSeconds: 300, LastRunAt: at(2 * time.Minute)}, false},
		{"disabled", DetectionRule{IsEnabled: false, RunIntervalSeconds: 300}, false},
		{"zero interval always due", DetectionRule{IsEnabled: true, LastRunAt: at(time.Second)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rule.IsDue(now))
		})
	}
}

func TestDetectionRule_LookbackStart(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rule := DetectionRule{}
	assert.Equal(t, now.Add(-DefaultRuleLookback), rule.LookbackStart(now))

	last := now.Add(-5 * time.Minute)
	rule.LastRunAt = &last
	assert.Equal(t, last, rule.LookbackStart(now))
}

func TestDetectionRule_CaseTitleAndSeverity(t *testing.T) {
	rule := DetectionRule{Name: "Brute force", Severity: SeverityMedium}
	assert.Equal(t, "[Detection] Brute force", rule.CaseTitle(3, "10.0.0.1"))
	assert.Equal(t, SeverityMedium, rule.CaseSeverity())

	rule.Actions = RuleActions{
		CaseTitleTemplate: "{rule_name}: {count} hits from {group_key} ({severity})",
		SeverityOverride:  SeverityCritical,
	}
	assert.Equal(t, "Brute force: 3 hits from 10.0.0.1 (critical)", rule.CaseTitle(3, "10.0.0.1"))
	assert.Equal(t, SeverityCritical, rule.CaseSeverity())
}

func TestRuleActions_IsAggregated(t *testing.T) {
	assert.False(t, RuleActions{}.IsAggregated())
	assert.True(t, RuleActions{GroupBy: []string{"source_ip"}}.IsAggregated())
}
