package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewActionTaken(t *testing.T) {
	assert.Nil(t, NewActionTaken(nil))

	single := NewActionTaken([]ActionStep{
		{Type: SoarActionBlockIP, Target: "1.2.3.4", Status: SoarActionStatusSuccess},
	})
	require.NotNil(t, single)
	assert.Equal(t, string(SoarActionBlockIP), single.Type)
	assert.Equal(t, "1.2.3.4", single.Target)
	assert.Equal(t, SoarActionStatusSuccess, single.Status)

	multi := NewActionTaken([]ActionStep{
		{Type: SoarActionBlockIP, Target: "1.2.3.4", Status: SoarActionStatusSuccess},
		{Type: SoarActionIsolateHost, Target: "ws-01", Status: SoarActionStatusFailed},
	})
	require.NotNil(t, multi)
	assert.Equal(t, ActionTypeMulti, multi.Type)
	assert.Equal(t, SoarActionStatusFailed, multi.Status)
	assert.Len(t, multi.Steps, 2)
}

func TestTriageVerdict_Tags(t *testing.T) {
	v := &TriageVerdict{}
	v.AddTag(TagAIVerifiedThreat)
	v.AddTag(TagAIVerifiedThreat)
	assert.Equal(t, []string{TagAIVerifiedThreat}, v.Tags)
	assert.True(t, v.HasTag(TagAIVerifiedThreat))
	assert.False(t, v.HasTag(TagCriticalThreat))
}

func TestTenantSettings_EffectiveThreshold(t *testing.T) {
	assert.Equal(t, DefaultAutopilotThreshold, TenantSettings{}.EffectiveThreshold())
	assert.Equal(t, DefaultAutopilotThreshold, TenantSettings{AutopilotThreshold: 150}.EffectiveThreshold())
	assert.Equal(t, 75, TenantSettings{AutopilotThreshold: 75}.EffectiveThreshold())

	d := DefaultTenantSettings("t1")
	assert.False(t, d.AutopilotMode)
	assert.Equal(t, "t1", d.TenantID)
}

func TestCaseFromAlert(t *testing.T) {
	alert := &Alert{ID: "a1", TenantID: "t1", Title: " Ransomware on ws-01 ", Description: "d", Severity: SeverityCritical}
	c := CaseFromAlert(alert, CaseCreatedByAI)
	assert.Equal(t, "Ransomware on ws-01", c.Title)
	assert.Equal(t, CaseStatusOpen, c.Status)
	assert.Equal(t, "a1", c.SourceAlertID)
	assert.Equal(t, SeverityCritical, c.Severity)
	assert.Equal(t, CaseCreatedByAI, c.CreatedBy)
}
