package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectorsRegistered(t *testing.T) {
	assert.NotNil(t, AlertsCreated)
	assert.NotNil(t, RuleRunDuration)
	assert.NotNil(t, TriageOutcomes)
	assert.NotNil(t, WorkerPoolTasksProcessed)
}

func TestCounterVecIncrements(t *testing.T) {
	before := testutil.ToFloat64(CasesPromoted.WithLabelValues("metrics-test"))
	CasesPromoted.WithLabelValues("metrics-test").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(CasesPromoted.WithLabelValues("metrics-test")))
}
