package core

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCorrelation(t *testing.T) {
	primary := &Alert{ID: "a", TenantID: "t1"}

	t.Run("excludes primary and duplicates", func(t *testing.T) {
		related := []*Alert{{ID: "a"}, {ID: "b"}, {ID: "b"}, nil, {ID: "c"}}
		c := NewCorrelation(primary, related, CorrelationReasonTimeWindow, TimeWindowConfidence)
		require.NotNil(t, c)
		assert.Equal(t, []string{"b", "c"}, c.RelatedAlertIDs)
		assert.Equal(t, "t1", c.TenantID)
		assert.Equal(t, "a", c.PrimaryAlertID)
		assert.True(t, c.MeetsThreshold())
	})

	t.Run("caps related ids", func(t *testing.T) {
		var related []*Alert
		for i := 0; i < 25; i++ {
			related = append(related, &Alert{ID: fmt.Sprintf("r%d", i)})
		}
		c := NewCorrelation(primary, related, CorrelationReasonSameSourceSeverity, SameSourceSeverityConfidence)
		require.NotNil(t, c)
		assert.Len(t, c.RelatedAlertIDs, MaxRelatedAlerts)
	})

	t.Run("nothing related", func(t *testing.T) {
		assert.Nil(t, NewCorrelation(primary, []*Alert{{ID: "a"}}, CorrelationReasonTimeWindow, 0.6))
		assert.Nil(t, NewCorrelation(primary, nil, CorrelationReasonTimeWindow, 0.6))
	})
}

func TestCorrelation_MeetsThreshold(t *testing.T) {
	assert.True(t, (&Correlation{Confidence: 0.6}).MeetsThreshold())
	assert.False(t, (&Correlation{Confidence: 0.59}).MeetsThreshold())
}
