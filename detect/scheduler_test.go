package detect

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nutthakorn7/zcrai-sub000/config"
	"github.com/nutthakorn7/zcrai-sub000/core"
	"github.com/nutthakorn7/zcrai-sub000/util/goroutine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRunAllDue_RunsOnlyDueRules(t *testing.T) {
	f := newFixture(t)
	fresh := f.createRule(t, &core.DetectionRule{Name: "Never run", Query: "q1", RunIntervalSeconds: 300})
	recent := testNow.Add(-time.Minute)
	notDue := f.createRule(t, &core.DetectionRule{Name: "Ran recently", Query: "q2", RunIntervalSeconds: 300, LastRunAt: &recent})
	old := testNow.Add(-5 * time.Minute)
	boundary := f.createRule(t, &core.DetectionRule{Name: "Exactly due", Query: "q3", RunIntervalSeconds: 300, LastRunAt: &old})

	s := NewScheduler(f.rules, f.runner, config.DetectionConfig{}, zap.NewNop().Sugar())
	summary := s.RunAllDue(context.Background())

	assert.Equal(t, 3, summary.Enabled)
	assert.Equal(t, 2, summary.Due)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Empty(t, summary.Errors)

	var predicates []string
	for _, q := range f.events.queries {
		predicates = append(predicates, q.Predicate)
	}
	assert.ElementsMatch(t, []string{fresh.Query, boundary.Query}, predicates)
	assert.NotContains(t, predicates, notDue.Query)
}

func TestRunAllDue_IsolatesFailures(t *testing.T) {
	f := newFixture(t)
	failing := f.createRule(t, &core.DetectionRule{Name: "Fails", Query: "fails"})
	panicking := f.createRule(t, &core.DetectionRule{Name: "Panics", Query: "panics"})
	healthy := f.createRule(t, &core.DetectionRule{Name: "Healthy", Query: "healthy"})
	f.events.failOn[failing.Query] = errors.New("timeout")
	f.events.panicOn[panicking.Query] = true
	f.events.rows[healthy.Query] = []map[string]interface{}{loginRow("alice", "198.51.100.7")}

	s := NewScheduler(f.rules, f.runner, config.DetectionConfig{}, zap.NewNop().Sugar())
	summary := s.RunAllDue(context.Background())

	assert.Equal(t, 3, summary.Due)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 2, summary.Failed)
	assert.Contains(t, summary.Errors, failing.ID)
	assert.Contains(t, summary.Errors, panicking.ID)

	stored, err := f.rules.GetRule(context.Background(), healthy.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.LastRunAt)

	stored, err = f.rules.GetRule(context.Background(), panicking.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.LastRunAt)
}

func TestRunAllDue_SkipsDisabledRules(t *testing.T) {
	f := newFixture(t)
	rule := f.createRule(t, &core.DetectionRule{Name: "Disabled", Query: "disabled"})
	require.NoError(t, f.rules.SetRuleEnabled(context.Background(), rule.ID, false, testNow))

	s := NewScheduler(f.rules, f.runner, config.DetectionConfig{}, zap.NewNop().Sugar())
	summary := s.RunAllDue(context.Background())
	assert.Equal(t, 0, summary.Enabled)
	assert.Empty(t, f.events.queries)
}

func TestScheduler_StartStop(t *testing.T) {
	f := newFixture(t)
	f.createRule(t, &core.DetectionRule{Name: "Ticker", Query: "tick"})
	goroutine.AssertNoLeaks(t)

	s := NewScheduler(f.rules, f.runner, config.DetectionConfig{TickInterval: 10 * time.Millisecond}, zap.NewNop().Sugar())
	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "second start is rejected")

	assert.Eventually(t, func() bool { return f.events.queryCount() >= 1 }, 2*time.Second, 10*time.Millisecond)

	s.Stop()
	s.Stop()
}

func TestScheduler_StopsOnContextCancel(t *testing.T) {
	f := newFixture(t)
	goroutine.AssertNoLeaks(t)

	ctx, cancel := context.WithCancel(context.Background())
	s := NewScheduler(f.rules, f.runner, config.DetectionConfig{TickInterval: 10 * time.Millisecond}, zap.NewNop().Sugar())
	require.NoError(t, s.Start(ctx))
	cancel()

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after context cancellation")
	}
}
