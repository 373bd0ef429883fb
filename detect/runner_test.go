package detect

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nutthakorn7/zcrai-sub000/core"
	"github.com/nutthakorn7/zcrai-sub000/pipeline"
	"github.com/nutthakorn7/zcrai-sub000/service"
	"github.com/nutthakorn7/zcrai-sub000/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testNow = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

type fakeEventStore struct {
	mu      sync.Mutex
	rows    map[string][]map[string]interface{}
	failOn  map[string]error
	panicOn map[string]bool
	queries []storage.EventQuery
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{
		rows:    make(map[string][]map[string]interface{}),
		failOn:  make(map[string]error),
		panicOn: make(map[string]bool),
	}
}

func (f *fakeEventStore) Query(_ context.Context, q storage.EventQuery) ([]map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.panicOn[q.Predicate] {
		panic("predicate blew up")
	}
	if err := f.failOn[q.Predicate]; err != nil {
		return nil, err
	}
	return f.rows[q.Predicate], nil
}

func (f *fakeEventStore) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

type noopEnqueuer struct{}

func (noopEnqueuer) Enqueue(context.Context, pipeline.Task) error { return nil }

type fixture struct {
	events *fakeEventStore
	rules  *storage.SQLiteRuleStorage
	alerts *storage.SQLiteAlertStorage
	cases  *storage.SQLiteCaseStorage
	runner *Runner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop().Sugar()
	sqlite, err := storage.NewSQLite(filepath.Join(t.TempDir(), "detect.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	alerts := storage.NewSQLiteAlertStorage(sqlite, logger)
	observables := storage.NewSQLiteObservableStorage(sqlite, logger)
	cases := storage.NewSQLiteCaseStorage(sqlite, logger)
	rules := storage.NewSQLiteRuleStorage(sqlite, logger)

	extractor, err := core.NewObservableExtractor(time.Second, logger)
	require.NoError(t, err)
	alertSvc := service.NewAlertService(alerts, observables, extractor, noopEnqueuer{}, core.DefaultDedupWindow, logger).
		WithClock(func() time.Time { return testNow })
	caseSvc := service.NewCaseService(cases, logger)

	events := newFakeEventStore()
	return &fixture{
		events: events,
		rules:  rules,
		alerts: alerts,
		cases:  cases,
		runner: NewRunner(events, rules, alertSvc, caseSvc, 0, logger).WithClock(func() time.Time { return testNow }),
	}
}

func (f *fixture) createRule(t *testing.T, rule *core.DetectionRule) *core.DetectionRule {
	t.Helper()
	if rule.TenantID == "" {
		rule.TenantID = "tenant-a"
	}
	if rule.Severity == "" {
		rule.Severity = core.SeverityHigh
	}
	rule.IsEnabled = true
	require.NoError(t, f.rules.CreateRule(context.Background(), rule, testNow.Add(-24*time.Hour)))
	return rule
}

func loginRow(user, ip string) map[string]interface{} {
	row := map[string]interface{}{
		"event_id":   "evt-" + user + "-" + ip,
		"event_type": "login_failed",
		"source": map[string]interface{}{
			"ip": ip,
		},
	}
	if user != "" {
		row["user"] = map[string]interface{}{"name": user}
	}
	return row
}

func TestRunRule_AggregatesByGroupKey(t *testing.T) {
	f := newFixture(t)
	rule := f.createRule(t, &core.DetectionRule{
		Name:    "Brute force",
		Query:   "event_type = 'login_failed'",
		Actions: core.RuleActions{GroupBy: []string{"user.name"}},
	})
	f.events.rows[rule.Query] = []map[string]interface{}{
		loginRow("alice", "198.51.100.7"),
		loginRow("bob", "198.51.100.8"),
		loginRow("alice", "198.51.100.7"),
		loginRow("", "198.51.100.9"),
	}

	res, err := f.runner.RunRule(context.Background(), rule)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Hits)
	assert.Equal(t, 3, res.AlertsCreated)
	require.Len(t, res.AlertIDs, 3)

	type want struct {
		title string
		key   string
		count int
	}
	wants := []want{
		{"[Detection] Brute force (x2)", "alice", 2},
		{"[Detection] Brute force (x1)", "bob", 1},
		{"[Detection] Brute force (x1)", core.MissingGroupValue, 1},
	}
	for i, w := range wants {
		alert, err := f.alerts.GetAlert(context.Background(), "tenant-a", res.AlertIDs[i])
		require.NoError(t, err)
		assert.Equal(t, w.title, alert.Title)
		assert.Equal(t, core.DetectionAlertSource, alert.Source)
		assert.Equal(t, rule.ID, alert.RuleID)
		assert.Equal(t, w.key, alert.RawData["group_key"])
		assert.EqualValues(t, w.count, alert.RawData["aggregate_count"])
		hits, ok := alert.RawData["hits"].([]interface{})
		require.True(t, ok)
		assert.Len(t, hits, w.count)
	}
}

func TestRunRule_MultiFieldGroupKey(t *testing.T) {
	rows := []map[string]interface{}{
		loginRow("alice", "198.51.100.7"),
		loginRow("alice", "198.51.100.8"),
		loginRow("alice", "198.51.100.7"),
	}
	groups := groupHits(rows, []string{"user.name", "source.ip", "host.name"})
	require.Len(t, groups, 2)
	assert.Equal(t, "alice|198.51.100.7|N/A", groups[0].Key)
	assert.Len(t, groups[0].Hits, 2)
	assert.Equal(t, "alice|198.51.100.8|N/A", groups[1].Key)
}

func TestRunRule_IndividualMode(t *testing.T) {
	f := newFixture(t)
	rule := f.createRule(t, &core.DetectionRule{
		Name:           "Failed login",
		Query:          "event_type = 'login_failed'",
		MitreTactic:    "credential-access",
		MitreTechnique: "T1110",
	})
	f.events.rows[rule.Query] = []map[string]interface{}{
		loginRow("alice", "198.51.100.7"),
		loginRow("bob", "198.51.100.8"),
		loginRow("alice", "198.51.100.7"),
	}

	res, err := f.runner.RunRule(context.Background(), rule)
	require.NoError(t, err)
	assert.Equal(t, 2, res.AlertsCreated)
	assert.Equal(t, 1, res.AlertsDeduplicated, "identical rows collapse through fingerprint dedup")

	alert, err := f.alerts.GetAlert(context.Background(), "tenant-a", res.AlertIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "[Detection] Failed login", alert.Title)
	assert.Equal(t, rule.ID, alert.RawData["rule_id"])
	assert.Equal(t, "Failed login", alert.RawData["rule_name"])
	assert.Equal(t, "T1110", alert.RawData["mitre_technique"])
	assert.Equal(t, "login_failed", alert.RawData["event_type"])
	assert.Equal(t, 2, alert.DuplicateCount)
}

func TestRunRule_QueryWindow(t *testing.T) {
	f := newFixture(t)
	rule := f.createRule(t, &core.DetectionRule{Name: "Window", Query: "1 = 1"})

	_, err := f.runner.RunRule(context.Background(), rule)
	require.NoError(t, err)
	require.Len(t, f.events.queries, 1)
	first := f.events.queries[0]
	assert.Equal(t, testNow.Add(-core.DefaultRuleLookback), first.From)
	assert.Equal(t, testNow, first.To)
	assert.Equal(t, core.MaxRuleRows, first.Limit)
	assert.Equal(t, "tenant-a", first.TenantID)

	stored, err := f.rules.GetRule(context.Background(), rule.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastRunAt)
	assert.True(t, stored.LastRunAt.Equal(testNow))

	later := testNow.Add(5 * time.Minute)
	f.runner.WithClock(func() time.Time { return later })
	_, err = f.runner.RunRule(context.Background(), stored)
	require.NoError(t, err)
	require.Len(t, f.events.queries, 2)
	assert.True(t, f.events.queries[1].From.Equal(testNow), "next window starts at the previous checkpoint")
}

func TestRunRule_QueryFailureKeepsCheckpoint(t *testing.T) {
	f := newFixture(t)
	rule := f.createRule(t, &core.DetectionRule{Name: "Broken", Query: "bad"})
	f.events.failOn[rule.Query] = errors.New("clickhouse unavailable")

	_, err := f.runner.RunRule(context.Background(), rule)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "clickhouse unavailable")

	stored, err := f.rules.GetRule(context.Background(), rule.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.LastRunAt)
}

type failingCreator struct {
	calls int
	after int
}

func (c *failingCreator) CreateAlert(_ context.Context, in core.AlertInput) (*core.UpsertResult, error) {
	c.calls++
	if c.calls > c.after {
		return nil, errors.New("write pool exhausted")
	}
	return &core.UpsertResult{Alert: &core.Alert{ID: "alert-ok", TenantID: in.TenantID}, Created: true}, nil
}

func TestRunRule_EmissionFailureKeepsCheckpoint(t *testing.T) {
	f := newFixture(t)
	rule := f.createRule(t, &core.DetectionRule{Name: "Partial", Query: "partial"})
	f.events.rows[rule.Query] = []map[string]interface{}{
		loginRow("alice", "198.51.100.7"),
		loginRow("bob", "198.51.100.8"),
	}

	runner := NewRunner(f.events, f.rules, &failingCreator{after: 1}, nil, 0, zap.NewNop().Sugar()).
		WithClock(func() time.Time { return testNow })
	res, err := runner.RunRule(context.Background(), rule)
	require.Error(t, err)
	assert.Equal(t, 1, res.AlertsCreated)
	assert.Nil(t, rule.LastRunAt)

	stored, err := f.rules.GetRule(context.Background(), rule.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.LastRunAt)
}

func TestRunRule_AutoCase(t *testing.T) {
	f := newFixture(t)
	rule := f.createRule(t, &core.DetectionRule{
		Name:     "Brute force",
		Query:    "event_type = 'login_failed'",
		Severity: core.SeverityMedium,
		Actions: core.RuleActions{
			AutoCase:          true,
			CaseTitleTemplate: "{rule_name}: {group_key} x{count} ({severity})",
			SeverityOverride:  core.SeverityCritical,
			GroupBy:           []string{"user.name"},
		},
	})
	f.events.rows[rule.Query] = []map[string]interface{}{
		loginRow("alice", "198.51.100.7"),
		loginRow("alice", "198.51.100.7"),
	}

	res, err := f.runner.RunRule(context.Background(), rule)
	require.NoError(t, err)
	assert.Equal(t, 1, res.CasesCreated)

	cases, err := f.cases.ListCases(context.Background(), "tenant-a", 10)
	require.NoError(t, err)
	require.Len(t, cases, 1)
	assert.Equal(t, "Brute force: alice x2 (critical)", cases[0].Title)
	assert.Equal(t, core.SeverityCritical, cases[0].Severity)
	assert.Equal(t, core.CaseCreatedByRule, cases[0].CreatedBy)

	alert, err := f.alerts.GetAlert(context.Background(), "tenant-a", res.AlertIDs[0])
	require.NoError(t, err)
	assert.Equal(t, cases[0].ID, alert.CaseID)

	// the same burst on the next run dedups onto the promoted alert
	res, err = f.runner.RunRule(context.Background(), rule)
	require.NoError(t, err)
	assert.Equal(t, 1, res.AlertsDeduplicated)
	assert.Equal(t, 0, res.CasesCreated)

	cases, err = f.cases.ListCases(context.Background(), "tenant-a", 10)
	require.NoError(t, err)
	assert.Len(t, cases, 1)
}

func TestRunRule_AutoCaseDefaultTitle(t *testing.T) {
	f := newFixture(t)
	rule := f.createRule(t, &core.DetectionRule{
		Name:    "Mimikatz",
		Query:   "process = 'mimikatz.exe'",
		Actions: core.RuleActions{AutoCase: true},
	})
	f.events.rows[rule.Query] = []map[string]interface{}{loginRow("alice", "198.51.100.7")}

	_, err := f.runner.RunRule(context.Background(), rule)
	require.NoError(t, err)

	cases, err := f.cases.ListCases(context.Background(), "tenant-a", 10)
	require.NoError(t, err)
	require.Len(t, cases, 1)
	assert.Equal(t, "[Detection] Mimikatz", cases[0].Title)
	assert.Equal(t, core.SeverityHigh, cases[0].Severity)
}
