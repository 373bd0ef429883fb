package triage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nutthakorn7/zcrai-sub000/config"
	"github.com/nutthakorn7/zcrai-sub000/core"
	"github.com/nutthakorn7/zcrai-sub000/pipeline"
	"github.com/nutthakorn7/zcrai-sub000/service"
	"github.com/nutthakorn7/zcrai-sub000/soar"
	"github.com/nutthakorn7/zcrai-sub000/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testNow = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

// ============================================================================
// Test fixtures
// ============================================================================

type mockClassifier struct {
	mock.Mock
}

func (m *mockClassifier) Name() string { return "mock-llm" }

func (m *mockClassifier) Classify(ctx context.Context, prompt string, tctx *TriageContext) (*core.TriageVerdict, error) {
	args := m.Called(ctx, prompt, tctx)
	if v := args.Get(0); v != nil {
		return v.(*core.TriageVerdict), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockEnqueuer struct {
	mock.Mock
}

func (m *mockEnqueuer) Enqueue(ctx context.Context, task pipeline.Task) error {
	return m.Called(ctx, task).Error(0)
}

type engineFixture struct {
	alerts      *storage.SQLiteAlertStorage
	actions     *storage.SQLiteSoarActionStorage
	tenants     *storage.SQLiteTenantStorage
	feedback    *storage.SQLiteFeedbackStorage
	cases       *storage.SQLiteCaseStorage
	observables *storage.SQLiteObservableStorage
	classifier  *mockClassifier
	enqueuer    *mockEnqueuer
	engine      *Engine
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	logger := zap.NewNop().Sugar()
	sqlite, err := storage.NewSQLite(filepath.Join(t.TempDir(), "triage.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	f := &engineFixture{
		alerts:     storage.NewSQLiteAlertStorage(sqlite, logger),
		actions:    storage.NewSQLiteSoarActionStorage(sqlite, logger),
		tenants:    storage.NewSQLiteTenantStorage(sqlite, logger),
		feedback:   storage.NewSQLiteFeedbackStorage(sqlite, logger),
		cases:      storage.NewSQLiteCaseStorage(sqlite, logger),
		classifier: new(mockClassifier),
		enqueuer:   new(mockEnqueuer),
	}
	f.observables = storage.NewSQLiteObservableStorage(sqlite, logger)

	executor := soar.NewProviderExecutor(config.SOARConfig{
		DestructiveActionsEnabled: true,
		ActionTimeout:             time.Second,
		MaxRetries:                0,
		Firewall:                  "palo-alto",
		EDR:                       "crowdstrike",
	}, logger)

	f.engine = NewEngine(Deps{
		Alerts:     f.alerts,
		Builder:    NewContextBuilder(f.alerts, f.observables, f.feedback, 0, core.DefaultSimilarAlertLimit),
		Classifier: f.classifier,
		Settings:   NewSettingsCache(f.tenants, 10, time.Minute),
		Actions:    f.actions,
		Executor:   executor,
		Cases:      service.NewCaseService(f.cases, logger),
		Enqueuer:   f.enqueuer,
	}, logger).WithClock(func() time.Time { return testNow })
	return f
}

func (f *engineFixture) seed(t *testing.T, severity core.Severity, title string, raw map[string]interface{}) *core.Alert {
	t.Helper()
	candidate := &core.Alert{
		TenantID: "tenant-a",
		Source:   "crowdstrike",
		Severity: severity,
		Title:    title,
		RawData:  raw,
	}
	candidate.Fingerprint = core.FingerprintAlert(candidate, nil)
	res, err := f.alerts.UpsertAlert(context.Background(), candidate, core.DefaultDedupWindow, testNow)
	require.NoError(t, err)
	return res.Alert
}

func (f *engineFixture) enableAutopilot(t *testing.T, threshold int) {
	t.Helper()
	require.NoError(t, f.tenants.SaveTenantSettings(context.Background(), core.TenantSettings{
		TenantID:           "tenant-a",
		AutopilotMode:      true,
		AutopilotThreshold: threshold,
	}, testNow))
}

func (f *engineFixture) classifyAs(c core.Classification, confidence int) {
	f.classifier.On("Classify", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&core.TriageVerdict{Classification: c, Confidence: confidence, Reasoning: "model says so"}, nil)
}

func (f *engineFixture) reload(t *testing.T, id string) *core.Alert {
	t.Helper()
	alert, err := f.alerts.GetAlert(context.Background(), "tenant-a", id)
	require.NoError(t, err)
	return alert
}

// ============================================================================
// Triage
// ============================================================================

func TestTriage_CriticalTruePositiveBlocksIP(t *testing.T) {
	f := newEngineFixture(t)
	f.enableAutopilot(t, 90)
	f.classifyAs(core.ClassificationTruePositive, 96)
	f.enqueuer.On("Enqueue", mock.Anything, mock.AnythingOfType("pipeline.Task")).Return(nil)

	alert := f.seed(t, core.SeverityCritical, "Outbound C2 traffic", map[string]interface{}{"dest_ip": "203.0.113.50"})
	require.NoError(t, f.engine.Triage(context.Background(), "tenant-a", alert.ID))

	actions, err := f.actions.ListActionsForAlert(context.Background(), "tenant-a", alert.ID)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, core.SoarActionBlockIP, actions[0].ActionType)
	assert.Equal(t, core.SoarActionStatusSuccess, actions[0].Status)
	assert.Equal(t, "203.0.113.50", actions[0].Target)
	assert.Equal(t, "palo-alto", actions[0].Provider)
	assert.Equal(t, core.TriggeredByAI, actions[0].TriggeredBy)

	stored := f.reload(t, alert.ID)
	assert.Equal(t, core.TriageStatusProcessed, stored.AITriageStatus)
	require.NotNil(t, stored.AIAnalysis)
	require.NotNil(t, stored.AIAnalysis.ActionTaken)
	assert.Equal(t, string(core.SoarActionBlockIP), stored.AIAnalysis.ActionTaken.Type)
	assert.Equal(t, actions[0].ID, stored.AIAnalysis.ActionTaken.Steps[0].SoarActionID)
	assert.True(t, stored.AIAnalysis.HasTag(core.TagAIVerifiedThreat))
	assert.True(t, stored.AIAnalysis.HasTag(core.TagCriticalThreat))

	// critical true positive at 96 also crosses the promotion threshold
	assert.True(t, stored.AIAnalysis.HasTag(core.TagAutoPromoted))
	assert.NotEmpty(t, stored.AIAnalysis.PromotedCaseID)
	assert.Equal(t, stored.AIAnalysis.PromotedCaseID, stored.CaseID)
	assert.Equal(t, core.AlertStatusPromoted, stored.Status)

	f.enqueuer.AssertCalled(t, "Enqueue", mock.Anything, mock.MatchedBy(func(task pipeline.Task) bool {
		return task.Kind == pipeline.KindInvestigate && task.AlertID == alert.ID
	}))
}

func TestTriage_ConfidentFalsePositiveDismisses(t *testing.T) {
	f := newEngineFixture(t)
	f.enableAutopilot(t, 90)
	f.classifyAs(core.ClassificationFalsePositive, 92)

	alert := f.seed(t, core.SeverityMedium, "Scheduled vulnerability scan", map[string]interface{}{"dest_ip": "203.0.113.50"})
	require.NoError(t, f.engine.Triage(context.Background(), "tenant-a", alert.ID))

	stored := f.reload(t, alert.ID)
	assert.Equal(t, core.AlertStatusDismissed, stored.Status)
	assert.Equal(t, core.TriageStatusProcessed, stored.AITriageStatus)
	assert.Nil(t, stored.AIAnalysis.ActionTaken)
	assert.Empty(t, stored.AIAnalysis.Tags)

	actions, err := f.actions.ListActionsForAlert(context.Background(), "tenant-a", alert.ID)
	require.NoError(t, err)
	assert.Empty(t, actions)
	f.enqueuer.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
}

func TestTriage_BlocksMaliciousObservableWithoutIPField(t *testing.T) {
	f := newEngineFixture(t)
	f.enableAutopilot(t, 90)
	f.classifyAs(core.ClassificationTruePositive, 93)
	f.enqueuer.On("Enqueue", mock.Anything, mock.Anything).Return(nil)
	ctx := context.Background()

	alert := f.seed(t, core.SeverityCritical, "Beaconing from workstation", map[string]interface{}{
		"src_ip":  "10.0.4.12",
		"message": "periodic callbacks to 198.51.100.23",
	})
	_, err := f.observables.RecordSightings(ctx, "tenant-a", alert.ID, []core.Observable{
		{Type: core.ObservableIP, Value: "10.0.4.12"},
		{Type: core.ObservableIP, Value: "198.51.100.23"},
	}, testNow)
	require.NoError(t, err)
	require.NoError(t, f.observables.MarkMalicious(ctx, "tenant-a", core.ObservableIP, "198.51.100.23", true, []string{"c2"}))

	require.NoError(t, f.engine.Triage(ctx, "tenant-a", alert.ID))

	actions, err := f.actions.ListActionsForAlert(ctx, "tenant-a", alert.ID)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, core.SoarActionBlockIP, actions[0].ActionType)
	assert.Equal(t, "198.51.100.23", actions[0].Target)
}

func TestTriage_RansomwareBlocksAndIsolates(t *testing.T) {
	f := newEngineFixture(t)
	f.enableAutopilot(t, 90)
	f.classifyAs(core.ClassificationTruePositive, 99)
	f.enqueuer.On("Enqueue", mock.Anything, mock.Anything).Return(nil)

	alert := f.seed(t, core.SeverityCritical, "Ransomware encryption detected", map[string]interface{}{
		"dest_ip":  "203.0.113.50",
		"hostname": "ws-9",
	})
	require.NoError(t, f.engine.Triage(context.Background(), "tenant-a", alert.ID))

	actions, err := f.actions.ListActionsForAlert(context.Background(), "tenant-a", alert.ID)
	require.NoError(t, err)
	require.Len(t, actions, 2)

	stored := f.reload(t, alert.ID)
	taken := stored.AIAnalysis.ActionTaken
	require.NotNil(t, taken)
	assert.Equal(t, core.ActionTypeMulti, taken.Type)
	assert.Equal(t, core.SoarActionStatusSuccess, taken.Status)
	require.Len(t, taken.Steps, 2)
	assert.Equal(t, core.SoarActionBlockIP, taken.Steps[0].Type)
	assert.Equal(t, core.SoarActionIsolateHost, taken.Steps[1].Type)
	assert.Equal(t, "ws-9", taken.Steps[1].Target)
}

func TestTriage_DisabledActionsAreRecordedAsFailed(t *testing.T) {
	f := newEngineFixture(t)
	f.enableAutopilot(t, 90)
	f.classifyAs(core.ClassificationTruePositive, 95)
	f.enqueuer.On("Enqueue", mock.Anything, mock.Anything).Return(nil)

	logger := zap.NewNop().Sugar()
	f.engine.executor = soar.NewProviderExecutor(config.SOARConfig{
		DestructiveActionsEnabled: false,
		Firewall:                  "palo-alto",
		EDR:                       "crowdstrike",
	}, logger)

	alert := f.seed(t, core.SeverityCritical, "Outbound C2 traffic", map[string]interface{}{"dest_ip": "203.0.113.50"})
	require.NoError(t, f.engine.Triage(context.Background(), "tenant-a", alert.ID))

	actions, err := f.actions.ListActionsForAlert(context.Background(), "tenant-a", alert.ID)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, core.SoarActionStatusFailed, actions[0].Status)

	stored := f.reload(t, alert.ID)
	assert.Equal(t, core.TriageStatusProcessed, stored.AITriageStatus)
	assert.Equal(t, core.SoarActionStatusFailed, stored.AIAnalysis.ActionTaken.Status)
}

func TestTriage_ClassifierFailureMarksFailed(t *testing.T) {
	f := newEngineFixture(t)
	f.enableAutopilot(t, 90)
	f.classifier.On("Classify", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, ErrClassifierUnavailable)

	alert := f.seed(t, core.SeverityCritical, "Outbound C2 traffic", map[string]interface{}{"dest_ip": "203.0.113.50"})
	err := f.engine.Triage(context.Background(), "tenant-a", alert.ID)
	require.ErrorIs(t, err, ErrClassifierUnavailable)

	stored := f.reload(t, alert.ID)
	assert.Equal(t, core.TriageStatusFailed, stored.AITriageStatus)
	assert.Nil(t, stored.AIAnalysis)
	assert.Equal(t, core.AlertStatusNew, stored.Status)

	actions, err := f.actions.ListActionsForAlert(context.Background(), "tenant-a", alert.ID)
	require.NoError(t, err)
	assert.Empty(t, actions)
	f.enqueuer.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
}

func TestTriage_SkipsProcessedAlerts(t *testing.T) {
	f := newEngineFixture(t)
	f.classifyAs(core.ClassificationFalsePositive, 40)

	alert := f.seed(t, core.SeverityLow, "Noisy login", nil)
	require.NoError(t, f.engine.Triage(context.Background(), "tenant-a", alert.ID))
	require.NoError(t, f.engine.Triage(context.Background(), "tenant-a", alert.ID))

	f.classifier.AssertNumberOfCalls(t, "Classify", 1)
}

func TestTriage_AlreadyPromotedAlertIsNotPromotedAgain(t *testing.T) {
	f := newEngineFixture(t)
	f.classifyAs(core.ClassificationTruePositive, 90)
	f.enqueuer.On("Enqueue", mock.Anything, mock.Anything).Return(nil)

	alert := f.seed(t, core.SeverityCritical, "Credential dumping", nil)
	c, _, err := f.cases.PromoteAlert(context.Background(), "tenant-a", alert.ID, func(a *core.Alert) *core.Case {
		return core.CaseFromAlert(a, core.CaseCreatedByUser)
	}, testNow)
	require.NoError(t, err)

	require.NoError(t, f.engine.Triage(context.Background(), "tenant-a", alert.ID))

	stored := f.reload(t, alert.ID)
	assert.Equal(t, c.ID, stored.CaseID)
	assert.Empty(t, stored.AIAnalysis.PromotedCaseID)
	assert.False(t, stored.AIAnalysis.HasTag(core.TagAutoPromoted))

	cases, err := f.cases.ListCases(context.Background(), "tenant-a", 10)
	require.NoError(t, err)
	assert.Len(t, cases, 1)
}

// lockedOnceAlertStore fails the first CompleteTriage calls as a busy
// SQLite writer would.
type lockedOnceAlertStore struct {
	*storage.SQLiteAlertStorage
	failures int
}

func (s *lockedOnceAlertStore) CompleteTriage(ctx context.Context, tenantID, id string, verdict *core.TriageVerdict, dismiss bool, now time.Time) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("database is locked")
	}
	return s.SQLiteAlertStorage.CompleteTriage(ctx, tenantID, id, verdict, dismiss, now)
}

func TestTriage_RetryAfterVerdictStoreFailureReusesAutomation(t *testing.T) {
	f := newEngineFixture(t)
	f.enableAutopilot(t, 90)
	f.classifyAs(core.ClassificationTruePositive, 96)
	f.enqueuer.On("Enqueue", mock.Anything, mock.Anything).Return(nil)
	f.engine.alerts = &lockedOnceAlertStore{SQLiteAlertStorage: f.alerts, failures: 1}

	alert := f.seed(t, core.SeverityCritical, "Outbound C2 traffic", map[string]interface{}{"dest_ip": "203.0.113.50"})

	err := f.engine.Triage(context.Background(), "tenant-a", alert.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")

	interrupted := f.reload(t, alert.ID)
	assert.Equal(t, core.TriageStatusEnriching, interrupted.AITriageStatus, "committed automation must not be reported as a failed triage")
	assert.NotEmpty(t, interrupted.CaseID)
	f.enqueuer.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)

	require.NoError(t, f.engine.Triage(context.Background(), "tenant-a", alert.ID))

	actions, err := f.actions.ListActionsForAlert(context.Background(), "tenant-a", alert.ID)
	require.NoError(t, err)
	require.Len(t, actions, 1, "BLOCK_IP runs once across attempts")
	assert.Equal(t, core.SoarActionStatusSuccess, actions[0].Status)

	stored := f.reload(t, alert.ID)
	assert.Equal(t, core.TriageStatusProcessed, stored.AITriageStatus)
	require.NotNil(t, stored.AIAnalysis.ActionTaken)
	require.Len(t, stored.AIAnalysis.ActionTaken.Steps, 1)
	assert.Equal(t, actions[0].ID, stored.AIAnalysis.ActionTaken.Steps[0].SoarActionID)
	assert.Equal(t, interrupted.CaseID, stored.CaseID)
	assert.Equal(t, stored.CaseID, stored.AIAnalysis.PromotedCaseID)
	assert.True(t, stored.AIAnalysis.HasTag(core.TagAutoPromoted))

	cases, err := f.cases.ListCases(context.Background(), "tenant-a", 10)
	require.NoError(t, err)
	assert.Len(t, cases, 1)
	f.classifier.AssertNumberOfCalls(t, "Classify", 2)
}

func TestTriage_RetryKeepsEarlierActionsWhenVerdictChanges(t *testing.T) {
	f := newEngineFixture(t)
	f.enableAutopilot(t, 90)
	f.classifier.On("Classify", mock.Anything, mock.Anything, mock.Anything).
		Return(&core.TriageVerdict{Classification: core.ClassificationTruePositive, Confidence: 96}, nil).Once()
	f.classifier.On("Classify", mock.Anything, mock.Anything, mock.Anything).
		Return(&core.TriageVerdict{Classification: core.ClassificationFalsePositive, Confidence: 40}, nil).Once()
	f.engine.alerts = &lockedOnceAlertStore{SQLiteAlertStorage: f.alerts, failures: 1}

	alert := f.seed(t, core.SeverityCritical, "Outbound C2 traffic", map[string]interface{}{"dest_ip": "203.0.113.50"})
	require.Error(t, f.engine.Triage(context.Background(), "tenant-a", alert.ID))
	require.NoError(t, f.engine.Triage(context.Background(), "tenant-a", alert.ID))

	actions, err := f.actions.ListActionsForAlert(context.Background(), "tenant-a", alert.ID)
	require.NoError(t, err)
	require.Len(t, actions, 1)

	stored := f.reload(t, alert.ID)
	assert.Equal(t, core.TriageStatusProcessed, stored.AITriageStatus)
	assert.Equal(t, core.ClassificationFalsePositive, stored.AIAnalysis.Classification)
	require.NotNil(t, stored.AIAnalysis.ActionTaken)
	assert.Equal(t, actions[0].ID, stored.AIAnalysis.ActionTaken.Steps[0].SoarActionID)
	assert.Equal(t, stored.CaseID, stored.AIAnalysis.PromotedCaseID)
}

func TestTriage_MissingAlert(t *testing.T) {
	f := newEngineFixture(t)
	err := f.engine.Triage(context.Background(), "tenant-a", "missing")
	assert.True(t, errors.Is(err, storage.ErrAlertNotFound))
}

func TestTriageHandler(t *testing.T) {
	f := newEngineFixture(t)
	f.classifyAs(core.ClassificationFalsePositive, 95)

	alert := f.seed(t, core.SeverityLow, "Noisy login", nil)
	handler := TriageHandler(f.engine)
	require.NoError(t, handler(context.Background(), pipeline.NewTask(pipeline.KindTriage, "tenant-a", alert.ID)))
	assert.Equal(t, core.AlertStatusDismissed, f.reload(t, alert.ID).Status)
}
