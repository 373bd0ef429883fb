package triage

import (
	"context"
	"testing"
	"time"

	"github.com/nutthakorn7/zcrai-sub000/core"
	"github.com/nutthakorn7/zcrai-sub000/notify"
	"github.com/nutthakorn7/zcrai-sub000/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(ctx context.Context, tenantID string, n notify.Notification) {
	m.Called(ctx, tenantID, n)
}

type countingSettingsStore struct {
	calls int
}

func (s *countingSettingsStore) GetTenantSettings(_ context.Context, tenantID string) (core.TenantSettings, error) {
	s.calls++
	return core.DefaultTenantSettings(tenantID), nil
}

func TestSettingsCache(t *testing.T) {
	store := &countingSettingsStore{}
	cache := NewSettingsCache(store, 10, time.Minute)

	for i := 0; i < 3; i++ {
		s, err := cache.Get(context.Background(), "tenant-a")
		require.NoError(t, err)
		assert.Equal(t, core.DefaultAutopilotThreshold, s.AutopilotThreshold)
	}
	assert.Equal(t, 1, store.calls)

	cache.Invalidate("tenant-a")
	_, err := cache.Get(context.Background(), "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, 2, store.calls)
}

func TestInvestigationHandler(t *testing.T) {
	f := newEngineFixture(t)
	f.enableAutopilot(t, 90)
	f.classifyAs(core.ClassificationTruePositive, 96)
	f.enqueuer.On("Enqueue", mock.Anything, mock.Anything).Return(nil)

	alert := f.seed(t, core.SeverityCritical, "Outbound C2 traffic", map[string]interface{}{"dest_ip": "203.0.113.50"})
	require.NoError(t, f.engine.Triage(context.Background(), "tenant-a", alert.ID))

	sender := new(mockSender)
	sender.On("Send", mock.Anything, "tenant-a", mock.MatchedBy(func(n notify.Notification) bool {
		return n.Type == notify.NotificationInvestigation &&
			n.Title == "Investigation: Outbound C2 traffic" &&
			n.Message == "model says so" &&
			n.Metadata["action_taken"] == string(core.SoarActionBlockIP) &&
			n.Metadata["case_id"] != nil
	})).Return()

	handler := InvestigationHandler(f.alerts, sender, zap.NewNop().Sugar())
	require.NoError(t, handler(context.Background(), pipeline.NewTask(pipeline.KindInvestigate, "tenant-a", alert.ID)))
	sender.AssertExpectations(t)

	err := handler(context.Background(), pipeline.NewTask(pipeline.KindInvestigate, "tenant-a", "missing"))
	assert.Error(t, err)
}
