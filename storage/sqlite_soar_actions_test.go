package storage

import (
	"context"
	"testing"
	"time"

	"github.com/nutthakorn7/zcrai-sub000/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSoarAction_PendingThenTerminal(t *testing.T) {
	store := NewSQLiteSoarActionStorage(setupTestDB(t), zap.NewNop().Sugar())
	ctx := context.Background()

	action := &core.SoarAction{
		TenantID:    "tenant-a",
		AlertID:     "alert-1",
		ActionType:  core.SoarActionBlockIP,
		Target:      "203.0.113.7",
		Provider:    "simulated-firewall",
		Status:      core.SoarActionStatusSuccess, // overwritten on insert
		TriggeredBy: core.TriggeredByAI,
	}
	require.NoError(t, store.CreatePendingAction(ctx, action, testNow))
	assert.Equal(t, core.SoarActionStatusPending, action.Status)

	stored, err := store.GetAction(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, core.SoarActionStatusPending, stored.Status)
	assert.Nil(t, stored.Result)

	result := map[string]interface{}{"rule_id": "fw-123"}
	require.NoError(t, store.CompleteAction(ctx, action.ID, core.SoarActionStatusSuccess, result, testNow.Add(time.Second)))

	stored, err = store.GetAction(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, core.SoarActionStatusSuccess, stored.Status)
	assert.Equal(t, "fw-123", stored.Result["rule_id"])

	// terminal status is written exactly once
	err = store.CompleteAction(ctx, action.ID, core.SoarActionStatusFailed, nil, testNow.Add(2*time.Second))
	assert.ErrorIs(t, err, ErrSoarActionNotPending)

	stored, err = store.GetAction(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, core.SoarActionStatusSuccess, stored.Status)
}

func TestSoarAction_CompleteRejectsNonTerminal(t *testing.T) {
	store := NewSQLiteSoarActionStorage(setupTestDB(t), zap.NewNop().Sugar())
	ctx := context.Background()

	action := &core.SoarAction{TenantID: "tenant-a", ActionType: core.SoarActionIsolateHost, Target: "ws-01", TriggeredBy: core.TriggeredByUser}
	require.NoError(t, store.CreatePendingAction(ctx, action, testNow))

	assert.Error(t, store.CompleteAction(ctx, action.ID, core.SoarActionStatusPending, nil, testNow))
	assert.ErrorIs(t, store.CompleteAction(ctx, "missing", core.SoarActionStatusFailed, nil, testNow), ErrSoarActionNotFound)
}

func TestListActionsForAlert(t *testing.T) {
	store := NewSQLiteSoarActionStorage(setupTestDB(t), zap.NewNop().Sugar())
	ctx := context.Background()

	block := &core.SoarAction{TenantID: "tenant-a", AlertID: "alert-1", ActionType: core.SoarActionBlockIP, Target: "203.0.113.7", TriggeredBy: core.TriggeredByAI}
	isolate := &core.SoarAction{TenantID: "tenant-a", AlertID: "alert-1", ActionType: core.SoarActionIsolateHost, Target: "ws-01", TriggeredBy: core.TriggeredByAI}
	other := &core.SoarAction{TenantID: "tenant-a", AlertID: "alert-2", ActionType: core.SoarActionBlockIP, Target: "198.51.100.1", TriggeredBy: core.TriggeredByAI}

	require.NoError(t, store.CreatePendingAction(ctx, block, testNow))
	require.NoError(t, store.CreatePendingAction(ctx, isolate, testNow.Add(time.Second)))
	require.NoError(t, store.CreatePendingAction(ctx, other, testNow))

	actions, err := store.ListActionsForAlert(ctx, "tenant-a", "alert-1")
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, block.ID, actions[0].ID)
	assert.Equal(t, isolate.ID, actions[1].ID)
}
