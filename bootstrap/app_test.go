package bootstrap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nutthakorn7/zcrai-sub000/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf(`
data_paths:
  data_dir: %s
clickhouse:
  enabled: false
metrics:
  enabled: false
pipeline:
  backend: memory
  workers: 2
notifications:
  channels: [log]
`, filepath.Join(dir, "data"))
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	level := zapcore.ErrorLevel
	app, err := NewApp(context.Background(), Options{ConfigPath: writeConfig(t), LogLevel: &level})
	require.NoError(t, err)
	t.Cleanup(app.Shutdown)
	return app
}

func TestNewApp_WiresComponents(t *testing.T) {
	app := newTestApp(t)

	assert.NotNil(t, app.Storage.SQLite)
	assert.Nil(t, app.Storage.ClickHouse)
	assert.Nil(t, app.Runner, "no event store means no detection runner")
	assert.Nil(t, app.Scheduler)
	assert.Nil(t, app.OpsServer)
	assert.Nil(t, app.Redis)
	assert.NotNil(t, app.Triage)
	assert.NotNil(t, app.Alerts)
}

func TestApp_AlertFlowsThroughPipeline(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()
	require.NoError(t, app.Start(ctx))

	res, err := app.Alerts.CreateAlert(ctx, core.AlertInput{
		TenantID: "tenant-a",
		Source:   "crowdstrike",
		Severity: core.SeverityHigh,
		Title:    "Suspicious PowerShell",
		RawData:  map[string]interface{}{"hostname": "ws-9"},
	})
	require.NoError(t, err)
	require.True(t, res.Created)

	require.Eventually(t, func() bool {
		alert, err := app.Storage.Alerts.GetAlert(ctx, "tenant-a", res.Alert.ID)
		return err == nil && alert.AITriageStatus == core.TriageStatusProcessed
	}, 5*time.Second, 20*time.Millisecond)

	alert, err := app.Storage.Alerts.GetAlert(ctx, "tenant-a", res.Alert.ID)
	require.NoError(t, err)
	require.NotNil(t, alert.AIAnalysis)
	assert.True(t, alert.AIAnalysis.Fallback, "mock classifier verdict")
	assert.Empty(t, alert.CaseID, "fallback verdict never promotes")
}

func TestApp_ShutdownIsIdempotent(t *testing.T) {
	app := newTestApp(t)
	require.NoError(t, app.StartPipeline(context.Background()))
	app.Shutdown()
	app.Shutdown()
}

func TestNewApp_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipeline:\n  backend: kafka\n"), 0600))

	level := zapcore.ErrorLevel
	_, err := NewApp(context.Background(), Options{ConfigPath: path, LogLevel: &level})
	assert.Error(t, err)
}
