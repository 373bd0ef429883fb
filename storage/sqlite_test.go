package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/nutthakorn7/zcrai-sub000/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testNow = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

// setupTestDB opens a fresh database in a temp dir and closes it when the test ends
func setupTestDB(t *testing.T) *SQLite {
	t.Helper()
	sqlite, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"), zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return sqlite
}

// seedAlert inserts a new alert through the dedup path
func seedAlert(t *testing.T, store *SQLiteAlertStorage, tenantID, title string, severity core.Severity, at time.Time) *core.Alert {
	t.Helper()
	candidate := &core.Alert{
		TenantID: tenantID,
		Source:   "edr",
		Severity: severity,
		Title:    title,
	}
	candidate.Fingerprint = core.FingerprintAlert(candidate, nil)
	res, err := store.UpsertAlert(context.Background(), candidate, core.DefaultDedupWindow, at)
	require.NoError(t, err)
	require.True(t, res.Created)
	return res.Alert
}

func TestNewSQLite_ConfiguresPools(t *testing.T) {
	sqlite := setupTestDB(t)

	assert.Equal(t, 1, sqlite.WriteDB.Stats().MaxOpenConnections)

	var mode string
	require.NoError(t, sqlite.WriteDB.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	// read pool must refuse writes
	_, err := sqlite.ReadDB.Exec(`INSERT INTO tenant_settings (tenant_id, autopilot_mode, autopilot_threshold, updated_at)
		VALUES ('t', 0, 90, 'x')`)
	assert.Error(t, err)

	require.NoError(t, sqlite.HealthCheck(context.Background()))
}

func TestNewSQLite_RejectsUnsafePaths(t *testing.T) {
	logger := zap.NewNop().Sugar()

	_, err := NewSQLite("", logger)
	assert.Error(t, err)

	_, err = NewSQLite("data/../../etc/zcrai.db", logger)
	assert.Error(t, err)

	_, err = NewSQLite("/etc/zcrai.db", logger)
	assert.Error(t, err)
}

func TestSQLite_Close(t *testing.T) {
	sqlite, err := NewSQLite(filepath.Join(t.TempDir(), "closed.db"), zap.NewNop().Sugar())
	require.NoError(t, err)

	require.NoError(t, sqlite.Close())
	require.NoError(t, sqlite.Close(), "second close is a no-op")

	assert.ErrorIs(t, sqlite.HealthCheck(context.Background()), ErrDatabaseClosed)
	assert.ErrorIs(t, sqlite.WithTransaction(context.Background(), nil), ErrDatabaseClosed)
}

func TestWithTransaction_RollsBackOnError(t *testing.T) {
	sqlite := setupTestDB(t)
	tenants := NewSQLiteTenantStorage(sqlite, zap.NewNop().Sugar())
	ctx := context.Background()

	err := sqlite.WithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO tenant_settings (tenant_id, autopilot_mode, autopilot_threshold, updated_at)
			VALUES ('tenant-a', 1, 70, ?)`, formatTime(testNow))
		require.NoError(t, err)
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	settings, err := tenants.GetTenantSettings(ctx, "tenant-a")
	require.NoError(t, err)
	assert.False(t, settings.AutopilotMode, "insert must be rolled back")
}

func TestTimeCodec_SortsChronologically(t *testing.T) {
	early := formatTime(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	late := formatTime(time.Date(2026, 1, 2, 3, 4, 5, 1000, time.UTC))
	assert.Less(t, early, late)

	// non-UTC input is normalised
	local := time.Date(2026, 1, 2, 10, 4, 5, 0, time.FixedZone("ICT", 7*3600))
	assert.Equal(t, early, formatTime(local))
	assert.True(t, parseTime(early).Equal(local))
}
