package bootstrap

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/nutthakorn7/zcrai-sub000/config"
	"github.com/nutthakorn7/zcrai-sub000/storage"
	"go.uber.org/zap"
)

// poolMetricsInterval is how often SQLite pool statistics are exported
const poolMetricsInterval = 15 * time.Second

// StorageComponents holds all storage-related components.
type StorageComponents struct {
	SQLite      *storage.SQLite
	ClickHouse  *storage.ClickHouse
	Events      *storage.ClickHouseEventStore
	Alerts      *storage.SQLiteAlertStorage
	Cases       *storage.SQLiteCaseStorage
	Rules       *storage.SQLiteRuleStorage
	Correlation *storage.SQLiteCorrelationStorage
	Actions     *storage.SQLiteSoarActionStorage
	Observables *storage.SQLiteObservableStorage
	Tenants     *storage.SQLiteTenantStorage
	Feedback    *storage.SQLiteFeedbackStorage
}

// InitSQLite opens the metadata database, printing an operator-facing diagnosis on failure.
func InitSQLite(path string, sugar *zap.SugaredLogger) (*storage.SQLite, error) {
	sqlite, err := storage.NewSQLite(path, sugar)
	if err != nil {
		fmt.Fprintf(os.Stderr, "\n========================================\n")
		fmt.Fprintf(os.Stderr, "FATAL: SQLite Initialization Failed\n")
		fmt.Fprintf(os.Stderr, "========================================\n")
		fmt.Fprintf(os.Stderr, "%s\n", ClassifySQLiteError(err, path))
		fmt.Fprintf(os.Stderr, "========================================\n\n")
		return nil, fmt.Errorf("failed to initialize SQLite: %w", err)
	}
	return sqlite, nil
}

// InitClickHouse connects to the event store with retry logic.
func InitClickHouse(ctx context.Context, cfg config.ClickHouseConfig, sugar *zap.SugaredLogger) (*storage.ClickHouse, error) {
	const maxRetries = 3
	retryDelays := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

	var clickhouse *storage.ClickHouse
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			sugar.Infow("Retrying ClickHouse connection",
				"attempt", attempt,
				"max_retries", maxRetries,
				"delay", retryDelays[attempt-1])
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelays[attempt-1]):
			}
		}

		clickhouse, lastErr = storage.NewClickHouse(ctx, cfg, sugar)
		if lastErr == nil {
			break
		}

		sugar.Warnw("ClickHouse connection attempt failed",
			"attempt", attempt+1,
			"error", lastErr)
	}

	if lastErr != nil {
		fmt.Fprintf(os.Stderr, "\n========================================\n")
		fmt.Fprintf(os.Stderr, "FATAL: ClickHouse Connection Failed\n")
		fmt.Fprintf(os.Stderr, "========================================\n")
		fmt.Fprintf(os.Stderr, "%s\n", ClassifyConnectionError("ClickHouse", lastErr, cfg.Addr))
		fmt.Fprintf(os.Stderr, "========================================\n\n")
		return nil, fmt.Errorf("failed to connect to ClickHouse after %d attempts: %w", maxRetries+1, lastErr)
	}
	return clickhouse, nil
}

// InitStorage opens SQLite and, when enabled, ClickHouse, and builds every store over them.
func InitStorage(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (*StorageComponents, error) {
	sqlite, err := InitSQLite(cfg.DataPaths.SQLitePath, sugar)
	if err != nil {
		return nil, err
	}

	sc := &StorageComponents{
		SQLite:      sqlite,
		Alerts:      storage.NewSQLiteAlertStorage(sqlite, sugar),
		Cases:       storage.NewSQLiteCaseStorage(sqlite, sugar),
		Rules:       storage.NewSQLiteRuleStorage(sqlite, sugar),
		Correlation: storage.NewSQLiteCorrelationStorage(sqlite, sugar),
		Actions:     storage.NewSQLiteSoarActionStorage(sqlite, sugar),
		Observables: storage.NewSQLiteObservableStorage(sqlite, sugar),
		Tenants:     storage.NewSQLiteTenantStorage(sqlite, sugar),
		Feedback:    storage.NewSQLiteFeedbackStorage(sqlite, sugar),
	}

	if !cfg.ClickHouse.Enabled {
		sugar.Warn("ClickHouse disabled by configuration - detection rules will not run")
		return sc, nil
	}

	clickhouse, err := InitClickHouse(ctx, cfg.ClickHouse, sugar)
	if err != nil {
		sc.Close(sugar)
		return nil, err
	}
	sc.ClickHouse = clickhouse
	sc.Events = storage.NewClickHouseEventStore(clickhouse, sugar)
	return sc, nil
}

// Close closes the database connections
func (sc *StorageComponents) Close(sugar *zap.SugaredLogger) {
	if sc.ClickHouse != nil {
		if err := sc.ClickHouse.Close(); err != nil {
			sugar.Errorw("Failed to close ClickHouse connection", "error", err)
		}
	}
	if sc.SQLite != nil {
		if err := sc.SQLite.Close(); err != nil {
			sugar.Errorw("Failed to close SQLite", "error", err)
		}
	}
}
