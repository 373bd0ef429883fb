package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nutthakorn7/zcrai-sub000/metrics"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLite holds the metadata database.
// WAL mode allows one writer and many readers, so writes go through a single-connection
// pool and reads through a query_only pool.
type SQLite struct {
	WriteDB *sql.DB
	ReadDB  *sql.DB
	Path    string
	Logger  *zap.SugaredLogger

	prevWriteWaitCount int64
	prevReadWaitCount  int64
	closed             atomic.Bool
}

func configureWritePool(db *sql.DB, logger *zap.SugaredLogger, dbPath string) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	var fkEnabled int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled); err != nil {
		return fmt.Errorf("failed to verify foreign keys: %w", err)
	}
	if fkEnabled != 1 {
		return fmt.Errorf("foreign keys not enabled (got: %d)", fkEnabled)
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to query journal mode: %w", err)
	}
	// in-memory databases report "memory"
	if dbPath != ":memory:" && journalMode != "wal" {
		return fmt.Errorf("WAL mode not enabled (got: %s)", journalMode)
	}
	logger.Debugw("SQLite write pool configured", "journal_mode", journalMode)
	return nil
}

// verifyReadPool checks that read connections refuse writes
func verifyReadPool(db *sql.DB) error {
	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping SQLite read pool: %w", err)
	}
	var queryOnly int
	if err := db.QueryRow("PRAGMA query_only").Scan(&queryOnly); err != nil {
		return fmt.Errorf("failed to verify query_only mode: %w", err)
	}
	if queryOnly != 1 {
		return fmt.Errorf("query_only mode not enabled on read pool (got: %d)", queryOnly)
	}
	return nil
}

// NewSQLite opens the database at dbPath, creating parent directories and the schema
func NewSQLite(dbPath string, logger *zap.SugaredLogger) (*SQLite, error) {
	if err := validateDatabasePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// both pools must see the same in-memory database
	actualPath := dbPath
	if dbPath == ":memory:" {
		actualPath = "file::memory:?cache=shared"
	}

	writeDB, err := sql.Open("sqlite", actualPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite write database: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)
	if err := configureWritePool(writeDB, logger, dbPath); err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to configure write connection: %w", err)
	}

	// _pragma parameters are applied by the driver to every new connection
	readDSN := actualPath + querySeparator(actualPath) +
		"_pragma=query_only(1)&_pragma=busy_timeout(5000)"
	readDB, err := sql.Open("sqlite", readDSN)
	if err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to open SQLite read database: %w", err)
	}
	readDB.SetMaxOpenConns(10)
	readDB.SetMaxIdleConns(5)
	readDB.SetConnMaxLifetime(5 * time.Minute)
	readDB.SetConnMaxIdleTime(10 * time.Minute)

	s := &SQLite{
		WriteDB: writeDB,
		ReadDB:  readDB,
		Path:    dbPath,
		Logger:  logger,
	}

	if err := s.createTables(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	if err := verifyReadPool(readDB); err != nil {
		_ = s.Close()
		return nil, err
	}

	logger.Infow("SQLite database initialized", "path", dbPath)
	return s, nil
}

func querySeparator(dsn string) string {
	if strings.Contains(dsn, "?") {
		return "&"
	}
	return "?"
}

// WithTransaction runs fn in a write transaction, rolling back on error or panic
func (s *SQLite) WithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	if s.closed.Load() {
		return ErrDatabaseClosed
	}
	tx, err := s.WriteDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("failed to rollback transaction (original error: %w, rollback error: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLite) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cases (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		severity TEXT NOT NULL,
		status TEXT NOT NULL,
		source_alert_id TEXT,
		created_by TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cases_tenant_created ON cases(tenant_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		source TEXT NOT NULL,
		severity TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		raw_data TEXT, -- JSON object
		status TEXT NOT NULL DEFAULT 'new',
		duplicate_count INTEGER NOT NULL DEFAULT 1,
		first_seen_at TEXT NOT NULL,
		last_seen_at TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		case_id TEXT REFERENCES cases(id),
		rule_id TEXT,
		ai_triage_status TEXT NOT NULL DEFAULT 'pending',
		ai_analysis TEXT -- JSON TriageVerdict
	);
	CREATE INDEX IF NOT EXISTS idx_alerts_dedup ON alerts(tenant_id, fingerprint, last_seen_at DESC);
	CREATE INDEX IF NOT EXISTS idx_alerts_tenant_created ON alerts(tenant_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_alerts_source_severity ON alerts(tenant_id, source, severity, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_alerts_title ON alerts(tenant_id, title COLLATE NOCASE);
	CREATE INDEX IF NOT EXISTS idx_alerts_case ON alerts(case_id);

	CREATE TABLE IF NOT EXISTS detection_rules (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		severity TEXT NOT NULL,
		query TEXT NOT NULL,
		is_enabled INTEGER NOT NULL DEFAULT 1,
		run_interval_seconds INTEGER NOT NULL DEFAULT 300,
		last_run_at TEXT,
		actions TEXT, -- JSON RuleActions
		mitre_tactic TEXT NOT NULL DEFAULT '',
		mitre_technique TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(tenant_id, name)
	);
	CREATE INDEX IF NOT EXISTS idx_detection_rules_enabled ON detection_rules(is_enabled);

	CREATE TABLE IF NOT EXISTS correlations (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		primary_alert_id TEXT NOT NULL REFERENCES alerts(id) ON DELETE CASCADE,
		related_alert_ids TEXT NOT NULL, -- JSON array, most recent first
		reason TEXT NOT NULL,
		confidence REAL NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_correlations_primary ON correlations(tenant_id, primary_alert_id, reason);

	CREATE TABLE IF NOT EXISTS soar_actions (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		alert_id TEXT,
		case_id TEXT,
		action_type TEXT NOT NULL,
		target TEXT NOT NULL,
		provider TEXT NOT NULL,
		status TEXT NOT NULL,
		result TEXT, -- JSON object
		triggered_by TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_soar_actions_alert ON soar_actions(tenant_id, alert_id);

	CREATE TABLE IF NOT EXISTS observables (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		type TEXT NOT NULL,
		value TEXT NOT NULL,
		is_malicious INTEGER NOT NULL DEFAULT 0,
		sighting_count INTEGER NOT NULL DEFAULT 1,
		tags TEXT, -- JSON array
		first_seen TEXT NOT NULL,
		last_seen TEXT NOT NULL,
		UNIQUE(tenant_id, type, value)
	);

	CREATE TABLE IF NOT EXISTS alert_observables (
		alert_id TEXT NOT NULL REFERENCES alerts(id) ON DELETE CASCADE,
		observable_id TEXT NOT NULL REFERENCES observables(id) ON DELETE CASCADE,
		PRIMARY KEY (alert_id, observable_id)
	);
	CREATE INDEX IF NOT EXISTS idx_alert_observables_observable ON alert_observables(observable_id);

	CREATE TABLE IF NOT EXISTS tenant_settings (
		tenant_id TEXT PRIMARY KEY,
		autopilot_mode INTEGER NOT NULL DEFAULT 0,
		autopilot_threshold INTEGER NOT NULL DEFAULT 90,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS alert_feedback (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		alert_id TEXT NOT NULL REFERENCES alerts(id) ON DELETE CASCADE,
		verdict TEXT NOT NULL,
		comment TEXT NOT NULL DEFAULT '',
		analyst TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_alert_feedback_alert ON alert_feedback(tenant_id, alert_id);
	`

	if _, err := s.WriteDB.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes both connection pools
func (s *SQLite) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var writeErr, readErr error
	if s.WriteDB != nil {
		writeErr = s.WriteDB.Close()
	}
	if s.ReadDB != nil {
		readErr = s.ReadDB.Close()
	}
	if writeErr != nil {
		return fmt.Errorf("failed to close write pool: %w", writeErr)
	}
	if readErr != nil {
		return fmt.Errorf("failed to close read pool: %w", readErr)
	}
	return nil
}

// HealthCheck verifies both pools are alive
func (s *SQLite) HealthCheck(ctx context.Context) error {
	if s.closed.Load() {
		return ErrDatabaseClosed
	}
	if err := s.WriteDB.PingContext(ctx); err != nil {
		return fmt.Errorf("write pool: %w", err)
	}
	if err := s.ReadDB.PingContext(ctx); err != nil {
		return fmt.Errorf("read pool: %w", err)
	}
	return nil
}

// StartMetricsCollection periodically exports pool statistics until ctx is done
func (s *SQLite) StartMetricsCollection(ctx context.Context, interval time.Duration) {
	s.updatePoolMetrics()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.updatePoolMetrics()
			}
		}
	}()
}

func (s *SQLite) updatePoolMetrics() {
	s.exportPoolStats("write", s.WriteDB.Stats(), &s.prevWriteWaitCount)
	s.exportPoolStats("read", s.ReadDB.Stats(), &s.prevReadWaitCount)
}

func (s *SQLite) exportPoolStats(pool string, stats sql.DBStats, prevWaitCount *int64) {
	metrics.SQLitePoolOpenConnections.WithLabelValues(pool).Set(float64(stats.OpenConnections))
	metrics.SQLitePoolInUse.WithLabelValues(pool).Set(float64(stats.InUse))

	// counters only move forward
	if delta := stats.WaitCount - *prevWaitCount; delta > 0 {
		metrics.SQLitePoolWaitCount.WithLabelValues(pool).Add(float64(delta))
		*prevWaitCount = stats.WaitCount
	}
}

// validateDatabasePath rejects traversal, null bytes and absolute paths outside the temp dir
func validateDatabasePath(dbPath string) error {
	if dbPath == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if dbPath == ":memory:" {
		return nil
	}
	if len(dbPath) > 512 {
		return fmt.Errorf("database path exceeds maximum length of 512 characters")
	}
	if strings.Contains(dbPath, "\x00") {
		return fmt.Errorf("null bytes not allowed in path")
	}
	if strings.Contains(dbPath, "..") {
		return fmt.Errorf("path traversal not allowed (..): %s", dbPath)
	}
	if filepath.IsAbs(dbPath) && !strings.HasPrefix(dbPath, os.TempDir()) {
		return fmt.Errorf("absolute paths not allowed: %s", dbPath)
	}
	return nil
}
