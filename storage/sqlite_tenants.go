package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nutthakorn7/zcrai-sub000/core"
	"go.uber.org/zap"
)

// SQLiteTenantStorage persists per-tenant autopilot settings
type SQLiteTenantStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteTenantStorage creates a new SQLite tenant settings storage handler
func NewSQLiteTenantStorage(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteTenantStorage {
	return &SQLiteTenantStorage{
		sqlite: sqlite,
		logger: logger,
	}
}

// GetTenantSettings returns stored settings or the defaults when the tenant has none
func (s *SQLiteTenantStorage) GetTenantSettings(ctx context.Context, tenantID string) (core.TenantSettings, error) {
	var (
		autopilot int
		updatedAt string
	)
	settings := core.TenantSettings{TenantID: tenantID}
	err := s.sqlite.ReadDB.QueryRowContext(ctx, `
		SELECT autopilot_mode, autopilot_threshold, updated_at
		FROM tenant_settings WHERE tenant_id = ?`, tenantID,
	).Scan(&autopilot, &settings.AutopilotThreshold, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.DefaultTenantSettings(tenantID), nil
	}
	if err != nil {
		return core.TenantSettings{}, fmt.Errorf("failed to get tenant settings: %w", err)
	}
	settings.AutopilotMode = autopilot == 1
	settings.UpdatedAt = parseTime(updatedAt)
	return settings, nil
}

// SaveTenantSettings inserts or replaces a tenant's settings
func (s *SQLiteTenantStorage) SaveTenantSettings(ctx context.Context, settings core.TenantSettings, now time.Time) error {
	if _, err := s.sqlite.WriteDB.ExecContext(ctx, `
		INSERT INTO tenant_settings (tenant_id, autopilot_mode, autopilot_threshold, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE
		SET autopilot_mode = excluded.autopilot_mode,
			autopilot_threshold = excluded.autopilot_threshold,
			updated_at = excluded.updated_at`,
		settings.TenantID, boolToInt(settings.AutopilotMode), settings.AutopilotThreshold, formatTime(now)); err != nil {
		return fmt.Errorf("failed to save tenant settings: %w", err)
	}
	return nil
}
