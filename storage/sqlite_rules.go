package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nutthakorn7/zcrai-sub000/core"
	"go.uber.org/zap"
)

const ruleColumns = `id, tenant_id, name, description, severity, query, is_enabled, run_interval_seconds,
	last_run_at, actions, mitre_tactic, mitre_technique, created_at, updated_at`

// SQLiteRuleStorage persists detection rules
type SQLiteRuleStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteRuleStorage creates a new SQLite rule storage handler
func NewSQLiteRuleStorage(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteRuleStorage {
	return &SQLiteRuleStorage{
		sqlite: sqlite,
		logger: logger,
	}
}

// CreateRule inserts a new rule. Returns ErrDuplicateRule if the tenant already has a rule with that name.
func (s *SQLiteRuleStorage) CreateRule(ctx context.Context, rule *core.DetectionRule, now time.Time) error {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	rule.CreatedAt = now.UTC()
	rule.UpdatedAt = now.UTC()

	actions, err := marshalJSON(rule.Actions)
	if err != nil {
		return err
	}

	_, err = s.sqlite.WriteDB.ExecContext(ctx, `
		INSERT INTO detection_rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID, rule.TenantID, rule.Name, rule.Description, string(rule.Severity), rule.Query,
		boolToInt(rule.IsEnabled), rule.RunIntervalSeconds, formatNullableTime(rule.LastRunAt), actions,
		rule.MitreTactic, rule.MitreTechnique, formatTime(rule.CreatedAt), formatTime(rule.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateRule, rule.Name)
		}
		return fmt.Errorf("failed to insert rule: %w", err)
	}
	return nil
}

// UpsertRuleByName creates the rule or replaces the definition of the tenant's rule with the same name.
// The existing id and last_run_at survive so re-importing does not re-scan old events.
func (s *SQLiteRuleStorage) UpsertRuleByName(ctx context.Context, rule *core.DetectionRule, now time.Time) (created bool, err error) {
	actions, err := marshalJSON(rule.Actions)
	if err != nil {
		return false, err
	}

	err = s.sqlite.WithTransaction(ctx, func(tx *sql.Tx) error {
		var existingID string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM detection_rules WHERE tenant_id = ? AND name = ?`,
			rule.TenantID, rule.Name).Scan(&existingID)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			if rule.ID == "" {
				rule.ID = uuid.New().String()
			}
			rule.CreatedAt = now.UTC()
			rule.UpdatedAt = now.UTC()
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO detection_rules (`+ruleColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, ?, ?, ?)`,
				rule.ID, rule.TenantID, rule.Name, rule.Description, string(rule.Severity), rule.Query,
				boolToInt(rule.IsEnabled), rule.RunIntervalSeconds, actions,
				rule.MitreTactic, rule.MitreTechnique, formatTime(now), formatTime(now)); err != nil {
				return fmt.Errorf("failed to insert rule: %w", err)
			}
			created = true
			return nil

		case err != nil:
			return fmt.Errorf("failed to look up rule: %w", err)
		}

		rule.ID = existingID
		rule.UpdatedAt = now.UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE detection_rules
			SET description = ?, severity = ?, query = ?, is_enabled = ?, run_interval_seconds = ?,
				actions = ?, mitre_tactic = ?, mitre_technique = ?, updated_at = ?
			WHERE id = ?`,
			rule.Description, string(rule.Severity), rule.Query, boolToInt(rule.IsEnabled),
			rule.RunIntervalSeconds, actions, rule.MitreTactic, rule.MitreTechnique,
			formatTime(now), existingID); err != nil {
			return fmt.Errorf("failed to update rule: %w", err)
		}
		return nil
	})
	return created, err
}

// GetRule retrieves a rule by ID
func (s *SQLiteRuleStorage) GetRule(ctx context.Context, id string) (*core.DetectionRule, error) {
	row := s.sqlite.ReadDB.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM detection_rules WHERE id = ?`, id)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

// ListEnabledRules returns enabled rules of every tenant, ordered by name
func (s *SQLiteRuleStorage) ListEnabledRules(ctx context.Context) ([]*core.DetectionRule, error) {
	return s.queryRules(ctx,
		`SELECT `+ruleColumns+` FROM detection_rules WHERE is_enabled = 1 ORDER BY tenant_id, name`)
}

// ListRules returns all rules of a tenant
func (s *SQLiteRuleStorage) ListRules(ctx context.Context, tenantID string) ([]*core.DetectionRule, error) {
	return s.queryRules(ctx,
		`SELECT `+ruleColumns+` FROM detection_rules WHERE tenant_id = ? ORDER BY name`, tenantID)
}

// UpdateLastRunAt records a completed run
func (s *SQLiteRuleStorage) UpdateLastRunAt(ctx context.Context, id string, runAt time.Time) error {
	res, err := s.sqlite.WriteDB.ExecContext(ctx,
		`UPDATE detection_rules SET last_run_at = ?, updated_at = ? WHERE id = ?`,
		formatTime(runAt), formatTime(runAt), id)
	if err != nil {
		return fmt.Errorf("failed to update last_run_at: %w", err)
	}
	return requireAffected(res, ErrRuleNotFound)
}

// SetRuleEnabled toggles a rule
func (s *SQLiteRuleStorage) SetRuleEnabled(ctx context.Context, id string, enabled bool, now time.Time) error {
	res, err := s.sqlite.WriteDB.ExecContext(ctx,
		`UPDATE detection_rules SET is_enabled = ?, updated_at = ? WHERE id = ?`,
		boolToInt(enabled), formatTime(now), id)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	return requireAffected(res, ErrRuleNotFound)
}

func (s *SQLiteRuleStorage) queryRules(ctx context.Context, query string, args ...interface{}) ([]*core.DetectionRule, error) {
	rows, err := s.sqlite.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	rules := make([]*core.DetectionRule, 0)
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			// one malformed actions blob should not hide every other rule
			s.logger.Warnw("Skipping unreadable rule", "error", err)
			continue
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}
	return rules, nil
}

func scanRule(row rowScanner) (*core.DetectionRule, error) {
	var (
		r                    core.DetectionRule
		severity             string
		enabled              int
		lastRun, actions     sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&r.ID, &r.TenantID, &r.Name, &r.Description, &severity, &r.Query, &enabled,
		&r.RunIntervalSeconds, &lastRun, &actions, &r.MitreTactic, &r.MitreTechnique,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}
	r.Severity = core.Severity(severity)
	r.IsEnabled = enabled == 1
	r.LastRunAt = parseNullableTime(lastRun)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	if err := unmarshalJSON(actions, &r.Actions); err != nil {
		return nil, fmt.Errorf("rule %s: %w", r.ID, err)
	}
	return &r, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
