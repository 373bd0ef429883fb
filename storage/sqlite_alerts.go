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

const alertColumns = `id, tenant_id, fingerprint, source, severity, title, description, raw_data,
	status, duplicate_count, first_seen_at, last_seen_at, created_at, updated_at,
	case_id, rule_id, ai_triage_status, ai_analysis`

// SQLiteAlertStorage persists alerts and enforces the dedup invariant
type SQLiteAlertStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteAlertStorage creates a new SQLite alert storage handler
func NewSQLiteAlertStorage(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteAlertStorage {
	return &SQLiteAlertStorage{
		sqlite: sqlite,
		logger: logger,
	}
}

// UpsertAlert collapses candidate into an existing alert with the same (tenant, fingerprint)
// whose last_seen_at is within window of now, or inserts it as a new alert.
// Lookup and write share one transaction on the single-writer pool, so concurrent
// upserts of the same fingerprint cannot both insert.
func (s *SQLiteAlertStorage) UpsertAlert(ctx context.Context, candidate *core.Alert, window time.Duration, now time.Time) (*core.UpsertResult, error) {
	if candidate.TenantID == "" || candidate.Fingerprint == "" {
		return nil, fmt.Errorf("tenant_id and fingerprint are required")
	}
	now = now.UTC()

	rawData, err := marshalJSON(candidate.RawData)
	if err != nil {
		return nil, err
	}

	var result *core.UpsertResult
	err = s.sqlite.WithTransaction(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT `+alertColumns+`
			FROM alerts
			WHERE tenant_id = ? AND fingerprint = ? AND last_seen_at >= ?
			ORDER BY last_seen_at DESC
			LIMIT 1`,
			candidate.TenantID, candidate.Fingerprint, formatTime(now.Add(-window)))

		existing, err := scanAlert(row)
		switch {
		case err == nil:
			if _, err := tx.ExecContext(ctx, `
				UPDATE alerts
				SET duplicate_count = duplicate_count + 1,
					last_seen_at = ?,
					updated_at = ?,
					description = ?,
					raw_data = ?
				WHERE id = ?`,
				formatTime(now), formatTime(now), candidate.Description, rawData, existing.ID); err != nil {
				return fmt.Errorf("failed to update duplicate alert: %w", err)
			}
			existing.DuplicateCount++
			existing.LastSeenAt = now
			existing.UpdatedAt = now
			existing.Description = candidate.Description
			existing.RawData = candidate.RawData
			result = &core.UpsertResult{Alert: existing, Created: false}
			return nil

		case errors.Is(err, sql.ErrNoRows):
			alert := *candidate
			if alert.ID == "" {
				alert.ID = uuid.New().String()
			}
			alert.Status = core.AlertStatusNew
			alert.DuplicateCount = 1
			alert.FirstSeenAt = now
			alert.LastSeenAt = now
			alert.CreatedAt = now
			alert.UpdatedAt = now
			alert.AITriageStatus = core.TriageStatusPending
			alert.CaseID = ""
			alert.AIAnalysis = nil

			if _, err := tx.ExecContext(ctx, `
				INSERT INTO alerts (`+alertColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, NULL)`,
				alert.ID, alert.TenantID, alert.Fingerprint, alert.Source, string(alert.Severity),
				alert.Title, alert.Description, rawData, string(alert.Status), alert.DuplicateCount,
				formatTime(now), formatTime(now), formatTime(now), formatTime(now),
				nullString(alert.RuleID), string(alert.AITriageStatus)); err != nil {
				return fmt.Errorf("failed to insert alert: %w", err)
			}
			result = &core.UpsertResult{Alert: &alert, Created: true}
			return nil

		default:
			return fmt.Errorf("failed to look up alert by fingerprint: %w", err)
		}
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetAlert retrieves an alert scoped to its tenant
func (s *SQLiteAlertStorage) GetAlert(ctx context.Context, tenantID, id string) (*core.Alert, error) {
	row := s.sqlite.ReadDB.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE tenant_id = ? AND id = ?`, tenantID, id)
	alert, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAlertNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	return alert, nil
}

// ListAlertsCreatedBetween returns tenant alerts with created_at in [from, to], most recent first
func (s *SQLiteAlertStorage) ListAlertsCreatedBetween(ctx context.Context, tenantID string, from, to time.Time, excludeID string, limit int) ([]*core.Alert, error) {
	return s.queryAlerts(ctx, `
		SELECT `+alertColumns+`
		FROM alerts
		WHERE tenant_id = ? AND created_at >= ? AND created_at <= ? AND id != ?
		ORDER BY created_at DESC
		LIMIT ?`,
		tenantID, formatTime(from), formatTime(to), excludeID, limit)
}

// ListAlertsBySourceSeverity returns tenant alerts sharing source and severity, most recent first
func (s *SQLiteAlertStorage) ListAlertsBySourceSeverity(ctx context.Context, tenantID, source string, severity core.Severity, excludeID string, limit int) ([]*core.Alert, error) {
	return s.queryAlerts(ctx, `
		SELECT `+alertColumns+`
		FROM alerts
		WHERE tenant_id = ? AND source = ? AND severity = ? AND id != ?
		ORDER BY created_at DESC
		LIMIT ?`,
		tenantID, source, string(severity), excludeID, limit)
}

// ListAlertsByTitle returns tenant alerts whose title matches case-insensitively, most recent first
func (s *SQLiteAlertStorage) ListAlertsByTitle(ctx context.Context, tenantID, title, excludeID string, limit int) ([]*core.Alert, error) {
	return s.queryAlerts(ctx, `
		SELECT `+alertColumns+`
		FROM alerts
		WHERE tenant_id = ? AND title = ? COLLATE NOCASE AND id != ?
		ORDER BY created_at DESC
		LIMIT ?`,
		tenantID, strings.TrimSpace(title), excludeID, limit)
}

// ListAlertsByCase returns the alerts linked to a case
func (s *SQLiteAlertStorage) ListAlertsByCase(ctx context.Context, tenantID, caseID string) ([]*core.Alert, error) {
	return s.queryAlerts(ctx, `
		SELECT `+alertColumns+`
		FROM alerts
		WHERE tenant_id = ? AND case_id = ?
		ORDER BY created_at DESC`,
		tenantID, caseID)
}

// UpdateTriageStatus sets ai_triage_status
func (s *SQLiteAlertStorage) UpdateTriageStatus(ctx context.Context, tenantID, id string, status core.TriageStatus, now time.Time) error {
	res, err := s.sqlite.WriteDB.ExecContext(ctx, `
		UPDATE alerts SET ai_triage_status = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?`,
		string(status), formatTime(now), tenantID, id)
	if err != nil {
		return fmt.Errorf("failed to update triage status: %w", err)
	}
	return requireAffected(res, ErrAlertNotFound)
}

// CompleteTriage stores the verdict, marks triage processed and, when dismiss is set,
// moves the alert to dismissed if the state machine allows it. All in one transaction.
func (s *SQLiteAlertStorage) CompleteTriage(ctx context.Context, tenantID, id string, verdict *core.TriageVerdict, dismiss bool, now time.Time) error {
	analysis, err := marshalJSON(verdict)
	if err != nil {
		return err
	}

	return s.sqlite.WithTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE alerts
			SET ai_analysis = ?, ai_triage_status = ?, updated_at = ?
			WHERE tenant_id = ? AND id = ?`,
			analysis, string(core.TriageStatusProcessed), formatTime(now), tenantID, id)
		if err != nil {
			return fmt.Errorf("failed to store triage verdict: %w", err)
		}
		if err := requireAffected(res, ErrAlertNotFound); err != nil {
			return err
		}

		if !dismiss {
			return nil
		}
		from := core.StatusesDismissableFrom()
		args := []interface{}{string(core.AlertStatusDismissed), formatTime(now), tenantID, id}
		for _, st := range from {
			args = append(args, string(st))
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE alerts SET status = ?, updated_at = ?
			WHERE tenant_id = ? AND id = ? AND status IN (`+placeholders(len(from))+`)`,
			args...); err != nil {
			return fmt.Errorf("failed to dismiss alert: %w", err)
		}
		return nil
	})
}

// MarkTriageFailed sets ai_triage_status to failed, leaving the alert otherwise untouched
func (s *SQLiteAlertStorage) MarkTriageFailed(ctx context.Context, tenantID, id string, now time.Time) error {
	return s.UpdateTriageStatus(ctx, tenantID, id, core.TriageStatusFailed, now)
}

// UpdateAlertStatus applies an analyst status change validated against the state machine.
// Promotion is not possible here since it requires a case link.
func (s *SQLiteAlertStorage) UpdateAlertStatus(ctx context.Context, tenantID, id string, next core.AlertStatus, now time.Time) (*core.Alert, error) {
	if next == core.AlertStatusPromoted {
		return nil, fmt.Errorf("%w: promotion requires a case", ErrInvalidStatusTransition)
	}

	var updated *core.Alert
	err := s.sqlite.WithTransaction(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+alertColumns+` FROM alerts WHERE tenant_id = ? AND id = ?`, tenantID, id)
		alert, err := scanAlert(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrAlertNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load alert: %w", err)
		}

		previous := alert.Status
		if err := alert.TransitionTo(next); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidStatusTransition, err)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE alerts SET status = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			string(next), formatTime(now), id, string(previous))
		if err != nil {
			return fmt.Errorf("failed to update alert status: %w", err)
		}
		if err := requireAffected(res, ErrInvalidStatusTransition); err != nil {
			return err
		}
		alert.UpdatedAt = now
		updated = alert
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *SQLiteAlertStorage) queryAlerts(ctx context.Context, query string, args ...interface{}) ([]*core.Alert, error) {
	rows, err := s.sqlite.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	alerts := make([]*core.Alert, 0)
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating alerts: %w", err)
	}
	return alerts, nil
}

func scanAlert(row rowScanner) (*core.Alert, error) {
	var (
		a                                    core.Alert
		severity, status, triageStatus       string
		firstSeen, lastSeen, created, update string
		rawData, caseID, ruleID, analysis    sql.NullString
	)
	err := row.Scan(
		&a.ID, &a.TenantID, &a.Fingerprint, &a.Source, &severity, &a.Title, &a.Description, &rawData,
		&status, &a.DuplicateCount, &firstSeen, &lastSeen, &created, &update,
		&caseID, &ruleID, &triageStatus, &analysis,
	)
	if err != nil {
		return nil, err
	}

	a.Severity = core.Severity(severity)
	a.Status = core.AlertStatus(status)
	a.AITriageStatus = core.TriageStatus(triageStatus)
	a.FirstSeenAt = parseTime(firstSeen)
	a.LastSeenAt = parseTime(lastSeen)
	a.CreatedAt = parseTime(created)
	a.UpdatedAt = parseTime(update)
	a.CaseID = caseID.String
	a.RuleID = ruleID.String

	if err := unmarshalJSON(rawData, &a.RawData); err != nil {
		return nil, err
	}
	if analysis.Valid {
		var v core.TriageVerdict
		if err := unmarshalJSON(analysis, &v); err != nil {
			return nil, err
		}
		a.AIAnalysis = &v
	}
	return &a, nil
}

func requireAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
