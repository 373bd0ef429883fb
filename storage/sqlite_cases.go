package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nutthakorn7/zcrai-sub000/core"
	"go.uber.org/zap"
)

const caseColumns = `id, tenant_id, title, description, severity, status, source_alert_id, created_by, created_at, updated_at`

// CaseSeed builds the case to insert from the alert being promoted
type CaseSeed func(alert *core.Alert) *core.Case

// SQLiteCaseStorage persists cases and the alert→case link
type SQLiteCaseStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteCaseStorage creates a new SQLite case storage handler
func NewSQLiteCaseStorage(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteCaseStorage {
	return &SQLiteCaseStorage{
		sqlite: sqlite,
		logger: logger,
	}
}

// PromoteAlert creates a case from the alert and links it in one transaction.
// The link is a compare-and-swap on case_id IS NULL; when it loses, the case insert is
// rolled back and ErrAlertAlreadyPromoted is returned. The alert walks the state
// machine to promoted via investigating.
func (s *SQLiteCaseStorage) PromoteAlert(ctx context.Context, tenantID, alertID string, seed CaseSeed, now time.Time) (*core.Case, *core.Alert, error) {
	now = now.UTC()
	var (
		created *core.Case
		alert   *core.Alert
	)

	err := s.sqlite.WithTransaction(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+alertColumns+` FROM alerts WHERE tenant_id = ? AND id = ?`, tenantID, alertID)
		a, err := scanAlert(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrAlertNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load alert: %w", err)
		}
		if a.HasCase() {
			return ErrAlertAlreadyPromoted
		}

		if a.Status != core.AlertStatusInvestigating {
			if err := a.TransitionTo(core.AlertStatusInvestigating); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidStatusTransition, err)
			}
		}
		if err := a.TransitionTo(core.AlertStatusPromoted); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidStatusTransition, err)
		}

		c := seed(a)
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		c.TenantID = tenantID
		c.SourceAlertID = a.ID
		if c.Status == "" {
			c.Status = core.CaseStatusOpen
		}
		c.CreatedAt = now
		c.UpdatedAt = now

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cases (`+caseColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.TenantID, c.Title, c.Description, string(c.Severity), string(c.Status),
			nullString(c.SourceAlertID), c.CreatedBy, formatTime(now), formatTime(now)); err != nil {
			return fmt.Errorf("failed to insert case: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE alerts
			SET case_id = ?, status = ?, updated_at = ?
			WHERE tenant_id = ? AND id = ? AND case_id IS NULL`,
			c.ID, string(core.AlertStatusPromoted), formatTime(now), tenantID, alertID)
		if err != nil {
			return fmt.Errorf("failed to link alert to case: %w", err)
		}
		if err := requireAffected(res, ErrAlertAlreadyPromoted); err != nil {
			return err
		}

		a.CaseID = c.ID
		a.UpdatedAt = now
		created = c
		alert = a
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return created, alert, nil
}

// GetCase retrieves a case scoped to its tenant
func (s *SQLiteCaseStorage) GetCase(ctx context.Context, tenantID, id string) (*core.Case, error) {
	row := s.sqlite.ReadDB.QueryRowContext(ctx,
		`SELECT `+caseColumns+` FROM cases WHERE tenant_id = ? AND id = ?`, tenantID, id)
	c, err := scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCaseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get case: %w", err)
	}
	return c, nil
}

// ListCases returns the most recent cases for a tenant
func (s *SQLiteCaseStorage) ListCases(ctx context.Context, tenantID string, limit int) ([]*core.Case, error) {
	rows, err := s.sqlite.ReadDB.QueryContext(ctx, `
		SELECT `+caseColumns+`
		FROM cases
		WHERE tenant_id = ?
		ORDER BY created_at DESC
		LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query cases: %w", err)
	}
	defer rows.Close()

	cases := make([]*core.Case, 0)
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan case: %w", err)
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

func scanCase(row rowScanner) (*core.Case, error) {
	var (
		c                    core.Case
		severity, status     string
		sourceAlert          sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&c.ID, &c.TenantID, &c.Title, &c.Description, &severity, &status,
		&sourceAlert, &c.CreatedBy, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.Severity = core.Severity(severity)
	c.Status = core.CaseStatus(status)
	c.SourceAlertID = sourceAlert.String
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}
