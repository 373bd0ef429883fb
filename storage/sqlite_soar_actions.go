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

const soarActionColumns = `id, tenant_id, alert_id, case_id, action_type, target, provider, status, result,
	triggered_by, created_at, updated_at`

// SQLiteSoarActionStorage keeps the audit trail of response actions
type SQLiteSoarActionStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteSoarActionStorage creates a new SQLite response action storage handler
func NewSQLiteSoarActionStorage(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteSoarActionStorage {
	return &SQLiteSoarActionStorage{
		sqlite: sqlite,
		logger: logger,
	}
}

// CreatePendingAction records an action before it is executed
func (s *SQLiteSoarActionStorage) CreatePendingAction(ctx context.Context, a *core.SoarAction, now time.Time) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	a.Status = core.SoarActionStatusPending
	a.CreatedAt = now.UTC()
	a.UpdatedAt = now.UTC()

	if _, err := s.sqlite.WriteDB.ExecContext(ctx, `
		INSERT INTO soar_actions (`+soarActionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, ?)`,
		a.ID, a.TenantID, nullString(a.AlertID), nullString(a.CaseID), string(a.ActionType), a.Target,
		a.Provider, string(a.Status), a.TriggeredBy, formatTime(a.CreatedAt), formatTime(a.UpdatedAt)); err != nil {
		return fmt.Errorf("failed to insert soar action: %w", err)
	}
	return nil
}

// CompleteAction moves a pending action to a terminal status exactly once
func (s *SQLiteSoarActionStorage) CompleteAction(ctx context.Context, id string, status core.SoarActionStatus, result map[string]interface{}, now time.Time) error {
	if !status.IsTerminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}
	resultJSON, err := marshalJSON(result)
	if err != nil {
		return err
	}

	res, err := s.sqlite.WriteDB.ExecContext(ctx, `
		UPDATE soar_actions SET status = ?, result = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(status), resultJSON, formatTime(now), id, string(core.SoarActionStatusPending))
	if err != nil {
		return fmt.Errorf("failed to complete soar action: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		if _, getErr := s.GetAction(ctx, id); getErr != nil {
			return getErr
		}
		return ErrSoarActionNotPending
	}
	return nil
}

// GetAction retrieves a response action by ID
func (s *SQLiteSoarActionStorage) GetAction(ctx context.Context, id string) (*core.SoarAction, error) {
	row := s.sqlite.ReadDB.QueryRowContext(ctx,
		`SELECT `+soarActionColumns+` FROM soar_actions WHERE id = ?`, id)
	a, err := scanSoarAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSoarActionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get soar action: %w", err)
	}
	return a, nil
}

// ListActionsForAlert returns the actions recorded against an alert, oldest first
func (s *SQLiteSoarActionStorage) ListActionsForAlert(ctx context.Context, tenantID, alertID string) ([]*core.SoarAction, error) {
	rows, err := s.sqlite.ReadDB.QueryContext(ctx, `
		SELECT `+soarActionColumns+`
		FROM soar_actions
		WHERE tenant_id = ? AND alert_id = ?
		ORDER BY created_at ASC`, tenantID, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to query soar actions: %w", err)
	}
	defer rows.Close()

	out := make([]*core.SoarAction, 0)
	for rows.Next() {
		a, err := scanSoarAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan soar action: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanSoarAction(row rowScanner) (*core.SoarAction, error) {
	var (
		a                       core.SoarAction
		alertID, caseID, result sql.NullString
		actionType, status      string
		createdAt, updatedAt    string
	)
	if err := row.Scan(&a.ID, &a.TenantID, &alertID, &caseID, &actionType, &a.Target, &a.Provider,
		&status, &result, &a.TriggeredBy, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	a.AlertID = alertID.String
	a.CaseID = caseID.String
	a.ActionType = core.SoarActionType(actionType)
	a.Status = core.SoarActionStatus(status)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	if err := unmarshalJSON(result, &a.Result); err != nil {
		return nil, err
	}
	return &a, nil
}
