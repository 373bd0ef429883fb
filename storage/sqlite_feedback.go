package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nutthakorn7/zcrai-sub000/core"
	"go.uber.org/zap"
)

// SQLiteFeedbackStorage persists analyst verdicts used as triage context
type SQLiteFeedbackStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteFeedbackStorage creates a new SQLite feedback storage handler
func NewSQLiteFeedbackStorage(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteFeedbackStorage {
	return &SQLiteFeedbackStorage{
		sqlite: sqlite,
		logger: logger,
	}
}

// AddFeedback records an analyst verdict on an alert
func (s *SQLiteFeedbackStorage) AddFeedback(ctx context.Context, fb *core.AnalystFeedback, now time.Time) error {
	if !fb.Verdict.IsValid() {
		return fmt.Errorf("invalid verdict %q", fb.Verdict)
	}
	if fb.ID == "" {
		fb.ID = uuid.New().String()
	}
	fb.CreatedAt = now.UTC()

	if _, err := s.sqlite.WriteDB.ExecContext(ctx, `
		INSERT INTO alert_feedback (id, tenant_id, alert_id, verdict, comment, analyst, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		fb.ID, fb.TenantID, fb.AlertID, string(fb.Verdict), fb.Comment, fb.Analyst, formatTime(fb.CreatedAt)); err != nil {
		return fmt.Errorf("failed to insert feedback: %w", err)
	}
	return nil
}

// ListFeedbackForAlerts returns feedback grouped by alert ID, oldest first within each alert
func (s *SQLiteFeedbackStorage) ListFeedbackForAlerts(ctx context.Context, tenantID string, alertIDs []string) (map[string][]core.AnalystFeedback, error) {
	out := make(map[string][]core.AnalystFeedback)
	if len(alertIDs) == 0 {
		return out, nil
	}

	args := make([]interface{}, 0, len(alertIDs)+1)
	args = append(args, tenantID)
	for _, id := range alertIDs {
		args = append(args, id)
	}

	rows, err := s.sqlite.ReadDB.QueryContext(ctx, `
		SELECT id, tenant_id, alert_id, verdict, comment, analyst, created_at
		FROM alert_feedback
		WHERE tenant_id = ? AND alert_id IN (`+placeholders(len(alertIDs))+`)
		ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query feedback: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			fb        core.AnalystFeedback
			verdict   string
			createdAt string
		)
		if err := rows.Scan(&fb.ID, &fb.TenantID, &fb.AlertID, &verdict, &fb.Comment, &fb.Analyst, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan feedback: %w", err)
		}
		fb.Verdict = core.Classification(verdict)
		fb.CreatedAt = parseTime(createdAt)
		out[fb.AlertID] = append(out[fb.AlertID], fb)
	}
	return out, rows.Err()
}
