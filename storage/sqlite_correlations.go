package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nutthakorn7/zcrai-sub000/core"
	"go.uber.org/zap"
)

// SQLiteCorrelationStorage persists append-only correlation records
type SQLiteCorrelationStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteCorrelationStorage creates a new SQLite correlation storage handler
func NewSQLiteCorrelationStorage(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteCorrelationStorage {
	return &SQLiteCorrelationStorage{
		sqlite: sqlite,
		logger: logger,
	}
}

// InsertCorrelations appends the records found for one alert in a single
// transaction. A record whose (tenant, primary alert, reason) is already stored
// is skipped and left unchanged. Returns the records written by this call.
func (s *SQLiteCorrelationStorage) InsertCorrelations(ctx context.Context, records []*core.Correlation, now time.Time) ([]*core.Correlation, error) {
	if len(records) == 0 {
		return nil, nil
	}

	var inserted []*core.Correlation
	err := s.sqlite.WithTransaction(ctx, func(tx *sql.Tx) error {
		inserted = inserted[:0]
		for _, c := range records {
			related, err := marshalJSON(c.RelatedAlertIDs)
			if err != nil {
				return err
			}
			id := c.ID
			if id == "" {
				id = uuid.New().String()
			}

			res, err := tx.ExecContext(ctx, `
				INSERT INTO correlations (id, tenant_id, primary_alert_id, related_alert_ids, reason, confidence, created_at)
				SELECT ?, ?, ?, ?, ?, ?, ?
				WHERE NOT EXISTS (
					SELECT 1 FROM correlations
					WHERE tenant_id = ? AND primary_alert_id = ? AND reason = ?
				)`,
				id, c.TenantID, c.PrimaryAlertID, related, string(c.Reason), c.Confidence, formatTime(now),
				c.TenantID, c.PrimaryAlertID, string(c.Reason))
			if err != nil {
				return fmt.Errorf("failed to insert %s correlation: %w", c.Reason, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to read affected rows: %w", err)
			}
			if n == 0 {
				s.logger.Debugw("Correlation already recorded",
					"tenant_id", c.TenantID,
					"primary_alert_id", c.PrimaryAlertID,
					"reason", c.Reason)
				continue
			}
			c.ID = id
			c.CreatedAt = now.UTC()
			inserted = append(inserted, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

// ListCorrelationsForAlert returns the records whose primary is alertID, oldest first
func (s *SQLiteCorrelationStorage) ListCorrelationsForAlert(ctx context.Context, tenantID, alertID string) ([]core.Correlation, error) {
	rows, err := s.sqlite.ReadDB.QueryContext(ctx, `
		SELECT id, tenant_id, primary_alert_id, related_alert_ids, reason, confidence, created_at
		FROM correlations
		WHERE tenant_id = ? AND primary_alert_id = ?
		ORDER BY created_at ASC, reason ASC`, tenantID, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to query correlations: %w", err)
	}
	defer rows.Close()

	out := make([]core.Correlation, 0)
	for rows.Next() {
		var (
			c         core.Correlation
			related   sql.NullString
			reason    string
			createdAt string
		)
		if err := rows.Scan(&c.ID, &c.TenantID, &c.PrimaryAlertID, &related, &reason, &c.Confidence, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan correlation: %w", err)
		}
		if err := unmarshalJSON(related, &c.RelatedAlertIDs); err != nil {
			return nil, err
		}
		c.Reason = core.CorrelationReason(reason)
		c.CreatedAt = parseTime(createdAt)
		out = append(out, c)
	}
	return out, rows.Err()
}
