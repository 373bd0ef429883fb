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

// SQLiteObservableStorage persists tenant-scoped IOCs and their links to alerts
type SQLiteObservableStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteObservableStorage creates a new SQLite observable storage handler
func NewSQLiteObservableStorage(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteObservableStorage {
	return &SQLiteObservableStorage{
		sqlite: sqlite,
		logger: logger,
	}
}

// RecordSightings upserts each observable (bumping sighting_count and last_seen on repeat)
// and links it to the alert. Returns the stored rows in input order.
func (s *SQLiteObservableStorage) RecordSightings(ctx context.Context, tenantID, alertID string, obs []core.Observable, now time.Time) ([]core.Observable, error) {
	if len(obs) == 0 {
		return nil, nil
	}
	ts := formatTime(now)
	stored := make([]core.Observable, 0, len(obs))

	err := s.sqlite.WithTransaction(ctx, func(tx *sql.Tx) error {
		for _, o := range obs {
			rec := core.Observable{TenantID: tenantID, Type: o.Type, Value: o.Value}
			var (
				malicious           int
				tags                sql.NullString
				firstSeen, lastSeen string
			)
			err := tx.QueryRowContext(ctx, `
				INSERT INTO observables (id, tenant_id, type, value, is_malicious, sighting_count, tags, first_seen, last_seen)
				VALUES (?, ?, ?, ?, 0, 1, NULL, ?, ?)
				ON CONFLICT(tenant_id, type, value) DO UPDATE
				SET sighting_count = sighting_count + 1, last_seen = excluded.last_seen
				RETURNING id, is_malicious, sighting_count, tags, first_seen, last_seen`,
				uuid.New().String(), tenantID, string(o.Type), o.Value, ts, ts,
			).Scan(&rec.ID, &malicious, &rec.SightingCount, &tags, &firstSeen, &lastSeen)
			if err != nil {
				return fmt.Errorf("failed to upsert observable %s:%s: %w", o.Type, o.Value, err)
			}
			rec.IsMalicious = malicious == 1
			rec.FirstSeen = parseTime(firstSeen)
			rec.LastSeen = parseTime(lastSeen)
			if err := unmarshalJSON(tags, &rec.Tags); err != nil {
				return err
			}

			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO alert_observables (alert_id, observable_id) VALUES (?, ?)`,
				alertID, rec.ID); err != nil {
				return fmt.Errorf("failed to link observable: %w", err)
			}
			stored = append(stored, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// ListAlertObservables returns the observables linked to an alert ordered by type and value
func (s *SQLiteObservableStorage) ListAlertObservables(ctx context.Context, tenantID, alertID string) ([]core.Observable, error) {
	rows, err := s.sqlite.ReadDB.QueryContext(ctx, `
		SELECT o.id, o.tenant_id, o.type, o.value, o.is_malicious, o.sighting_count, o.tags, o.first_seen, o.last_seen
		FROM observables o
		JOIN alert_observables ao ON ao.observable_id = o.id
		WHERE ao.alert_id = ? AND o.tenant_id = ?
		ORDER BY o.type, o.value`, alertID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query observables: %w", err)
	}
	defer rows.Close()

	out := make([]core.Observable, 0)
	for rows.Next() {
		var (
			o                   core.Observable
			typ                 string
			malicious           int
			tags                sql.NullString
			firstSeen, lastSeen string
		)
		if err := rows.Scan(&o.ID, &o.TenantID, &typ, &o.Value, &malicious, &o.SightingCount, &tags, &firstSeen, &lastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan observable: %w", err)
		}
		o.Type = core.ObservableType(typ)
		o.IsMalicious = malicious == 1
		o.FirstSeen = parseTime(firstSeen)
		o.LastSeen = parseTime(lastSeen)
		if err := unmarshalJSON(tags, &o.Tags); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// MarkMalicious flags a known observable, e.g. from threat intel or analyst review
func (s *SQLiteObservableStorage) MarkMalicious(ctx context.Context, tenantID string, typ core.ObservableType, value string, malicious bool, tags []string) error {
	tagJSON, err := marshalJSON(tags)
	if err != nil {
		return err
	}
	res, err := s.sqlite.WriteDB.ExecContext(ctx, `
		UPDATE observables SET is_malicious = ?, tags = COALESCE(?, tags)
		WHERE tenant_id = ? AND type = ? AND value = ?`,
		boolToInt(malicious), tagJSON, tenantID, string(typ), value)
	if err != nil {
		return fmt.Errorf("failed to update observable: %w", err)
	}
	return requireAffected(res, fmt.Errorf("observable %s:%s not found", typ, value))
}
