package service

import (
	"context"
	"time"

	"github.com/nutthakorn7/zcrai-sub000/core"
	"github.com/nutthakorn7/zcrai-sub000/storage"
)

// AlertStore defines the alert operations the services need.
// Defined here (consumer package) so tests can substitute fakes.
type AlertStore interface {
	UpsertAlert(ctx context.Context, candidate *core.Alert, window time.Duration, now time.Time) (*core.UpsertResult, error)
	GetAlert(ctx context.Context, tenantID, id string) (*core.Alert, error)
	UpdateAlertStatus(ctx context.Context, tenantID, id string, next core.AlertStatus, now time.Time) (*core.Alert, error)
}

// ObservableStore records indicator sightings
type ObservableStore interface {
	RecordSightings(ctx context.Context, tenantID, alertID string, obs []core.Observable, now time.Time) ([]core.Observable, error)
}

// CorrelationSource lists candidate alerts for the correlation matchers
type CorrelationSource interface {
	GetAlert(ctx context.Context, tenantID, id string) (*core.Alert, error)
	ListAlertsCreatedBetween(ctx context.Context, tenantID string, from, to time.Time, excludeID string, limit int) ([]*core.Alert, error)
	ListAlertsBySourceSeverity(ctx context.Context, tenantID, source string, severity core.Severity, excludeID string, limit int) ([]*core.Alert, error)
}

// CorrelationStore persists correlation records
type CorrelationStore interface {
	InsertCorrelations(ctx context.Context, records []*core.Correlation, now time.Time) ([]*core.Correlation, error)
}

// CaseStore creates cases from alerts
type CaseStore interface {
	PromoteAlert(ctx context.Context, tenantID, alertID string, seed storage.CaseSeed, now time.Time) (*core.Case, *core.Alert, error)
	GetCase(ctx context.Context, tenantID, id string) (*core.Case, error)
}
