package service

import (
	"context"
	"fmt"
	"time"

	"github.com/nutthakorn7/zcrai-sub000/config"
	"github.com/nutthakorn7/zcrai-sub000/core"
	"github.com/nutthakorn7/zcrai-sub000/metrics"
	"go.uber.org/zap"
)

// CorrelationEngine links a new alert to recent and similar alerts in its tenant.
// It runs once per new alert; correlation records are append-only.
type CorrelationEngine struct {
	alerts       CorrelationSource
	correlations CorrelationStore
	enabled      bool
	timeWindow   time.Duration
	maxRelated   int
	now          func() time.Time
	logger       *zap.SugaredLogger
}

// NewCorrelationEngine creates a correlation engine
func NewCorrelationEngine(alerts CorrelationSource, correlations CorrelationStore, cfg config.CorrelationConfig, logger *zap.SugaredLogger) *CorrelationEngine {
	window := cfg.TimeWindow
	if window <= 0 {
		window = core.CorrelationTimeWindow
	}
	maxRelated := cfg.MaxRelated
	if maxRelated <= 0 || maxRelated > core.MaxRelatedAlerts {
		maxRelated = core.MaxRelatedAlerts
	}
	return &CorrelationEngine{
		alerts:       alerts,
		correlations: correlations,
		enabled:      cfg.Enabled,
		timeWindow:   window,
		maxRelated:   maxRelated,
		now:          time.Now,
		logger:       logger,
	}
}

type matcher struct {
	reason     core.CorrelationReason
	confidence float64
	find       func(ctx context.Context, alert *core.Alert) ([]*core.Alert, error)
}

// Correlate runs the time-window and same-source/severity matchers independently,
// then persists one record per matcher that found anything in a single write.
// A re-run for the same alert stores nothing new. Returns the records written.
func (e *CorrelationEngine) Correlate(ctx context.Context, tenantID, alertID string) ([]core.Correlation, error) {
	if !e.enabled {
		return nil, nil
	}

	alert, err := e.alerts.GetAlert(ctx, tenantID, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to load alert for correlation: %w", err)
	}

	matchers := []matcher{
		{
			reason:     core.CorrelationReasonTimeWindow,
			confidence: core.TimeWindowConfidence,
			find: func(ctx context.Context, a *core.Alert) ([]*core.Alert, error) {
				return e.alerts.ListAlertsCreatedBetween(ctx, a.TenantID, a.CreatedAt.Add(-e.timeWindow), a.CreatedAt, a.ID, e.maxRelated)
			},
		},
		{
			reason:     core.CorrelationReasonSameSourceSeverity,
			confidence: core.SameSourceSeverityConfidence,
			find: func(ctx context.Context, a *core.Alert) ([]*core.Alert, error) {
				return e.alerts.ListAlertsBySourceSeverity(ctx, a.TenantID, a.Source, a.Severity, a.ID, e.maxRelated)
			},
		},
	}

	var found []*core.Correlation
	for _, m := range matchers {
		related, err := m.find(ctx, alert)
		if err != nil {
			return nil, fmt.Errorf("failed to run %s matcher: %w", m.reason, err)
		}
		c := core.NewCorrelation(alert, related, m.reason, m.confidence)
		if c == nil || !c.MeetsThreshold() {
			continue
		}
		found = append(found, c)
	}
	if len(found) == 0 {
		return nil, nil
	}

	stored, err := e.correlations.InsertCorrelations(ctx, found, e.now())
	if err != nil {
		return nil, fmt.Errorf("failed to store correlations: %w", err)
	}

	out := make([]core.Correlation, 0, len(stored))
	for _, c := range stored {
		metrics.CorrelationsRecorded.WithLabelValues(string(c.Reason)).Inc()
		out = append(out, *c)
	}

	if skipped := len(found) - len(stored); skipped > 0 {
		e.logger.Infow("Correlations already recorded for alert",
			"tenant_id", tenantID,
			"alert_id", alertID,
			"skipped", skipped)
	}
	if len(out) > 0 {
		e.logger.Infow("Alert correlated",
			"tenant_id", tenantID,
			"alert_id", alertID,
			"records", len(out))
	}
	return out, nil
}
