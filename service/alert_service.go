package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/nutthakorn7/zcrai-sub000/core"
	"github.com/nutthakorn7/zcrai-sub000/metrics"
	"github.com/nutthakorn7/zcrai-sub000/pipeline"
	"go.uber.org/zap"
)

// ErrInvalidAlertInput is returned when an alert payload fails validation
var ErrInvalidAlertInput = errors.New("invalid alert input")

// newAlertTasks are enqueued, in order, for every alert that was not deduplicated
var newAlertTasks = []pipeline.Kind{
	pipeline.KindCorrelate,
	pipeline.KindNotify,
	pipeline.KindTriage,
}

// AlertService creates alerts through the fingerprint dedup path and fans
// new alerts out to the background pipeline.
type AlertService struct {
	alerts      AlertStore
	observables ObservableStore
	extractor   *core.ObservableExtractor
	enqueuer    pipeline.Enqueuer
	validate    *validator.Validate
	window      time.Duration
	now         func() time.Time
	logger      *zap.SugaredLogger
}

// NewAlertService creates an AlertService. A zero window uses core.DefaultDedupWindow.
func NewAlertService(
	alerts AlertStore,
	observables ObservableStore,
	extractor *core.ObservableExtractor,
	enqueuer pipeline.Enqueuer,
	window time.Duration,
	logger *zap.SugaredLogger,
) *AlertService {
	if window <= 0 {
		window = core.DefaultDedupWindow
	}
	return &AlertService{
		alerts:      alerts,
		observables: observables,
		extractor:   extractor,
		enqueuer:    enqueuer,
		validate:    validator.New(),
		window:      window,
		now:         time.Now,
		logger:      logger,
	}
}

// WithClock overrides the time source
func (s *AlertService) WithClock(now func() time.Time) *AlertService {
	s.now = now
	return s
}

// CreateAlert fingerprints the input and upserts it. A repeat within the dedup
// window only bumps the existing alert; a new alert has its observables recorded
// and correlate, notify and triage tasks enqueued. Enqueue failures are logged,
// not returned: the alert is already committed.
func (s *AlertService) CreateAlert(ctx context.Context, in core.AlertInput) (*core.UpsertResult, error) {
	in.Severity = core.Severity(strings.ToLower(strings.TrimSpace(string(in.Severity))))
	in.TenantID = strings.TrimSpace(in.TenantID)
	if err := s.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAlertInput, err)
	}

	obs := s.extractor.ExtractFromAlert(in.Title, in.Description, in.RawData)
	candidate := &core.Alert{
		TenantID:    in.TenantID,
		Source:      in.Source,
		Severity:    in.Severity,
		Title:       in.Title,
		Description: in.Description,
		RawData:     in.RawData,
		RuleID:      in.RuleID,
	}
	candidate.Fingerprint = core.FingerprintAlert(candidate, obs)

	now := s.now()
	res, err := s.alerts.UpsertAlert(ctx, candidate, s.window, now)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert alert: %w", err)
	}

	if !res.Created {
		metrics.AlertsDeduplicated.WithLabelValues(string(res.Alert.Severity)).Inc()
		s.logger.Debugw("Alert deduplicated",
			"tenant_id", res.Alert.TenantID,
			"alert_id", res.Alert.ID,
			"duplicate_count", res.Alert.DuplicateCount)
		return res, nil
	}

	metrics.AlertsCreated.WithLabelValues(string(res.Alert.Severity)).Inc()
	s.logger.Infow("Alert created",
		"tenant_id", res.Alert.TenantID,
		"alert_id", res.Alert.ID,
		"severity", res.Alert.Severity,
		"source", res.Alert.Source,
		"observables", len(obs))

	if len(obs) > 0 {
		recorded, err := s.observables.RecordSightings(ctx, res.Alert.TenantID, res.Alert.ID, obs, now)
		if err != nil {
			s.logger.Errorw("Failed to record observables", "alert_id", res.Alert.ID, "error", err)
		} else {
			res.Alert.Observables = recorded
			for _, o := range recorded {
				metrics.ObservablesExtracted.WithLabelValues(string(o.Type)).Inc()
			}
		}
	}

	for _, kind := range newAlertTasks {
		task := pipeline.NewTask(kind, res.Alert.TenantID, res.Alert.ID)
		if err := s.enqueuer.Enqueue(ctx, task); err != nil {
			s.logger.Errorw("Failed to enqueue alert task",
				"kind", kind,
				"alert_id", res.Alert.ID,
				"error", err)
		}
	}
	return res, nil
}

// GetAlert loads an alert
func (s *AlertService) GetAlert(ctx context.Context, tenantID, alertID string) (*core.Alert, error) {
	return s.alerts.GetAlert(ctx, tenantID, alertID)
}

// UpdateStatus moves an alert through its state machine on an operator's request
func (s *AlertService) UpdateStatus(ctx context.Context, tenantID, alertID string, next core.AlertStatus) (*core.Alert, error) {
	if !next.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidAlertInput, next)
	}
	alert, err := s.alerts.UpdateAlertStatus(ctx, tenantID, alertID, next, s.now())
	if err != nil {
		return nil, err
	}
	s.logger.Infow("Alert status updated", "tenant_id", tenantID, "alert_id", alertID, "status", next)
	return alert, nil
}
