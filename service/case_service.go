package service

import (
	"context"
	"fmt"
	"time"

	"github.com/nutthakorn7/zcrai-sub000/core"
	"github.com/nutthakorn7/zcrai-sub000/metrics"
	"github.com/nutthakorn7/zcrai-sub000/storage"
	"go.uber.org/zap"
)

// CaseService promotes alerts to cases.
//
// Promotion is enforced server-side: the alert→case link is a conditional update
// on an unlinked alert, so concurrent promotions of one alert create exactly one
// case and the losers get storage.ErrAlertAlreadyPromoted.
type CaseService struct {
	cases  CaseStore
	now    func() time.Time
	logger *zap.SugaredLogger
}

// NewCaseService creates a CaseService
func NewCaseService(cases CaseStore, logger *zap.SugaredLogger) *CaseService {
	return &CaseService{cases: cases, now: time.Now, logger: logger}
}

// PromoteToCase creates a case seeded from the alert's title, description and severity
func (s *CaseService) PromoteToCase(ctx context.Context, tenantID, alertID, createdBy string) (*core.Case, error) {
	c, _, err := s.PromoteWithSeed(ctx, tenantID, alertID, createdBy, func(a *core.Alert) *core.Case {
		return core.CaseFromAlert(a, createdBy)
	})
	return c, err
}

// PromoteWithSeed creates a case built by seed and links the alert to it
func (s *CaseService) PromoteWithSeed(ctx context.Context, tenantID, alertID, createdBy string, seed storage.CaseSeed) (*core.Case, *core.Alert, error) {
	c, alert, err := s.cases.PromoteAlert(ctx, tenantID, alertID, seed, s.now())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to promote alert %s: %w", alertID, err)
	}
	metrics.CasesPromoted.WithLabelValues(createdBy).Inc()
	s.logger.Infow("Alert promoted to case",
		"tenant_id", tenantID,
		"alert_id", alertID,
		"case_id", c.ID,
		"created_by", createdBy)
	return c, alert, nil
}

// GetCase loads a case
func (s *CaseService) GetCase(ctx context.Context, tenantID, caseID string) (*core.Case, error) {
	return s.cases.GetCase(ctx, tenantID, caseID)
}
