package triage

import (
	"context"
	"fmt"

	"github.com/nutthakorn7/zcrai-sub000/core"
	"github.com/nutthakorn7/zcrai-sub000/notify"
	"github.com/nutthakorn7/zcrai-sub000/pipeline"
	"go.uber.org/zap"
)

// AlertReader loads a single alert
type AlertReader interface {
	GetAlert(ctx context.Context, tenantID, id string) (*core.Alert, error)
}

// TriageHandler runs the engine for a triage task
func TriageHandler(engine *Engine) pipeline.Handler {
	return func(ctx context.Context, task pipeline.Task) error {
		return engine.Triage(ctx, task.TenantID, task.AlertID)
	}
}

// InvestigationHandler consumes investigate tasks queued for true positives.
// It logs the request and notifies responders with the stored verdict.
func InvestigationHandler(alerts AlertReader, sender notify.Sender, logger *zap.SugaredLogger) pipeline.Handler {
	return func(ctx context.Context, task pipeline.Task) error {
		alert, err := alerts.GetAlert(ctx, task.TenantID, task.AlertID)
		if err != nil {
			return fmt.Errorf("failed to load alert for investigation: %w", err)
		}

		meta := map[string]interface{}{
			"alert_id": alert.ID,
			"source":   alert.Source,
		}
		message := "Alert classified as a true positive"
		if v := alert.AIAnalysis; v != nil {
			meta["classification"] = string(v.Classification)
			meta["confidence"] = v.Confidence
			meta["tags"] = v.Tags
			if v.PromotedCaseID != "" {
				meta["case_id"] = v.PromotedCaseID
			}
			if v.ActionTaken != nil {
				meta["action_taken"] = v.ActionTaken.Type
				meta["action_status"] = string(v.ActionTaken.Status)
			}
			if v.Reasoning != "" {
				message = v.Reasoning
			}
		}

		logger.Infow("Investigation requested",
			"alert_id", alert.ID,
			"tenant_id", alert.TenantID,
			"severity", alert.Severity)

		sender.Send(ctx, alert.TenantID, notify.Notification{
			Type:     notify.NotificationInvestigation,
			Severity: alert.Severity,
			Title:    "Investigation: " + alert.Title,
			Message:  message,
			Metadata: meta,
		})
		return nil
	}
}
