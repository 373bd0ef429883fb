package service

import (
	"context"
	"fmt"

	"github.com/nutthakorn7/zcrai-sub000/notify"
	"github.com/nutthakorn7/zcrai-sub000/pipeline"
)

// CorrelateHandler runs the correlation engine for a correlate task
func CorrelateHandler(engine *CorrelationEngine) pipeline.Handler {
	return func(ctx context.Context, task pipeline.Task) error {
		_, err := engine.Correlate(ctx, task.TenantID, task.AlertID)
		return err
	}
}

// NotifyHandler sends the new-alert notification for a notify task.
// Only loading the alert can fail; delivery failures are swallowed by the sender.
func NotifyHandler(alerts AlertStore, sender notify.Sender) pipeline.Handler {
	return func(ctx context.Context, task pipeline.Task) error {
		alert, err := alerts.GetAlert(ctx, task.TenantID, task.AlertID)
		if err != nil {
			return fmt.Errorf("failed to load alert for notification: %w", err)
		}
		sender.Send(ctx, alert.TenantID, notify.Notification{
			Type:     notify.NotificationNewAlert,
			Severity: alert.Severity,
			Title:    alert.Title,
			Message:  alert.Description,
			Metadata: map[string]interface{}{
				"alert_id":    alert.ID,
				"source":      alert.Source,
				"fingerprint": alert.Fingerprint,
			},
		})
		return nil
	}
}
