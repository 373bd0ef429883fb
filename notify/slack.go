package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/nutthakorn7/zcrai-sub000/core"
	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

var severityColor = map[core.Severity]string{
	core.SeverityCritical: "#d32f2f",
	core.SeverityHigh:     "#f44336",
	core.SeverityMedium:   "#ff9800",
	core.SeverityLow:      "#2196f3",
}

// SlackChannel posts notifications to a Slack incoming webhook
type SlackChannel struct {
	webhookURL string
	logger     *zap.SugaredLogger
}

// NewSlackChannel creates a Slack channel
func NewSlackChannel(webhookURL string, logger *zap.SugaredLogger) *SlackChannel {
	return &SlackChannel{webhookURL: webhookURL, logger: logger}
}

func (c *SlackChannel) Name() string { return ChannelSlack }

func (c *SlackChannel) Send(ctx context.Context, tenantID string, n Notification) error {
	if err := slack.PostWebhookContext(ctx, c.webhookURL, buildSlackMessage(tenantID, n)); err != nil {
		return fmt.Errorf("failed to post Slack webhook: %w", err)
	}
	return nil
}

func buildSlackMessage(tenantID string, n Notification) *slack.WebhookMessage {
	color := severityColor[n.Severity]
	if color == "" {
		color = "#757575"
	}

	fields := []slack.AttachmentField{
		{Title: "Severity", Value: string(n.Severity), Short: true},
		{Title: "Tenant", Value: fmt.Sprintf("`%s`", tenantID), Short: true},
	}

	keys := make([]string, 0, len(n.Metadata))
	for k := range n.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, slack.AttachmentField{Title: k, Value: fmt.Sprint(n.Metadata[k]), Short: true})
	}

	return &slack.WebhookMessage{
		Text: fmt.Sprintf("*%s*", n.Title),
		Attachments: []slack.Attachment{
			{
				Color:    color,
				Fallback: n.Title,
				Text:     n.Message,
				Fields:   fields,
				Footer:   "zcrai " + string(n.Type),
				Ts:       json.Number(strconv.FormatInt(time.Now().Unix(), 10)),
			},
		},
	}
}
