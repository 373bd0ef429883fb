package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nutthakorn7/zcrai-sub000/config"
	"github.com/nutthakorn7/zcrai-sub000/core"
	"github.com/nutthakorn7/zcrai-sub000/metrics"
	"github.com/nutthakorn7/zcrai-sub000/util/goroutine"
	"go.uber.org/zap"
)

// NotificationType names what a notification is about
type NotificationType string

const (
	NotificationNewAlert      NotificationType = "new_alert"
	NotificationInvestigation NotificationType = "investigation"
	NotificationSystem        NotificationType = "system"
)

// Channel names accepted in notifications.channels
const (
	ChannelLog     = "log"
	ChannelWebhook = "webhook"
	ChannelSlack   = "slack"
)

// Notification is one message fanned out to every configured channel
type Notification struct {
	Type     NotificationType       `json:"type"`
	Severity core.Severity          `json:"severity"`
	Title    string                 `json:"title"`
	Message  string                 `json:"message"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Channel delivers a notification to one destination
type Channel interface {
	Name() string
	Send(ctx context.Context, tenantID string, n Notification) error
}

// Sender is the fire-and-forget notification surface used by the pipeline
type Sender interface {
	Send(ctx context.Context, tenantID string, n Notification)
}

// Dispatcher fans notifications out to channels. Delivery failures are logged
// and swallowed; a channel that keeps failing is skipped by its circuit breaker.
type Dispatcher struct {
	channels    []Channel
	breakers    map[string]*core.CircuitBreaker
	minSeverity core.Severity
	timeout     time.Duration
	logger      *zap.SugaredLogger
}

// NewDispatcher builds the channels listed in cfg
func NewDispatcher(cfg config.NotificationsConfig, logger *zap.SugaredLogger) (*Dispatcher, error) {
	channels := make([]Channel, 0, len(cfg.Channels))
	for _, name := range cfg.Channels {
		switch name {
		case ChannelLog:
			channels = append(channels, NewLogChannel(logger))
		case ChannelWebhook:
			channels = append(channels, NewWebhookChannel(cfg.WebhookURL, cfg.Timeout, logger))
		case ChannelSlack:
			channels = append(channels, NewSlackChannel(cfg.SlackWebhook, logger))
		default:
			return nil, fmt.Errorf("unknown notification channel %q", name)
		}
	}
	return NewDispatcherWithChannels(channels, cfg, logger)
}

// NewDispatcherWithChannels creates a dispatcher over prebuilt channels
func NewDispatcherWithChannels(channels []Channel, cfg config.NotificationsConfig, logger *zap.SugaredLogger) (*Dispatcher, error) {
	minSeverity := core.SeverityInfo
	if cfg.MinSeverity != "" {
		sev, err := core.ParseSeverity(cfg.MinSeverity)
		if err != nil {
			return nil, fmt.Errorf("invalid notifications.min_severity: %w", err)
		}
		minSeverity = sev
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	d := &Dispatcher{
		channels:    channels,
		breakers:    make(map[string]*core.CircuitBreaker, len(channels)),
		minSeverity: minSeverity,
		timeout:     timeout,
		logger:      logger,
	}
	for _, ch := range channels {
		cb, err := core.NewCircuitBreaker("notify-"+ch.Name(), cfg.CircuitBreaker)
		if err != nil {
			return nil, fmt.Errorf("failed to create circuit breaker for %s: %w", ch.Name(), err)
		}
		d.breakers[ch.Name()] = cb
	}
	return d, nil
}

// Send delivers n to all channels concurrently and waits for them. Notifications
// below the minimum severity are dropped. Never fails.
func (d *Dispatcher) Send(ctx context.Context, tenantID string, n Notification) {
	if !n.Severity.AtLeast(d.minSeverity) {
		d.logger.Debugw("Notification below minimum severity",
			"tenant_id", tenantID,
			"severity", n.Severity,
			"min_severity", d.minSeverity)
		return
	}

	var wg sync.WaitGroup
	for _, ch := range d.channels {
		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()
			err := goroutine.Safe("notify-"+ch.Name(), d.logger, func() error {
				d.deliver(ctx, ch, tenantID, n)
				return nil
			})
			if err != nil {
				metrics.NotificationsSent.WithLabelValues(ch.Name(), "failed").Inc()
			}
		}(ch)
	}
	wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, ch Channel, tenantID string, n Notification) {
	cb := d.breakers[ch.Name()]
	if err := cb.Allow(); err != nil {
		d.logger.Warnw("Skipping notification channel", "channel", ch.Name(), "error", err)
		metrics.NotificationsSent.WithLabelValues(ch.Name(), "skipped").Inc()
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := ch.Send(sendCtx, tenantID, n); err != nil {
		cb.RecordFailure()
		d.logger.Errorw("Failed to send notification",
			"channel", ch.Name(),
			"tenant_id", tenantID,
			"type", n.Type,
			"title", n.Title,
			"error", err)
		metrics.NotificationsSent.WithLabelValues(ch.Name(), "failed").Inc()
		return
	}
	cb.RecordSuccess()
	metrics.NotificationsSent.WithLabelValues(ch.Name(), "sent").Inc()
}

// LogChannel writes notifications to the application log
type LogChannel struct {
	logger *zap.SugaredLogger
}

// NewLogChannel creates a log channel
func NewLogChannel(logger *zap.SugaredLogger) *LogChannel {
	return &LogChannel{logger: logger}
}

func (c *LogChannel) Name() string { return ChannelLog }

func (c *LogChannel) Send(_ context.Context, tenantID string, n Notification) error {
	c.logger.Infow("Notification",
		"tenant_id", tenantID,
		"type", n.Type,
		"severity", n.Severity,
		"title", n.Title,
		"message", n.Message,
		"metadata", n.Metadata)
	return nil
}
