package triage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nutthakorn7/zcrai-sub000/core"
	"go.uber.org/zap"
)

// relatedCandidateLimit caps how many alerts from the lookback window are scanned for host/user matches
const relatedCandidateLimit = 200

// ContextSource is the read side the context builder needs
type ContextSource interface {
	ListAlertsCreatedBetween(ctx context.Context, tenantID string, from, to time.Time, excludeID string, limit int) ([]*core.Alert, error)
	ListAlertsByTitle(ctx context.Context, tenantID, title, excludeID string, limit int) ([]*core.Alert, error)
	ListAlertsBySourceSeverity(ctx context.Context, tenantID, source string, severity core.Severity, excludeID string, limit int) ([]*core.Alert, error)
}

// ObservableSource lists the observables linked to an alert
type ObservableSource interface {
	ListAlertObservables(ctx context.Context, tenantID, alertID string) ([]core.Observable, error)
}

// FeedbackSource lists analyst feedback for a set of alerts
type FeedbackSource interface {
	ListFeedbackForAlerts(ctx context.Context, tenantID string, alertIDs []string) (map[string][]core.AnalystFeedback, error)
}

// SimilarAlert is a historical alert with the feedback analysts left on it
type SimilarAlert struct {
	Alert    *core.Alert            `json:"alert"`
	Feedback []core.AnalystFeedback `json:"feedback,omitempty"`
}

// TriageContext is everything the classifier sees besides the alert itself
type TriageContext struct {
	Alert         *core.Alert       `json:"alert"`
	Host          string            `json:"host,omitempty"`
	User          string            `json:"user,omitempty"`
	Observables   []core.Observable `json:"observables,omitempty"`
	RelatedAlerts []*core.Alert     `json:"related_alerts,omitempty"`
	SimilarAlerts []SimilarAlert    `json:"similar_alerts,omitempty"`
}

// ContextBuilder assembles triage context from the alert stores
type ContextBuilder struct {
	alerts       ContextSource
	observables  ObservableSource
	feedback     FeedbackSource
	window       time.Duration
	similarLimit int
}

// NewContextBuilder creates a context builder. A zero window or negative limit uses the default; a zero limit skips similar alerts.
func NewContextBuilder(alerts ContextSource, observables ObservableSource, feedback FeedbackSource, window time.Duration, similarLimit int) *ContextBuilder {
	if window <= 0 {
		window = core.DefaultTriageContextWindow
	}
	if similarLimit < 0 {
		similarLimit = core.DefaultSimilarAlertLimit
	}
	return &ContextBuilder{
		alerts:       alerts,
		observables:  observables,
		feedback:     feedback,
		window:       window,
		similarLimit: similarLimit,
	}
}

// Build loads observables, host/user related alerts in the lookback window and
// similar historical alerts with their feedback.
func (b *ContextBuilder) Build(ctx context.Context, alert *core.Alert) (*TriageContext, error) {
	tctx := &TriageContext{
		Alert: alert,
		Host:  core.FirstString(alert.RawData, core.HostFieldPaths...),
		User:  core.FirstString(alert.RawData, core.UserFieldPaths...),
	}

	obs, err := b.observables.ListAlertObservables(ctx, alert.TenantID, alert.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load observables: %w", err)
	}
	tctx.Observables = obs
	alert.Observables = obs

	related, err := b.relatedAlerts(ctx, alert, tctx.Host, tctx.User)
	if err != nil {
		return nil, err
	}
	tctx.RelatedAlerts = related

	similar, err := b.similarAlerts(ctx, alert)
	if err != nil {
		return nil, err
	}
	tctx.SimilarAlerts = similar
	return tctx, nil
}

func (b *ContextBuilder) relatedAlerts(ctx context.Context, alert *core.Alert, host, user string) ([]*core.Alert, error) {
	if host == "" && user == "" {
		return nil, nil
	}
	candidates, err := b.alerts.ListAlertsCreatedBetween(ctx, alert.TenantID,
		alert.CreatedAt.Add(-b.window), alert.CreatedAt, alert.ID, relatedCandidateLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load related alerts: %w", err)
	}

	var related []*core.Alert
	for _, c := range candidates {
		if host != "" && strings.EqualFold(core.FirstString(c.RawData, core.HostFieldPaths...), host) {
			related = append(related, c)
			continue
		}
		if user != "" && strings.EqualFold(core.FirstString(c.RawData, core.UserFieldPaths...), user) {
			related = append(related, c)
		}
	}
	return related, nil
}

func (b *ContextBuilder) similarAlerts(ctx context.Context, alert *core.Alert) ([]SimilarAlert, error) {
	if b.similarLimit == 0 {
		return nil, nil
	}

	byTitle, err := b.alerts.ListAlertsByTitle(ctx, alert.TenantID, alert.Title, alert.ID, b.similarLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load similar alerts: %w", err)
	}
	picked := byTitle
	if len(picked) < b.similarLimit {
		bySource, err := b.alerts.ListAlertsBySourceSeverity(ctx, alert.TenantID, alert.Source, alert.Severity, alert.ID, b.similarLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to load similar alerts: %w", err)
		}
		seen := make(map[string]bool, len(picked))
		for _, a := range picked {
			seen[a.ID] = true
		}
		for _, a := range bySource {
			if len(picked) >= b.similarLimit {
				break
			}
			if !seen[a.ID] {
				seen[a.ID] = true
				picked = append(picked, a)
			}
		}
	}
	if len(picked) == 0 {
		return nil, nil
	}

	ids := make([]string, len(picked))
	for i, a := range picked {
		ids[i] = a.ID
	}
	feedback, err := b.feedback.ListFeedbackForAlerts(ctx, alert.TenantID, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load analyst feedback: %w", err)
	}

	out := make([]SimilarAlert, len(picked))
	for i, a := range picked {
		out[i] = SimilarAlert{Alert: a, Feedback: feedback[a.ID]}
	}
	return out, nil
}

// BuildPrompt renders the classifier prompt for a triage context
func BuildPrompt(tctx *TriageContext, logger *zap.SugaredLogger) string {
	a := tctx.Alert
	raw := renderRawData(a, logger)

	var sb strings.Builder
	fmt.Fprintf(&sb, `Classify this security alert as TRUE_POSITIVE or FALSE_POSITIVE and give a confidence from 0 to 100.

Title: %s
Severity: %s
Source: %s
Seen: %d time(s) between %s and %s

Description:
%s

Raw data:
%s
`,
		a.Title,
		a.Severity,
		a.Source,
		a.DuplicateCount,
		a.FirstSeenAt.Format(time.RFC3339),
		a.LastSeenAt.Format(time.RFC3339),
		a.Description,
		raw,
	)

	if len(tctx.Observables) > 0 {
		sb.WriteString("\nObservables:\n")
		for _, o := range tctx.Observables {
			fmt.Fprintf(&sb, "- %s %s (sightings=%d, malicious=%t)\n", o.Type, o.Value, o.SightingCount, o.IsMalicious)
		}
	}

	if len(tctx.RelatedAlerts) > 0 {
		fmt.Fprintf(&sb, "\nAlerts on the same host or user (host=%q, user=%q):\n", tctx.Host, tctx.User)
		for _, r := range tctx.RelatedAlerts {
			fmt.Fprintf(&sb, "- [%s] %s (%s, %s)\n", r.Severity, r.Title, r.Source, r.CreatedAt.Format(time.RFC3339))
		}
	}

	if len(tctx.SimilarAlerts) > 0 {
		sb.WriteString("\nSimilar past alerts:\n")
		for _, s := range tctx.SimilarAlerts {
			fmt.Fprintf(&sb, "- [%s] %s status=%s", s.Alert.Severity, s.Alert.Title, s.Alert.Status)
			if s.Alert.AIAnalysis != nil {
				fmt.Fprintf(&sb, " ai=%s/%d", s.Alert.AIAnalysis.Classification, s.Alert.AIAnalysis.Confidence)
			}
			sb.WriteString("\n")
			for _, fb := range s.Feedback {
				fmt.Fprintf(&sb, "  analyst %s: %s %s\n", fb.Analyst, fb.Verdict, fb.Comment)
			}
		}
	}

	sb.WriteString("\nAnswer with the classification, confidence, reasoning and a suggested action.")
	return sb.String()
}

// renderRawData pretty-prints the alert's raw data, falling back to Go syntax
// for values JSON cannot encode
func renderRawData(a *core.Alert, logger *zap.SugaredLogger) string {
	raw, err := json.MarshalIndent(a.RawData, "", "  ")
	if err != nil {
		logger.Warnw("Failed to encode raw data for triage prompt",
			"alert_id", a.ID,
			"tenant_id", a.TenantID,
			"error", err)
		return fmt.Sprintf("%v", a.RawData)
	}
	return string(raw)
}
