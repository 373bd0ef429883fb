package detect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nutthakorn7/zcrai-sub000/core"
	"github.com/nutthakorn7/zcrai-sub000/metrics"
	"github.com/nutthakorn7/zcrai-sub000/storage"
	"go.uber.org/zap"
)

// EventStore runs a rule predicate over a tenant's events
type EventStore interface {
	Query(ctx context.Context, q storage.EventQuery) ([]map[string]interface{}, error)
}

// RuleStore is the subset of rule storage the scheduler needs
type RuleStore interface {
	ListEnabledRules(ctx context.Context) ([]*core.DetectionRule, error)
	UpdateLastRunAt(ctx context.Context, id string, runAt time.Time) error
}

// AlertCreator emits alerts through the dedup path
type AlertCreator interface {
	CreateAlert(ctx context.Context, in core.AlertInput) (*core.UpsertResult, error)
}

// CasePromoter opens cases for emitted alerts
type CasePromoter interface {
	PromoteWithSeed(ctx context.Context, tenantID, alertID, createdBy string, seed storage.CaseSeed) (*core.Case, *core.Alert, error)
}

// RunResult describes one rule execution
type RunResult struct {
	RuleID             string
	From               time.Time
	To                 time.Time
	Hits               int
	AlertsCreated      int
	AlertsDeduplicated int
	CasesCreated       int
	AlertIDs           []string
}

// Runner executes a single detection rule against the event store
type Runner struct {
	events   EventStore
	rules    RuleStore
	alerts   AlertCreator
	cases    CasePromoter
	rowLimit int
	now      func() time.Time
	logger   *zap.SugaredLogger
}

// NewRunner creates a rule runner. rowLimit <= 0 uses core.MaxRuleRows.
func NewRunner(events EventStore, rules RuleStore, alerts AlertCreator, cases CasePromoter, rowLimit int, logger *zap.SugaredLogger) *Runner {
	if rowLimit <= 0 {
		rowLimit = core.MaxRuleRows
	}
	return &Runner{
		events:   events,
		rules:    rules,
		alerts:   alerts,
		cases:    cases,
		rowLimit: rowLimit,
		now:      time.Now,
		logger:   logger,
	}
}

// WithClock overrides the time source
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// emission is one alert to be created for a run
type emission struct {
	input    core.AlertInput
	count    int
	groupKey string
}

// RunRule queries the rule's window, emits alerts and, once every emission
// succeeded, advances the rule's checkpoint to the run time.
func (r *Runner) RunRule(ctx context.Context, rule *core.DetectionRule) (*RunResult, error) {
	start := time.Now()
	defer func() {
		metrics.RuleRunDuration.Observe(time.Since(start).Seconds())
	}()

	now := r.now().UTC()
	result := &RunResult{
		RuleID: rule.ID,
		From:   rule.LookbackStart(now),
		To:     now,
	}

	rows, err := r.events.Query(ctx, storage.EventQuery{
		TenantID:  rule.TenantID,
		Predicate: rule.Query,
		From:      result.From,
		To:        result.To,
		Limit:     r.rowLimit,
	})
	if err != nil {
		metrics.RuleRuns.WithLabelValues("query_failed").Inc()
		return result, fmt.Errorf("failed to query events for rule %s: %w", rule.ID, err)
	}
	result.Hits = len(rows)
	metrics.RuleHits.Add(float64(len(rows)))

	var emissions []emission
	if rule.Actions.IsAggregated() {
		for _, g := range groupHits(rows, rule.Actions.GroupBy) {
			emissions = append(emissions, aggregatedEmission(rule, g))
		}
	} else {
		for _, row := range rows {
			emissions = append(emissions, individualEmission(rule, row))
		}
	}

	for _, e := range emissions {
		if err := r.emit(ctx, rule, e, result); err != nil {
			metrics.RuleRuns.WithLabelValues("emit_failed").Inc()
			return result, err
		}
	}

	if err := r.rules.UpdateLastRunAt(ctx, rule.ID, now); err != nil {
		metrics.RuleRuns.WithLabelValues("checkpoint_failed").Inc()
		return result, fmt.Errorf("failed to advance checkpoint for rule %s: %w", rule.ID, err)
	}
	rule.LastRunAt = &now

	metrics.RuleRuns.WithLabelValues("success").Inc()
	r.logger.Infow("Detection rule run completed",
		"rule_id", rule.ID,
		"rule_name", rule.Name,
		"tenant_id", rule.TenantID,
		"hits", result.Hits,
		"alerts_created", result.AlertsCreated,
		"alerts_deduplicated", result.AlertsDeduplicated,
		"cases_created", result.CasesCreated)
	return result, nil
}

func (r *Runner) emit(ctx context.Context, rule *core.DetectionRule, e emission, result *RunResult) error {
	res, err := r.alerts.CreateAlert(ctx, e.input)
	if err != nil {
		return fmt.Errorf("failed to emit alert for rule %s: %w", rule.ID, err)
	}
	result.AlertIDs = append(result.AlertIDs, res.Alert.ID)
	if res.Created {
		result.AlertsCreated++
	} else {
		result.AlertsDeduplicated++
	}

	if !rule.Actions.AutoCase || r.cases == nil || res.Alert.HasCase() {
		return nil
	}

	seed := func(a *core.Alert) *core.Case {
		c := core.CaseFromAlert(a, core.CaseCreatedByRule)
		c.Title = rule.CaseTitle(e.count, e.groupKey)
		c.Severity = rule.CaseSeverity()
		return c
	}
	c, _, err := r.cases.PromoteWithSeed(ctx, rule.TenantID, res.Alert.ID, core.CaseCreatedByRule, seed)
	if errors.Is(err, storage.ErrAlertAlreadyPromoted) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open case for rule %s: %w", rule.ID, err)
	}
	result.CasesCreated++
	r.logger.Infow("Detection rule opened case",
		"rule_id", rule.ID,
		"alert_id", res.Alert.ID,
		"case_id", c.ID)
	return nil
}

func individualEmission(rule *core.DetectionRule, row map[string]interface{}) emission {
	raw := make(map[string]interface{}, len(row)+2)
	for k, v := range row {
		raw[k] = v
	}
	raw["rule_id"] = rule.ID
	raw["rule_name"] = rule.Name
	addMitre(raw, rule)

	return emission{
		input: core.AlertInput{
			TenantID:    rule.TenantID,
			Source:      core.DetectionAlertSource,
			Severity:    rule.Severity,
			Title:       core.DetectionTitlePrefix + rule.Name,
			Description: ruleDescription(rule),
			RawData:     raw,
			RuleID:      rule.ID,
		},
		count: 1,
	}
}

func aggregatedEmission(rule *core.DetectionRule, g hitGroup) emission {
	values := make(map[string]interface{}, len(rule.Actions.GroupBy))
	for i, field := range rule.Actions.GroupBy {
		values[field] = g.Values[i]
	}
	hits := make([]interface{}, len(g.Hits))
	for i, h := range g.Hits {
		hits[i] = h
	}
	raw := map[string]interface{}{
		"aggregate_count": len(g.Hits),
		"group_key":       g.Key,
		"group_values":    values,
		"hits":            hits,
		"rule_id":         rule.ID,
		"rule_name":       rule.Name,
	}
	addMitre(raw, rule)

	return emission{
		input: core.AlertInput{
			TenantID:    rule.TenantID,
			Source:      core.DetectionAlertSource,
			Severity:    rule.Severity,
			Title:       fmt.Sprintf("%s%s (x%d)", core.DetectionTitlePrefix, rule.Name, len(g.Hits)),
			Description: ruleDescription(rule),
			RawData:     raw,
			RuleID:      rule.ID,
		},
		count:    len(g.Hits),
		groupKey: g.Key,
	}
}

func ruleDescription(rule *core.DetectionRule) string {
	if rule.Description != "" {
		return rule.Description
	}
	return fmt.Sprintf("Detection rule %q matched", rule.Name)
}

func addMitre(raw map[string]interface{}, rule *core.DetectionRule) {
	if rule.MitreTactic != "" {
		raw["mitre_tactic"] = rule.MitreTactic
	}
	if rule.MitreTechnique != "" {
		raw["mitre_technique"] = rule.MitreTechnique
	}
}
