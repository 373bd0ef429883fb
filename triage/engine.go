package triage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nutthakorn7/zcrai-sub000/core"
	"github.com/nutthakorn7/zcrai-sub000/metrics"
	"github.com/nutthakorn7/zcrai-sub000/pipeline"
	"github.com/nutthakorn7/zcrai-sub000/soar"
	"github.com/nutthakorn7/zcrai-sub000/storage"
	"go.uber.org/zap"
)

// AlertStore is the alert persistence the engine drives
type AlertStore interface {
	GetAlert(ctx context.Context, tenantID, id string) (*core.Alert, error)
	UpdateTriageStatus(ctx context.Context, tenantID, id string, status core.TriageStatus, now time.Time) error
	CompleteTriage(ctx context.Context, tenantID, id string, verdict *core.TriageVerdict, dismiss bool, now time.Time) error
	MarkTriageFailed(ctx context.Context, tenantID, id string, now time.Time) error
}

// ActionStore records response actions around their execution
type ActionStore interface {
	CreatePendingAction(ctx context.Context, a *core.SoarAction, now time.Time) error
	CompleteAction(ctx context.Context, id string, status core.SoarActionStatus, result map[string]interface{}, now time.Time) error
	ListActionsForAlert(ctx context.Context, tenantID, alertID string) ([]*core.SoarAction, error)
}

// ActionExecutor runs response actions and names the provider used by default
type ActionExecutor interface {
	soar.Executor
	DefaultProvider(actionType core.SoarActionType) string
}

// CasePromoter opens a case for an alert
type CasePromoter interface {
	PromoteToCase(ctx context.Context, tenantID, alertID, createdBy string) (*core.Case, error)
	GetCase(ctx context.Context, tenantID, caseID string) (*core.Case, error)
}

// Engine runs the triage flow for one alert: context, classification,
// decision, response actions, promotion and persistence of the verdict.
type Engine struct {
	alerts     AlertStore
	builder    *ContextBuilder
	classifier Classifier
	settings   *SettingsCache
	actions    ActionStore
	executor   ActionExecutor
	cases      CasePromoter
	enqueuer   pipeline.Enqueuer
	now        func() time.Time
	logger     *zap.SugaredLogger
}

// Deps groups the engine's collaborators
type Deps struct {
	Alerts     AlertStore
	Builder    *ContextBuilder
	Classifier Classifier
	Settings   *SettingsCache
	Actions    ActionStore
	Executor   ActionExecutor
	Cases      CasePromoter
	Enqueuer   pipeline.Enqueuer
}

// NewEngine creates a triage engine
func NewEngine(deps Deps, logger *zap.SugaredLogger) *Engine {
	return &Engine{
		alerts:     deps.Alerts,
		builder:    deps.Builder,
		classifier: deps.Classifier,
		settings:   deps.Settings,
		actions:    deps.Actions,
		executor:   deps.Executor,
		cases:      deps.Cases,
		enqueuer:   deps.Enqueuer,
		now:        time.Now,
		logger:     logger,
	}
}

// WithClock overrides the time source
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Triage analyzes one alert. Alerts already processed are skipped.
//
// Response actions and auto-promotion run at most once per alert: a retried
// triage reuses the actions and the AI case a previous attempt committed. A
// failure before any automation is committed marks the alert's triage as
// failed; a failure after it leaves the alert enriching so a retry can record
// the verdict. The error is returned to the caller in both cases.
func (e *Engine) Triage(ctx context.Context, tenantID, alertID string) error {
	start := time.Now()
	defer func() {
		metrics.TriageDuration.Observe(time.Since(start).Seconds())
	}()

	alert, err := e.alerts.GetAlert(ctx, tenantID, alertID)
	if err != nil {
		return fmt.Errorf("failed to load alert for triage: %w", err)
	}
	if alert.AITriageStatus == core.TriageStatusProcessed {
		e.logger.Debugw("Alert already triaged", "alert_id", alertID, "tenant_id", tenantID)
		return nil
	}

	st := &triageState{applied: alert.AITriageStatus == core.TriageStatusEnriching}
	verdict, err := e.run(ctx, alert, st)
	if err != nil {
		metrics.TriageOutcomes.WithLabelValues(string(core.TriageStatusFailed)).Inc()
		if st.applied {
			e.logger.Errorw("Triage interrupted after automation was applied",
				"alert_id", alertID,
				"tenant_id", tenantID,
				"action_ids", st.actionIDs(),
				"promoted_case_id", st.caseID,
				"error", err)
			return err
		}
		if markErr := e.alerts.MarkTriageFailed(context.WithoutCancel(ctx), tenantID, alertID, e.now()); markErr != nil {
			e.logger.Errorw("Failed to mark triage failed", "alert_id", alertID, "error", markErr)
		}
		e.logger.Errorw("Triage failed", "alert_id", alertID, "tenant_id", tenantID, "error", err)
		return err
	}
	metrics.TriageOutcomes.WithLabelValues(string(core.TriageStatusProcessed)).Inc()

	if verdict.Classification == core.ClassificationTruePositive && e.enqueuer != nil {
		if err := e.enqueuer.Enqueue(ctx, pipeline.NewTask(pipeline.KindInvestigate, tenantID, alertID)); err != nil {
			e.logger.Warnw("Failed to enqueue investigation", "alert_id", alertID, "error", err)
		}
	}
	return nil
}

// triageState tracks the automation committed for one alert across attempts
type triageState struct {
	// applied is set once any action or AI promotion is known to be committed.
	// It starts true for an alert left enriching, until prior work is loaded.
	applied bool
	prior   map[core.SoarActionType]*core.SoarAction
	steps   []core.ActionStep
	caseID  string
}

func (st *triageState) actionIDs() []string {
	ids := make([]string, 0, len(st.steps))
	for _, step := range st.steps {
		ids = append(ids, step.SoarActionID)
	}
	return ids
}

// loadPrior collects the AI actions and AI case earlier attempts committed
func (e *Engine) loadPrior(ctx context.Context, alert *core.Alert, st *triageState) error {
	existing, err := e.actions.ListActionsForAlert(ctx, alert.TenantID, alert.ID)
	if err != nil {
		return fmt.Errorf("failed to load prior actions: %w", err)
	}
	st.prior = make(map[core.SoarActionType]*core.SoarAction)
	for _, a := range existing {
		if a.TriggeredBy != core.TriggeredByAI {
			continue
		}
		if _, seen := st.prior[a.ActionType]; !seen {
			st.prior[a.ActionType] = a
		}
	}

	if alert.HasCase() {
		c, err := e.cases.GetCase(ctx, alert.TenantID, alert.CaseID)
		if err != nil {
			return fmt.Errorf("failed to load alert case: %w", err)
		}
		if c.CreatedBy == core.CaseCreatedByAI && c.SourceAlertID == alert.ID {
			st.caseID = c.ID
		}
	}

	st.applied = len(st.prior) > 0 || st.caseID != ""
	return nil
}

func (e *Engine) run(ctx context.Context, alert *core.Alert, st *triageState) (*core.TriageVerdict, error) {
	if err := e.alerts.UpdateTriageStatus(ctx, alert.TenantID, alert.ID, core.TriageStatusEnriching, e.now()); err != nil {
		return nil, fmt.Errorf("failed to mark alert enriching: %w", err)
	}

	if err := e.loadPrior(ctx, alert, st); err != nil {
		return nil, err
	}

	settings, err := e.settings.Get(ctx, alert.TenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant settings: %w", err)
	}

	tctx, err := e.builder.Build(ctx, alert)
	if err != nil {
		return nil, fmt.Errorf("failed to build triage context: %w", err)
	}

	verdict, err := e.classifier.Classify(ctx, BuildPrompt(tctx, e.logger), tctx)
	if err != nil {
		return nil, fmt.Errorf("failed to classify alert: %w", err)
	}
	verdict.AnalyzedAt = e.now().UTC()

	decision := Decide(alert, verdict, settings)

	if decision.Block() {
		if err := e.respondOnce(ctx, alert, st, core.SoarActionBlockIP, decision.BlockIP); err != nil {
			return nil, err
		}
	}
	if decision.Isolate() {
		if err := e.respondOnce(ctx, alert, st, core.SoarActionIsolateHost, decision.IsolateHost); err != nil {
			return nil, err
		}
	}
	// Actions a previous attempt ran stay on the record even if this verdict differs
	for _, actionType := range []core.SoarActionType{core.SoarActionBlockIP, core.SoarActionIsolateHost} {
		if prior, ok := st.prior[actionType]; ok {
			st.steps = append(st.steps, stepFromRecord(prior))
			delete(st.prior, actionType)
		}
	}
	verdict.ActionTaken = core.NewActionTaken(st.steps)

	for _, tag := range decision.Tags {
		verdict.AddTag(tag)
	}

	switch {
	case st.caseID != "":
		verdict.PromotedCaseID = st.caseID
		verdict.AddTag(core.TagAutoPromoted)
	case decision.Promote:
		c, err := e.cases.PromoteToCase(ctx, alert.TenantID, alert.ID, core.CaseCreatedByAI)
		switch {
		case errors.Is(err, storage.ErrAlertAlreadyPromoted):
			e.logger.Infow("Alert promoted concurrently, skipping auto-promotion", "alert_id", alert.ID)
		case err != nil:
			return nil, fmt.Errorf("failed to promote alert: %w", err)
		default:
			st.caseID = c.ID
			st.applied = true
			verdict.PromotedCaseID = c.ID
			verdict.AddTag(core.TagAutoPromoted)
		}
	}

	if err := e.alerts.CompleteTriage(ctx, alert.TenantID, alert.ID, verdict, decision.Dismiss, e.now()); err != nil {
		return nil, fmt.Errorf("failed to store triage verdict: %w", err)
	}

	e.logger.Infow("Alert triaged",
		"alert_id", alert.ID,
		"tenant_id", alert.TenantID,
		"classification", verdict.Classification,
		"confidence", verdict.Confidence,
		"fallback", verdict.Fallback,
		"dismissed", decision.Dismiss,
		"actions", len(st.steps),
		"promoted_case_id", verdict.PromotedCaseID)
	return verdict, nil
}

// respondOnce reuses the action a previous attempt recorded for actionType,
// or executes it now.
func (e *Engine) respondOnce(ctx context.Context, alert *core.Alert, st *triageState, actionType core.SoarActionType, target string) error {
	if prior, ok := st.prior[actionType]; ok {
		e.logger.Infow("Reusing response action from an earlier triage attempt",
			"alert_id", alert.ID,
			"action_type", actionType,
			"soar_action_id", prior.ID,
			"status", prior.Status)
		st.steps = append(st.steps, stepFromRecord(prior))
		delete(st.prior, actionType)
		return nil
	}

	step, err := e.respond(ctx, alert, st, actionType, target)
	if err != nil {
		return err
	}
	st.steps = append(st.steps, step)
	return nil
}

func stepFromRecord(a *core.SoarAction) core.ActionStep {
	return core.ActionStep{
		Type:         a.ActionType,
		Target:       a.Target,
		Provider:     a.Provider,
		Status:       a.Status,
		SoarActionID: a.ID,
	}
}

// respond records a pending action, executes it and settles the record.
// An executor failure is recorded on the action; only storage errors abort triage.
func (e *Engine) respond(ctx context.Context, alert *core.Alert, st *triageState, actionType core.SoarActionType, target string) (core.ActionStep, error) {
	record := &core.SoarAction{
		TenantID:    alert.TenantID,
		AlertID:     alert.ID,
		CaseID:      alert.CaseID,
		ActionType:  actionType,
		Target:      target,
		Provider:    e.executor.DefaultProvider(actionType),
		TriggeredBy: core.TriggeredByAI,
	}
	if err := e.actions.CreatePendingAction(ctx, record, e.now()); err != nil {
		return core.ActionStep{}, fmt.Errorf("failed to record %s action: %w", actionType, err)
	}
	st.applied = true

	status := core.SoarActionStatusFailed
	var output map[string]interface{}
	result, execErr := e.executor.Execute(ctx, actionType, record.Provider, target)
	switch {
	case result != nil:
		status = result.Status.RecordStatus()
		output = result.Record()
	case execErr != nil:
		output = map[string]interface{}{"status": string(soar.ActionStatusFailed), "error": execErr.Error()}
	}

	if err := e.actions.CompleteAction(context.WithoutCancel(ctx), record.ID, status, output, e.now()); err != nil {
		return core.ActionStep{}, fmt.Errorf("failed to settle %s action %s: %w", actionType, record.ID, err)
	}

	if execErr != nil {
		e.logger.Warnw("Response action failed during triage",
			"alert_id", alert.ID,
			"action_type", actionType,
			"target", target,
			"error", execErr)
	}
	return core.ActionStep{
		Type:         actionType,
		Target:       target,
		Provider:     record.Provider,
		Status:       status,
		SoarActionID: record.ID,
	}, nil
}
