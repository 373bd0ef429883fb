package soar

import (
	"context"
	"errors"
	"time"

	"github.com/nutthakorn7/zcrai-sub000/core"
)

var (
	// ErrUnknownAction is returned when no action is registered for a type
	ErrUnknownAction = errors.New("unknown action type")
	// ErrUnknownProvider is returned when the named provider is not registered
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrInvalidTarget is returned when a target fails validation for its action
	ErrInvalidTarget = errors.New("invalid action target")
	// ErrDestructiveActionsDisabled is returned while soar.destructive_actions_enabled is false
	ErrDestructiveActionsDisabled = errors.New("destructive actions are disabled")
)

// ActionStatus represents the status of an action execution
type ActionStatus string

const (
	ActionStatusRunning   ActionStatus = "running"
	ActionStatusCompleted ActionStatus = "completed"
	ActionStatusFailed    ActionStatus = "failed"
)

// RecordStatus maps an execution status onto the audit record status
func (s ActionStatus) RecordStatus() core.SoarActionStatus {
	switch s {
	case ActionStatusCompleted:
		return core.SoarActionStatusSuccess
	case ActionStatusFailed:
		return core.SoarActionStatusFailed
	default:
		return core.SoarActionStatusPending
	}
}

// Executor performs irreversible response actions. Calls are synchronous and
// safe to retry from the caller's side.
type Executor interface {
	Execute(ctx context.Context, actionType core.SoarActionType, provider, target string) (*ActionResult, error)
}

// Provider is the vendor integration behind an action (firewall, EDR)
type Provider interface {
	Name() string
	Call(ctx context.Context, actionType core.SoarActionType, target string) (map[string]interface{}, error)
}

// Action validates a target and drives a provider for one action type
type Action interface {
	// Type returns the action type
	Type() core.SoarActionType

	// Name returns a human-readable name
	Name() string

	// Destructive reports whether the action is gated by destructive_actions_enabled
	Destructive() bool

	// ValidateTarget checks the target before any provider call
	ValidateTarget(target string) error

	// Execute performs the action once against the provider
	Execute(ctx context.Context, provider Provider, target string) (*ActionResult, error)
}

// ActionResult represents the result of an action execution
type ActionResult struct {
	ActionType  core.SoarActionType    `json:"action_type"`
	Provider    string                 `json:"provider"`
	Target      string                 `json:"target"`
	Status      ActionStatus           `json:"status"`
	Message     string                 `json:"message"`
	Output      map[string]interface{} `json:"output"`
	Error       string                 `json:"error,omitempty"`
	Attempts    int                    `json:"attempts"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt time.Time              `json:"completed_at"`
	Duration    time.Duration          `json:"duration"`
}

func newResult(actionType core.SoarActionType, provider, target string) *ActionResult {
	return &ActionResult{
		ActionType: actionType,
		Provider:   provider,
		Target:     target,
		Status:     ActionStatusRunning,
		StartedAt:  time.Now(),
		Output:     make(map[string]interface{}),
	}
}

func (r *ActionResult) complete(message string) {
	r.Status = ActionStatusCompleted
	r.Message = message
	r.finish()
}

func (r *ActionResult) fail(err error) {
	r.Status = ActionStatusFailed
	r.Error = err.Error()
	r.finish()
}

func (r *ActionResult) finish() {
	r.CompletedAt = time.Now()
	r.Duration = r.CompletedAt.Sub(r.StartedAt)
}

// Record converts the result into the map persisted on the SoarAction audit entry
func (r *ActionResult) Record() map[string]interface{} {
	out := map[string]interface{}{
		"status":      string(r.Status),
		"message":     r.Message,
		"attempts":    r.Attempts,
		"duration_ms": r.Duration.Milliseconds(),
	}
	if r.Error != "" {
		out["error"] = r.Error
	}
	if len(r.Output) > 0 {
		out["provider_response"] = r.Output
	}
	return out
}
