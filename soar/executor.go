package soar

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nutthakorn7/zcrai-sub000/config"
	"github.com/nutthakorn7/zcrai-sub000/core"
	"github.com/nutthakorn7/zcrai-sub000/metrics"
	"go.uber.org/zap"
)

const defaultActionTimeout = 30 * time.Second

// ProviderExecutor dispatches response actions to registered providers.
// Each provider call gets its own timeout and is retried per ClassifyError.
type ProviderExecutor struct {
	actions   map[core.SoarActionType]Action
	providers map[string]Provider
	defaults  map[core.SoarActionType]string
	mu        sync.RWMutex

	destructiveActionsEnabled bool
	timeout                   time.Duration
	retry                     RetryConfig
	logger                    *zap.SugaredLogger
}

// ExecutorOption customizes a ProviderExecutor
type ExecutorOption func(*ProviderExecutor)

// WithRetryConfig replaces the retry policy
func WithRetryConfig(rc RetryConfig) ExecutorOption {
	return func(e *ProviderExecutor) {
		rc.Logger = e.logger
		e.retry = rc
	}
}

// WithProvider registers an extra provider, replacing any with the same name
func WithProvider(p Provider) ExecutorOption {
	return func(e *ProviderExecutor) {
		e.providers[p.Name()] = p
	}
}

// NewProviderExecutor creates an executor with BLOCK_IP routed to the configured
// firewall and ISOLATE_HOST to the configured EDR. Both start as simulated providers.
func NewProviderExecutor(cfg config.SOARConfig, logger *zap.SugaredLogger, opts ...ExecutorOption) *ProviderExecutor {
	e := &ProviderExecutor{
		actions:   make(map[core.SoarActionType]Action),
		providers: make(map[string]Provider),
		defaults: map[core.SoarActionType]string{
			core.SoarActionBlockIP:     cfg.Firewall,
			core.SoarActionIsolateHost: cfg.EDR,
		},
		destructiveActionsEnabled: cfg.DestructiveActionsEnabled,
		timeout:                   cfg.ActionTimeout,
		logger:                    logger,
	}
	if e.timeout <= 0 {
		e.timeout = defaultActionTimeout
	}

	e.retry = DefaultRetryConfig()
	e.retry.MaxAttempts = cfg.MaxRetries
	e.retry.Logger = logger

	e.RegisterAction(NewBlockIPAction(logger))
	e.RegisterAction(NewIsolateHostAction(logger))
	e.providers[cfg.Firewall] = NewSimulatedProvider(cfg.Firewall, 0, logger)
	e.providers[cfg.EDR] = NewSimulatedProvider(cfg.EDR, 0, logger)

	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterAction registers an action, replacing any previous one of the same type
func (e *ProviderExecutor) RegisterAction(action Action) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.actions[action.Type()] = action
}

// DefaultProvider returns the provider configured for an action type
func (e *ProviderExecutor) DefaultProvider(actionType core.SoarActionType) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.defaults[actionType]
}

// Execute validates and runs one action. The returned result is non-nil whenever
// the action type is known, including on failure, so callers can record it.
func (e *ProviderExecutor) Execute(ctx context.Context, actionType core.SoarActionType, provider, target string) (*ActionResult, error) {
	e.mu.RLock()
	action, ok := e.actions[actionType]
	if provider == "" {
		provider = e.defaults[actionType]
	}
	p, hasProvider := e.providers[provider]
	e.mu.RUnlock()

	if !ok {
		metrics.ActionsExecuted.WithLabelValues(string(actionType), string(ActionStatusFailed)).Inc()
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, actionType)
	}

	result, err := e.execute(ctx, action, p, hasProvider, provider, target)
	metrics.ActionsExecuted.WithLabelValues(string(actionType), string(result.Status)).Inc()
	if err != nil {
		e.logger.Warnw("Response action failed",
			"action_type", actionType,
			"provider", provider,
			"target", target,
			"attempts", result.Attempts,
			"error", err)
		return result, err
	}

	e.logger.Infow("Response action completed",
		"action_type", actionType,
		"provider", provider,
		"target", target,
		"attempts", result.Attempts,
		"duration", result.Duration)
	return result, nil
}

func (e *ProviderExecutor) execute(ctx context.Context, action Action, p Provider, hasProvider bool, provider, target string) (*ActionResult, error) {
	result := newResult(action.Type(), provider, target)

	if !hasProvider {
		err := fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
		result.fail(err)
		return result, err
	}
	if err := action.ValidateTarget(target); err != nil {
		result.fail(err)
		return result, err
	}
	if action.Destructive() && !e.destructiveActionsEnabled {
		err := fmt.Errorf("%w: %s requires soar.destructive_actions_enabled=true", ErrDestructiveActionsDisabled, action.Name())
		result.fail(err)
		return result, err
	}

	attempts := 0
	var last *ActionResult
	err := ExecuteWithRetry(ctx, func() error {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()
		r, err := action.Execute(callCtx, p, target)
		if r != nil {
			last = r
		}
		return err
	}, e.retry)

	if last != nil {
		last.StartedAt = result.StartedAt
		result = last
	}
	result.Attempts = attempts
	if err != nil {
		result.fail(err)
		return result, err
	}
	result.finish()
	return result, nil
}
