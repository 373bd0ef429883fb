package triage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nutthakorn7/zcrai-sub000/config"
	"github.com/nutthakorn7/zcrai-sub000/core"
	"github.com/nutthakorn7/zcrai-sub000/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	// ErrClassifierUnavailable is returned when the classifier failed and no fallback is configured
	ErrClassifierUnavailable = errors.New("classifier unavailable")

	// ErrInvalidVerdict is returned when a classifier answers outside the verdict contract
	ErrInvalidVerdict = errors.New("invalid classifier verdict")
)

// Classifier produces a verdict for a triage prompt and its context
type Classifier interface {
	Name() string
	Classify(ctx context.Context, prompt string, tctx *TriageContext) (*core.TriageVerdict, error)
}

// Fallback verdict returned when the classifier cannot answer
const (
	FallbackConfidence = 50
	FallbackReasoning  = "Classifier unavailable; mock verdict applied"
)

// FallbackVerdict returns the fixed low-risk verdict used when classification fails
func FallbackVerdict() *core.TriageVerdict {
	return &core.TriageVerdict{
		Classification:  core.ClassificationFalsePositive,
		Confidence:      FallbackConfidence,
		Reasoning:       FallbackReasoning,
		SuggestedAction: "Review manually",
		Fallback:        true,
	}
}

// MockClassifier always answers with the fallback verdict. Used when no
// classifier backend is configured.
type MockClassifier struct{}

// Name implements Classifier
func (MockClassifier) Name() string { return "mock" }

// Classify implements Classifier
func (MockClassifier) Classify(context.Context, string, *TriageContext) (*core.TriageVerdict, error) {
	v := FallbackVerdict()
	v.Classifier = "mock"
	return v, nil
}

// GuardedClassifier bounds an external classifier with a per-call timeout,
// a rate limiter and a circuit breaker, and optionally substitutes the
// fallback verdict on failure.
type GuardedClassifier struct {
	inner    Classifier
	timeout  time.Duration
	limiter  *rate.Limiter
	breaker  *core.CircuitBreaker
	fallback bool
	logger   *zap.SugaredLogger
}

// NewGuardedClassifier wraps inner with the guards configured in cfg
func NewGuardedClassifier(inner Classifier, cfg config.TriageConfig, logger *zap.SugaredLogger) (*GuardedClassifier, error) {
	cbConfig := cfg.CircuitBreaker
	if cbConfig.MaxFailures == 0 {
		cbConfig = core.DefaultCircuitBreakerConfig()
	}
	breaker, err := core.NewCircuitBreaker("classifier-"+inner.Name(), cbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create classifier circuit breaker: %w", err)
	}

	timeout := cfg.ClassifierTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	return &GuardedClassifier{
		inner:    inner,
		timeout:  timeout,
		limiter:  rate.NewLimiter(limit, burst),
		breaker:  breaker,
		fallback: cfg.ClassifierFallback,
		logger:   logger,
	}, nil
}

// Name implements Classifier
func (g *GuardedClassifier) Name() string {
	return g.inner.Name()
}

// Classify implements Classifier
func (g *GuardedClassifier) Classify(ctx context.Context, prompt string, tctx *TriageContext) (*core.TriageVerdict, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := g.limiter.Wait(callCtx); err != nil {
		return g.degrade(ctx, "rate_limited", err)
	}

	var verdict *core.TriageVerdict
	err := g.breaker.Execute(func() error {
		v, err := g.inner.Classify(callCtx, prompt, tctx)
		if err != nil {
			return err
		}
		if v == nil || !v.Classification.IsValid() || v.Confidence < 0 || v.Confidence > 100 {
			return ErrInvalidVerdict
		}
		verdict = v
		return nil
	})
	if err != nil {
		return g.degrade(ctx, fallbackReason(err), err)
	}

	if verdict.Classifier == "" {
		verdict.Classifier = g.inner.Name()
	}
	return verdict, nil
}

func (g *GuardedClassifier) degrade(ctx context.Context, reason string, cause error) (*core.TriageVerdict, error) {
	if !g.fallback || ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrClassifierUnavailable, g.inner.Name(), cause)
	}

	metrics.ClassifierFallbacks.WithLabelValues(reason).Inc()
	g.logger.Warnw("Classifier failed, using fallback verdict",
		"classifier", g.inner.Name(),
		"reason", reason,
		"error", cause)

	v := FallbackVerdict()
	v.Classifier = g.inner.Name()
	return v, nil
}

func fallbackReason(err error) string {
	switch {
	case errors.Is(err, core.ErrCircuitBreakerOpen), errors.Is(err, core.ErrTooManyRequests):
		return "circuit_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrInvalidVerdict):
		return "invalid_verdict"
	default:
		return "error"
	}
}
