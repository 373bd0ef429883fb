package triage

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nutthakorn7/zcrai-sub000/config"
	"github.com/nutthakorn7/zcrai-sub000/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type funcClassifier struct {
	calls atomic.Int32
	fn    func(ctx context.Context) (*core.TriageVerdict, error)
}

func (f *funcClassifier) Name() string { return "stub" }

func (f *funcClassifier) Classify(ctx context.Context, _ string, _ *TriageContext) (*core.TriageVerdict, error) {
	f.calls.Add(1)
	return f.fn(ctx)
}

func guardConfig(fallback bool) config.TriageConfig {
	return config.TriageConfig{
		ClassifierTimeout:  50 * time.Millisecond,
		ClassifierFallback: fallback,
		RateLimit:          1000,
		Burst:              10,
		CircuitBreaker: core.CircuitBreakerConfig{
			MaxFailures:         3,
			Timeout:             time.Minute,
			MaxHalfOpenRequests: 1,
		},
	}
}

func newGuard(t *testing.T, inner Classifier, fallback bool) *GuardedClassifier {
	t.Helper()
	g, err := NewGuardedClassifier(inner, guardConfig(fallback), zap.NewNop().Sugar())
	require.NoError(t, err)
	return g
}

func TestGuardedClassifier_PassesThrough(t *testing.T) {
	inner := &funcClassifier{fn: func(context.Context) (*core.TriageVerdict, error) {
		return &core.TriageVerdict{Classification: core.ClassificationTruePositive, Confidence: 93, Reasoning: "beacon"}, nil
	}}
	v, err := newGuard(t, inner, true).Classify(context.Background(), "prompt", &TriageContext{})
	require.NoError(t, err)
	assert.Equal(t, core.ClassificationTruePositive, v.Classification)
	assert.Equal(t, 93, v.Confidence)
	assert.Equal(t, "stub", v.Classifier)
	assert.False(t, v.Fallback)
}

func TestGuardedClassifier_FallbackOnError(t *testing.T) {
	inner := &funcClassifier{fn: func(context.Context) (*core.TriageVerdict, error) {
		return nil, errors.New("503 from model gateway")
	}}
	v, err := newGuard(t, inner, true).Classify(context.Background(), "prompt", &TriageContext{})
	require.NoError(t, err)
	assert.True(t, v.Fallback)
	assert.Equal(t, core.ClassificationFalsePositive, v.Classification)
	assert.Equal(t, FallbackConfidence, v.Confidence)
}

func TestGuardedClassifier_NoFallback(t *testing.T) {
	inner := &funcClassifier{fn: func(context.Context) (*core.TriageVerdict, error) {
		return nil, errors.New("connection refused")
	}}
	_, err := newGuard(t, inner, false).Classify(context.Background(), "prompt", &TriageContext{})
	assert.ErrorIs(t, err, ErrClassifierUnavailable)
}

func TestGuardedClassifier_Timeout(t *testing.T) {
	inner := &funcClassifier{fn: func(ctx context.Context) (*core.TriageVerdict, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	start := time.Now()
	v, err := newGuard(t, inner, true).Classify(context.Background(), "prompt", &TriageContext{})
	require.NoError(t, err)
	assert.True(t, v.Fallback)
	assert.Less(t, time.Since(start), time.Second)
}

func TestGuardedClassifier_InvalidVerdict(t *testing.T) {
	inner := &funcClassifier{fn: func(context.Context) (*core.TriageVerdict, error) {
		return &core.TriageVerdict{Classification: "MAYBE", Confidence: 70}, nil
	}}
	_, err := newGuard(t, inner, false).Classify(context.Background(), "prompt", &TriageContext{})
	assert.ErrorIs(t, err, ErrClassifierUnavailable)
	assert.Contains(t, err.Error(), ErrInvalidVerdict.Error())
}

func TestGuardedClassifier_BreakerStopsCalls(t *testing.T) {
	inner := &funcClassifier{fn: func(context.Context) (*core.TriageVerdict, error) {
		return nil, errors.New("boom")
	}}
	g := newGuard(t, inner, true)
	for i := 0; i < 10; i++ {
		v, err := g.Classify(context.Background(), "prompt", &TriageContext{})
		require.NoError(t, err)
		assert.True(t, v.Fallback)
	}
	assert.Equal(t, int32(3), inner.calls.Load(), "breaker opens after max failures")
}

func TestGuardedClassifier_CanceledCallerGetsError(t *testing.T) {
	inner := &funcClassifier{fn: func(ctx context.Context) (*core.TriageVerdict, error) {
		return nil, ctx.Err()
	}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newGuard(t, inner, true).Classify(ctx, "prompt", &TriageContext{})
	assert.ErrorIs(t, err, ErrClassifierUnavailable)
}

func TestMockClassifier(t *testing.T) {
	v, err := MockClassifier{}.Classify(context.Background(), "", nil)
	require.NoError(t, err)
	assert.True(t, v.Fallback)
	assert.Equal(t, "mock", v.Classifier)
	assert.Equal(t, core.ClassificationFalsePositive, v.Classification)
}
