package soar

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testTimeoutError struct{ error }

func (e *testTimeoutError) Timeout() bool   { return true }
func (e *testTimeoutError) Temporary() bool { return false }

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorType
	}{
		{"nil", nil, ErrorTypeUnknown},
		{"deadline", context.DeadlineExceeded, ErrorTypeTimeout},
		{"wrapped_deadline", fmt.Errorf("failed to block: %w", context.DeadlineExceeded), ErrorTypeTimeout},
		{"cancelled", context.Canceled, ErrorTypePermanent},
		{"net_timeout", &testTimeoutError{errors.New("i/o")}, ErrorTypeTimeout},
		{"http_429", &HTTPStatusError{Code: 429}, ErrorTypeRateLimit},
		{"http_503", &HTTPStatusError{Code: 503}, ErrorTypeTimeout},
		{"http_500", &HTTPStatusError{Code: 500}, ErrorTypeTemporary},
		{"http_401", &HTTPStatusError{Code: 401}, ErrorTypePermanent},
		{"conn_refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, ErrorTypeNetwork},
		{"invalid_target", fmt.Errorf("%w: bad", ErrInvalidTarget), ErrorTypePermanent},
		{"destructive_disabled", ErrDestructiveActionsDisabled, ErrorTypePermanent},
		{"message_rate_limit", errors.New("Rate limit hit"), ErrorTypeRateLimit},
		{"message_unavailable", errors.New("edr unavailable"), ErrorTypeTemporary},
		{"opaque", errors.New("something odd"), ErrorTypeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ClassifyError(tt.err))
		})
	}
}

func TestExecuteWithRetry_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	var retries []int
	cfg := RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		OnRetry:     func(attempt int, _ error, _ time.Duration) { retries = append(retries, attempt) },
	}

	err := ExecuteWithRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("temporary failure")
		}
		return nil
	}, cfg)

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retries)
}

func TestExecuteWithRetry_ZeroRetries(t *testing.T) {
	calls := 0
	err := ExecuteWithRetry(context.Background(), func() error {
		calls++
		return errors.New("timeout")
	}, RetryConfig{})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestExecuteWithRetry_ContextCancelledDuringDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{MaxAttempts: 5, BaseDelay: time.Hour}

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := ExecuteWithRetry(ctx, func() error { return errors.New("timeout") }, cfg)
	require.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "retry delay")
}

func TestCalculateDelay(t *testing.T) {
	cfg := RetryConfig{
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  time.Second,
		ErrorTypeDelays: map[ErrorType][]time.Duration{
			ErrorTypeRateLimit: {700 * time.Millisecond},
		},
	}

	assert.Equal(t, 100*time.Millisecond, calculateDelay(0, ErrorTypeUnknown, cfg))
	assert.Equal(t, 400*time.Millisecond, calculateDelay(2, ErrorTypeUnknown, cfg))
	assert.Equal(t, time.Second, calculateDelay(6, ErrorTypeUnknown, cfg), "capped at MaxDelay")
	assert.Equal(t, 700*time.Millisecond, calculateDelay(0, ErrorTypeRateLimit, cfg))
	assert.Equal(t, 200*time.Millisecond, calculateDelay(1, ErrorTypeRateLimit, cfg), "falls back past the sequence")

	cfg.Jitter = 0.5
	for i := 0; i < 50; i++ {
		d := calculateDelay(0, ErrorTypeUnknown, cfg)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}
