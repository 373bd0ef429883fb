package soar

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ErrorType represents the category of error for retry logic
type ErrorType string

const (
	ErrorTypeTimeout   ErrorType = "timeout"
	ErrorTypeRateLimit ErrorType = "rate_limit"
	ErrorTypeNetwork   ErrorType = "network"
	ErrorTypeTemporary ErrorType = "temporary"
	ErrorTypePermanent ErrorType = "permanent"
	ErrorTypeUnknown   ErrorType = "unknown"
)

// RetryConfig defines retry behavior for different error types
type RetryConfig struct {
	// MaxAttempts is the number of retries after the first call (0 = no retries)
	MaxAttempts int

	// BaseDelay is the initial delay before first retry
	BaseDelay time.Duration

	// MaxDelay caps every computed delay
	MaxDelay time.Duration

	// ErrorTypeDelays overrides the backoff sequence per error type
	ErrorTypeDelays map[ErrorType][]time.Duration

	// Jitter between 0.0 (none) and 1.0 (+/-100%)
	Jitter float64

	Logger *zap.SugaredLogger

	// OnRetry is called before each retry attempt
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryConfig returns the retry policy for provider calls
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 2,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Jitter:      0.1,
		ErrorTypeDelays: map[ErrorType][]time.Duration{
			ErrorTypeTimeout:   {1 * time.Second, 2 * time.Second, 4 * time.Second},
			ErrorTypeRateLimit: {10 * time.Second, 30 * time.Second},
			ErrorTypeNetwork:   {1 * time.Second, 2 * time.Second, 4 * time.Second},
		},
	}
}

// HTTPStatusError carries a vendor API status code for classification
type HTTPStatusError struct {
	Code    int
	Message string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Message)
}

func (e *HTTPStatusError) StatusCode() int {
	return e.Code
}

// ClassifyError determines the error type for retry logic
func ClassifyError(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}

	if errors.Is(err, ErrInvalidTarget) ||
		errors.Is(err, ErrDestructiveActionsDisabled) ||
		errors.Is(err, ErrUnknownAction) ||
		errors.Is(err, ErrUnknownProvider) ||
		errors.Is(err, context.Canceled) {
		return ErrorTypePermanent
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeTimeout
	}

	var httpErr interface{ StatusCode() int }
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode() {
		case http.StatusTooManyRequests:
			return ErrorTypeRateLimit
		case http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusRequestTimeout:
			return ErrorTypeTimeout
		case http.StatusInternalServerError, http.StatusBadGateway:
			return ErrorTypeTemporary
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return ErrorTypePermanent
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorTypeTimeout
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return ErrorTypeNetwork
	}

	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "timeout"), strings.Contains(errMsg, "timed out"):
		return ErrorTypeTimeout
	case strings.Contains(errMsg, "rate limit"), strings.Contains(errMsg, "too many requests"):
		return ErrorTypeRateLimit
	case strings.Contains(errMsg, "connection refused"), strings.Contains(errMsg, "connection reset"):
		return ErrorTypeNetwork
	case strings.Contains(errMsg, "temporary"), strings.Contains(errMsg, "unavailable"):
		return ErrorTypeTemporary
	}

	return ErrorTypeUnknown
}

// ShouldRetry reports whether an error is worth another attempt
func ShouldRetry(err error) bool {
	return ClassifyError(err) != ErrorTypePermanent
}

// ExecuteWithRetry runs fn until it succeeds, returns a permanent error, or
// exhausts config.MaxAttempts retries. fn must be idempotent.
func ExecuteWithRetry(ctx context.Context, fn func() error, config RetryConfig) error {
	if config.Logger == nil {
		config.Logger = zap.NewNop().Sugar()
	}

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context cancelled before attempt %d: %w", attempt+1, err)
		}

		lastErr := fn()
		if lastErr == nil {
			if attempt > 0 {
				config.Logger.Infow("Operation succeeded after retries", "retries", attempt)
			}
			return nil
		}

		errorType := ClassifyError(lastErr)
		if errorType == ErrorTypePermanent {
			return fmt.Errorf("non-retryable error: %w", lastErr)
		}
		if attempt >= config.MaxAttempts {
			config.Logger.Warnw("Retries exhausted",
				"max_attempts", config.MaxAttempts,
				"error_type", errorType,
				"error", lastErr)
			return fmt.Errorf("max retries (%d) exceeded: %w", config.MaxAttempts, lastErr)
		}

		delay := calculateDelay(attempt, errorType, config)
		config.Logger.Infow("Retry scheduled",
			"attempt", attempt+1,
			"max_attempts", config.MaxAttempts,
			"error_type", errorType,
			"delay", delay,
			"error", lastErr)
		if config.OnRetry != nil {
			config.OnRetry(attempt+1, lastErr, delay)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("context cancelled during retry delay: %w", ctx.Err())
		}
	}
}

// Delay returns the wait before retry number attempt (0-based) after err
func (c RetryConfig) Delay(attempt int, err error) time.Duration {
	return calculateDelay(attempt, ClassifyError(err), c)
}

func calculateDelay(attempt int, errorType ErrorType, config RetryConfig) time.Duration {
	var delay time.Duration
	if delays, ok := config.ErrorTypeDelays[errorType]; ok && attempt < len(delays) {
		delay = delays[attempt]
	} else {
		delay = config.BaseDelay * time.Duration(1<<uint(attempt))
	}

	if config.MaxDelay > 0 && delay > config.MaxDelay {
		delay = config.MaxDelay
	}

	if config.Jitter > 0 {
		jitterDelta := (rand.Float64()*2 - 1) * float64(delay) * config.Jitter
		delay += time.Duration(jitterDelta)
		if delay < 0 {
			delay = config.BaseDelay
		}
	}
	return delay
}
