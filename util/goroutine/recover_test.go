package goroutine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func TestRecover_NoPanic(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()

	func() {
		defer Recover("quiet", logger)
	}()
}

func TestRecover_LogsPanic(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	logger := zap.New(core).Sugar()

	func() {
		defer Recover("rule-scheduler", logger)
		panic("boom")
	}()

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "Goroutine panic recovered", entries[0].Message)

	fields := entries[0].ContextMap()
	assert.Equal(t, "rule-scheduler", fields["goroutine"])
	assert.Equal(t, "boom", fields["panic"])
	assert.Contains(t, fields, "stack")
}

func TestRecover_NilLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		defer Recover("no-logger", nil)
		panic("still recovered")
	})
}

func TestGo_RecoversPanic(t *testing.T) {
	AssertNoLeaks(t)
	core, logs := observer.New(zap.ErrorLevel)
	logger := zap.New(core).Sugar()

	var wg sync.WaitGroup
	wg.Add(1)
	Go("task", logger, func() {
		defer wg.Done()
		panic("inside goroutine")
	})
	wg.Wait()

	assert.Eventually(t, func() bool { return logs.Len() == 1 }, time.Second, 10*time.Millisecond)
}

func TestSafe_ConvertsPanicToError(t *testing.T) {
	err := Safe("handler", zap.NewNop().Sugar(), func() error {
		panic("bad input")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler panicked")

	err = Safe("handler", zap.NewNop().Sugar(), func() error { return nil })
	assert.NoError(t, err)
}
