package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nutthakorn7/zcrai-sub000/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

func newTestRedisQueue(t *testing.T, router *Router, maxAttempts int) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	client := NewRedisClient(config.RedisConfig{Addr: mr.Addr(), PoolSize: 4})
	t.Cleanup(func() { _ = client.Close() })

	q := NewRedisQueue(client, router, Options{
		Workers:     2,
		MaxAttempts: maxAttempts,
		QueueKey:    "test:tasks",
		PollTimeout: 50 * time.Millisecond,
		TaskTimeout: time.Second,

		RetryBaseDelay: 20 * time.Millisecond,
		RetryMaxDelay:  100 * time.Millisecond,
	}, zap.NewNop().Sugar())
	return q, mr
}

func TestRedisQueue_EnqueueEncodesMsgpack(t *testing.T) {
	q, mr := newTestRedisQueue(t, NewRouter(zap.NewNop().Sugar()), 3)
	ctx := context.Background()

	task := NewTask(KindCorrelate, "tenant-a", "alert-1")
	require.NoError(t, q.Enqueue(ctx, task))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	items, err := mr.List("test:tasks")
	require.NoError(t, err)
	require.Len(t, items, 1)

	var decoded Task
	require.NoError(t, msgpack.Unmarshal([]byte(items[0]), &decoded))
	assert.Equal(t, task.ID, decoded.ID)
	assert.Equal(t, KindCorrelate, decoded.Kind)
	assert.False(t, decoded.EnqueuedAt.IsZero())
}

func TestRedisQueue_ConsumesTasks(t *testing.T) {
	router := NewRouter(zap.NewNop().Sugar())
	done := make(chan Task, 2)
	router.Handle(KindTriage, func(_ context.Context, task Task) error {
		done <- task
		return nil
	})

	q, _ := newTestRedisQueue(t, router, 3)
	ctx := context.Background()
	require.NoError(t, q.Start(ctx))
	defer q.Stop()

	require.NoError(t, q.Enqueue(ctx, NewTask(KindTriage, "tenant-a", "alert-1")))
	require.NoError(t, q.Enqueue(ctx, NewTask(KindTriage, "tenant-a", "alert-2")))

	got := make(map[string]bool)
	for i := 0; i < 2; i++ {
		select {
		case task := <-done:
			got[task.AlertID] = true
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for tasks")
		}
	}
	assert.True(t, got["alert-1"])
	assert.True(t, got["alert-2"])
}

func TestRedisQueue_RetriesAndDeadLetters(t *testing.T) {
	router := NewRouter(zap.NewNop().Sugar())
	var calls atomic.Int32
	router.Handle(KindNotify, func(context.Context, Task) error {
		calls.Add(1)
		return errors.New("slack unavailable")
	})

	q, _ := newTestRedisQueue(t, router, 3)
	ctx := context.Background()
	require.NoError(t, q.Start(ctx))
	defer q.Stop()

	require.NoError(t, q.Enqueue(ctx, NewTask(KindNotify, "tenant-a", "alert-1")))

	require.Eventually(t, func() bool {
		dead, err := q.DeadLetters(ctx)
		return err == nil && len(dead) == 1
	}, 3*time.Second, 20*time.Millisecond)

	dead, err := q.DeadLetters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, dead[0].Attempt)
	assert.Equal(t, "slack unavailable", dead[0].LastError)
	assert.Equal(t, int32(3), calls.Load())

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisQueue_UndecodablePayloadIsDeadLettered(t *testing.T) {
	q, mr := newTestRedisQueue(t, NewRouter(zap.NewNop().Sugar()), 3)
	ctx := context.Background()

	_, err := mr.Lpush("test:tasks", "\xc1not-msgpack")
	require.NoError(t, err)

	require.NoError(t, q.Start(ctx))
	defer q.Stop()

	require.Eventually(t, func() bool {
		items, err := mr.List("test:tasks:dead")
		return err == nil && len(items) == 1
	}, 3*time.Second, 20*time.Millisecond)
}

func TestRedisQueue_StartFailsWhenUnreachable(t *testing.T) {
	q, mr := newTestRedisQueue(t, NewRouter(zap.NewNop().Sugar()), 3)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, q.Start(ctx))
}
