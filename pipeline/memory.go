package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/nutthakorn7/zcrai-sub000/core"
	"github.com/nutthakorn7/zcrai-sub000/util/goroutine"
	"go.uber.org/zap"
)

// MemoryQueue runs tasks in-process on a worker pool. Tasks are lost on restart.
type MemoryQueue struct {
	pool   *core.WorkerPool
	router *Router
	opts   Options
	logger *zap.SugaredLogger

	mu   sync.Mutex
	dead []Task

	// retries tracks tasks waiting out their backoff
	retries sync.WaitGroup
}

// NewMemoryQueue creates an in-process queue. Call Start before enqueueing.
func NewMemoryQueue(ctx context.Context, router *Router, opts Options, logger *zap.SugaredLogger) *MemoryQueue {
	opts = opts.withDefaults()
	return &MemoryQueue{
		pool:   core.NewWorkerPool(ctx, opts.Workers, opts.QueueSize, "pipeline", logger),
		router: router,
		opts:   opts,
		logger: logger,
	}
}

// Start launches the workers
func (q *MemoryQueue) Start() error {
	return q.pool.Start()
}

// Stop waits for in-flight tasks and drops queued ones. Tasks waiting to be
// retried are dead-lettered.
func (q *MemoryQueue) Stop() {
	q.pool.Stop()
	q.retries.Wait()
}

// Enqueue submits a task without blocking. Returns core.ErrWorkerPoolQueueFull when saturated.
func (q *MemoryQueue) Enqueue(_ context.Context, task Task) error {
	return q.pool.Submit(q.job(prepare(task, time.Now())))
}

// DeadLetters returns the tasks that exhausted their attempts
func (q *MemoryQueue) DeadLetters() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, len(q.dead))
	copy(out, q.dead)
	return out
}

func (q *MemoryQueue) job(task Task) func(ctx context.Context) {
	return func(ctx context.Context) {
		q.process(ctx, task)
	}
}

func (q *MemoryQueue) process(ctx context.Context, task Task) {
	err := runTask(ctx, q.router, task, q.opts.TaskTimeout, q.logger)
	if err == nil {
		return
	}

	task.Attempt++
	task.LastError = err.Error()
	if task.Attempt >= q.opts.MaxAttempts || ctx.Err() != nil {
		q.deadLetter(task)
		return
	}
	q.scheduleRetry(ctx, task, q.opts.retryDelay(task, err))
}

// scheduleRetry resubmits task after delay, or dead-letters it if the pool
// shuts down first
func (q *MemoryQueue) scheduleRetry(ctx context.Context, task Task, delay time.Duration) {
	q.logger.Debugw("Task retry scheduled",
		"task_id", task.ID,
		"kind", task.Kind,
		"attempt", task.Attempt+1,
		"delay", delay)

	q.retries.Add(1)
	goroutine.Go("memory-queue-retry", q.logger, func() {
		defer q.retries.Done()

		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			q.deadLetter(task)
			return
		}

		if err := q.pool.Submit(q.job(task)); err != nil {
			task.LastError = err.Error()
			q.deadLetter(task)
		}
	})
}

func (q *MemoryQueue) deadLetter(task Task) {
	q.mu.Lock()
	q.dead = append(q.dead, task)
	q.mu.Unlock()
	logDeadLetter(q.logger, task)
}
