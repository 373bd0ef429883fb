package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nutthakorn7/zcrai-sub000/metrics"
	"github.com/nutthakorn7/zcrai-sub000/util/goroutine"
	"go.uber.org/zap"
)

// Worker pool errors
var (
	ErrWorkerPoolNotRunning = errors.New("worker pool is not running")
	ErrWorkerPoolQueueFull  = errors.New("worker pool task queue is full")
	ErrWorkerPoolTimeout    = errors.New("worker pool task submission timed out")
)

// workerPoolStopTimeout bounds how long Stop waits for in-flight tasks
const workerPoolStopTimeout = 30 * time.Second

// WorkerPool runs submitted tasks on a fixed number of goroutines.
// Workers receive the pool context so long-running tasks can observe shutdown.
type WorkerPool struct {
	workers   int
	queueSize int
	poolType  string
	taskCh    chan func(ctx context.Context)
	wg        sync.WaitGroup
	logger    *zap.SugaredLogger
	ctx       context.Context
	cancel    context.CancelFunc
	running   bool
	mu        sync.RWMutex
}

// NewWorkerPool creates a pool bound to parentCtx. Workers start on Start.
// poolType labels the worker pool metrics.
func NewWorkerPool(parentCtx context.Context, workers, queueSize int, poolType string, logger *zap.SugaredLogger) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if poolType == "" {
		poolType = "default"
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	return &WorkerPool{
		workers:   workers,
		queueSize: queueSize,
		poolType:  poolType,
		taskCh:    make(chan func(ctx context.Context), queueSize),
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the workers. Calling Start twice is a no-op.
func (wp *WorkerPool) Start() error {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.running {
		return nil
	}
	if wp.ctx.Err() != nil {
		return ErrWorkerPoolNotRunning
	}

	wp.running = true
	wp.logger.Infow("Starting worker pool",
		"pool_type", wp.poolType,
		"workers", wp.workers,
		"queue_size", wp.queueSize)
	metrics.WorkerPoolActiveWorkers.WithLabelValues(wp.poolType).Set(float64(wp.workers))

	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
	return nil
}

// Stop cancels the pool context, closes the queue and waits for workers.
// Tasks still queued when the context is cancelled are dropped.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if !wp.running {
		wp.mu.Unlock()
		return
	}
	wp.running = false
	wp.logger.Infow("Stopping worker pool", "pool_type", wp.poolType, "workers", wp.workers)

	wp.cancel()
	close(wp.taskCh)
	// workers may call Submit while draining; they must see running=false, not block on the lock
	wp.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		metrics.WorkerPoolActiveWorkers.WithLabelValues(wp.poolType).Set(0)
		wp.logger.Infow("Worker pool stopped", "pool_type", wp.poolType)
	case <-time.After(workerPoolStopTimeout):
		wp.logger.Errorw("Worker pool shutdown timed out - goroutines leaked",
			"pool_type", wp.poolType,
			"workers", wp.workers,
			"timeout", workerPoolStopTimeout)
		metrics.WorkerPoolActiveWorkers.WithLabelValues(wp.poolType).Set(-1)
	}
}

// Submit enqueues task without blocking
func (wp *WorkerPool) Submit(task func(ctx context.Context)) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if !wp.running {
		return ErrWorkerPoolNotRunning
	}

	select {
	case wp.taskCh <- task:
		metrics.WorkerPoolQueueSize.WithLabelValues(wp.poolType).Set(float64(len(wp.taskCh)))
		return nil
	default:
		return ErrWorkerPoolQueueFull
	}
}

// SubmitWait enqueues task, blocking until there is room, ctx is done or timeout passes
func (wp *WorkerPool) SubmitWait(ctx context.Context, task func(ctx context.Context), timeout time.Duration) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if !wp.running {
		return ErrWorkerPoolNotRunning
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case wp.taskCh <- task:
		metrics.WorkerPoolQueueSize.WithLabelValues(wp.poolType).Set(float64(len(wp.taskCh)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrWorkerPoolTimeout
	}
}

// Stats returns a point-in-time snapshot of the pool
func (wp *WorkerPool) Stats() WorkerPoolStats {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	return WorkerPoolStats{
		PoolType:    wp.poolType,
		Workers:     wp.workers,
		QueueSize:   wp.queueSize,
		Running:     wp.running,
		QueuedTasks: len(wp.taskCh),
	}
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()
	defer goroutine.Recover(wp.poolType+"-worker", wp.logger)

	for {
		select {
		case <-wp.ctx.Done():
			return
		case task, ok := <-wp.taskCh:
			if !ok {
				return
			}
			wp.run(id, task)
		}
	}
}

func (wp *WorkerPool) run(id int, task func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Errorw("Task panicked in worker",
				"pool_type", wp.poolType,
				"worker_id", id,
				"panic", r)
		}
	}()
	task(wp.ctx)
	metrics.WorkerPoolTasksProcessed.WithLabelValues(wp.poolType).Inc()
	metrics.WorkerPoolQueueSize.WithLabelValues(wp.poolType).Set(float64(len(wp.taskCh)))
}

// WorkerPoolStats describes the state of a worker pool
type WorkerPoolStats struct {
	PoolType    string `json:"pool_type"`
	Workers     int    `json:"workers"`
	QueueSize   int    `json:"queue_size"`
	Running     bool   `json:"running"`
	QueuedTasks int    `json:"queued_tasks"`
}
