package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nutthakorn7/zcrai-sub000/config"
	"github.com/nutthakorn7/zcrai-sub000/util/goroutine"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// RedisQueue is a durable list-backed queue. Producers LPUSH and workers BRPOP,
// so tasks are consumed in FIFO order. Exhausted tasks move to "<key>:dead".
type RedisQueue struct {
	client  *redis.Client
	router  *Router
	opts    Options
	deadKey string
	logger  *zap.SugaredLogger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewRedisClient creates a client from the redis configuration section
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

// NewRedisQueue creates a queue over an existing client
func NewRedisQueue(client *redis.Client, router *Router, opts Options, logger *zap.SugaredLogger) *RedisQueue {
	opts = opts.withDefaults()
	return &RedisQueue{
		client:  client,
		router:  router,
		opts:    opts,
		deadKey: opts.QueueKey + ":dead",
		logger:  logger,
	}
}

// Ping tests the Redis connection
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Enqueue pushes a msgpack-encoded task onto the list
func (q *RedisQueue) Enqueue(ctx context.Context, task Task) error {
	return q.push(ctx, q.opts.QueueKey, prepare(task, time.Now()))
}

func (q *RedisQueue) push(ctx context.Context, key string, task Task) error {
	data, err := msgpack.Marshal(&task)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}
	if err := q.client.LPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("failed to push task: %w", err)
	}
	return nil
}

// Start launches the consumers. Calling Start twice is a no-op.
func (q *RedisQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return nil
	}
	if err := q.Ping(ctx); err != nil {
		return fmt.Errorf("failed to reach redis: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.running = true

	q.logger.Infow("Starting redis task queue", "key", q.opts.QueueKey, "workers", q.opts.Workers)
	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		goroutine.Go(fmt.Sprintf("redis-queue-%d", i), q.logger, func() {
			defer q.wg.Done()
			q.consume(ctx)
		})
	}
	return nil
}

// Stop cancels the consumers and waits for in-flight tasks
func (q *RedisQueue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	q.cancel()
	q.mu.Unlock()

	q.wg.Wait()
	q.logger.Infow("Redis task queue stopped", "key", q.opts.QueueKey)
}

// Len returns the number of queued tasks
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.opts.QueueKey).Result()
}

// DeadLetters returns the dead-lettered tasks, most recent first
func (q *RedisQueue) DeadLetters(ctx context.Context) ([]Task, error) {
	raw, err := q.client.LRange(ctx, q.deadKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead letters: %w", err)
	}
	tasks := make([]Task, 0, len(raw))
	for _, r := range raw {
		var t Task
		if err := msgpack.Unmarshal([]byte(r), &t); err != nil {
			q.logger.Warnw("Skipping undecodable dead letter", "error", err)
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (q *RedisQueue) consume(ctx context.Context) {
	backoff := 100 * time.Millisecond
	for ctx.Err() == nil {
		res, err := q.client.BRPop(ctx, q.opts.PollTimeout, q.opts.QueueKey).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Warnw("Failed to pop task", "key", q.opts.QueueKey, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, 5*time.Second)
			continue
		}
		backoff = 100 * time.Millisecond
		if len(res) < 2 {
			continue
		}

		var task Task
		if err := msgpack.Unmarshal([]byte(res[1]), &task); err != nil {
			q.logger.Errorw("Dropping undecodable task", "error", err)
			// keep the raw payload for inspection
			if pushErr := q.client.LPush(context.WithoutCancel(ctx), q.deadKey, res[1]).Err(); pushErr != nil {
				q.logger.Errorw("Failed to dead-letter undecodable task", "error", pushErr)
			}
			continue
		}
		q.handle(ctx, task)
	}
}

func (q *RedisQueue) handle(ctx context.Context, task Task) {
	err := runTask(ctx, q.router, task, q.opts.TaskTimeout, q.logger)
	if err == nil {
		return
	}

	task.Attempt++
	task.LastError = err.Error()

	// the popped task exists nowhere else; requeue even if we are shutting down
	pushCtx := context.WithoutCancel(ctx)
	if task.Attempt >= q.opts.MaxAttempts {
		if err := q.push(pushCtx, q.deadKey, task); err != nil {
			q.logger.Errorw("Failed to dead-letter task", "task_id", task.ID, "error", err)
		}
		logDeadLetter(q.logger, task)
		return
	}
	q.requeueAfter(ctx, pushCtx, task, q.opts.retryDelay(task, err))
}

// requeueAfter pushes task back after delay. Shutdown cuts the wait short;
// the task is pushed either way.
func (q *RedisQueue) requeueAfter(ctx, pushCtx context.Context, task Task, delay time.Duration) {
	q.wg.Add(1)
	goroutine.Go("redis-queue-retry", q.logger, func() {
		defer q.wg.Done()

		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		}

		if err := q.push(pushCtx, q.opts.QueueKey, task); err != nil {
			q.logger.Errorw("Failed to requeue task", "task_id", task.ID, "error", err)
		}
	})
}
