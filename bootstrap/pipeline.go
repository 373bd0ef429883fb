package bootstrap

import (
	"context"
	"fmt"

	"github.com/nutthakorn7/zcrai-sub000/config"
	"github.com/nutthakorn7/zcrai-sub000/pipeline"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// TaskQueue is the lifecycle surface shared by the pipeline backends
type TaskQueue interface {
	pipeline.Enqueuer
	Start(ctx context.Context) error
	Stop()
}

type memoryTaskQueue struct {
	*pipeline.MemoryQueue
}

func (q memoryTaskQueue) Start(context.Context) error {
	return q.MemoryQueue.Start()
}

// InitTaskQueue builds the configured backend over router. The returned Redis
// client is nil for the memory backend.
func InitTaskQueue(ctx context.Context, cfg *config.Config, router *pipeline.Router, sugar *zap.SugaredLogger) (TaskQueue, *redis.Client, error) {
	opts := pipeline.OptionsFromConfig(cfg.Pipeline)

	switch cfg.Pipeline.Backend {
	case config.PipelineBackendRedis:
		client := pipeline.NewRedisClient(cfg.Redis)
		q := pipeline.NewRedisQueue(client, router, opts, sugar)
		if err := q.Ping(ctx); err != nil {
			_ = client.Close()
			sugar.Errorw(ClassifyConnectionError("Redis", err, cfg.Redis.Addr))
			return nil, nil, fmt.Errorf("failed to reach Redis: %w", err)
		}
		sugar.Infow("Task pipeline using Redis", "addr", cfg.Redis.Addr, "queue_key", cfg.Pipeline.QueueKey)
		return q, client, nil
	default:
		sugar.Infow("Task pipeline using in-process queue",
			"workers", cfg.Pipeline.Workers,
			"queue_size", cfg.Pipeline.QueueSize)
		return memoryTaskQueue{pipeline.NewMemoryQueue(ctx, router, opts, sugar)}, nil, nil
	}
}

// skipHandler acknowledges tasks for a stage that is disabled by configuration
func skipHandler(stage string, sugar *zap.SugaredLogger) pipeline.Handler {
	return func(_ context.Context, task pipeline.Task) error {
		sugar.Debugw("Stage disabled, skipping task",
			"stage", stage,
			"task_id", task.ID,
			"alert_id", task.AlertID)
		return nil
	}
}
