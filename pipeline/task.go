package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nutthakorn7/zcrai-sub000/config"
	"github.com/nutthakorn7/zcrai-sub000/metrics"
	"github.com/nutthakorn7/zcrai-sub000/soar"
	"github.com/nutthakorn7/zcrai-sub000/util/goroutine"
	"go.uber.org/zap"
)

// Kind names the downstream stage a task runs
type Kind string

const (
	KindCorrelate   Kind = "correlate"
	KindNotify      Kind = "notify"
	KindTriage      Kind = "triage"
	KindInvestigate Kind = "investigate"
)

// ErrNoHandler is returned when a task kind has no registered handler
var ErrNoHandler = errors.New("no handler registered for task kind")

// Task is one unit of post-creation work for an alert
type Task struct {
	ID         string    `msgpack:"id" json:"id"`
	Kind       Kind      `msgpack:"kind" json:"kind"`
	TenantID   string    `msgpack:"tenant_id" json:"tenant_id"`
	AlertID    string    `msgpack:"alert_id" json:"alert_id"`
	Attempt    int       `msgpack:"attempt" json:"attempt"`
	EnqueuedAt time.Time `msgpack:"enqueued_at" json:"enqueued_at"`
	LastError  string    `msgpack:"last_error,omitempty" json:"last_error,omitempty"`
}

// NewTask builds a task for an alert
func NewTask(kind Kind, tenantID, alertID string) Task {
	return Task{
		ID:       uuid.New().String(),
		Kind:     kind,
		TenantID: tenantID,
		AlertID:  alertID,
	}
}

// Enqueuer accepts tasks for asynchronous execution
type Enqueuer interface {
	Enqueue(ctx context.Context, task Task) error
}

// Handler executes one task. A returned error schedules a retry.
type Handler func(ctx context.Context, task Task) error

// Router maps task kinds to handlers
type Router struct {
	mu       sync.RWMutex
	handlers map[Kind]Handler
	logger   *zap.SugaredLogger
}

// NewRouter creates an empty router
func NewRouter(logger *zap.SugaredLogger) *Router {
	return &Router{
		handlers: make(map[Kind]Handler),
		logger:   logger,
	}
}

// Handle registers h for kind, replacing any previous handler
func (r *Router) Handle(kind Kind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// Dispatch runs the handler registered for the task's kind
func (r *Router) Dispatch(ctx context.Context, task Task) error {
	r.mu.RLock()
	h, ok := r.handlers[task.Kind]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, task.Kind)
	}
	return h(ctx, task)
}

// Options configures a queue backend
type Options struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	QueueKey    string
	PollTimeout time.Duration
	TaskTimeout time.Duration

	// Failed tasks wait RetryBaseDelay, doubling per attempt up to RetryMaxDelay
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// OptionsFromConfig maps the pipeline configuration section
func OptionsFromConfig(cfg config.PipelineConfig) Options {
	return Options{
		Workers:     cfg.Workers,
		QueueSize:   cfg.QueueSize,
		MaxAttempts: cfg.MaxAttempts,
		QueueKey:    cfg.QueueKey,
		PollTimeout: cfg.PollTimeout,
		TaskTimeout: cfg.TaskTimeout,

		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
	}
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 100
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 1
	}
	if o.QueueKey == "" {
		o.QueueKey = "zcrai:tasks"
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = 2 * time.Second
	}
	if o.TaskTimeout <= 0 {
		o.TaskTimeout = 2 * time.Minute
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = time.Second
	}
	if o.RetryMaxDelay < o.RetryBaseDelay {
		o.RetryMaxDelay = max(30*time.Second, o.RetryBaseDelay)
	}
	return o
}

// retryJitter is the +/- fraction applied to each retry delay
const retryJitter = 0.2

// retryDelay is the backoff before the task's next attempt. task.Attempt
// counts the failures so far.
func (o Options) retryDelay(task Task, err error) time.Duration {
	policy := soar.RetryConfig{
		BaseDelay: o.RetryBaseDelay,
		MaxDelay:  o.RetryMaxDelay,
		Jitter:    retryJitter,
	}
	return policy.Delay(task.Attempt-1, err)
}

func prepare(task Task, now time.Time) Task {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = now.UTC()
	}
	return task
}

// runTask dispatches with a timeout, converting panics into errors
func runTask(ctx context.Context, router *Router, task Task, timeout time.Duration, logger *zap.SugaredLogger) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := goroutine.Safe("task-"+string(task.Kind), logger, func() error {
		return router.Dispatch(ctx, task)
	})
	if err != nil {
		metrics.TasksProcessed.WithLabelValues(string(task.Kind), "error").Inc()
		logger.Warnw("Task failed",
			"task_id", task.ID,
			"kind", task.Kind,
			"alert_id", task.AlertID,
			"attempt", task.Attempt+1,
			"error", err)
		return err
	}
	metrics.TasksProcessed.WithLabelValues(string(task.Kind), "success").Inc()
	return nil
}

func logDeadLetter(logger *zap.SugaredLogger, task Task) {
	metrics.QueueDeadLettered.WithLabelValues(string(task.Kind)).Inc()
	logger.Errorw("Task dead-lettered",
		"task_id", task.ID,
		"kind", task.Kind,
		"tenant_id", task.TenantID,
		"alert_id", task.AlertID,
		"attempts", task.Attempt,
		"error", task.LastError)
}
