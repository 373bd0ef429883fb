package detect

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nutthakorn7/zcrai-sub000/config"
	"github.com/nutthakorn7/zcrai-sub000/util/goroutine"
	"go.uber.org/zap"
)

const defaultTickInterval = time.Minute

// RunSummary aggregates one scheduler pass
type RunSummary struct {
	Enabled   int
	Due       int
	Succeeded int
	Failed    int
	Errors    map[string]error
}

// Scheduler periodically runs every due detection rule
type Scheduler struct {
	rules    RuleStore
	runner   *Runner
	interval time.Duration
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler driving runner on cfg.TickInterval
func NewScheduler(rules RuleStore, runner *Runner, cfg config.DetectionConfig, logger *zap.SugaredLogger) *Scheduler {
	interval := cfg.TickInterval
	if interval <= 0 {
		interval = defaultTickInterval
	}
	return &Scheduler{
		rules:    rules,
		runner:   runner,
		interval: interval,
		logger:   logger,
	}
}

// Start launches the periodic driver. Only one driver runs per scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("detection scheduler already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go s.run(ctx, s.stopCh)
	s.logger.Infow("Detection scheduler started", "tick_interval", s.interval)
	return nil
}

// Stop signals the driver and waits for the in-flight pass to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Detection scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()
	defer goroutine.Recover("detection-scheduler", s.logger)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary := s.RunAllDue(ctx)
			if summary.Due > 0 {
				s.logger.Infow("Detection pass finished",
					"enabled", summary.Enabled,
					"due", summary.Due,
					"succeeded", summary.Succeeded,
					"failed", summary.Failed)
			}
		}
	}
}

// RunAllDue runs every enabled rule that is due, one at a time. A failing
// or panicking rule is logged and does not stop the pass.
func (s *Scheduler) RunAllDue(ctx context.Context) RunSummary {
	summary := RunSummary{Errors: make(map[string]error)}

	rules, err := s.rules.ListEnabledRules(ctx)
	if err != nil {
		s.logger.Errorw("Failed to list enabled detection rules", "error", err)
		return summary
	}
	summary.Enabled = len(rules)

	now := s.runner.now()
	for _, rule := range rules {
		if ctx.Err() != nil {
			break
		}
		if !rule.IsDue(now) {
			continue
		}
		summary.Due++

		rule := rule
		err := goroutine.Safe("detection-rule-"+rule.ID, s.logger, func() error {
			_, err := s.runner.RunRule(ctx, rule)
			return err
		})
		if err != nil {
			summary.Failed++
			summary.Errors[rule.ID] = err
			s.logger.Errorw("Detection rule run failed",
				"rule_id", rule.ID,
				"rule_name", rule.Name,
				"tenant_id", rule.TenantID,
				"error", err)
			continue
		}
		summary.Succeeded++
	}
	return summary
}
