package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nutthakorn7/zcrai-sub000/api"
	"github.com/nutthakorn7/zcrai-sub000/config"
	"github.com/nutthakorn7/zcrai-sub000/core"
	"github.com/nutthakorn7/zcrai-sub000/detect"
	"github.com/nutthakorn7/zcrai-sub000/notify"
	"github.com/nutthakorn7/zcrai-sub000/pipeline"
	"github.com/nutthakorn7/zcrai-sub000/service"
	"github.com/nutthakorn7/zcrai-sub000/soar"
	"github.com/nutthakorn7/zcrai-sub000/triage"
	"github.com/nutthakorn7/zcrai-sub000/util/goroutine"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls how NewApp builds the application
type Options struct {
	// ConfigPath is an explicit config file; empty searches . and ./config
	ConfigPath string
	// LogLevel defaults to debug
	LogLevel *zapcore.Level
	// Classifier replaces the mock classifier behind the triage guard
	Classifier triage.Classifier
}

// App represents the engine with all its components.
type App struct {
	// Configuration
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	// Storage
	Storage *StorageComponents
	Redis   *redis.Client

	// Pipeline
	Router *pipeline.Router
	Queue  TaskQueue

	// Services
	Alerts      *service.AlertService
	Cases       *service.CaseService
	Correlation *service.CorrelationEngine
	Notifier    *notify.Dispatcher
	Executor    *soar.ProviderExecutor
	Triage      *triage.Engine
	Runner      *detect.Runner
	Scheduler   *detect.Scheduler
	OpsServer   *api.Server

	// Lifecycle
	serviceWg    sync.WaitGroup
	cancel       context.CancelFunc
	queueStarted bool
	shutdownOnce sync.Once
}

// NewApp loads configuration, opens the stores and wires every component. Nothing runs until Start.
func NewApp(ctx context.Context, opts Options) (*App, error) {
	level := zapcore.DebugLevel
	if opts.LogLevel != nil {
		level = *opts.LogLevel
	}
	logger, sugar, err := InitLogger(level)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	sugar.Info("Alert lifecycle engine starting...")

	cfg, err := InitConfig(opts.ConfigPath, sugar)
	if err != nil {
		return nil, err
	}

	if _, err := EnsureDataDirectory(cfg.DataPaths.DataDir, sugar); err != nil {
		return nil, fmt.Errorf("pre-flight check failed: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	app := &App{
		Config: cfg,
		Logger: logger,
		Sugar:  sugar,
		cancel: cancel,
	}

	if err := app.wire(ctx, runCtx, opts); err != nil {
		app.Shutdown()
		return nil, err
	}
	return app, nil
}

// wire builds the component graph. runCtx outlives ctx and is canceled on Shutdown.
func (a *App) wire(ctx, runCtx context.Context, opts Options) error {
	cfg, sugar := a.Config, a.Sugar

	sc, err := InitStorage(ctx, cfg, sugar)
	if err != nil {
		return err
	}
	a.Storage = sc
	sc.SQLite.StartMetricsCollection(runCtx, poolMetricsInterval)

	// The router is filled in below, after the services that enqueue into it exist
	a.Router = pipeline.NewRouter(sugar)
	a.Queue, a.Redis, err = InitTaskQueue(runCtx, cfg, a.Router, sugar)
	if err != nil {
		return err
	}

	extractor, err := core.NewObservableExtractor(core.DefaultExtractionTimeout, sugar)
	if err != nil {
		return fmt.Errorf("failed to initialize observable extractor: %w", err)
	}
	a.Alerts = service.NewAlertService(sc.Alerts, sc.Observables, extractor, a.Queue, cfg.Dedup.Window, sugar)
	a.Cases = service.NewCaseService(sc.Cases, sugar)
	a.Correlation = service.NewCorrelationEngine(sc.Alerts, sc.Correlation, cfg.Correlation, sugar)

	a.Notifier, err = notify.NewDispatcher(cfg.Notifications, sugar)
	if err != nil {
		return fmt.Errorf("failed to initialize notifications: %w", err)
	}

	a.Executor = soar.NewProviderExecutor(cfg.SOAR, sugar)
	if !cfg.SOAR.DestructiveActionsEnabled {
		sugar.Warn("Destructive response actions disabled - BLOCK_IP and ISOLATE_HOST will be recorded as failed")
	}

	inner := opts.Classifier
	if inner == nil {
		inner = triage.MockClassifier{}
		sugar.Warn("No classifier configured - triage uses the mock classifier")
	}
	classifier, err := triage.NewGuardedClassifier(inner, cfg.Triage, sugar)
	if err != nil {
		return fmt.Errorf("failed to initialize classifier guard: %w", err)
	}
	a.Triage = triage.NewEngine(triage.Deps{
		Alerts:     sc.Alerts,
		Builder:    triage.NewContextBuilder(sc.Alerts, sc.Observables, sc.Feedback, cfg.Triage.ContextWindow, cfg.Triage.SimilarAlerts),
		Classifier: classifier,
		Settings:   triage.NewSettingsCache(sc.Tenants, cfg.Triage.SettingsCacheSize, cfg.Triage.SettingsCacheTTL),
		Actions:    sc.Actions,
		Executor:   a.Executor,
		Cases:      a.Cases,
		Enqueuer:   a.Queue,
	}, sugar)

	a.registerHandlers()

	if sc.Events != nil {
		a.Runner = detect.NewRunner(sc.Events, sc.Rules, a.Alerts, a.Cases, cfg.Detection.RowLimit, sugar)
		a.Scheduler = detect.NewScheduler(sc.Rules, a.Runner, cfg.Detection, sugar)
	}

	if cfg.Metrics.Enabled {
		a.OpsServer = api.NewServer(cfg.Metrics.Addr, sugar)
		a.OpsServer.SetHealthCheck("sqlite", sc.SQLite)
		if sc.ClickHouse != nil {
			a.OpsServer.SetHealthCheck("clickhouse", sc.ClickHouse)
		}
		if a.Redis != nil {
			client := a.Redis
			a.OpsServer.SetHealthCheck("redis", api.HealthCheckFunc(func(ctx context.Context) error {
				return client.Ping(ctx).Err()
			}))
		}
	}
	return nil
}

func (a *App) registerHandlers() {
	cfg, sc := a.Config, a.Storage

	if cfg.Correlation.Enabled {
		a.Router.Handle(pipeline.KindCorrelate, service.CorrelateHandler(a.Correlation))
	} else {
		a.Router.Handle(pipeline.KindCorrelate, skipHandler("correlation", a.Sugar))
	}

	a.Router.Handle(pipeline.KindNotify, service.NotifyHandler(sc.Alerts, a.Notifier))

	if cfg.Triage.Enabled {
		a.Router.Handle(pipeline.KindTriage, triage.TriageHandler(a.Triage))
	} else {
		a.Router.Handle(pipeline.KindTriage, skipHandler("triage", a.Sugar))
	}

	a.Router.Handle(pipeline.KindInvestigate, triage.InvestigationHandler(sc.Alerts, a.Notifier, a.Sugar))
}

// StartPipeline starts only the task queue workers. Used by one-shot commands.
func (a *App) StartPipeline(ctx context.Context) error {
	if a.queueStarted {
		return nil
	}
	if err := a.Queue.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task queue: %w", err)
	}
	a.queueStarted = true
	return nil
}

// Start starts the queue, the detection scheduler and the operational server.
func (a *App) Start(ctx context.Context) error {
	if err := a.StartPipeline(ctx); err != nil {
		return err
	}

	switch {
	case a.Scheduler == nil:
		a.Sugar.Warn("Detection scheduler not started: no event store")
	case !a.Config.Detection.Enabled:
		a.Sugar.Info("Detection scheduler disabled by configuration")
	default:
		if err := a.Scheduler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start detection scheduler: %w", err)
		}
	}

	if a.OpsServer != nil {
		a.serviceWg.Add(1)
		go func() {
			defer a.serviceWg.Done()
			defer goroutine.Recover("ops-server", a.Sugar)
			if err := a.OpsServer.Start(); err != nil {
				a.Sugar.Errorw("Operational server error", "error", err)
			}
		}()
	}

	a.Sugar.Info("Alert lifecycle engine started")
	return nil
}

// WaitForShutdown blocks until a shutdown signal is received or ctx is done.
func (a *App) WaitForShutdown(ctx context.Context) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(c)

	select {
	case sig := <-c:
		a.Sugar.Infow("Shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
	}
}

// Shutdown stops producers before consumers and closes the stores last. Safe to call more than once.
func (a *App) Shutdown() {
	a.shutdownOnce.Do(a.shutdown)
}

func (a *App) shutdown() {
	a.Sugar.Info("Shutting down...")

	// Phase 1 - Stop detection so no new alerts are created
	a.Sugar.Info("Phase 1: Stopping detection scheduler...")
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}

	// Phase 2 - Drain the task queue
	a.Sugar.Info("Phase 2: Stopping task queue...")
	if a.Queue != nil && a.queueStarted {
		a.Queue.Stop()
	}

	// Phase 3 - Stop the operational server
	a.Sugar.Info("Phase 3: Stopping operational server...")
	if a.OpsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.OpsServer.Stop(ctx); err != nil {
			a.Sugar.Errorw("Failed to stop operational server", "error", err)
		}
		cancel()
	}

	// Phase 4 - Wait for service goroutines
	a.Sugar.Info("Phase 4: Waiting for service goroutines to complete...")
	done := make(chan struct{})
	go func() {
		a.serviceWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		a.Sugar.Warn("Service goroutine shutdown timed out")
	}
	if a.cancel != nil {
		a.cancel()
	}

	// Phase 5 - Close connections
	a.Sugar.Info("Phase 5: Closing connections...")
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Sugar.Errorw("Failed to close Redis client", "error", err)
		}
	}
	if a.Storage != nil {
		a.Storage.Close(a.Sugar)
	}

	a.Sugar.Info("Shutdown complete")
	_ = a.Logger.Sync()
}
