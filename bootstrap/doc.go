// Package bootstrap builds the engine from configuration and owns its lifecycle.
//
// NewApp opens the stores, selects the task queue backend, registers the
// correlate, notify, triage and investigate handlers, and creates the
// detection scheduler when an event store is configured. Start launches the
// queue workers, the scheduler and the ops server. Shutdown stops them in
// reverse order and is safe to call more than once.
//
//	app, err := bootstrap.NewApp(ctx, bootstrap.Options{ConfigPath: "config.yaml"})
//	if err != nil {
//	    return err
//	}
//	if err := app.Start(ctx); err != nil {
//	    app.Shutdown()
//	    return err
//	}
//	app.WaitForShutdown(ctx)
//	app.Shutdown()
//
// CLI commands that only need the pipeline call StartPipeline instead of Start.
package bootstrap
