// Package main is the entry point for the alert lifecycle engine.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/nutthakorn7/zcrai-sub000/bootstrap"
	"github.com/nutthakorn7/zcrai-sub000/cmd"
)

// run initializes and starts the engine, blocking until a shutdown signal.
func run() error {
	ctx := context.Background()

	app, err := bootstrap.NewApp(ctx, bootstrap.Options{ConfigPath: os.Getenv("ZCRAI_CONFIG")})
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	if err := app.Start(ctx); err != nil {
		app.Shutdown()
		return fmt.Errorf("failed to start application: %w", err)
	}

	app.WaitForShutdown(ctx)
	app.Shutdown()

	return nil
}

func main() {
	// Any argument selects the CLI; no arguments runs the engine
	if len(os.Args) > 1 {
		if err := cmd.NewRootCmd().Execute(); err != nil {
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
