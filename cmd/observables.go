package cmd

import (
	"context"
	"fmt"

	"github.com/nutthakorn7/zcrai-sub000/bootstrap"
	"github.com/nutthakorn7/zcrai-sub000/config"
	"github.com/nutthakorn7/zcrai-sub000/core"
	"github.com/nutthakorn7/zcrai-sub000/storage"
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"
)

// observableMarker is the slice of the observable store that 'observables mark' needs
type observableMarker interface {
	MarkMalicious(ctx context.Context, tenantID string, typ core.ObservableType, value string, malicious bool, tags []string) error
}

// MarkResult is the outcome of 'observables mark'
type MarkResult struct {
	TenantID    string              `json:"tenant_id"`
	Type        core.ObservableType `json:"type"`
	Value       string              `json:"value"`
	IsMalicious bool                `json:"is_malicious"`
	Tags        []string            `json:"tags,omitempty"`
}

// newObservablesCmd creates the 'observables' command group
func newObservablesCmd() *cobra.Command {
	obsCmd := &cobra.Command{
		Use:     "observables",
		Aliases: []string{"obs", "ioc"},
		Short:   "Manage extracted observables",
	}

	obsCmd.AddCommand(newObservablesMarkCmd())

	return obsCmd
}

func openObservableStore() (*storage.SQLiteObservableStorage, func(), error) {
	cfg, err := config.LoadConfigFrom(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, sugar, err := bootstrap.InitLogger(zapcore.WarnLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	sqlite, err := bootstrap.InitSQLite(cfg.DataPaths.SQLitePath, sugar)
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() {
		_ = sqlite.Close()
		_ = logger.Sync()
	}
	return storage.NewSQLiteObservableStorage(sqlite, sugar), cleanup, nil
}

// newObservablesMarkCmd creates the 'observables mark' subcommand
func newObservablesMarkCmd() *cobra.Command {
	var (
		tenantID string
		benign   bool
		tags     []string
	)

	cmd := &cobra.Command{
		Use:   "mark <type> <value>",
		Short: "Flag a known observable as malicious",
		Long: `Flag an observable already seen on a tenant's alerts as malicious, or clear
the flag with --benign. Type is one of ip, domain, email, url or hash.

Triage blocks a malicious IP observable when the alert's raw data names no
target IP of its own. Tags replace the stored tags when given.`,
		Example: `  zcrai observables mark ip 203.0.113.7 --tenant acme --tag c2
  zcrai observables mark domain Evil.Example.com --tenant acme --benign`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			store, cleanup, err := openObservableStore()
			if err != nil {
				return err
			}
			defer cleanup()

			result, err := markObservable(ctx, store, tenantID, args[0], args[1], !benign, tags)
			if err != nil {
				return err
			}

			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), result)
			}
			if !quiet {
				state := "malicious"
				if !result.IsMalicious {
					state = "benign"
				}
				successColor.Fprintf(cmd.OutOrStdout(), "✓ %s %s marked %s\n", result.Type, result.Value, state)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant ID")
	cmd.Flags().BoolVar(&benign, "benign", false, "Clear the malicious flag")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "Tag to store on the observable (repeatable)")
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}

// markObservable normalises the value the way extraction stores it, then updates the flag
func markObservable(ctx context.Context, store observableMarker, tenantID, rawType, rawValue string, malicious bool, tags []string) (*MarkResult, error) {
	typ, err := core.ParseObservableType(rawType)
	if err != nil {
		return nil, err
	}
	value, ok := core.NormalizeObservable(typ, rawValue)
	if !ok {
		return nil, fmt.Errorf("invalid %s value %q", typ, rawValue)
	}

	if err := store.MarkMalicious(ctx, tenantID, typ, value, malicious, tags); err != nil {
		return nil, fmt.Errorf("failed to mark observable: %w", err)
	}
	return &MarkResult{
		TenantID:    tenantID,
		Type:        typ,
		Value:       value,
		IsMalicious: malicious,
		Tags:        tags,
	}, nil
}
