package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/go-playground/validator/v10"
	"github.com/nutthakorn7/zcrai-sub000/bootstrap"
	"github.com/nutthakorn7/zcrai-sub000/config"
	"github.com/nutthakorn7/zcrai-sub000/core"
	"github.com/nutthakorn7/zcrai-sub000/storage"
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// ruleFile is the YAML document accepted by 'rules import'
type ruleFile struct {
	Rules []*core.DetectionRule `yaml:"rules"`
}

// ruleUpserter is the slice of the rule store that import needs
type ruleUpserter interface {
	UpsertRuleByName(ctx context.Context, rule *core.DetectionRule, now time.Time) (bool, error)
}

// ImportStats summarises a rules import
type ImportStats struct {
	Created int      `json:"created"`
	Updated int      `json:"updated"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors,omitempty"`
}

// newRulesCmd creates the 'rules' command group
func newRulesCmd() *cobra.Command {
	rulesCmd := &cobra.Command{
		Use:     "rules",
		Aliases: []string{"rule"},
		Short:   "Manage and run detection rules",
	}

	rulesCmd.AddCommand(newRulesListCmd())
	rulesCmd.AddCommand(newRulesImportCmd())
	rulesCmd.AddCommand(newRulesRunCmd())
	rulesCmd.AddCommand(newRulesToggleCmd("enable", true))
	rulesCmd.AddCommand(newRulesToggleCmd("disable", false))

	return rulesCmd
}

// openRuleStore opens only the metadata database; rule management never needs ClickHouse.
func openRuleStore() (*storage.SQLiteRuleStorage, func(), error) {
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
	return storage.NewSQLiteRuleStorage(sqlite, sugar), cleanup, nil
}

// newRulesListCmd creates the 'rules list' subcommand
func newRulesListCmd() *cobra.Command {
	var tenantID string

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List a tenant's detection rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			store, cleanup, err := openRuleStore()
			if err != nil {
				return err
			}
			defer cleanup()

			rules, err := store.ListRules(ctx, tenantID)
			if err != nil {
				return fmt.Errorf("failed to list rules: %w", err)
			}

			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), rules)
			}
			renderRulesTable(cmd.OutOrStdout(), rules)
			return nil
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant ID")
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}

// newRulesImportCmd creates the 'rules import' subcommand
func newRulesImportCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import detection rules from a YAML file",
		Long: `Import detection rules from a YAML file with a top-level 'rules' list.

Rules are matched by tenant and name: an existing rule keeps its ID and checkpoint
and has its definition replaced. Rules are disabled unless 'enabled: true' is set.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			data, err := readImportFile(args[0])
			if err != nil {
				return err
			}
			rules, err := parseRuleFile(data)
			if err != nil {
				return err
			}

			if dryRun {
				stats := validateRules(rules)
				return renderImport(cmd.OutOrStdout(), stats, true)
			}

			store, cleanup, err := openRuleStore()
			if err != nil {
				return err
			}
			defer cleanup()

			stats := importRules(ctx, store, rules, time.Now())
			if err := renderImport(cmd.OutOrStdout(), stats, false); err != nil {
				return err
			}
			if stats.Failed > 0 {
				return fmt.Errorf("%d of %d rules failed to import", stats.Failed, len(rules))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate the file without writing")

	return cmd
}

// newRulesRunCmd creates the 'rules run' subcommand
func newRulesRunCmd() *cobra.Command {
	var (
		ruleID       string
		showProgress bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run due detection rules once",
		Long: `Run every enabled rule whose interval has elapsed, or a single rule with --rule
regardless of its schedule. Emitted alerts go through the normal pipeline.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			level := zapcore.InfoLevel
			if quiet || outputJSON {
				level = zapcore.WarnLevel
			}
			app, err := bootstrap.NewApp(ctx, bootstrap.Options{ConfigPath: configFile, LogLevel: &level})
			if err != nil {
				return err
			}
			defer app.Shutdown()

			if app.Runner == nil {
				return errors.New("detection requires the event store: set clickhouse.enabled")
			}
			if err := app.StartPipeline(ctx); err != nil {
				return err
			}
			if app.Config.Pipeline.Backend == config.PipelineBackendMemory {
				app.Sugar.Warnw("In-process pipeline: tasks still queued when this command exits are dropped",
					"hint", "set pipeline.backend to redis for CLI runs")
			}

			var s *spinner.Spinner
			if showProgress && !outputJSON && !quiet {
				s = spinner.New(spinner.CharSets[14], 100*time.Millisecond)
				s.Suffix = " Running detection rules..."
				s.Start()
			}
			stop := func() {
				if s != nil {
					s.Stop()
				}
			}

			w := cmd.OutOrStdout()
			if ruleID != "" {
				rule, err := app.Storage.Rules.GetRule(ctx, ruleID)
				if err != nil {
					stop()
					return fmt.Errorf("failed to load rule: %w", err)
				}
				result, err := app.Runner.RunRule(ctx, rule)
				stop()
				if err != nil {
					errorColor.Fprintf(w, "✗ %s failed: %v\n", rule.Name, err)
					return err
				}
				if outputJSON {
					return outputAsJSON(w, result)
				}
				renderRunResult(w, rule, result)
				return nil
			}

			summary := app.Scheduler.RunAllDue(ctx)
			stop()
			if outputJSON {
				if err := outputAsJSON(w, summaryView(summary)); err != nil {
					return err
				}
			} else {
				renderRunSummary(w, summary)
			}
			if summary.Failed > 0 {
				return fmt.Errorf("%d of %d due rules failed", summary.Failed, summary.Due)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&ruleID, "rule", "", "Run only this rule ID, ignoring its schedule")
	cmd.Flags().BoolVar(&showProgress, "progress", true, "Show a progress spinner")

	return cmd
}

// newRulesToggleCmd creates the 'rules enable' and 'rules disable' subcommands
func newRulesToggleCmd(verb string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <rule-id>",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " a detection rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			store, cleanup, err := openRuleStore()
			if err != nil {
				return err
			}
			defer cleanup()

			if err := store.SetRuleEnabled(ctx, args[0], enabled, time.Now()); err != nil {
				return fmt.Errorf("failed to %s rule: %w", verb, err)
			}
			if !quiet {
				successColor.Fprintf(cmd.OutOrStdout(), "✓ Rule %s %sd\n", args[0], verb)
			}
			return nil
		},
	}
}

// parseRuleFile decodes a rules YAML document. Unknown keys are rejected.
func parseRuleFile(data []byte) ([]*core.DetectionRule, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var file ruleFile
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("rule file is empty")
		}
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if len(file.Rules) == 0 {
		return nil, errors.New("rule file contains no rules")
	}
	for _, r := range file.Rules {
		if r == nil {
			return nil, errors.New("rule file contains an empty rule entry")
		}
		r.Severity = core.Severity(strings.ToLower(strings.TrimSpace(string(r.Severity))))
		r.Actions.SeverityOverride = core.Severity(strings.ToLower(strings.TrimSpace(string(r.Actions.SeverityOverride))))
	}
	return file.Rules, nil
}

func validateRule(v *validator.Validate, rule *core.DetectionRule) error {
	if err := v.Struct(rule); err != nil {
		return fmt.Errorf("rule %q: %w", rule.Name, err)
	}
	return nil
}

// validateRules checks every rule without writing, for --dry-run
func validateRules(rules []*core.DetectionRule) ImportStats {
	v := validator.New()
	var stats ImportStats
	for _, rule := range rules {
		if err := validateRule(v, rule); err != nil {
			stats.Failed++
			stats.Errors = append(stats.Errors, err.Error())
			continue
		}
		stats.Created++
	}
	return stats
}

// importRules validates and upserts each rule independently; one bad rule does not stop the rest.
func importRules(ctx context.Context, store ruleUpserter, rules []*core.DetectionRule, now time.Time) ImportStats {
	v := validator.New()
	var stats ImportStats
	for _, rule := range rules {
		if err := validateRule(v, rule); err != nil {
			stats.Failed++
			stats.Errors = append(stats.Errors, err.Error())
			continue
		}
		created, err := store.UpsertRuleByName(ctx, rule, now)
		if err != nil {
			stats.Failed++
			stats.Errors = append(stats.Errors, fmt.Sprintf("rule %q: %v", rule.Name, err))
			continue
		}
		if created {
			stats.Created++
		} else {
			stats.Updated++
		}
	}
	return stats
}
