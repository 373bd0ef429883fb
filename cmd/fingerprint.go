package cmd

import (
	"fmt"

	"github.com/nutthakorn7/zcrai-sub000/core"
	"github.com/spf13/cobra"
)

type fingerprintOutput struct {
	Fingerprint string   `json:"fingerprint"`
	Observables []string `json:"observables"`
}

// newFingerprintCmd creates the 'fingerprint' command
func newFingerprintCmd() *cobra.Command {
	var (
		source      string
		severity    string
		title       string
		description string
		observables []string
		extract     bool
	)

	cmd := &cobra.Command{
		Use:   "fingerprint",
		Short: "Compute the dedup fingerprint of an alert",
		Long: `Compute the fingerprint the engine would assign to an alert. Two alerts with the
same fingerprint collapse into one within the dedup window.

Observables can be passed explicitly with --observable, or extracted from the
title and description with --extract, as alert creation does.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sev, err := core.ParseSeverity(severity)
			if err != nil {
				return err
			}

			values := observables
			if extract {
				extractor, err := core.NewObservableExtractor(core.DefaultExtractionTimeout, nil)
				if err != nil {
					return fmt.Errorf("failed to initialize observable extractor: %w", err)
				}
				values = append(values, core.ObservableValues(extractor.Extract(title, description))...)
			}

			out := fingerprintOutput{
				Fingerprint: core.Fingerprint(source, sev, title, values),
				Observables: values,
			}
			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), out)
			}
			fmt.Fprintln(cmd.OutOrStdout(), out.Fingerprint)
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "Alert source")
	cmd.Flags().StringVar(&severity, "severity", "", "Alert severity (critical, high, medium, low, info)")
	cmd.Flags().StringVar(&title, "title", "", "Alert title")
	cmd.Flags().StringVar(&description, "description", "", "Alert description, scanned with --extract")
	cmd.Flags().StringSliceVar(&observables, "observable", nil, "Observable value (repeatable)")
	cmd.Flags().BoolVar(&extract, "extract", false, "Extract observables from the title and description")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("severity")
	_ = cmd.MarkFlagRequired("title")

	return cmd
}
