package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/nutthakorn7/zcrai-sub000/core"
	"github.com/nutthakorn7/zcrai-sub000/detect"
)

// renderRulesTable displays rules in a table format
func renderRulesTable(w io.Writer, rules []*core.DetectionRule) {
	if len(rules) == 0 {
		warningColor.Fprintln(w, "No rules configured")
		return
	}

	headerColor.Fprintln(w, "DETECTION RULES")
	headerColor.Fprintln(w, strings.Repeat("=", 110))
	fmt.Fprintf(w, "%-36s  %-30s  %-8s  %-7s  %-9s  %-20s\n",
		"ID", "Name", "Severity", "Enabled", "Interval", "Last Run")
	fmt.Fprintln(w, strings.Repeat("-", 110))

	for _, r := range rules {
		enabled := "No"
		if r.IsEnabled {
			enabled = "Yes"
		}
		lastRun := "Never"
		if r.LastRunAt != nil {
			lastRun = r.LastRunAt.UTC().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%-36s  %-30s  %-8s  %-7s  %-9s  %-20s\n",
			r.ID, truncate(r.Name, 30), r.Severity, enabled, r.RunInterval().String(), lastRun)
	}

	fmt.Fprintln(w, strings.Repeat("-", 110))
	infoColor.Fprintf(w, "Total: %d rules\n", len(rules))
}

func renderImport(w io.Writer, stats ImportStats, dryRun bool) error {
	if outputJSON {
		return outputAsJSON(w, stats)
	}
	for _, e := range stats.Errors {
		errorColor.Fprintf(w, "✗ %s\n", e)
	}
	if quiet {
		return nil
	}
	if dryRun {
		fmt.Fprintf(w, "\n%d rules valid, %d invalid (dry run, nothing written)\n", stats.Created, stats.Failed)
		return nil
	}
	successColor.Fprintf(w, "✓ Imported %d new, updated %d", stats.Created, stats.Updated)
	fmt.Fprintf(w, ", %d failed\n", stats.Failed)
	return nil
}

func renderRunResult(w io.Writer, rule *core.DetectionRule, result *detect.RunResult) {
	successColor.Fprintf(w, "✓ %s\n", rule.Name)
	fmt.Fprintf(w, "  Window: %s - %s\n",
		result.From.UTC().Format("2006-01-02 15:04:05"), result.To.UTC().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "  Hits: %d\n", result.Hits)
	fmt.Fprintf(w, "  Alerts: %d created, %d deduplicated\n", result.AlertsCreated, result.AlertsDeduplicated)
	if result.CasesCreated > 0 {
		fmt.Fprintf(w, "  Cases: %d created\n", result.CasesCreated)
	}
}

// runSummaryView is the JSON form of detect.RunSummary; errors do not marshal
type runSummaryView struct {
	Enabled   int               `json:"enabled"`
	Due       int               `json:"due"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Errors    map[string]string `json:"errors,omitempty"`
}

func summaryView(s detect.RunSummary) runSummaryView {
	v := runSummaryView{Enabled: s.Enabled, Due: s.Due, Succeeded: s.Succeeded, Failed: s.Failed}
	if len(s.Errors) > 0 {
		v.Errors = make(map[string]string, len(s.Errors))
		for id, err := range s.Errors {
			v.Errors[id] = err.Error()
		}
	}
	return v
}

func renderRunSummary(w io.Writer, s detect.RunSummary) {
	if s.Due == 0 {
		infoColor.Fprintf(w, "No rules due (%d enabled)\n", s.Enabled)
		return
	}

	ids := make([]string, 0, len(s.Errors))
	for id := range s.Errors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		errorColor.Fprintf(w, "✗ Rule %s: %v\n", id, s.Errors[id])
	}

	if s.Failed == 0 {
		successColor.Fprintf(w, "✓ Ran %d of %d enabled rules\n", s.Succeeded, s.Enabled)
		return
	}
	warningColor.Fprintf(w, "Ran %d due rules: %d succeeded, %d failed\n", s.Due, s.Succeeded, s.Failed)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
