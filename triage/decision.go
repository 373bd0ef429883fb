package triage

import (
	"strings"

	"github.com/nutthakorn7/zcrai-sub000/core"
)

// Decision is the automation plan derived from a verdict. It has no side effects.
type Decision struct {
	BlockIP     string
	IsolateHost string
	Dismiss     bool
	Promote     bool
	Tags        []string
}

// Block reports whether an IP block was decided
func (d Decision) Block() bool { return d.BlockIP != "" }

// Isolate reports whether a host isolation was decided
func (d Decision) Isolate() bool { return d.IsolateHost != "" }

// Decide applies the autopilot and confidence thresholds to a verdict.
// auto-promoted is not part of Tags; it is added only once a case was opened.
func Decide(alert *core.Alert, verdict *core.TriageVerdict, settings core.TenantSettings) Decision {
	var d Decision
	truePositive := verdict.Classification == core.ClassificationTruePositive
	confidence := verdict.Confidence

	if settings.AutopilotMode &&
		alert.Severity == core.SeverityCritical &&
		truePositive &&
		confidence >= settings.EffectiveThreshold() {
		d.BlockIP = TargetIP(alert)
	}

	if truePositive &&
		confidence >= core.AutoIsolateThreshold &&
		strings.Contains(alert.SearchableText(), core.RansomwareKeyword) {
		d.IsolateHost = core.FirstString(alert.RawData, core.HostFieldPaths...)
	}

	if verdict.Classification == core.ClassificationFalsePositive && confidence >= core.AutoDismissThreshold {
		d.Dismiss = true
	}

	if truePositive {
		d.Tags = append(d.Tags, core.TagAIVerifiedThreat)
		if confidence >= core.CriticalThreatTagThreshold {
			d.Tags = append(d.Tags, core.TagCriticalThreat)
		}
	}

	if alert.Severity == core.SeverityCritical &&
		truePositive &&
		confidence >= core.AutoPromoteThreshold &&
		!alert.HasCase() {
		d.Promote = true
	}
	return d
}

// TargetIP picks the IP an auto-block would target: a malicious or
// destination IP field in the raw data, else an IP observable flagged malicious.
func TargetIP(alert *core.Alert) string {
	if ip := core.FirstString(alert.RawData, core.IPFieldPaths...); ip != "" {
		return ip
	}
	for _, o := range alert.Observables {
		if o.Type == core.ObservableIP && o.IsMalicious {
			return o.Value
		}
	}
	return ""
}
