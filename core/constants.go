package core

import "time"

// Dedup
const (
	// DefaultDedupWindow is the sliding window, measured from LastSeenAt, in which repeats collapse
	DefaultDedupWindow = 24 * time.Hour
)

// Correlation
const (
	CorrelationTimeWindow = 1 * time.Hour
	MaxRelatedAlerts      = 10

	TimeWindowConfidence         = 0.6
	SameSourceSeverityConfidence = 0.75
	MinCorrelationConfidence     = 0.6
)

// Detection rules
const (
	DefaultRuleLookback  = 1 * time.Hour
	MaxRuleRows          = 100
	GroupKeySeparator    = "|"
	MissingGroupValue    = "N/A"
	DetectionTitlePrefix = "[Detection] "
	DetectionAlertSource = "detection"
)

// Triage thresholds (confidence is 0-100)
const (
	DefaultAutopilotThreshold  = 90
	AutoIsolateThreshold       = 98
	AutoDismissThreshold       = 90
	CriticalThreatTagThreshold = 90
	AutoPromoteThreshold       = 85

	DefaultTriageContextWindow = 4 * time.Hour
	DefaultSimilarAlertLimit   = 5

	RansomwareKeyword = "ransomware"
)
