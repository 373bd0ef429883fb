package storage

import "errors"

// Storage error constants
var (
	// ErrAlertNotFound is returned when an alert is not found for the tenant
	ErrAlertNotFound = errors.New("alert not found")

	// ErrAlertAlreadyPromoted is returned when the case_id compare-and-swap loses
	ErrAlertAlreadyPromoted = errors.New("alert is already linked to a case")

	// ErrInvalidStatusTransition is returned when a status update violates the alert state machine
	ErrInvalidStatusTransition = errors.New("invalid alert status transition")

	// ErrCaseNotFound is returned when a case is not found
	ErrCaseNotFound = errors.New("case not found")

	// ErrRuleNotFound is returned when a detection rule is not found
	ErrRuleNotFound = errors.New("rule not found")

	// ErrDuplicateRule is returned when a rule with the same name exists for the tenant
	ErrDuplicateRule = errors.New("rule already exists")

	// ErrSoarActionNotFound is returned when a response action record is not found
	ErrSoarActionNotFound = errors.New("soar action not found")

	// ErrSoarActionNotPending is returned when completing an action that already reached a terminal status
	ErrSoarActionNotPending = errors.New("soar action is not pending")

	// ErrInvalidPredicate is returned when a rule query fails the event store guard
	ErrInvalidPredicate = errors.New("invalid event predicate")

	// ErrDatabaseClosed is returned when attempting to use a closed database connection
	ErrDatabaseClosed = errors.New("database is closed")
)
