package core

import (
	"errors"
	"fmt"
)

// validTransitions defines allowed alert status transitions
var validTransitions = map[AlertStatus][]AlertStatus{
	AlertStatusNew:           {AlertStatusInvestigating, AlertStatusDismissed},
	AlertStatusInvestigating: {AlertStatusPromoted, AlertStatusDismissed},
	AlertStatusDismissed:     {AlertStatusInvestigating},
	AlertStatusPromoted:      {}, // Final state
}

// CanTransitionTo checks if a transition is allowed without executing it
func (s AlertStatus) CanTransitionTo(next AlertStatus) bool {
	if !next.IsValid() {
		return false
	}
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsFinal reports whether no further transitions are possible
func (s AlertStatus) IsFinal() bool {
	allowed, exists := validTransitions[s]
	return exists && len(allowed) == 0
}

// TransitionTo validates and applies an alert status transition
func (a *Alert) TransitionTo(next AlertStatus) error {
	if next == "" {
		return errors.New("new status cannot be empty")
	}
	if !next.IsValid() {
		return fmt.Errorf("invalid alert status: %s", next)
	}
	if _, exists := validTransitions[a.Status]; !exists {
		return fmt.Errorf("unknown current status: %s", a.Status)
	}
	if !a.Status.CanTransitionTo(next) {
		return fmt.Errorf("invalid transition: %s → %s (allowed: %v)", a.Status, next, validTransitions[a.Status])
	}
	a.Status = next
	return nil
}

// StatusesDismissableFrom lists the statuses an automated dismissal may start from
func StatusesDismissableFrom() []AlertStatus {
	var from []AlertStatus
	for _, s := range []AlertStatus{AlertStatusNew, AlertStatusInvestigating, AlertStatusDismissed, AlertStatusPromoted} {
		if s.CanTransitionTo(AlertStatusDismissed) {
			from = append(from, s)
		}
	}
	return from
}
