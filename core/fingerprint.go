package core

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Fingerprint derives the dedup identity of an alert.
//
// Every field is lower-cased and trimmed, observables are sorted so that the
// order of extracted indicators never changes the result, and the canonical
// fields are pipe-joined and hashed with SHA-256.
func Fingerprint(source string, severity Severity, title string, observables []string) string {
	obs := make([]string, 0, len(observables))
	for _, o := range observables {
		if n := normalizeFingerprintPart(o); n != "" {
			obs = append(obs, n)
		}
	}
	sort.Strings(obs)

	parts := []string{
		normalizeFingerprintPart(source),
		normalizeFingerprintPart(string(severity)),
		normalizeFingerprintPart(title),
	}
	parts = append(parts, obs...)

	return hash(joinParts(parts))
}

// FingerprintAlert computes the fingerprint from an alert and its observables
func FingerprintAlert(alert *Alert, observables []Observable) string {
	return Fingerprint(alert.Source, alert.Severity, alert.Title, ObservableValues(observables))
}

func normalizeFingerprintPart(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// hash generates a SHA-256 hash of the input string
func hash(input string) string {
	h := sha256.Sum256([]byte(input))
	return hex.EncodeToString(h[:])
}

// joinParts joins fingerprint parts with a separator
func joinParts(parts []string) string {
	return strings.Join(parts, "|")
}
