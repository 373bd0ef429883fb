package core

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
	"go.uber.org/zap"
)

// ObservableType is the kind of indicator of compromise
type ObservableType string

const (
	ObservableIP     ObservableType = "ip"
	ObservableDomain ObservableType = "domain"
	ObservableEmail  ObservableType = "email"
	ObservableURL    ObservableType = "url"
	ObservableHash   ObservableType = "hash"
)

// ParseObservableType maps a case-insensitive name to an ObservableType
func ParseObservableType(s string) (ObservableType, error) {
	switch t := ObservableType(strings.ToLower(strings.TrimSpace(s))); t {
	case ObservableIP, ObservableDomain, ObservableEmail, ObservableURL, ObservableHash:
		return t, nil
	}
	return "", fmt.Errorf("unknown observable type %q", s)
}

// Observable is an indicator extracted from alert text.
// Unique per (TenantID, Type, Value); re-extraction bumps SightingCount.
type Observable struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenant_id"`
	Type          ObservableType `json:"type"`
	Value         string         `json:"value"`
	IsMalicious   bool           `json:"is_malicious"`
	SightingCount int            `json:"sighting_count"`
	Tags          []string       `json:"tags,omitempty"`
	FirstSeen     time.Time      `json:"first_seen"`
	LastSeen      time.Time      `json:"last_seen"`
}

// ObservableValues returns the values of obs, used as fingerprint input
func ObservableValues(obs []Observable) []string {
	values := make([]string, 0, len(obs))
	for _, o := range obs {
		values = append(values, o.Value)
	}
	return values
}

// ObservablesOfType filters obs by type
func ObservablesOfType(obs []Observable, t ObservableType) []Observable {
	var out []Observable
	for _, o := range obs {
		if o.Type == t {
			out = append(out, o)
		}
	}
	return out
}

const (
	// DefaultExtractionTimeout bounds a single regex scan
	DefaultExtractionTimeout = 100 * time.Millisecond
	// MaxExtractionInput caps the text scanned per alert
	MaxExtractionInput = 64 * 1024
)

var extractionPatterns = []struct {
	typ     ObservableType
	pattern string
}{
	{ObservableURL, `\bhttps?://[^\s"'<>]+`},
	{ObservableEmail, `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`},
	{ObservableIP, `\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`},
	{ObservableHash, `\b(?:[A-Fa-f0-9]{64}|[A-Fa-f0-9]{40}|[A-Fa-f0-9]{32})\b`},
	{ObservableDomain, `\b(?:[A-Za-z0-9](?:[A-Za-z0-9-]{0,61}[A-Za-z0-9])?\.)+[A-Za-z]{2,24}\b`},
}

// file extensions the domain pattern would otherwise pick up
var nonDomainSuffixes = map[string]struct{}{
	"exe": {}, "dll": {}, "sys": {}, "ps1": {}, "bat": {}, "cmd": {}, "sh": {}, "py": {},
	"js": {}, "json": {}, "xml": {}, "txt": {}, "log": {}, "tmp": {}, "zip": {}, "rar": {},
	"doc": {}, "docx": {}, "xls": {}, "xlsx": {}, "pdf": {}, "lnk": {}, "vbs": {}, "msi": {},
}

type compiledPattern struct {
	typ ObservableType
	re  *regexp2.Regexp
}

// ObservableExtractor pulls IOCs out of free text using regexp2 with match timeouts
type ObservableExtractor struct {
	patterns []compiledPattern
	logger   *zap.SugaredLogger
}

// NewObservableExtractor compiles the extraction patterns
func NewObservableExtractor(timeout time.Duration, logger *zap.SugaredLogger) (*ObservableExtractor, error) {
	if timeout <= 0 {
		timeout = DefaultExtractionTimeout
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	compiled := make([]compiledPattern, 0, len(extractionPatterns))
	for _, p := range extractionPatterns {
		re, err := regexp2.Compile(p.pattern, regexp2.None)
		if err != nil {
			return nil, fmt.Errorf("failed to compile %s pattern: %w", p.typ, err)
		}
		re.MatchTimeout = timeout
		compiled = append(compiled, compiledPattern{typ: p.typ, re: re})
	}
	return &ObservableExtractor{patterns: compiled, logger: logger}, nil
}

// Extract returns the distinct observables found in the given texts, sorted by type then value.
// URLs and emails are removed from the text before domain matching so their host parts are not
// reported twice.
func (e *ObservableExtractor) Extract(texts ...string) []Observable {
	text := strings.Join(texts, "\n")
	if len(text) > MaxExtractionInput {
		text = text[:MaxExtractionInput]
	}

	seen := make(map[string]struct{})
	var out []Observable
	for _, p := range e.patterns {
		matches := e.findAll(p, text)
		for _, m := range matches {
			value, ok := NormalizeObservable(p.typ, m)
			if !ok {
				continue
			}
			key := string(p.typ) + ":" + value
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, Observable{Type: p.typ, Value: value})
		}
		if p.typ == ObservableURL || p.typ == ObservableEmail {
			for _, m := range matches {
				text = strings.ReplaceAll(text, m, " ")
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Value < out[j].Value
	})
	return out
}

// ExtractFromAlert scans the title, description and every string inside raw data
func (e *ObservableExtractor) ExtractFromAlert(title, description string, raw map[string]interface{}) []Observable {
	texts := []string{title, description}
	texts = append(texts, FlattenStrings(raw)...)
	return e.Extract(texts...)
}

func (e *ObservableExtractor) findAll(p compiledPattern, text string) []string {
	var matches []string
	m, err := p.re.FindStringMatch(text)
	for m != nil && err == nil {
		matches = append(matches, m.String())
		m, err = p.re.FindNextMatch(m)
	}
	if err != nil {
		e.logger.Warnw("Observable extraction aborted",
			"type", p.typ,
			"error", err,
			"input_length", len(text))
	}
	return matches
}

// NormalizeObservable canonicalises raw the way extraction stores it.
// It reports false when raw is not a valid value of type t.
func NormalizeObservable(t ObservableType, raw string) (string, bool) {
	value := strings.TrimSpace(raw)
	switch t {
	case ObservableURL:
		value = strings.TrimRight(value, ".,;:)]}")
	case ObservableIP:
		if net.ParseIP(value) == nil {
			return "", false
		}
	case ObservableEmail, ObservableDomain, ObservableHash:
		value = strings.ToLower(value)
	}
	if t == ObservableDomain {
		idx := strings.LastIndex(value, ".")
		if _, isFile := nonDomainSuffixes[value[idx+1:]]; isFile {
			return "", false
		}
	}
	return value, value != ""
}

// FlattenStrings collects every string leaf of a nested structure in key order
func FlattenStrings(v interface{}) []string {
	var out []string
	flattenInto(v, &out)
	return out
}

func flattenInto(v interface{}, out *[]string) {
	switch val := v.(type) {
	case string:
		if val != "" {
			*out = append(*out, val)
		}
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			flattenInto(val[k], out)
		}
	case []interface{}:
		for _, item := range val {
			flattenInto(item, out)
		}
	case []string:
		for _, item := range val {
			flattenInto(item, out)
		}
	case []map[string]interface{}:
		for _, item := range val {
			flattenInto(item, out)
		}
	}
}
