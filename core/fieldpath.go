package core

import (
	"fmt"
	"strings"
)

// LookupPath resolves a dotted path ("host.ip") against nested maps.
// A literal key containing dots wins over nested traversal.
func LookupPath(data map[string]interface{}, path string) (interface{}, bool) {
	if data == nil || path == "" {
		return nil, false
	}
	if v, ok := data[path]; ok {
		return v, v != nil
	}

	parts := strings.Split(path, ".")
	var current interface{} = data
	for _, part := range parts {
		m, ok := asMap(current)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok || current == nil {
			return nil, false
		}
	}
	return current, true
}

// LookupString resolves a dotted path and renders it as a string.
// Empty strings and nested objects count as missing.
func LookupString(data map[string]interface{}, path string) (string, bool) {
	v, ok := LookupPath(data, path)
	if !ok {
		return "", false
	}
	var s string
	switch val := v.(type) {
	case string:
		s = val
	case []byte:
		s = string(val)
	case map[string]interface{}, map[string]string, []interface{}:
		return "", false
	default:
		s = fmt.Sprintf("%v", val)
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

// FirstString returns the first non-empty value among paths
func FirstString(data map[string]interface{}, paths ...string) string {
	for _, p := range paths {
		if s, ok := LookupString(data, p); ok {
			return s
		}
	}
	return ""
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case map[string]string:
		out := make(map[string]interface{}, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out, true
	}
	return nil, false
}

// Field paths recognised when looking for hosts, users and IPs in raw alert data
var (
	HostFieldPaths = []string{"host", "hostname", "host_name", "host.name", "computer_name", "device_name"}
	UserFieldPaths = []string{"user", "username", "user_name", "user.name", "account_name"}
	IPFieldPaths   = []string{"malicious_ip", "dest_ip", "destination_ip", "dst_ip", "destination.ip"}
)
