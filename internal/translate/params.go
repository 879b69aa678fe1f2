package translate

import (
	"maps"
	"math"
	"strconv"
	"strings"
)

// params is a tunnel's free-form parameter map as decoded from JSON.
type params map[string]any

func (p params) clone() map[string]any {
	if p == nil {
		return make(map[string]any)
	}
	return maps.Clone(map[string]any(p))
}

const maxPort = 65535

// Port returns the first key holding a valid TCP/UDP port. Strings and JSON
// numbers are both accepted.
func (p params) Port(keys ...string) (int, bool) {
	for _, k := range keys {
		if v, ok := toInt(p[k]); ok && v > 0 && v <= maxPort {
			return v, true
		}
	}
	return 0, false
}

// String returns the first key holding a non-empty string.
func (p params) String(keys ...string) string {
	for _, k := range keys {
		if s, ok := p[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// Truthy reports whether any key holds a truthy value.
func (p params) Truthy(keys ...string) bool {
	for _, k := range keys {
		if truthy(p[k]) {
			return true
		}
	}
	return false
}

// Nested returns the map stored under key, if any.
func (p params) Nested(key string) params {
	if m, ok := p[key].(map[string]any); ok {
		return params(m)
	}
	return nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		return i, err == nil
	}
	return 0, false
}

func truthy(v any) bool {
	switch b := v.(type) {
	case nil:
		return false
	case bool:
		return b
	case string:
		s := strings.ToLower(strings.TrimSpace(b))
		return s != "" && s != "false" && s != "0" && s != "no"
	case float64:
		return b != 0
	case int:
		return b != 0
	}
	return true
}
