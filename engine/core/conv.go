package core

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	str2duration "github.com/xhit/go-str2duration/v2"
)

// ParseAnyMillis parses a delay expressed either as a number of milliseconds
// or as a human duration string ("250ms", "1m30s", "1d").
func ParseAnyMillis(v any) (time.Duration, bool) {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.Duration(ms) * time.Millisecond, true
		}
		d, err := str2duration.ParseDuration(s)
		if err != nil {
			return 0, false
		}
		return d, true
	case time.Duration:
		return t, true
	default:
		n, ok := ParseAnyInt(v)
		if !ok {
			return 0, false
		}
		return time.Duration(n) * time.Millisecond, true
	}
}

// ParseAnyInt parses an integer from common forms. Returns false when unsupported.
func ParseAnyInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int32:
		return int(t), true
	case int64:
		return int(t), true
	case uint:
		return int(t), true
	case uint64:
		return int(t), true
	case float32:
		if t == float32(int(t)) {
			return int(t), true
		}
		return 0, false
	case float64:
		if t == float64(int(t)) {
			return int(t), true
		}
		return 0, false
	case string:
		if strings.TrimSpace(t) == "" {
			return 0, false
		}
		if iv, err := strconv.Atoi(t); err == nil {
			return iv, true
		}
		return 0, false
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return int(i), true
		}
		return 0, false
	default:
		return 0, false
	}
}

// Truthy follows the loose truthiness descriptors are written with:
// nil, false, zero numbers and empty strings are false.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case map[string]any, []any:
		return true
	}
	if n, ok := ParseAnyInt(v); ok {
		return n != 0
	}
	if f, ok := v.(float64); ok {
		return f != 0
	}
	return true
}
