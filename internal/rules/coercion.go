package rules

import (
	"encoding/json"
	"strconv"
	"strings"
)

// asNumber coerces a parameter value to float64. Booleans are rejected and
// strings must parse as a number after trimming.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// asText returns v as a string. Numbers are formatted in their shortest form
// only when lenient is set.
func asText(v any, lenient bool) (string, bool) {
	if s, ok := v.(string); ok {
		return s, true
	}
	if !lenient {
		return "", false
	}
	if _, isBool := v.(bool); isBool {
		return "", false
	}
	if f, ok := asNumber(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64), true
	}
	return "", false
}

// asStringSlice converts a decoded JSON array into strings, coercing numbers.
func asStringSlice(v any) ([]string, bool) {
	var items []any
	switch arr := v.(type) {
	case []any:
		items = arr
	case []string:
		return append([]string(nil), arr...), true
	default:
		return nil, false
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := asText(item, true)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}
