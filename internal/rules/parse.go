package rules

import (
	"encoding/json"
	"strings"
)

// Parse decodes a JSON rule such as
//
//	{"and":[{"value":{"gte":10}},{"fb_content[*].id":{"is_any":["1","2"]}}]}
//
// and returns nil when the rule is malformed.
func Parse(raw string) Rule {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return ParseMap(m)
}

// ParseMap builds a rule from an already decoded JSON object. A rule object
// carries exactly one key: either a composite operator or a parameter path.
func ParseMap(m map[string]any) Rule {
	key, value, ok := soleEntry(m)
	if !ok {
		return nil
	}
	op := ParseOperator(key)
	if op.family() == familyComposite {
		if mr := parseMulti(op, value); mr != nil {
			return mr
		}
		return nil
	}
	if sr := parseSingle(key, value); sr != nil {
		return sr
	}
	return nil
}

func soleEntry(m map[string]any) (string, any, bool) {
	if len(m) != 1 {
		return "", nil, false
	}
	for k, v := range m {
		return k, v, true
	}
	return "", nil, false
}

func parseMulti(op Operator, value any) *MultiEntryRule {
	items, ok := value.([]any)
	if !ok || len(items) == 0 {
		return nil
	}
	children := make([]Rule, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil
		}
		child := ParseMap(m)
		if child == nil {
			return nil
		}
		children = append(children, child)
	}
	return &MultiEntryRule{Operator: op, Rules: children}
}

func parseSingle(paramKey string, value any) *SingleEntryRule {
	cond, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	opKey, condition, ok := soleEntry(cond)
	if !ok || condition == nil {
		return nil
	}
	op := ParseOperator(opKey)
	switch op.family() {
	case familyString:
		s, ok := condition.(string)
		if !ok {
			return nil
		}
		return NewSingleEntryRule(op, paramKey, s)
	case familyNumber:
		n, ok := asNumber(condition)
		if !ok {
			return nil
		}
		if _, isString := condition.(string); isString {
			return nil
		}
		return &SingleEntryRule{Operator: op, ParamKey: paramKey, NumberCondition: n}
	case familyRange:
		lo, hi, ok := parseRange(condition)
		if !ok {
			return nil
		}
		return &SingleEntryRule{Operator: op, ParamKey: paramKey, RangeCondition: [2]float64{lo, hi}}
	case familyArray:
		arr, ok := asStringSlice(condition)
		if !ok || len(arr) == 0 {
			return nil
		}
		return &SingleEntryRule{Operator: op, ParamKey: paramKey, ArrayCondition: arr}
	default:
		return nil
	}
}

// parseRange accepts [min, max] or a single number meaning min == max.
func parseRange(condition any) (float64, float64, bool) {
	if arr, ok := condition.([]any); ok {
		if len(arr) != 2 {
			return 0, 0, false
		}
		lo, ok1 := asNumber(arr[0])
		hi, ok2 := asNumber(arr[1])
		if !ok1 || !ok2 || lo > hi {
			return 0, 0, false
		}
		return lo, hi, true
	}
	if _, isString := condition.(string); isString {
		return 0, 0, false
	}
	n, ok := asNumber(condition)
	return n, n, ok
}
