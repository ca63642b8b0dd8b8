package aem

import (
	"encoding/json"
	"strings"
)

// Event is one event requirement of a conversion rule. Values maps an
// uppercased currency to the minimum recorded amount the rule needs.
type Event struct {
	Name   string
	Values map[string]float64
}

// ParseEvent reads one {event_name, values} entry. It returns false when
// the entry has no event_name or a malformed values list.
func ParseEvent(m map[string]any) (Event, bool) {
	name, ok := m["event_name"].(string)
	if !ok || name == "" {
		return Event{}, false
	}
	ev := Event{Name: name}
	raw, present := m["values"]
	if !present || raw == nil {
		return ev, true
	}
	items, ok := raw.([]any)
	if !ok {
		return Event{}, false
	}
	ev.Values = make(map[string]float64, len(items))
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			return Event{}, false
		}
		currency, ok := entry["currency"].(string)
		if !ok {
			return Event{}, false
		}
		amount, ok := toFloat(entry["amount"])
		if !ok {
			return Event{}, false
		}
		ev.Values[strings.ToUpper(currency)] = amount
	}
	return ev, true
}

// ConversionRule maps a set of events to a conversion value at a priority.
type ConversionRule struct {
	ConversionValue int
	Priority        int
	Events          []Event
}

// MaxConversionValue is the largest 6-bit conversion value.
const MaxConversionValue = 63

func parseConversionRule(m map[string]any) (ConversionRule, bool) {
	cv, ok := toInt(m["conversion_value"])
	if !ok || cv < 0 || cv > MaxConversionValue {
		return ConversionRule{}, false
	}
	priority, ok := toInt(m["priority"])
	if !ok {
		return ConversionRule{}, false
	}
	items, _ := m["events"].([]any)
	rule := ConversionRule{ConversionValue: cv, Priority: priority}
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		// malformed events are skipped, the rule survives if any remain
		if ev, ok := ParseEvent(entry); ok {
			rule.Events = append(rule.Events, ev)
		}
	}
	if len(rule.Events) == 0 {
		return ConversionRule{}, false
	}
	return rule, true
}

// ContainsEvent reports whether the rule lists the event.
func (r ConversionRule) ContainsEvent(name string) bool {
	for _, ev := range r.Events {
		if ev.Name == name {
			return true
		}
	}
	return false
}

// IsMatched reports whether every rule event has been recorded and, for
// events with value thresholds, whether any currency reached its amount.
func (r ConversionRule) IsMatched(recordedEvents []string, recordedValues map[string]map[string]float64) bool {
	for _, ev := range r.Events {
		if !containsString(recordedEvents, ev.Name) {
			return false
		}
		if len(ev.Values) == 0 {
			continue
		}
		recorded := recordedValues[ev.Name]
		matched := false
		for currency, amount := range ev.Values {
			if recorded[currency] >= amount {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func containsString(items []string, s string) bool {
	for _, item := range items {
		if item == s {
			return true
		}
	}
	return false
}

// ToFloat converts a decoded JSON number to float64.
func ToFloat(v any) (float64, bool) {
	return toFloat(v)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// ToInt converts a decoded JSON number to int, accepting integral values only.
func ToInt(v any) (int, bool) {
	return toInt(v)
}

func toInt(v any) (int, bool) {
	f, ok := toFloat(v)
	if !ok || f != float64(int64(f)) {
		return 0, false
	}
	return int(f), true
}
