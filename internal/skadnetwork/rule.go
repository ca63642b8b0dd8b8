package skadnetwork

import (
	"github.com/patrickwarner/openaem/internal/aem"
)

// Rule maps a set of events to a fine conversion value.
type Rule struct {
	ConversionValue int
	Events          []aem.Event
}

// CoarseRule maps a set of events to a coarse value.
type CoarseRule struct {
	Value  CoarseValue
	Events []aem.Event
}

// parseEvents fails on any malformed entry; a rule with an unreadable event
// is dropped as a whole.
func parseEvents(raw any) ([]aem.Event, bool) {
	items, ok := raw.([]any)
	if !ok || len(items) == 0 {
		return nil, false
	}
	events := make([]aem.Event, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, false
		}
		ev, ok := aem.ParseEvent(m)
		if !ok {
			return nil, false
		}
		events = append(events, ev)
	}
	return events, true
}

func parseRule(m map[string]any) (Rule, bool) {
	cv, ok := aem.ToInt(m["conversion_value"])
	if !ok || cv < 0 || cv > aem.MaxConversionValue {
		return Rule{}, false
	}
	events, ok := parseEvents(m["events"])
	if !ok {
		return Rule{}, false
	}
	return Rule{ConversionValue: cv, Events: events}, true
}

func parseCoarseRule(m map[string]any) (CoarseRule, bool) {
	s, _ := m["coarse_cv_value"].(string)
	value, ok := parseCoarseValue(s)
	if !ok {
		return CoarseRule{}, false
	}
	events, ok := parseEvents(m["events"])
	if !ok {
		return CoarseRule{}, false
	}
	return CoarseRule{Value: value, Events: events}, true
}

// IsMatched reports whether every rule event was recorded and each value
// threshold was reached (recorded >= amount) in at least one currency.
func (r Rule) IsMatched(events map[string]struct{}, values map[string]map[string]float64) bool {
	return matchEvents(r.Events, events, values, func(recorded, amount float64) bool {
		return recorded >= amount
	})
}

// IsMatched is like Rule.IsMatched but value thresholds must be exceeded.
func (r CoarseRule) IsMatched(events map[string]struct{}, values map[string]map[string]float64) bool {
	return matchEvents(r.Events, events, values, func(recorded, amount float64) bool {
		return recorded > amount
	})
}

func matchEvents(required []aem.Event, events map[string]struct{}, values map[string]map[string]float64, reached func(recorded, amount float64) bool) bool {
	if len(required) == 0 {
		return false
	}
	for _, ev := range required {
		if _, ok := events[ev.Name]; !ok {
			return false
		}
		if len(ev.Values) == 0 {
			continue
		}
		recorded, ok := values[ev.Name]
		if !ok {
			return false
		}
		matched := false
		for currency, amount := range ev.Values {
			if v, ok := recorded[currency]; ok && reached(v, amount) {
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
