package skadnetwork

import (
	"time"
)

const (
	day                  = 24 * time.Hour
	firstWindowEnd       = 2 * day
	secondWindowEnd      = 7 * day
	thirdWindowEnd       = 35 * day
	stateSchemaVersion   = 1
	defaultConfigRefresh = 24 * time.Hour
)

// State is the device-level conversion state, persisted as one blob.
type State struct {
	ConversionValue      int                           `json:"conversion_value"`
	CoarseValue          CoarseValue                   `json:"coarse_conversion_value,omitempty"`
	InstallTimestamp     time.Time                     `json:"install_timestamp"`
	Timestamp            time.Time                     `json:"timestamp,omitempty"`
	CoarseTimestamp      time.Time                     `json:"coarse_cv_update_timestamp,omitempty"`
	RecordedEvents       []string                      `json:"recorded_events,omitempty"`
	RecordedValues       map[string]map[string]float64 `json:"recorded_values,omitempty"`
	RecordedCoarseEvents []string                      `json:"recorded_coarse_events,omitempty"`
	RecordedCoarseValues map[string]map[string]float64 `json:"recorded_coarse_values,omitempty"`
	LockedWindow         int                           `json:"locked_window,omitempty"`
}

func (s State) clone() State {
	out := s
	out.RecordedEvents = append([]string(nil), s.RecordedEvents...)
	out.RecordedCoarseEvents = append([]string(nil), s.RecordedCoarseEvents...)
	out.RecordedValues = cloneValues(s.RecordedValues)
	out.RecordedCoarseValues = cloneValues(s.RecordedCoarseValues)
	return out
}

func cloneValues(in map[string]map[string]float64) map[string]map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]map[string]float64, len(in))
	for ev, byCurrency := range in {
		inner := make(map[string]float64, len(byCurrency))
		for cur, v := range byCurrency {
			inner[cur] = v
		}
		out[ev] = inner
	}
	return out
}

func eventSet(events []string) map[string]struct{} {
	set := make(map[string]struct{}, len(events))
	for _, e := range events {
		set[e] = struct{}{}
	}
	return set
}

// record adds event to events (once) and value to values[event][currency].
// It reports whether anything changed.
func record(events *[]string, values *map[string]map[string]float64, event, currency string, value *float64) bool {
	changed := false
	if _, ok := eventSet(*events)[event]; !ok {
		*events = append(*events, event)
		changed = true
	}
	if value != nil && currency != "" {
		if *values == nil {
			*values = make(map[string]map[string]float64)
		}
		if (*values)[event] == nil {
			(*values)[event] = make(map[string]float64)
		}
		(*values)[event][currency] += *value
		changed = true
	}
	return changed
}

// postbackSequenceIndex maps time since install to the SKAdNetwork 4
// postback window: 1 (0-2 days), 2 (3-7 days), 3 (8-35 days) or 0 after.
func postbackSequenceIndex(install, now time.Time) int {
	if install.IsZero() {
		return 1
	}
	elapsed := now.Sub(install)
	switch {
	case elapsed <= firstWindowEnd:
		return 1
	case elapsed <= secondWindowEnd:
		return 2
	case elapsed <= thirdWindowEnd:
		return 3
	default:
		return 0
	}
}
