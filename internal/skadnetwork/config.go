// Package skadnetwork keeps the device-level SKAdNetwork conversion state:
// one fine value (0-63) and one coarse value, derived from app events and
// pushed to the OS conversion value API.
package skadnetwork

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/patrickwarner/openaem/internal/aem"
)

// ErrConfigParse is returned for configuration payloads missing required fields.
var ErrConfigParse = errors.New("skadnetwork: invalid conversion configuration")

// CoarseValue is the SKAdNetwork 4 low/medium/high bucket. The empty value
// means none has been set.
type CoarseValue string

const (
	CoarseNone   CoarseValue = ""
	CoarseLow    CoarseValue = "low"
	CoarseMedium CoarseValue = "medium"
	CoarseHigh   CoarseValue = "high"
)

// Rank orders coarse values; unknown values rank with CoarseNone.
func (c CoarseValue) Rank() int {
	switch c {
	case CoarseLow:
		return 1
	case CoarseMedium:
		return 2
	case CoarseHigh:
		return 3
	default:
		return 0
	}
}

func parseCoarseValue(s string) (CoarseValue, bool) {
	c := CoarseValue(strings.ToLower(s))
	return c, c.Rank() > 0
}

// Configuration is the parsed ios_skadnetwork_conversion_config payload.
type Configuration struct {
	TimerBuckets    int
	TimerInterval   float64 // seconds
	CutoffDays      int
	DefaultCurrency string
	LockWindow      bool
	Rules           []Rule       // conversion value descending
	CoarseRules     []CoarseRule // coarse value descending

	eventSet          map[string]struct{}
	currencySet       map[string]struct{}
	coarseEventSet    map[string]struct{}
	coarseCurrencySet map[string]struct{}

	raw map[string]any
}

// ParseConfiguration reads the first element of the response's data array.
func ParseConfiguration(resp map[string]any) (*Configuration, error) {
	data, ok := resp["data"].([]any)
	if !ok || len(data) == 0 {
		return nil, fmt.Errorf("%w: missing data", ErrConfigParse)
	}
	m, ok := data[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: data[0] is not an object", ErrConfigParse)
	}

	buckets, ok := aem.ToInt(m["timer_buckets"])
	if !ok {
		return nil, fmt.Errorf("%w: timer_buckets", ErrConfigParse)
	}
	interval, ok := aem.ToFloat(m["timer_interval"])
	if !ok {
		return nil, fmt.Errorf("%w: timer_interval", ErrConfigParse)
	}
	cutoff, ok := aem.ToInt(m["cutoff_time"])
	if !ok {
		return nil, fmt.Errorf("%w: cutoff_time", ErrConfigParse)
	}
	currency, ok := m["default_currency"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: default_currency", ErrConfigParse)
	}
	rawRules, ok := m["conversion_value_rules"].([]any)
	if !ok {
		return nil, fmt.Errorf("%w: conversion_value_rules", ErrConfigParse)
	}
	lock, _ := m["lock_window"].(bool)

	c := &Configuration{
		TimerBuckets:    buckets,
		TimerInterval:   interval,
		CutoffDays:      cutoff,
		DefaultCurrency: strings.ToUpper(currency),
		LockWindow:      lock,
		Rules:           ParseRules(rawRules),
		raw:             resp,
	}
	if rawCoarse, ok := m["coarse_cv_configs"].([]any); ok {
		c.CoarseRules = ParseCoarseRules(rawCoarse)
	}
	c.eventSet, c.currencySet = collect(ruleEvents(c.Rules))
	c.coarseEventSet, c.coarseCurrencySet = collect(coarseRuleEvents(c.CoarseRules))
	return c, nil
}

// ParseRules drops malformed entries and sorts the rest by conversion value
// descending.
func ParseRules(items []any) []Rule {
	rules := make([]Rule, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if r, ok := parseRule(m); ok {
			rules = append(rules, r)
		}
	}
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].ConversionValue > rules[j].ConversionValue
	})
	return rules
}

// ParseCoarseRules drops malformed entries and sorts the rest high to low.
func ParseCoarseRules(items []any) []CoarseRule {
	rules := make([]CoarseRule, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if r, ok := parseCoarseRule(m); ok {
			rules = append(rules, r)
		}
	}
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Value.Rank() > rules[j].Value.Rank()
	})
	return rules
}

func ruleEvents(rules []Rule) []aem.Event {
	var out []aem.Event
	for _, r := range rules {
		out = append(out, r.Events...)
	}
	return out
}

func coarseRuleEvents(rules []CoarseRule) []aem.Event {
	var out []aem.Event
	for _, r := range rules {
		out = append(out, r.Events...)
	}
	return out
}

func collect(events []aem.Event) (names, currencies map[string]struct{}) {
	names = make(map[string]struct{})
	currencies = make(map[string]struct{})
	for _, ev := range events {
		names[ev.Name] = struct{}{}
		for cur := range ev.Values {
			currencies[cur] = struct{}{}
		}
	}
	return names, currencies
}

// HasEvent reports whether any fine rule mentions the event.
func (c *Configuration) HasEvent(name string) bool {
	_, ok := c.eventSet[name]
	return ok
}

// HasCurrency reports whether any fine rule has a threshold in currency.
func (c *Configuration) HasCurrency(currency string) bool {
	_, ok := c.currencySet[strings.ToUpper(currency)]
	return ok
}

// HasCoarseEvent reports whether any coarse rule mentions the event.
func (c *Configuration) HasCoarseEvent(name string) bool {
	_, ok := c.coarseEventSet[name]
	return ok
}

// HasCoarseCurrency reports whether any coarse rule has a threshold in currency.
func (c *Configuration) HasCoarseCurrency(currency string) bool {
	_, ok := c.coarseCurrencySet[strings.ToUpper(currency)]
	return ok
}

// Raw returns the response the configuration was parsed from.
func (c *Configuration) Raw() map[string]any {
	return c.raw
}
