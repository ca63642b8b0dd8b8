package aem

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/patrickwarner/openaem/internal/rules"
)

// ErrConfigParse marks a configuration object that is missing required
// fields or carries invalid rules. The object is dropped.
var ErrConfigParse = errors.New("aem: invalid configuration")

// Configuration modes as sent by the server.
const (
	ModeDefault = "DEFAULT"
	ModeBrand   = "BRAND"
	ModeCPAS    = "CPAS"
)

// Configuration is an immutable snapshot of conversion rules. ValidFrom
// doubles as the configuration id.
type Configuration struct {
	DefaultCurrency    string
	CutoffDays         int
	ValidFrom          int64
	ValidFromIsRuntime bool
	Mode               string
	BusinessID         string
	MatchingRule       rules.Rule
	Rules              []ConversionRule

	eventSet    map[string]struct{}
	currencySet map[string]struct{}
	raw         map[string]any
}

// ParseConfiguration builds a Configuration from one entry of the
// aem_conversion_configs response. Unknown keys are ignored.
func ParseConfiguration(m map[string]any) (*Configuration, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: empty object", ErrConfigParse)
	}
	currency, ok := m["default_currency"].(string)
	if !ok || currency == "" {
		return nil, fmt.Errorf("%w: default_currency", ErrConfigParse)
	}
	cutoff, ok := toInt(m["cutoff_time"])
	if !ok {
		return nil, fmt.Errorf("%w: cutoff_time", ErrConfigParse)
	}
	validFrom, ok := toInt(m["valid_from"])
	if !ok {
		return nil, fmt.Errorf("%w: valid_from", ErrConfigParse)
	}
	mode, ok := m["config_mode"].(string)
	if !ok || mode == "" {
		return nil, fmt.Errorf("%w: config_mode", ErrConfigParse)
	}

	c := &Configuration{
		DefaultCurrency: strings.ToUpper(currency),
		CutoffDays:      cutoff,
		ValidFrom:       int64(validFrom),
		Mode:            mode,
		raw:             m,
	}
	c.ValidFromIsRuntime, _ = m["valid_from_is_runtime"].(bool)
	c.BusinessID, _ = m["advertiser_id"].(string)
	if raw, ok := m["param_rule"].(string); ok {
		c.MatchingRule = rules.Parse(raw)
	}
	if c.BusinessID != "" && c.MatchingRule == nil {
		return nil, fmt.Errorf("%w: advertiser_id %s without param_rule", ErrConfigParse, c.BusinessID)
	}

	items, _ := m["conversion_value_rules"].([]any)
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: conversion_value_rules", ErrConfigParse)
	}
	for i, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: rule %d", ErrConfigParse, i)
		}
		rule, ok := parseConversionRule(entry)
		if !ok {
			return nil, fmt.Errorf("%w: rule %d", ErrConfigParse, i)
		}
		c.Rules = append(c.Rules, rule)
	}
	// equal priorities keep server order
	sort.SliceStable(c.Rules, func(i, j int) bool { return c.Rules[i].Priority > c.Rules[j].Priority })

	c.eventSet = make(map[string]struct{})
	c.currencySet = make(map[string]struct{})
	for _, rule := range c.Rules {
		for _, ev := range rule.Events {
			c.eventSet[ev.Name] = struct{}{}
			for cur := range ev.Values {
				c.currencySet[cur] = struct{}{}
			}
		}
	}
	return c, nil
}

// HasEvent reports whether any rule references the event.
func (c *Configuration) HasEvent(name string) bool {
	_, ok := c.eventSet[name]
	return ok
}

// HasCurrency reports whether any rule carries a threshold in currency.
func (c *Configuration) HasCurrency(currency string) bool {
	_, ok := c.currencySet[strings.ToUpper(currency)]
	return ok
}

// Raw returns the object the configuration was parsed from, for persistence.
func (c *Configuration) Raw() map[string]any {
	return c.raw
}

func (c *Configuration) IsSameBusinessID(businessID string) bool {
	return c.BusinessID == businessID
}

func (c *Configuration) IsSame(validFrom int64, businessID string) bool {
	return c.ValidFrom == validFrom && c.IsSameBusinessID(businessID)
}

// Configs groups configurations by mode. Each list is ordered by ValidFrom.
type Configs map[string][]*Configuration

// Add inserts c into its mode list unless an identical generation is
// already present. It reports whether the list changed.
func (cs Configs) Add(c *Configuration) bool {
	if c == nil {
		return false
	}
	list := cs[c.Mode]
	for _, existing := range list {
		if existing.IsSame(c.ValidFrom, c.BusinessID) {
			return false
		}
	}
	list = append(list, c)
	sort.SliceStable(list, func(i, j int) bool { return list[i].ValidFrom < list[j].ValidFrom })
	cs[c.Mode] = list
	return true
}

// List returns the configurations an invocation in the given mode may bind
// to. Brand invocations search CPAS configurations before BRAND ones.
func (cs Configs) List(mode string) []*Configuration {
	if mode == ModeBrand {
		return slices.Concat(cs[ModeCPAS], cs[ModeBrand])
	}
	return cs[mode]
}

// Len counts all configurations.
func (cs Configs) Len() int {
	n := 0
	for _, list := range cs {
		n += len(list)
	}
	return n
}
