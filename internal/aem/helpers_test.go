package aem

import (
	"encoding/json"
	"testing"
	"time"
)

const (
	purchase = "fb_mobile_purchase"
	donate   = "Donate"
	unlock   = "fb_unlock_level"
)

func decode(t *testing.T, raw string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return m
}

func mustConfig(t *testing.T, raw string) *Configuration {
	t.Helper()
	c, err := ParseConfiguration(decode(t, raw))
	if err != nil {
		t.Fatalf("parse configuration: %v", err)
	}
	return c
}

// config1 mirrors a two rule configuration: Purchase+Donate gives 2 at
// priority 10 and Purchase ≥ 100 USD + unlock gives 1 at priority 11.
const config1JSON = `{
	"default_currency": "USD",
	"cutoff_time": 1,
	"valid_from": 10000,
	"config_mode": "DEFAULT",
	"conversion_value_rules": [
		{"conversion_value": 2, "priority": 10, "events": [
			{"event_name": "fb_mobile_purchase"}, {"event_name": "Donate"}]},
		{"conversion_value": 1, "priority": 11, "events": [
			{"event_name": "fb_mobile_purchase", "values": [{"currency": "usd", "amount": 100}]},
			{"event_name": "fb_unlock_level"}]}
	]
}`

const config2JSON = `{
	"default_currency": "USD",
	"cutoff_time": 1,
	"valid_from": 20000,
	"config_mode": "DEFAULT",
	"conversion_value_rules": [
		{"conversion_value": 2, "priority": 10, "events": [
			{"event_name": "fb_mobile_purchase"}, {"event_name": "Donate"}]}
	]
}`

type fixedClock struct{ t time.Time }

func (c *fixedClock) now() time.Time          { return c.t }
func (c *fixedClock) advance(d time.Duration) { c.t = c.t.Add(d) }

// newBoundInvocation returns an invocation created at unix 15000 and bound
// to config1.
func newBoundInvocation(t *testing.T) (*Invocation, Configs, *fixedClock) {
	t.Helper()
	clock := &fixedClock{t: time.Unix(15000, 0)}
	inv := NewInvocation("test_campaign_1234", "test_token_12345", clock.now()).WithClock(clock.now)
	configs := Configs{}
	configs.Add(mustConfig(t, config1JSON))
	configs.Add(mustConfig(t, config2JSON))
	return inv, configs, clock
}

func ptr(v float64) *float64 { return &v }
