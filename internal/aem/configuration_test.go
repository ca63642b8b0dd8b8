package aem

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfiguration(t *testing.T) {
	c := mustConfig(t, config1JSON)

	assert.Equal(t, "USD", c.DefaultCurrency)
	assert.Equal(t, 1, c.CutoffDays)
	assert.Equal(t, int64(10000), c.ValidFrom)
	assert.Equal(t, ModeDefault, c.Mode)
	assert.Empty(t, c.BusinessID)
	assert.Nil(t, c.MatchingRule)
	require.Len(t, c.Rules, 2)
	assert.Equal(t, 11, c.Rules[0].Priority, "rules sorted by priority descending")
	assert.Equal(t, 100.0, c.Rules[0].Events[0].Values["USD"], "currencies uppercased")
	assert.True(t, c.HasEvent(purchase))
	assert.True(t, c.HasEvent(unlock))
	assert.False(t, c.HasEvent("fb_test_event"))
	assert.True(t, c.HasCurrency("usd"))
	assert.False(t, c.HasCurrency("JPY"))
}

func TestParseConfigurationIgnoresUnknownFields(t *testing.T) {
	m := decode(t, config2JSON)
	m["future_field"] = map[string]any{"nested": true}
	_, err := ParseConfiguration(m)
	assert.NoError(t, err)
}

func TestParseConfigurationStableOrderForEqualPriority(t *testing.T) {
	c := mustConfig(t, `{"default_currency":"USD","cutoff_time":1,"valid_from":1,"config_mode":"DEFAULT",
		"conversion_value_rules":[
			{"conversion_value":3,"priority":5,"events":[{"event_name":"a"}]},
			{"conversion_value":4,"priority":5,"events":[{"event_name":"b"}]},
			{"conversion_value":5,"priority":9,"events":[{"event_name":"c"}]}]}`)
	require.Len(t, c.Rules, 3)
	assert.Equal(t, []int{5, 3, 4}, []int{c.Rules[0].ConversionValue, c.Rules[1].ConversionValue, c.Rules[2].ConversionValue})
}

func TestParseConfigurationFailures(t *testing.T) {
	base := func() map[string]any { return decode(t, config2JSON) }
	tests := []struct {
		name   string
		mutate func(m map[string]any)
	}{
		{"missing currency", func(m map[string]any) { delete(m, "default_currency") }},
		{"missing cutoff", func(m map[string]any) { delete(m, "cutoff_time") }},
		{"fractional cutoff", func(m map[string]any) { m["cutoff_time"] = 1.5 }},
		{"missing valid_from", func(m map[string]any) { delete(m, "valid_from") }},
		{"missing mode", func(m map[string]any) { delete(m, "config_mode") }},
		{"no rules", func(m map[string]any) { m["conversion_value_rules"] = []any{} }},
		{"invalid rule", func(m map[string]any) {
			m["conversion_value_rules"] = []any{map[string]any{"priority": 1.0}}
		}},
		{"conversion value above 63", func(m map[string]any) {
			m["conversion_value_rules"] = []any{map[string]any{
				"conversion_value": 200.0, "priority": 1.0,
				"events": []any{map[string]any{"event_name": "Purchase"}},
			}}
		}},
		{"negative conversion value", func(m map[string]any) {
			m["conversion_value_rules"] = []any{map[string]any{
				"conversion_value": -1.0, "priority": 1.0,
				"events": []any{map[string]any{"event_name": "Purchase"}},
			}}
		}},
		{"business without rule", func(m map[string]any) { m["advertiser_id"] = "biz" }},
		{"business with malformed rule", func(m map[string]any) {
			m["advertiser_id"] = "biz"
			m["param_rule"] = `{"value":{"gte":"x"}}`
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := base()
			tt.mutate(m)
			_, err := ParseConfiguration(m)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConfigParse))
		})
	}
}

func TestParseConfigurationWithBusiness(t *testing.T) {
	m := decode(t, config2JSON)
	m["advertiser_id"] = "biz"
	m["config_mode"] = ModeBrand
	m["param_rule"] = `{"or":[{"event":{"eq":"Purchase"}}]}`
	c, err := ParseConfiguration(m)
	require.NoError(t, err)
	assert.Equal(t, "biz", c.BusinessID)
	assert.NotNil(t, c.MatchingRule)
	assert.True(t, c.IsSame(20000, "biz"))
	assert.False(t, c.IsSame(20000, ""))
}

func TestConfigsAddDedupesAndSorts(t *testing.T) {
	configs := Configs{}
	assert.True(t, configs.Add(mustConfig(t, config2JSON)))
	assert.True(t, configs.Add(mustConfig(t, config1JSON)))
	assert.False(t, configs.Add(mustConfig(t, config1JSON)))
	assert.False(t, configs.Add(nil))

	list := configs.List(ModeDefault)
	require.Len(t, list, 2)
	assert.Equal(t, int64(10000), list[0].ValidFrom)
	assert.Equal(t, int64(20000), list[1].ValidFrom)
	assert.Equal(t, 2, configs.Len())
}

func TestConfigsBrandListIncludesCPAS(t *testing.T) {
	configs := Configs{}
	for _, mode := range []string{ModeBrand, ModeCPAS} {
		m := decode(t, config2JSON)
		m["config_mode"] = mode
		m["advertiser_id"] = "biz"
		m["param_rule"] = `{"event":{"eq":"x"}}`
		c, err := ParseConfiguration(m)
		require.NoError(t, err)
		configs.Add(c)
	}
	list := configs.List(ModeBrand)
	require.Len(t, list, 2)
	assert.Equal(t, ModeCPAS, list[0].Mode)
	assert.Equal(t, ModeBrand, list[1].Mode)
}
