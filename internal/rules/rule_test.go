package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOperator(t *testing.T) {
	assert.Equal(t, OpContains, ParseOperator("CONTAINS"))
	assert.Equal(t, OpIIsNotAny, ParseOperator("i_is_not_any"))
	assert.Equal(t, OpBetween, ParseOperator("Between"))
	assert.Equal(t, OpUnknown, ParseOperator("approximately"))
	assert.Equal(t, "gte", OpGreaterThanOrEqual.String())
}

func TestContainsRule(t *testing.T) {
	r := Parse(`{"content_id":{"contains":"shoe"}}`)
	require.NotNil(t, r)

	assert.True(t, r.Match(map[string]any{"content_id": "red-shoe-42"}))
	assert.False(t, r.Match(map[string]any{"content_id": "hat-1"}))
	assert.False(t, r.Match(map[string]any{"other": "shoe"}))
	assert.False(t, r.Match(nil))
}

func TestSingleEntryOperators(t *testing.T) {
	tests := []struct {
		name   string
		rule   string
		params map[string]any
		want   bool
	}{
		{"contains folds case", `{"v":{"contains":"ABC"}}`, map[string]any{"v": "xxabcxx"}, true},
		{"not contains", `{"v":{"not_contains":"abc"}}`, map[string]any{"v": "xyz"}, true},
		{"not contains requires value", `{"v":{"not_contains":"abc"}}`, map[string]any{"w": "xyz"}, false},
		{"starts with", `{"v":{"starts_with":"fb_"}}`, map[string]any{"v": "FB_mobile_purchase"}, true},
		{"i contains", `{"v":{"i_contains":"Shoe"}}`, map[string]any{"v": "SHOES"}, true},
		{"i not contains", `{"v":{"i_not_contains":"shoe"}}`, map[string]any{"v": "SHOES"}, false},
		{"i starts with", `{"v":{"i_starts_with":"RED"}}`, map[string]any{"v": "red-shoe"}, true},
		{"regex anchored", `{"v":{"regex_match":"shoe"}}`, map[string]any{"v": "red-shoe"}, false},
		{"regex match", `{"v":{"regex_match":"red-.*"}}`, map[string]any{"v": "red-shoe"}, true},
		{"regex case sensitive", `{"v":{"regex_match":"RED"}}`, map[string]any{"v": "red"}, false},
		{"regex ignores pattern whitespace", `{"v":{"regex_match":"red - shoe"}}`, map[string]any{"v": "red-shoe"}, true},
		{"regex comment", `{"v":{"regex_match":"red # colour\n-shoe"}}`, map[string]any{"v": "red-shoe"}, true},
		{"regex escaped space", `{"v":{"regex_match":"red\\ shoe"}}`, map[string]any{"v": "red shoe"}, true},
		{"regex hash in class", `{"v":{"regex_match":"[#]1"}}`, map[string]any{"v": "#1"}, true},
		{"bad regex never matches", `{"v":{"regex_match":"(["}}`, map[string]any{"v": "("}, false},
		{"eq case sensitive", `{"v":{"eq":"Purchase"}}`, map[string]any{"v": "purchase"}, false},
		{"eq exact", `{"v":{"eq":"Purchase"}}`, map[string]any{"v": "Purchase"}, true},
		{"eq coerces number", `{"v":{"eq":"10"}}`, map[string]any{"v": 10}, true},
		{"neq", `{"v":{"neq":"a"}}`, map[string]any{"v": "b"}, true},
		{"lt", `{"v":{"lt":10}}`, map[string]any{"v": 9.99}, true},
		{"lte", `{"v":{"lte":10}}`, map[string]any{"v": 10}, true},
		{"gt", `{"v":{"gt":10}}`, map[string]any{"v": 10}, false},
		{"gte numeric string", `{"v":{"gte":10}}`, map[string]any{"v": "12.5"}, true},
		{"numeric op on text", `{"v":{"gte":10}}`, map[string]any{"v": "lots"}, false},
		{"numeric op on bool", `{"v":{"gte":0}}`, map[string]any{"v": true}, false},
		{"string op on number", `{"v":{"contains":"1"}}`, map[string]any{"v": 10}, false},
		{"between inclusive low", `{"v":{"between":[5,10]}}`, map[string]any{"v": 5}, true},
		{"between inclusive high", `{"v":{"between":[5,10]}}`, map[string]any{"v": 10}, true},
		{"between outside", `{"v":{"between":[5,10]}}`, map[string]any{"v": 10.01}, false},
		{"between single number", `{"v":{"between":7}}`, map[string]any{"v": 7}, true},
		{"is any", `{"v":{"is_any":["a","b"]}}`, map[string]any{"v": "b"}, true},
		{"is any case sensitive", `{"v":{"is_any":["a","b"]}}`, map[string]any{"v": "B"}, false},
		{"is any numbers", `{"v":{"is_any":[1,2]}}`, map[string]any{"v": 2}, true},
		{"i is any", `{"v":{"i_is_any":["a","b"]}}`, map[string]any{"v": "B"}, true},
		{"is not any", `{"v":{"is_not_any":["a","b"]}}`, map[string]any{"v": "c"}, true},
		{"i is not any", `{"v":{"i_is_not_any":["a","b"]}}`, map[string]any{"v": "A"}, false},
		{"is not any missing", `{"v":{"is_not_any":["a"]}}`, map[string]any{"w": "c"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Parse(tt.rule)
			require.NotNil(t, r, "rule should parse")
			assert.Equal(t, tt.want, r.Match(tt.params))
		})
	}
}

func TestParseRejectsMalformedRules(t *testing.T) {
	malformed := []string{
		``,
		`not json`,
		`{}`,
		`{"v":{"gte":"10"}}`,
		`{"v":{"contains":5}}`,
		`{"v":{"is_any":[]}}`,
		`{"v":{"is_any":"a"}}`,
		`{"v":{"between":[10,5]}}`,
		`{"v":{"between":[1,2,3]}}`,
		`{"v":{"approximately":"a"}}`,
		`{"v":{"eq":null}}`,
		`{"v":"eq"}`,
		`{"and":[]}`,
		`{"or":[{"v":{"eq":"a"}},{"v":{"gte":"x"}}]}`,
		`{"not":{"v":{"eq":"a"}}}`,
		`{"a":{"eq":"x"},"b":{"eq":"y"}}`,
	}
	for _, raw := range malformed {
		assert.Nil(t, Parse(raw), raw)
	}
}

func TestCompositeRules(t *testing.T) {
	and := Parse(`{"and":[{"event":{"eq":"Purchase"}},{"value":{"gte":10}}]}`)
	or := Parse(`{"or":[{"event":{"eq":"Purchase"}},{"value":{"gte":10}}]}`)
	not := Parse(`{"not":[{"event":{"eq":"Purchase"}},{"value":{"gte":10}}]}`)
	require.NotNil(t, and)
	require.NotNil(t, or)
	require.NotNil(t, not)

	both := map[string]any{"event": "Purchase", "value": 12}
	one := map[string]any{"event": "Purchase", "value": 2}
	none := map[string]any{"event": "AddToCart", "value": 2}

	assert.True(t, and.Match(both))
	assert.False(t, and.Match(one))
	assert.True(t, or.Match(one))
	assert.False(t, or.Match(none))
	assert.True(t, not.Match(none))
	assert.False(t, not.Match(one))
	assert.False(t, and.Match(map[string]any{}))
}

type countingRule struct {
	result bool
	calls  *int
}

func (c countingRule) Match(map[string]any) bool {
	*c.calls++
	return c.result
}

func TestCompositeShortCircuit(t *testing.T) {
	calls := 0
	and := &MultiEntryRule{Operator: OpAnd, Rules: []Rule{
		countingRule{false, &calls}, countingRule{true, &calls},
	}}
	assert.False(t, and.Match(map[string]any{"k": 1}))
	assert.Equal(t, 1, calls)

	calls = 0
	or := &MultiEntryRule{Operator: OpOr, Rules: []Rule{
		countingRule{true, &calls}, countingRule{false, &calls},
	}}
	assert.True(t, or.Match(map[string]any{"k": 1}))
	assert.Equal(t, 1, calls)
}

func TestNestedPaths(t *testing.T) {
	params := map[string]any{
		"fb_content": []any{
			map[string]any{"id": "12345", "price": 10},
			map[string]any{"id": "testing", "price": 100},
		},
		"address": map[string]any{"city": "Menlo Park"},
		"tags":    []any{"sale", "new"},
	}

	assert.True(t, Parse(`{"fb_content[*].id":{"eq":"testing"}}`).Match(params))
	assert.False(t, Parse(`{"fb_content[*].id":{"eq":"nope"}}`).Match(params))
	assert.True(t, Parse(`{"fb_content[*].price":{"gt":50}}`).Match(params))
	assert.True(t, Parse(`{"address.city":{"starts_with":"menlo"}}`).Match(params))
	assert.False(t, Parse(`{"address.zip":{"eq":"94025"}}`).Match(params))
	assert.False(t, Parse(`{"address.city.name":{"eq":"x"}}`).Match(params))
	assert.True(t, Parse(`{"tags[*]":{"is_any":["new"]}}`).Match(params))
	assert.False(t, Parse(`{"missing[*].id":{"eq":"x"}}`).Match(params))
}

func TestNilRulesDoNotPanic(t *testing.T) {
	var single *SingleEntryRule
	var multi *MultiEntryRule
	assert.False(t, single.Match(map[string]any{"a": 1}))
	assert.False(t, multi.Match(map[string]any{"a": 1}))
	assert.False(t, (&SingleEntryRule{Operator: OpUnknown, ParamKey: "a"}).Match(map[string]any{"a": 1}))
}
