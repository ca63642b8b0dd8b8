package rules

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestContainsProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("contains matches any embedded substring regardless of case", prop.ForAll(
		func(prefix, needle, suffix string) bool {
			r := NewSingleEntryRule(OpContains, "content_id", needle)
			return r.Match(map[string]any{"content_id": prefix + strings.ToUpper(needle) + suffix})
		},
		gen.RegexMatch("[a-zA-Z0-9-]{0,10}"), gen.RegexMatch("[a-z0-9]{0,6}"), gen.RegexMatch("[a-zA-Z0-9-]{0,10}"),
	))

	properties.Property("contains and not_contains are complementary when the key is present", prop.ForAll(
		func(value, needle string) bool {
			params := map[string]any{"k": value}
			c := NewSingleEntryRule(OpContains, "k", needle).Match(params)
			nc := NewSingleEntryRule(OpNotContains, "k", needle).Match(params)
			return c != nc
		},
		gen.AlphaString(), gen.AlphaString(),
	))

	properties.Property("a missing key never matches", prop.ForAll(
		func(needle string, op int) bool {
			ops := []Operator{OpContains, OpNotContains, OpEqual, OpNotEqual, OpStartsWith}
			r := NewSingleEntryRule(ops[op], "absent", needle)
			return !r.Match(map[string]any{"present": needle})
		},
		gen.AlphaString(), gen.IntRange(0, 4),
	))

	properties.TestingRun(t)
}

func TestNumericProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("between agrees with gte and lte", prop.ForAll(
		func(v, a, b float64) bool {
			lo, hi := a, b
			if lo > hi {
				lo, hi = hi, lo
			}
			params := map[string]any{"v": v}
			between := &SingleEntryRule{Operator: OpBetween, ParamKey: "v", RangeCondition: [2]float64{lo, hi}}
			gte := &SingleEntryRule{Operator: OpGreaterThanOrEqual, ParamKey: "v", NumberCondition: lo}
			lte := &SingleEntryRule{Operator: OpLessThanOrEqual, ParamKey: "v", NumberCondition: hi}
			return between.Match(params) == (gte.Match(params) && lte.Match(params))
		},
		gen.Float64Range(-1000, 1000), gen.Float64Range(-1000, 1000), gen.Float64Range(-1000, 1000),
	))

	properties.Property("and/or agree with boolean logic over children", prop.ForAll(
		func(v float64, t1, t2 float64) bool {
			params := map[string]any{"v": v}
			a := &SingleEntryRule{Operator: OpGreaterThan, ParamKey: "v", NumberCondition: t1}
			b := &SingleEntryRule{Operator: OpLessThan, ParamKey: "v", NumberCondition: t2}
			and := &MultiEntryRule{Operator: OpAnd, Rules: []Rule{a, b}}
			or := &MultiEntryRule{Operator: OpOr, Rules: []Rule{a, b}}
			not := &MultiEntryRule{Operator: OpNot, Rules: []Rule{a, b}}
			ma, mb := a.Match(params), b.Match(params)
			return and.Match(params) == (ma && mb) &&
				or.Match(params) == (ma || mb) &&
				not.Match(params) == !(ma || mb)
		},
		gen.Float64Range(-100, 100), gen.Float64Range(-100, 100), gen.Float64Range(-100, 100),
	))

	properties.TestingRun(t)
}
