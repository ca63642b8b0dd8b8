package rules

import (
	"regexp"
	"slices"
	"strings"
)

// Rule is a predicate over logged event parameters. Implementations never
// panic: malformed input evaluates to false.
type Rule interface {
	Match(params map[string]any) bool
}

// SingleEntryRule compares one parameter, addressed by a dot path, against a
// typed condition.
type SingleEntryRule struct {
	Operator        Operator
	ParamKey        string
	StringCondition string
	NumberCondition float64
	RangeCondition  [2]float64
	ArrayCondition  []string

	re *regexp.Regexp
}

// NewSingleEntryRule builds a string-family rule. The regex for OpRegexMatch
// is compiled here and reused for every evaluation.
func NewSingleEntryRule(op Operator, paramKey, condition string) *SingleEntryRule {
	r := &SingleEntryRule{Operator: op, ParamKey: paramKey, StringCondition: condition}
	if op == OpRegexMatch && condition != "" {
		// invalid patterns leave re nil and never match
		r.re, _ = regexp.Compile("^(?:" + stripPatternWhitespace(condition) + ")")
	}
	return r
}

// stripPatternWhitespace gives patterns free-spacing semantics, which RE2
// has no flag for: unescaped whitespace is dropped, and so is a # comment
// running to the end of the line outside a character class.
func stripPatternWhitespace(pattern string) string {
	var b strings.Builder
	inClass, comment := false, false
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch {
		case comment:
			if c == '\n' {
				comment = false
			}
		case c == '\\' && i+1 < len(pattern):
			b.WriteByte(c)
			b.WriteByte(pattern[i+1])
			i++
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v':
		case c == '#' && !inClass:
			comment = true
		default:
			switch c {
			case '[':
				inClass = true
			case ']':
				inClass = false
			}
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Match implements Rule.
func (r *SingleEntryRule) Match(params map[string]any) bool {
	if r == nil || len(params) == 0 || r.ParamKey == "" {
		return false
	}
	return matchPath(params, strings.Split(r.ParamKey, "."), r.matchValue)
}

// matchPath walks params along path. A segment ending in [*] fans out over
// an array and succeeds if any element matches the rest of the path.
func matchPath(params map[string]any, path []string, leaf func(any) bool) bool {
	if len(path) == 0 || params == nil {
		return false
	}
	seg := path[0]
	if key, ok := strings.CutSuffix(seg, "[*]"); ok {
		for _, item := range asList(params[key]) {
			if len(path) == 1 {
				if leaf(item) {
					return true
				}
				continue
			}
			if m, ok := item.(map[string]any); ok && matchPath(m, path[1:], leaf) {
				return true
			}
		}
		return false
	}
	v, ok := params[seg]
	if !ok || v == nil {
		return false
	}
	if len(path) == 1 {
		return leaf(v)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	return matchPath(m, path[1:], leaf)
}

func asList(v any) []any {
	switch arr := v.(type) {
	case []any:
		return arr
	case []map[string]any:
		out := make([]any, len(arr))
		for i, m := range arr {
			out[i] = m
		}
		return out
	case []string:
		out := make([]any, len(arr))
		for i, s := range arr {
			out[i] = s
		}
		return out
	default:
		return nil
	}
}

func (r *SingleEntryRule) matchValue(v any) bool {
	switch r.Operator.family() {
	case familyString:
		return r.matchString(v)
	case familyNumber, familyRange:
		n, ok := asNumber(v)
		if !ok {
			return false
		}
		return r.matchNumber(n)
	case familyArray:
		s, ok := asText(v, true)
		if !ok {
			return false
		}
		return r.matchArray(s)
	default:
		return false
	}
}

func (r *SingleEntryRule) matchString(v any) bool {
	lenient := r.Operator == OpEqual || r.Operator == OpNotEqual
	s, ok := asText(v, lenient)
	if !ok {
		return false
	}
	lower := strings.ToLower(s)
	cond := strings.ToLower(r.StringCondition)
	switch r.Operator {
	case OpContains, OpIContains:
		return strings.Contains(lower, cond)
	case OpNotContains, OpINotContains:
		return !strings.Contains(lower, cond)
	case OpStartsWith, OpIStartsWith:
		return strings.HasPrefix(lower, cond)
	case OpRegexMatch:
		return r.re != nil && r.re.MatchString(s)
	case OpEqual:
		return s == r.StringCondition
	case OpNotEqual:
		return s != r.StringCondition
	}
	return false
}

func (r *SingleEntryRule) matchNumber(n float64) bool {
	switch r.Operator {
	case OpLessThan:
		return n < r.NumberCondition
	case OpLessThanOrEqual:
		return n <= r.NumberCondition
	case OpGreaterThan:
		return n > r.NumberCondition
	case OpGreaterThanOrEqual:
		return n >= r.NumberCondition
	case OpBetween:
		return n >= r.RangeCondition[0] && n <= r.RangeCondition[1]
	}
	return false
}

func (r *SingleEntryRule) matchArray(s string) bool {
	switch r.Operator {
	case OpIsAny:
		return slices.Contains(r.ArrayCondition, s)
	case OpIsNotAny:
		return !slices.Contains(r.ArrayCondition, s)
	case OpIIsAny:
		return containsFold(r.ArrayCondition, s)
	case OpIIsNotAny:
		return !containsFold(r.ArrayCondition, s)
	}
	return false
}

func containsFold(items []string, s string) bool {
	for _, item := range items {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}

// MultiEntryRule combines child rules with AND, OR or NOT.
type MultiEntryRule struct {
	Operator Operator
	Rules    []Rule
}

// Match implements Rule. AND stops at the first false child and OR at the
// first true one; NOT matches when no child does.
func (r *MultiEntryRule) Match(params map[string]any) bool {
	if r == nil || len(params) == 0 {
		return false
	}
	switch r.Operator {
	case OpAnd:
		for _, child := range r.Rules {
			if !child.Match(params) {
				return false
			}
		}
		return len(r.Rules) > 0
	case OpOr:
		for _, child := range r.Rules {
			if child.Match(params) {
				return true
			}
		}
		return false
	case OpNot:
		for _, child := range r.Rules {
			if child.Match(params) {
				return false
			}
		}
		return true
	}
	return false
}
