package rules

import "strings"

// Operator identifies how a rule compares a parameter value with its condition.
type Operator int

const (
	OpUnknown Operator = iota
	OpAnd
	OpOr
	OpNot
	OpContains
	OpNotContains
	OpStartsWith
	OpIContains
	OpINotContains
	OpIStartsWith
	OpRegexMatch
	OpEqual
	OpNotEqual
	OpLessThan
	OpLessThanOrEqual
	OpGreaterThan
	OpGreaterThanOrEqual
	OpBetween
	OpIIsAny
	OpIIsNotAny
	OpIsAny
	OpIsNotAny
)

var operatorKeys = map[string]Operator{
	"and":            OpAnd,
	"or":             OpOr,
	"not":            OpNot,
	"contains":       OpContains,
	"not_contains":   OpNotContains,
	"starts_with":    OpStartsWith,
	"i_contains":     OpIContains,
	"i_not_contains": OpINotContains,
	"i_starts_with":  OpIStartsWith,
	"regex_match":    OpRegexMatch,
	"eq":             OpEqual,
	"neq":            OpNotEqual,
	"lt":             OpLessThan,
	"lte":            OpLessThanOrEqual,
	"gt":             OpGreaterThan,
	"gte":            OpGreaterThanOrEqual,
	"between":        OpBetween,
	"i_is_any":       OpIIsAny,
	"i_is_not_any":   OpIIsNotAny,
	"is_any":         OpIsAny,
	"is_not_any":     OpIsNotAny,
}

// ParseOperator maps a rule key to its Operator. Keys are case-insensitive;
// anything unrecognised is OpUnknown.
func ParseOperator(key string) Operator {
	if op, ok := operatorKeys[strings.ToLower(key)]; ok {
		return op
	}
	return OpUnknown
}

func (o Operator) String() string {
	for k, v := range operatorKeys {
		if v == o {
			return k
		}
	}
	return "unknown"
}

// family groups operators by the condition type they accept.
type family int

const (
	familyNone family = iota
	familyComposite
	familyString
	familyNumber
	familyRange
	familyArray
)

func (o Operator) family() family {
	switch o {
	case OpAnd, OpOr, OpNot:
		return familyComposite
	case OpContains, OpNotContains, OpStartsWith, OpIContains, OpINotContains,
		OpIStartsWith, OpRegexMatch, OpEqual, OpNotEqual:
		return familyString
	case OpLessThan, OpLessThanOrEqual, OpGreaterThan, OpGreaterThanOrEqual:
		return familyNumber
	case OpBetween:
		return familyRange
	case OpIIsAny, OpIIsNotAny, OpIsAny, OpIsNotAny:
		return familyArray
	default:
		return familyNone
	}
}
