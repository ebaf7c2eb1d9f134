package criteria

import "fmt"

// Operator is a comparison applied between a criterion's configuration and
// the data a backend serves.
type Operator string

const (
	OpEqual    Operator = "="
	OpNotEqual Operator = "!="

	OpGreaterThan        Operator = ">"
	OpGreaterThanOrEqual Operator = ">="
	OpLessThan           Operator = "<"
	OpLessThanOrEqual    Operator = "<="

	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"

	OpIn    Operator = "in"
	OpNotIn Operator = "not_in"

	OpExists    Operator = "exists"
	OpNotExists Operator = "not_exists"
)

var operators = map[Operator]struct{}{
	OpEqual: {}, OpNotEqual: {},
	OpGreaterThan: {}, OpGreaterThanOrEqual: {},
	OpLessThan: {}, OpLessThanOrEqual: {},
	OpContains: {}, OpNotContains: {},
	OpIn: {}, OpNotIn: {},
	OpExists: {}, OpNotExists: {},
}

// ParseOperator validates the string form of an operator.
func ParseOperator(s string) (Operator, error) {
	op := Operator(s)
	if _, ok := operators[op]; !ok {
		return "", fmt.Errorf("unknown operator: %s", s)
	}
	return op, nil
}

func (o Operator) String() string { return string(o) }

// Supports reports whether op is in the supported list.
func Supports(supported []Operator, op Operator) bool {
	for _, s := range supported {
		if s == op {
			return true
		}
	}
	return false
}
