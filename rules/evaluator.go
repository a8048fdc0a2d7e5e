package rules

import (
	"sort"
	"strings"
)

// Evaluation is the verdict of evaluating a rule's condition list. Only
// conditions actually checked before a short-circuit appear in
// MatchedConditions, so the audit trail reflects what was examined.
type Evaluation struct {
	Matched           bool
	MatchedConditions []string
}

// operatorFunc applies one operator to the resolved payload value and the
// condition's stored text value. Operators return false for malformed
// inputs; they never error, so a bad rule cannot abort event processing.
type operatorFunc func(fieldValue any, present bool, stored string) bool

// Evaluator evaluates ordered condition lists against event payloads.
// Safe for concurrent use; the operator table is immutable after creation.
type Evaluator struct {
	operators map[Operator]operatorFunc
}

// NewEvaluator creates an evaluator with all supported operators registered.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		operators: map[Operator]operatorFunc{
			OpEquals:      opEquals,
			OpNotEquals:   opNotEquals,
			OpGreaterThan: opGreaterThan,
			OpLessThan:    opLessThan,
			OpContains:    opContains,
			OpStartsWith:  opStartsWith,
			OpEndsWith:    opEndsWith,
			OpIsNull:      opIsNull,
			OpNotNull:     opNotNull,
			OpIn:          opIn,
			OpNotIn:       opNotIn,
		},
	}
}

// Evaluate applies conditions in ascending order index, AND-combined, and
// stops at the first failure. An empty condition list always matches.
func (e *Evaluator) Evaluate(conditions []Condition, payload map[string]any) Evaluation {
	result := Evaluation{MatchedConditions: []string{}}
	if len(conditions) == 0 {
		result.Matched = true
		return result
	}

	ordered := make([]Condition, len(conditions))
	copy(ordered, conditions)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].OrderIndex < ordered[j].OrderIndex
	})

	for _, cond := range ordered {
		if !e.evaluateCondition(cond, payload) {
			return result
		}
		result.MatchedConditions = append(result.MatchedConditions, cond.ID)
	}

	result.Matched = true
	return result
}

// evaluateCondition resolves the condition's field and applies its
// operator. Unknown operators fail the condition rather than erroring.
func (e *Evaluator) evaluateCondition(cond Condition, payload map[string]any) bool {
	op, ok := e.operators[cond.Operator]
	if !ok {
		return false
	}
	value, present := lookupField(payload, cond.FieldName)
	return op(value, present, cond.Value)
}

// opEquals compares structurally after coercing the stored text to the
// payload field's runtime type: number vs numeric string, bool vs
// boolean-like string, else plain string comparison.
func opEquals(fieldValue any, present bool, stored string) bool {
	if !present || fieldValue == nil {
		return false
	}
	if f, ok := toFloat(fieldValue); ok {
		if s, ok := toFloat(stored); ok {
			return f == s
		}
		return false
	}
	if b, ok := fieldValue.(bool); ok {
		if s, ok := toBool(stored); ok {
			return b == s
		}
		return false
	}
	return toString(fieldValue) == stored
}

func opNotEquals(fieldValue any, present bool, stored string) bool {
	if !present || fieldValue == nil {
		return false
	}
	return !opEquals(fieldValue, present, stored)
}

func opGreaterThan(fieldValue any, present bool, stored string) bool {
	f, ok := toFloat(fieldValue)
	if !ok {
		return false
	}
	s, ok := toFloat(stored)
	if !ok {
		return false
	}
	return f > s
}

func opLessThan(fieldValue any, present bool, stored string) bool {
	f, ok := toFloat(fieldValue)
	if !ok {
		return false
	}
	s, ok := toFloat(stored)
	if !ok {
		return false
	}
	return f < s
}

func opContains(fieldValue any, present bool, stored string) bool {
	if !present || fieldValue == nil {
		return false
	}
	return strings.Contains(toString(fieldValue), stored)
}

func opStartsWith(fieldValue any, present bool, stored string) bool {
	if !present || fieldValue == nil {
		return false
	}
	return strings.HasPrefix(toString(fieldValue), stored)
}

func opEndsWith(fieldValue any, present bool, stored string) bool {
	if !present || fieldValue == nil {
		return false
	}
	return strings.HasSuffix(toString(fieldValue), stored)
}

// opIsNull treats absent fields and explicit nulls alike; the stored
// value is ignored.
func opIsNull(fieldValue any, present bool, _ string) bool {
	return !present || fieldValue == nil
}

func opNotNull(fieldValue any, present bool, _ string) bool {
	return present && fieldValue != nil
}

// opIn tests membership in the stored comma-separated literal list.
func opIn(fieldValue any, present bool, stored string) bool {
	if !present || fieldValue == nil {
		return false
	}
	needle := toString(fieldValue)
	for _, item := range strings.Split(stored, ",") {
		if strings.TrimSpace(item) == needle {
			return true
		}
	}
	return false
}

func opNotIn(fieldValue any, present bool, stored string) bool {
	if !present || fieldValue == nil {
		return false
	}
	return !opIn(fieldValue, present, stored)
}
