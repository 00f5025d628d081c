package rules

import (
	"encoding/json"
	"reflect"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// EvaluateCondition evaluates one condition against a profile.
// It is total: absent attributes, type mismatches and unknown operators
// all evaluate to false. Only OpExists tests for absence.
func EvaluateCondition(cond domain.RuleCondition, profile domain.BusinessProfile) bool {
	actual, ok := profile.Lookup(cond.Field)
	present := ok && actual != nil

	switch cond.Operator {
	case domain.OpExists:
		return present
	case domain.OpGreaterThan, domain.OpLessThan, domain.OpGreaterOrEqual, domain.OpLessOrEqual:
		if !present {
			return false
		}
		return compareNumbers(cond.Operator, actual, cond.Value)
	case domain.OpEqual:
		return present && equalValues(actual, cond.Value)
	case domain.OpNotEqual:
		return present && !equalValues(actual, cond.Value)
	case domain.OpIncludes:
		return present && includes(actual, cond.Value)
	default:
		return false
	}
}

// EvaluateAll reports whether a rule applies: it needs at least one
// condition and every condition must hold.
func EvaluateAll(conditions []domain.RuleCondition, profile domain.BusinessProfile) bool {
	if len(conditions) == 0 {
		return false
	}
	for _, cond := range conditions {
		if !EvaluateCondition(cond, profile) {
			return false
		}
	}
	return true
}

func compareNumbers(op domain.Operator, a, b any) bool {
	x, ok := toFloat(a)
	if !ok {
		return false
	}
	y, ok := toFloat(b)
	if !ok {
		return false
	}
	switch op {
	case domain.OpGreaterThan:
		return x > y
	case domain.OpLessThan:
		return x < y
	case domain.OpGreaterOrEqual:
		return x >= y
	case domain.OpLessOrEqual:
		return x <= y
	}
	return false
}

// equalValues is strict equality. Numbers of different Go kinds compare by
// value since decoders disagree on int vs float; nothing else is coerced.
func equalValues(a, b any) bool {
	if x, ok := toFloat(a); ok {
		y, ok := toFloat(b)
		return ok && x == y
	}
	if _, ok := toFloat(b); ok {
		return false
	}
	return reflect.DeepEqual(a, b)
}

func includes(container, value any) bool {
	rv := reflect.ValueOf(container)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return false
	}
	for i := 0; i < rv.Len(); i++ {
		if equalValues(rv.Index(i).Interface(), value) {
			return true
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
