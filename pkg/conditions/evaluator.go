// Package conditions provides predicate evaluation over execution contexts.
// Evaluation is pure and deterministic: no I/O, safe for concurrent use.
package conditions

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/pathrun/pathrun/pkg/models"
)

// Evaluate combines the results of all predicates with the given logic
// operator. An empty predicate list under AND passes vacuously; under OR it
// fails.
func Evaluate(predicates []models.Predicate, op models.LogicOp, execCtx *models.ExecutionContext) (bool, error) {
	if len(predicates) == 0 {
		return op != models.LogicOr, nil
	}

	for _, predicate := range predicates {
		result, err := EvaluateSingle(predicate, execCtx)
		if err != nil {
			return false, err
		}

		switch op {
		case models.LogicOr:
			if result {
				return true, nil
			}
		default: // AND
			if !result {
				return false, nil
			}
		}
	}

	return op != models.LogicOr, nil
}

// EvaluateSingle evaluates one predicate against the context.
func EvaluateSingle(predicate models.Predicate, execCtx *models.ExecutionContext) (bool, error) {
	fieldValue, found := execCtx.Lookup(predicate.Field)

	if predicate.Operator == models.OperatorExists {
		return found && fieldValue != nil, nil
	}

	left := cast(fieldValue, predicate.Type)
	right := cast(predicate.Value, predicate.Type)

	switch predicate.Operator {
	case models.OperatorEq:
		return equalValues(left, right), nil
	case models.OperatorNe:
		return !equalValues(left, right), nil
	case models.OperatorGt, models.OperatorLt, models.OperatorGte, models.OperatorLte:
		return compareOrdered(predicate.Operator, left, right)
	case models.OperatorContains:
		return contains(left, right), nil
	case models.OperatorIn:
		return memberOf(left, right), nil
	case models.OperatorNotIn:
		return !memberOf(left, right), nil
	default:
		return false, models.NewValidationError("operator", fmt.Sprintf("unknown operator %q", predicate.Operator))
	}
}

// cast coerces a value to the declared type. Failed casts return the value
// unchanged rather than erroring.
func cast(value any, valueType models.ValueType) any {
	if value == nil {
		return nil
	}

	switch valueType {
	case models.ValueTypeString:
		if s, ok := value.(string); ok {
			return s
		}

		return fmt.Sprintf("%v", value)
	case models.ValueTypeNumber:
		if number, ok := toFloat(value); ok {
			return number
		}
	case models.ValueTypeBoolean:
		switch v := value.(type) {
		case bool:
			return v
		case string:
			if parsed, err := strconv.ParseBool(v); err == nil {
				return parsed
			}
		}
	case models.ValueTypeDate:
		if instant, ok := toTime(value); ok {
			return instant
		}
	case models.ValueTypeArray:
		if reflect.ValueOf(value).Kind() == reflect.Slice {
			return value
		}
	}

	return value
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		if parsed, err := v.Float64(); err == nil {
			return parsed, true
		}
	case string:
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed, true
		}
	}

	return 0, false
}

func toTime(value any) (time.Time, bool) {
	switch v := value.(type) {
	case time.Time:
		return v, true
	case string:
		if parsed, err := time.Parse(time.RFC3339, v); err == nil {
			return parsed, true
		}

		if parsed, err := time.Parse("2006-01-02", v); err == nil {
			return parsed, true
		}
	}

	return time.Time{}, false
}

// equalValues performs deep equality with numeric and instant normalization.
func equalValues(left, right any) bool {
	if lt, ok := left.(time.Time); ok {
		if rt, ok := right.(time.Time); ok {
			return lt.Equal(rt)
		}
	}

	if lf, ok := toFloat(left); ok {
		if rf, ok := toFloat(right); ok {
			return lf == rf
		}
	}

	return reflect.DeepEqual(left, right)
}

func compareOrdered(op models.Operator, left, right any) (bool, error) {
	if lt, lok := left.(time.Time); lok {
		if rt, rok := toTime(right); rok {
			return orderedResult(op, compareTimes(lt, rt)), nil
		}
	}

	if lf, lok := toFloat(left); lok {
		if rf, rok := toFloat(right); rok {
			return orderedResult(op, compareFloats(lf, rf)), nil
		}
	}

	ls, lok := left.(string)
	rs, rok := right.(string)

	if lok && rok {
		return orderedResult(op, strings.Compare(ls, rs)), nil
	}

	return false, nil
}

func compareTimes(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	default:
		return 0
	}
}

func compareFloats(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func orderedResult(op models.Operator, cmp int) bool {
	switch op {
	case models.OperatorGt:
		return cmp > 0
	case models.OperatorLt:
		return cmp < 0
	case models.OperatorGte:
		return cmp >= 0
	case models.OperatorLte:
		return cmp <= 0
	default:
		return false
	}
}

// contains handles substring, slice membership and map key presence.
func contains(container, element any) bool {
	switch c := container.(type) {
	case string:
		return strings.Contains(c, fmt.Sprintf("%v", element))
	case map[string]any:
		key, ok := element.(string)
		if !ok {
			return false
		}

		_, present := c[key]

		return present
	}

	value := reflect.ValueOf(container)
	if value.Kind() == reflect.Slice {
		for i := 0; i < value.Len(); i++ {
			if equalValues(value.Index(i).Interface(), element) {
				return true
			}
		}
	}

	return false
}

// memberOf reports whether value is an element of the list operand.
func memberOf(value, list any) bool {
	candidates := reflect.ValueOf(list)
	if candidates.Kind() != reflect.Slice {
		return false
	}

	for i := 0; i < candidates.Len(); i++ {
		if equalValues(candidates.Index(i).Interface(), value) {
			return true
		}
	}

	return false
}
