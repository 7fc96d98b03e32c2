package engine

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// EvaluateCondition evaluates a condition config against the execution
// context.
//
// Simple form:
//
//	{"field": "contact.tags", "operator": "contains", "value": "VIP"}
//
// Compound form (groups may nest):
//
//	{"logic": "and"|"or", "conditions": [ ...simple or compound... ]}
//
// An empty config evaluates to true. Evaluation never errors: a clause
// that cannot be evaluated (missing field, bad numeric cast) is false.
func EvaluateCondition(config map[string]any, ctx *Context) bool {
	if len(config) == 0 {
		return true
	}

	if logic, hasLogic := config["logic"]; hasLogic {
		if conditions, hasConds := config["conditions"].([]any); hasConds {
			or := false
			if s, ok := logic.(string); ok && strings.EqualFold(s, "or") {
				or = true
			}
			for _, raw := range conditions {
				sub, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				result := EvaluateCondition(sub, ctx)
				if or && result {
					return true
				}
				if !or && !result {
					return false
				}
			}
			return !or
		}
	}

	field, _ := config["field"].(string)
	opName, _ := config["operator"].(string)
	expected := config["value"]

	actual := ctx.Get(field)

	if s, ok := expected.(string); ok && strings.Contains(s, "{{") {
		expected = ctx.ResolveTemplate(s)
	}

	switch opName {
	case "not_equals":
		return !looseEquals(actual, expected)
	case "contains":
		if !truthy(actual) {
			return false
		}
		return strings.Contains(stringify(actual), stringify(expected))
	case "not_contains":
		if !truthy(actual) {
			return true
		}
		return !strings.Contains(stringify(actual), stringify(expected))
	case "starts_with":
		return truthy(actual) && strings.HasPrefix(stringify(actual), stringify(expected))
	case "ends_with":
		return truthy(actual) && strings.HasSuffix(stringify(actual), stringify(expected))
	case "greater_than":
		a, aok := toFloat(actual)
		b, bok := toFloat(expected)
		return aok && bok && a > b
	case "less_than":
		a, aok := toFloat(actual)
		b, bok := toFloat(expected)
		return aok && bok && a < b
	case "is_empty":
		return !truthy(actual)
	case "is_not_empty":
		return truthy(actual)
	case "exists":
		return actual != nil
	default: // equals
		return looseEquals(actual, expected)
	}
}

// looseEquals compares numerically when both sides are numbers, so a
// JSON 85 matches a configured int 85, and falls back to deep equality.
func looseEquals(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return reflect.DeepEqual(a, b)
}

// truthy mirrors the loose emptiness check condition clauses use: nil,
// empty strings, zero numbers and empty collections are all empty.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

// toFloat converts numeric values and numeric strings.
func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}
