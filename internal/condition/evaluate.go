package condition

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// Evaluate resolves the expression against a data context. It is pure and
// safe for concurrent use. Anything that cannot be resolved or compared
// evaluates to false; evaluation never returns an error.
//
// An empty composite evaluates to true (vacuous pass). This is documented
// behavior: an AND over nothing asserts nothing.
func Evaluate(expr *Expression, ctx map[string]any) bool {
	if expr == nil {
		return false
	}
	data, err := json.Marshal(ctx)
	if err != nil {
		return false
	}
	return evalNode(expr, data)
}

func evalNode(expr *Expression, data []byte) bool {
	if expr == nil {
		return false
	}
	if expr.IsComposite() {
		if expr.Logic == LogicOr {
			for _, child := range expr.Conditions {
				if evalNode(child, data) {
					return true
				}
			}
			return len(expr.Conditions) == 0
		}
		for _, child := range expr.Conditions {
			if !evalNode(child, data) {
				return false
			}
		}
		return true
	}
	return evalLeaf(expr, data)
}

func evalLeaf(expr *Expression, data []byte) bool {
	got := gjson.GetBytes(data, expr.Field)
	if !got.Exists() {
		return false
	}
	switch expr.Operator {
	case OpGT, OpLT, OpGTE, OpLTE:
		return compareNumeric(expr.Operator, got, expr.Value)
	case OpEQ:
		return looseEqual(got, expr.Value)
	case OpNEQ:
		return !looseEqual(got, expr.Value)
	case OpContains:
		return evalContains(got, expr.Value)
	case OpIn:
		return evalIn(got, expr.Value)
	default:
		return false
	}
}

func compareNumeric(op Operator, got gjson.Result, want any) bool {
	if got.Type != gjson.Number {
		return false
	}
	w, ok := asFloat(want)
	if !ok {
		return false
	}
	g := got.Float()
	switch op {
	case OpGT:
		return g > w
	case OpLT:
		return g < w
	case OpGTE:
		return g >= w
	case OpLTE:
		return g <= w
	default:
		return false
	}
}

func looseEqual(got gjson.Result, want any) bool {
	switch got.Type {
	case gjson.Number:
		w, ok := asFloat(want)
		return ok && got.Float() == w
	case gjson.String:
		w, ok := want.(string)
		return ok && got.String() == w
	case gjson.True, gjson.False:
		w, ok := want.(bool)
		return ok && got.Bool() == w
	default:
		return false
	}
}

func evalContains(got gjson.Result, want any) bool {
	if got.IsArray() {
		for _, item := range got.Array() {
			if looseEqual(item, want) {
				return true
			}
		}
		return false
	}
	if got.Type == gjson.String {
		w, ok := want.(string)
		return ok && strings.Contains(got.String(), w)
	}
	return false
}

func evalIn(got gjson.Result, want any) bool {
	candidates, ok := want.([]any)
	if !ok {
		return false
	}
	for _, c := range candidates {
		if looseEqual(got, c) {
			return true
		}
	}
	return false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
