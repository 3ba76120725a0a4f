package sequence

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/BTreeMap/FollowUp/internal/models"
)

// EvaluateConditions reports whether every condition holds against data.
// An empty list is true. Fields may address nested maps with dots.
func EvaluateConditions(conds []models.Condition, data map[string]any) bool {
	for _, c := range conds {
		if !evaluate(c, data) {
			return false
		}
	}
	return true
}

func evaluate(c models.Condition, data map[string]any) bool {
	v, ok := lookup(data, c.Field)
	switch c.Op {
	case models.OpExists:
		want := true
		if b, isBool := c.Value.(bool); isBool {
			want = b
		}
		return (ok && v != nil) == want
	case models.OpEq:
		return ok && equalValues(v, c.Value)
	case models.OpNeq:
		return !ok || !equalValues(v, c.Value)
	case models.OpIn:
		list, isList := c.Value.([]any)
		if !ok || !isList {
			return false
		}
		for _, item := range list {
			if equalValues(v, item) {
				return true
			}
		}
		return false
	case models.OpGt, models.OpLt:
		a, aok := toFloat(v)
		b, bok := toFloat(c.Value)
		if !ok || !aok || !bok {
			return false
		}
		if c.Op == models.OpGt {
			return a > b
		}
		return a < b
	}
	return false
}

// lookup resolves a dotted path.
func lookup(data map[string]any, path string) (any, bool) {
	if v, ok := data[path]; ok {
		return v, true
	}
	cur := any(data)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func equalValues(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}
