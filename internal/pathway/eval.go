package pathway

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Evaluate reports whether every condition holds against the signal map.
// An empty condition set always holds, making an unguarded branch a
// fallthrough.
func Evaluate(conds []Condition, signals map[string]any) bool {
	for _, c := range conds {
		if !evalCondition(c, signals) {
			return false
		}
	}
	return true
}

// SelectBranch returns the first branch whose conditions hold, honoring
// definition order. Nil means no branch fired and the chain ends here.
func SelectBranch(branches []Branch, signals map[string]any) *Branch {
	for i := range branches {
		if Evaluate(branches[i].When, signals) {
			return &branches[i]
		}
	}
	return nil
}

// SelectBranches returns every branch whose conditions hold, for levels
// marked parallel.
func SelectBranches(branches []Branch, signals map[string]any) []*Branch {
	var out []*Branch
	for i := range branches {
		if Evaluate(branches[i].When, signals) {
			out = append(out, &branches[i])
		}
	}
	return out
}

func evalCondition(c Condition, signals map[string]any) bool {
	got, ok := resolveKey(signals, c.Key)
	switch c.Op {
	case "exists":
		return ok && got != nil
	case "notExists":
		return !ok || got == nil
	}
	if !ok {
		// Missing keys satisfy only notEquals, mirroring "not the value
		// we are looking for".
		return c.Op == "notEquals"
	}
	switch c.Op {
	case "equals":
		return scalarEqual(got, c.Value)
	case "notEquals":
		return !scalarEqual(got, c.Value)
	case "contains":
		return containsValue(got, c.Value)
	case "greaterThan":
		g, gok := toFloat(got)
		w, wok := toFloat(c.Value)
		return gok && wok && g > w
	case "lessThan":
		g, gok := toFloat(got)
		w, wok := toFloat(c.Value)
		return gok && wok && g < w
	case "in":
		list, lok := c.Value.([]any)
		if !lok {
			return false
		}
		for _, v := range list {
			if scalarEqual(got, v) {
				return true
			}
		}
		return false
	}
	return false
}

// resolveKey walks a dotted path into nested maps. Slices are not indexed;
// a path segment landing on a non-map stops resolution.
func resolveKey(signals map[string]any, key string) (any, bool) {
	if signals == nil {
		return nil, false
	}
	parts := strings.Split(key, ".")
	var cur any = signals
	for _, part := range parts {
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

// scalarEqual compares numerically when both sides parse as numbers,
// otherwise by canonical string form. That lets a definition say 5 and
// match a decoded 5.0, and "true" match a decoded bool.
func scalarEqual(got, want any) bool {
	if g, gok := toFloat(got); gok {
		if w, wok := toFloat(want); wok {
			return g == w
		}
	}
	return canonical(got) == canonical(want)
}

func containsValue(got, want any) bool {
	switch g := got.(type) {
	case []any:
		for _, v := range g {
			if scalarEqual(v, want) {
				return true
			}
		}
		return false
	case string:
		return strings.Contains(strings.ToLower(g), strings.ToLower(canonical(want)))
	default:
		return scalarEqual(got, want)
	}
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
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func canonical(v any) string {
	if v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case bool:
		if s {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprint(v)
	}
}
