package rules

import (
	"strings"

	"github.com/opensource-gaming/talon/internal/domain"
)

// EvaluateCondition checks a condition mapping against player state. Every
// key/value pair is a predicate and all must hold. Predicate forms, checked
// in this order per key:
//
//  1. map value with min/max/equals  -> range or equality check
//  2. list value                     -> membership check
//  3. key ending in _min             -> state[base] >= value
//  4. key ending in _max             -> state[base] <= value
//  5. anything else                  -> exact equality
//
// A missing state field fails the predicate. Evaluation short-circuits on
// the first failing predicate.
func EvaluateCondition(condition map[string]any, state domain.PlayerState) bool {
	for key, expected := range condition {
		if !evaluatePredicate(key, expected, state) {
			return false
		}
	}
	return true
}

func evaluatePredicate(key string, expected any, state domain.PlayerState) bool {
	switch ev := expected.(type) {
	case map[string]any:
		return matchRange(ev, state, key)
	case []any:
		return matchMembership(ev, state[key])
	case []string:
		for _, want := range ev {
			if got, ok := state.String(key); ok && got == want {
				return true
			}
		}
		return false
	}

	if base, ok := strings.CutSuffix(key, "_min"); ok {
		got, present := state.Number(base)
		want, numeric := toFloat64(expected)
		return present && numeric && got >= want
	}
	if base, ok := strings.CutSuffix(key, "_max"); ok {
		got, present := state.Number(base)
		want, numeric := toFloat64(expected)
		return present && numeric && got <= want
	}

	return matchEqual(expected, state[key])
}

// matchRange handles {"min": x, "max": y, "equals": z} condition values.
// Missing state fields fail.
func matchRange(spec map[string]any, state domain.PlayerState, key string) bool {
	if eq, ok := spec["equals"]; ok {
		if !matchEqual(eq, state[key]) {
			return false
		}
	}
	if minV, ok := spec["min"]; ok {
		got, present := state.Number(key)
		want, numeric := toFloat64(minV)
		if !present || !numeric || got < want {
			return false
		}
	}
	if maxV, ok := spec["max"]; ok {
		got, present := state.Number(key)
		want, numeric := toFloat64(maxV)
		if !present || !numeric || got > want {
			return false
		}
	}
	return true
}

func matchMembership(allowed []any, got any) bool {
	for _, want := range allowed {
		if matchEqual(want, got) {
			return true
		}
	}
	return false
}

// matchEqual compares with numeric widening so a condition decoded from JSON
// (float64) still matches an int state field.
func matchEqual(want, got any) bool {
	if wf, ok := toFloat64(want); ok {
		gf, ok := toFloat64(got)
		return ok && gf == wf
	}
	if ws, ok := want.(string); ok {
		switch g := got.(type) {
		case string:
			return g == ws
		case domain.Segment:
			return string(g) == ws
		case domain.TierLevel:
			return string(g) == ws
		}
		return false
	}
	return want == got
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
