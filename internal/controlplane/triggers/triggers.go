// Package triggers evaluates declarative predicates over normalized
// alert payloads. The evaluator is deterministic and side-effect-free;
// an absent field makes every operator except the existence checks
// evaluate false.
package triggers

import (
	"strings"

	"github.com/marlinsec/playbookd/internal/shared/jsonpath"
)

// Match modes.
const (
	MatchAll = "ALL"
	MatchAny = "ANY"
)

// Operators (closed set).
const (
	OpEquals           = "equals"
	OpNotEquals        = "not_equals"
	OpGT               = "gt"
	OpGTE              = "gte"
	OpLT               = "lt"
	OpLTE              = "lte"
	OpContains         = "contains"
	OpNotContains      = "not_contains"
	OpStartsWith       = "starts_with"
	OpEndsWith         = "ends_with"
	OpIn               = "in"
	OpNotIn            = "not_in"
	OpArrayContains    = "array_contains"
	OpArrayContainsAny = "array_contains_any"
	OpExists           = "exists"
	OpNotExists        = "not_exists"
)

// KnownOperator reports whether op is part of the closed operator set.
func KnownOperator(op string) bool {
	switch op {
	case OpEquals, OpNotEquals, OpGT, OpGTE, OpLT, OpLTE,
		OpContains, OpNotContains, OpStartsWith, OpEndsWith,
		OpIn, OpNotIn, OpArrayContains, OpArrayContainsAny,
		OpExists, OpNotExists:
		return true
	}
	return false
}

// Trigger is the predicate list bound to a webhook.
type Trigger struct {
	Conditions []Condition `json:"conditions"`
	Match      string      `json:"match"`
	Enabled    bool        `json:"enabled"`
}

// Condition is one field/operator/value predicate.
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value,omitempty"`
}

// Result reports the evaluation outcome with per-condition detail.
type Result struct {
	Matched    bool              `json:"matched"`
	Mode       string            `json:"mode"`
	Conditions []ConditionResult `json:"conditions,omitempty"`
}

// ConditionResult is the outcome of one condition.
type ConditionResult struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Matched  bool   `json:"matched"`
	Found    bool   `json:"found"`
}

// Evaluate runs the trigger against an alert. ALL short-circuits on the
// first false condition, ANY on the first true one; conditions are
// evaluated in declared order. A trigger with no conditions matches.
func Evaluate(trigger Trigger, alert map[string]any) Result {
	mode := strings.ToUpper(strings.TrimSpace(trigger.Match))
	if mode != MatchAny {
		mode = MatchAll
	}
	result := Result{Mode: mode}

	if len(trigger.Conditions) == 0 {
		result.Matched = true
		return result
	}

	for _, cond := range trigger.Conditions {
		res := jsonpath.Resolve(alert, cond.Field)
		matched := EvaluateCondition(cond, res)
		result.Conditions = append(result.Conditions, ConditionResult{
			Field:    cond.Field,
			Operator: cond.Operator,
			Matched:  matched,
			Found:    res.Found,
		})

		if mode == MatchAll && !matched {
			result.Matched = false
			return result
		}
		if mode == MatchAny && matched {
			result.Matched = true
			return result
		}
	}

	result.Matched = mode == MatchAll
	return result
}

// EvaluateCondition applies one operator to a resolved field. Typing is
// strict: order operators need numbers on both sides, string operators
// need strings, and equality allows a single string-number concession
// via stringification.
func EvaluateCondition(cond Condition, res jsonpath.Resolution) bool {
	switch cond.Operator {
	case OpExists:
		return res.Found
	case OpNotExists:
		return !res.Found
	}

	if !res.Found {
		return false
	}

	switch cond.Operator {
	case OpEquals:
		return looseEquals(res.Value, cond.Value)
	case OpNotEquals:
		return !looseEquals(res.Value, cond.Value)

	case OpGT, OpGTE, OpLT, OpLTE:
		left, leftOK := asNumber(res.Value)
		right, rightOK := asNumber(cond.Value)
		if !leftOK || !rightOK {
			return false
		}
		switch cond.Operator {
		case OpGT:
			return left > right
		case OpGTE:
			return left >= right
		case OpLT:
			return left < right
		default:
			return left <= right
		}

	case OpContains, OpNotContains, OpStartsWith, OpEndsWith:
		left, leftOK := res.Value.(string)
		right, rightOK := cond.Value.(string)
		if !leftOK || !rightOK {
			return false
		}
		left = strings.ToLower(left)
		right = strings.ToLower(right)
		switch cond.Operator {
		case OpContains:
			return strings.Contains(left, right)
		case OpNotContains:
			return !strings.Contains(left, right)
		case OpStartsWith:
			return strings.HasPrefix(left, right)
		default:
			return strings.HasSuffix(left, right)
		}

	case OpIn, OpNotIn:
		set, ok := cond.Value.([]any)
		if !ok {
			return false
		}
		found := false
		for _, item := range set {
			if strictEquals(res.Value, item) {
				found = true
				break
			}
		}
		if cond.Operator == OpIn {
			return found
		}
		return !found

	case OpArrayContains:
		arr, ok := res.Value.([]any)
		if !ok {
			return false
		}
		for _, item := range arr {
			if strictEquals(item, cond.Value) {
				return true
			}
		}
		return false

	case OpArrayContainsAny:
		arr, arrOK := res.Value.([]any)
		wanted, wantedOK := cond.Value.([]any)
		if !arrOK || !wantedOK {
			return false
		}
		for _, item := range arr {
			for _, want := range wanted {
				if strictEquals(item, want) {
					return true
				}
			}
		}
		return false

	default:
		// Unknown operator never matches.
		return false
	}
}

// strictEquals compares same-typed scalars only.
func strictEquals(a, b any) bool {
	switch left := a.(type) {
	case string:
		right, ok := b.(string)
		return ok && left == right
	case bool:
		right, ok := b.(bool)
		return ok && left == right
	case nil:
		return b == nil
	default:
		leftNum, leftOK := asNumber(a)
		rightNum, rightOK := asNumber(b)
		return leftOK && rightOK && leftNum == rightNum
	}
}

// looseEquals is strictEquals plus the single concession: a string and
// a number compare equal when their stringifications match.
func looseEquals(a, b any) bool {
	if strictEquals(a, b) {
		return true
	}
	aStr, aIsStr := a.(string)
	bStr, bIsStr := b.(string)
	_, aIsNum := asNumber(a)
	_, bIsNum := asNumber(b)
	switch {
	case aIsStr && bIsNum:
		return aStr == jsonpath.Stringify(b)
	case bIsStr && aIsNum:
		return bStr == jsonpath.Stringify(a)
	default:
		return false
	}
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
