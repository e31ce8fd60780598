package events

import (
	"strings"

	"github.com/systemshift/folio/internal/tree"
)

// Match reports whether an event satisfies a subscription pattern
func Match(event Event, pattern SubscriptionPattern) bool {
	if len(pattern.EventTypes) > 0 && !contains(pattern.EventTypes, event.Type) {
		return false
	}
	if len(pattern.Kinds) > 0 && !containsKind(pattern.Kinds, event.Kind) {
		return false
	}
	if len(pattern.ScopeIDs) > 0 && !contains(pattern.ScopeIDs, event.ScopeID) {
		return false
	}

	for key, expected := range pattern.MetaMatch {
		actual, exists := event.Meta[key]
		if !exists || !matchValue(expected, actual) {
			return false
		}
	}
	return true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsKind(list []tree.Kind, k tree.Kind) bool {
	for _, v := range list {
		if v == k {
			return true
		}
	}
	return false
}

// matchValue compares expected and actual values with type flexibility
func matchValue(expected, actual any) bool {
	if expected == actual {
		return true
	}

	// Strings compare case-insensitively
	expectedStr, ok1 := expected.(string)
	actualStr, ok2 := actual.(string)
	if ok1 && ok2 {
		return strings.EqualFold(expectedStr, actualStr)
	}

	// JSON decoding turns numbers into float64
	expectedNum, ok1 := toFloat64(expected)
	actualNum, ok2 := toFloat64(actual)
	if ok1 && ok2 {
		return expectedNum == actualNum
	}

	return false
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
