package policy

import (
	"encoding/json"
	"math"
	"regexp"
	"strings"
	"sync"
)

// regexCache holds compiled patterns; a nil entry records a compile failure.
var regexCache sync.Map

// Match reports whether value satisfies spec. found=false means the path did
// not resolve; an unresolved value matches nothing. Match never panics on
// mismatched types.
func Match(value any, found bool, spec Spec) bool {
	if !found {
		return false
	}
	switch spec.Op {
	case OpEq:
		return strictEqual(value, spec.Operand)
	case OpLt, OpGt, OpLte, OpGte:
		return compareNumeric(value, spec.Op, spec.Operand)
	case OpIn:
		return matchIn(value, spec.Operand)
	case OpRegex:
		return matchRegex(value, spec.Operand)
	default:
		return false
	}
}

// Lookup resolves a dot-separated path through nested maps.
func Lookup(view map[string]any, path string) (any, bool) {
	if view == nil || path == "" {
		return nil, false
	}
	var current any = view
	for _, seg := range strings.Split(path, ".") {
		switch m := current.(type) {
		case map[string]any:
			v, ok := m[seg]
			if !ok {
				return nil, false
			}
			current = v
		case map[string]string:
			v, ok := m[seg]
			if !ok {
				return nil, false
			}
			current = v
		default:
			return nil, false
		}
	}
	return current, true
}

func strictEqual(value, operand any) bool {
	if value == nil || operand == nil {
		return value == nil && operand == nil
	}
	if a, ok := toFloat(operand); ok {
		b, ok := toFloat(value)
		return ok && a == b
	}
	switch op := operand.(type) {
	case string:
		v, ok := value.(string)
		return ok && v == op
	case bool:
		v, ok := value.(bool)
		return ok && v == op
	default:
		return false
	}
}

func compareNumeric(value any, op Op, operand any) bool {
	v, ok := toFloat(value)
	if !ok {
		return false
	}
	limit, ok := toFloat(operand)
	if !ok {
		return false
	}
	switch op {
	case OpLt:
		return v < limit
	case OpGt:
		return v > limit
	case OpLte:
		return v <= limit
	case OpGte:
		return v >= limit
	}
	return false
}

func matchIn(value, operand any) bool {
	switch value.(type) {
	case string:
	default:
		if _, ok := toFloat(value); !ok {
			return false
		}
	}
	list, ok := operand.([]any)
	if !ok {
		return false
	}
	for _, item := range list {
		if strictEqual(value, item) {
			return true
		}
	}
	return false
}

func matchRegex(value, operand any) bool {
	s, ok := value.(string)
	if !ok {
		return false
	}
	pattern, ok := operand.(string)
	if !ok {
		return false
	}
	re := compileCached(pattern)
	if re == nil {
		return false
	}
	return re.MatchString(s)
}

func compileCached(pattern string) *regexp.Regexp {
	if cached, ok := regexCache.Load(pattern); ok {
		re, _ := cached.(*regexp.Regexp)
		return re
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		re = nil
	}
	regexCache.Store(pattern, re)
	return re
}

// toFloat reports whether v is a real number. Strings and bools never are.
func toFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int8:
		f = float64(n)
	case int16:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint8:
		f = float64(n)
	case uint16:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) {
		return 0, false
	}
	return f, true
}
