package policy

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Op identifies the kind of matcher spec.
type Op string

const (
	OpEq    Op = "eq"
	OpLt    Op = "$lt"
	OpGt    Op = "$gt"
	OpLte   Op = "$lte"
	OpGte   Op = "$gte"
	OpIn    Op = "$in"
	OpRegex Op = "$regex"

	// opInvalid marks a spec that decoded but is structurally wrong. It
	// never matches and is reported by ValidatePolicy.
	opInvalid Op = "invalid"
)

var operators = map[string]Op{
	string(OpLt):    OpLt,
	string(OpGt):    OpGt,
	string(OpLte):   OpLte,
	string(OpGte):   OpGte,
	string(OpIn):    OpIn,
	string(OpRegex): OpRegex,
}

// Spec is a single predicate: a scalar for strict equality or an operator
// with its operand.
type Spec struct {
	Op      Op
	Operand any

	problem string
}

// Eq builds an equality spec.
func Eq(v any) Spec { return Spec{Op: OpEq, Operand: normalizeScalar(v)} }

// Lt builds a numeric less-than spec.
func Lt(n float64) Spec { return Spec{Op: OpLt, Operand: n} }

// Gt builds a numeric greater-than spec.
func Gt(n float64) Spec { return Spec{Op: OpGt, Operand: n} }

// Lte builds a numeric less-or-equal spec.
func Lte(n float64) Spec { return Spec{Op: OpLte, Operand: n} }

// Gte builds a numeric greater-or-equal spec.
func Gte(n float64) Spec { return Spec{Op: OpGte, Operand: n} }

// In builds a membership spec.
func In(values ...any) Spec {
	list := make([]any, 0, len(values))
	for _, v := range values {
		list = append(list, normalizeScalar(v))
	}
	return Spec{Op: OpIn, Operand: list}
}

// Regex builds a pattern spec. Safety is checked by ValidatePolicy, not here.
func Regex(pattern string) Spec { return Spec{Op: OpRegex, Operand: pattern} }

// Problem returns the structural defect recorded while decoding, if any.
func (s Spec) Problem() string { return s.problem }

// SpecFromValue converts a decoded JSON/YAML value into a Spec.
func SpecFromValue(raw any) Spec {
	switch v := raw.(type) {
	case map[string]any:
		return specFromObject(v)
	case map[any]any:
		conv := make(map[string]any, len(v))
		for k, val := range v {
			conv[fmt.Sprint(k)] = val
		}
		return specFromObject(conv)
	case []any:
		return Spec{Op: opInvalid, Operand: v, problem: "list is not a valid matcher; use $in"}
	default:
		return Spec{Op: OpEq, Operand: normalizeScalar(v)}
	}
}

func specFromObject(obj map[string]any) Spec {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) != 1 {
		return Spec{Op: opInvalid, Operand: obj, problem: fmt.Sprintf("operator object must have exactly one operator, got %d keys", len(keys))}
	}
	op, ok := operators[keys[0]]
	if !ok {
		if strings.HasPrefix(keys[0], "$") {
			return Spec{Op: opInvalid, Operand: obj, problem: fmt.Sprintf("unknown operator %q", keys[0])}
		}
		return Spec{Op: opInvalid, Operand: obj, problem: "object is not a valid matcher; use an operator"}
	}
	operand := obj[keys[0]]
	switch op {
	case OpLt, OpGt, OpLte, OpGte:
		n, ok := toFloat(operand)
		if !ok {
			return Spec{Op: opInvalid, Operand: obj, problem: fmt.Sprintf("%s requires a numeric operand", op)}
		}
		return Spec{Op: op, Operand: n}
	case OpIn:
		list, ok := operand.([]any)
		if !ok {
			return Spec{Op: opInvalid, Operand: obj, problem: "$in requires a list operand"}
		}
		out := make([]any, 0, len(list))
		for _, item := range list {
			out = append(out, normalizeScalar(item))
		}
		return Spec{Op: OpIn, Operand: out}
	case OpRegex:
		pattern, ok := operand.(string)
		if !ok {
			return Spec{Op: opInvalid, Operand: obj, problem: "$regex requires a string operand"}
		}
		return Spec{Op: OpRegex, Operand: pattern}
	}
	return Spec{Op: opInvalid, Operand: obj, problem: "unsupported operator"}
}

// normalizeScalar folds every numeric type to float64 so stored specs and
// decoded request values compare on the same footing.
func normalizeScalar(v any) any {
	if n, ok := toFloat(v); ok {
		return n
	}
	return v
}

// MarshalJSON writes scalars bare and operators as single-key objects.
func (s Spec) MarshalJSON() ([]byte, error) {
	switch s.Op {
	case OpEq, opInvalid, "":
		return json.Marshal(s.Operand)
	default:
		return json.Marshal(map[string]any{string(s.Op): s.Operand})
	}
}

// UnmarshalJSON accepts any JSON value; structural problems surface through
// ValidatePolicy so the caller can report the offending rule.
func (s *Spec) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = SpecFromValue(raw)
	return nil
}

// MarshalYAML mirrors MarshalJSON for policy bundles.
func (s Spec) MarshalYAML() (any, error) {
	switch s.Op {
	case OpEq, opInvalid, "":
		return s.Operand, nil
	default:
		return map[string]any{string(s.Op): s.Operand}, nil
	}
}

// UnmarshalYAML decodes a spec from a policy bundle node.
func (s *Spec) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*s = SpecFromValue(raw)
	return nil
}
