package policy

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/cordum/agentgate/core/infra/schema"
)

//go:embed schema/policy.schema.json
var schemaFS embed.FS

const policySchemaFile = "schema/policy.schema.json"

// ValidationError describes a policy rejected at write time.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsValidationError reports whether err carries a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ValidateDocument checks a raw JSON or decoded policy document against the
// embedded policy schema.
func ValidateDocument(doc any) error {
	data, err := schemaFS.ReadFile(policySchemaFile)
	if err != nil {
		return fmt.Errorf("load policy schema: %w", err)
	}
	if err := schema.ValidateSchema("agentgate-policy", data, doc); err != nil {
		return &ValidationError{Message: err.Error(), Err: err}
	}
	return nil
}

// ValidatePolicy checks structure, decisions, matcher specs and regex safety.
func ValidatePolicy(p *Policy) error {
	if p == nil {
		return &ValidationError{Message: "policy required"}
	}
	if strings.TrimSpace(p.Name) == "" {
		return &ValidationError{Field: "name", Message: "required"}
	}
	if len(p.Rules) == 0 {
		return &ValidationError{Field: "rules", Message: "at least one rule required"}
	}
	for i, rule := range p.Rules {
		field := fmt.Sprintf("rules[%d]", i)
		if !rule.Decision.Valid() {
			return &ValidationError{Field: field + ".decision", Message: fmt.Sprintf("unknown decision %q", rule.Decision)}
		}
		for path, spec := range rule.Match {
			specField := fmt.Sprintf("%s.match[%q]", field, path)
			if err := validatePath(path); err != nil {
				return &ValidationError{Field: specField, Message: err.Error()}
			}
			if err := validateSpec(spec); err != nil {
				return &ValidationError{Field: specField, Message: err.Error(), Err: err}
			}
		}
		for j, a := range rule.Approvers {
			if strings.TrimSpace(a) == "" {
				return &ValidationError{Field: fmt.Sprintf("%s.approvers[%d]", field, j), Message: "empty approver"}
			}
		}
		for j, c := range rule.Channels {
			if strings.TrimSpace(c) == "" {
				return &ValidationError{Field: fmt.Sprintf("%s.channels[%d]", field, j), Message: "empty channel"}
			}
		}
	}
	return nil
}

func validatePath(path string) error {
	if path == "" {
		return errors.New("empty path")
	}
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return errors.New("empty path segment")
		}
	}
	return nil
}

func validateSpec(spec Spec) error {
	switch spec.Op {
	case opInvalid:
		return errors.New(spec.problem)
	case OpEq:
		switch spec.Operand.(type) {
		case nil, string, bool:
			return nil
		}
		if _, ok := toFloat(spec.Operand); ok {
			return nil
		}
		return fmt.Errorf("unsupported scalar %T", spec.Operand)
	case OpLt, OpGt, OpLte, OpGte:
		if _, ok := toFloat(spec.Operand); !ok {
			return fmt.Errorf("%s requires a numeric operand", spec.Op)
		}
	case OpIn:
		list, ok := spec.Operand.([]any)
		if !ok {
			return errors.New("$in requires a list operand")
		}
		for _, item := range list {
			if _, ok := item.(string); ok {
				continue
			}
			if _, ok := toFloat(item); !ok {
				return fmt.Errorf("$in members must be strings or numbers, got %T", item)
			}
		}
	case OpRegex:
		pattern, ok := spec.Operand.(string)
		if !ok {
			return errors.New("$regex requires a string operand")
		}
		return CheckRegexSafety(pattern)
	default:
		return fmt.Errorf("unknown operator %q", spec.Op)
	}
	return nil
}
