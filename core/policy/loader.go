package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Bundle is the on-disk YAML form used to seed policies at startup.
type Bundle struct {
	Policies []Policy `yaml:"policies"`
}

// LoadFile reads a policy bundle. A missing path or file yields no policies.
func LoadFile(path string) ([]Policy, error) {
	if path == "" {
		return nil, nil
	}
	// #nosec G304 -- bundle path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read policy bundle %s: %w", path, err)
	}
	policies, err := ParseBundle(data)
	if err != nil {
		return nil, fmt.Errorf("parse policy bundle %s: %w", path, err)
	}
	return policies, nil
}

// ParseBundle decodes and validates every policy in a YAML bundle.
func ParseBundle(data []byte) ([]Policy, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var raw struct {
		Policies []map[string]any `yaml:"policies"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	for i, doc := range raw.Policies {
		if err := ValidateDocument(doc); err != nil {
			return nil, fmt.Errorf("policies[%d]: %w", i, err)
		}
	}
	var bundle Bundle
	if err := yaml.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	for i := range bundle.Policies {
		p := &bundle.Policies[i]
		if _, set := raw.Policies[i]["enabled"]; !set {
			p.Enabled = true
		}
		if p.ID == "" {
			return nil, &ValidationError{Field: fmt.Sprintf("policies[%d].id", i), Message: "bundle policies require an id"}
		}
		if err := ValidatePolicy(p); err != nil {
			return nil, fmt.Errorf("policies[%d]: %w", i, err)
		}
	}
	return bundle.Policies, nil
}
