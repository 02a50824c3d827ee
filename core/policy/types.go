// Package policy evaluates approval requests against ordered, rule-based
// policies and validates policies before they are stored.
package policy

import "time"

// Decision is the outcome of evaluating a request against the policy set.
type Decision string

const (
	AutoApprove  Decision = "auto_approve"
	AutoDeny     Decision = "auto_deny"
	RouteToHuman Decision = "route_to_human"
	RouteToAgent Decision = "route_to_agent"
)

// Valid reports whether d is one of the known decisions.
func (d Decision) Valid() bool {
	switch d {
	case AutoApprove, AutoDeny, RouteToHuman, RouteToAgent:
		return true
	default:
		return false
	}
}

// Terminal reports whether the decision resolves the request without a reviewer.
func (d Decision) Terminal() bool {
	return d == AutoApprove || d == AutoDeny
}

// Policy is an ordered list of rules evaluated as a unit. Lower priority
// values are evaluated first.
type Policy struct {
	ID          string    `json:"id" yaml:"id"`
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Rules       []Rule    `json:"rules" yaml:"rules"`
	Priority    int       `json:"priority" yaml:"priority"`
	Enabled     bool      `json:"enabled" yaml:"enabled"`
	CreatedAt   time.Time `json:"createdAt,omitempty" yaml:"-"`
	UpdatedAt   time.Time `json:"updatedAt,omitempty" yaml:"-"`
}

// Rule matches when every (path, spec) pair in Match matches the request view.
type Rule struct {
	Match         map[string]Spec `json:"match" yaml:"match"`
	Decision      Decision        `json:"decision" yaml:"decision"`
	Approvers     []string        `json:"approvers,omitempty" yaml:"approvers,omitempty"`
	Channels      []string        `json:"channels,omitempty" yaml:"channels,omitempty"`
	RequireReason bool            `json:"requireReason,omitempty" yaml:"requireReason,omitempty"`
}

// Input is the subset of an approval request visible to policy rules.
type Input struct {
	Action  string
	Status  string
	Urgency string
	Params  map[string]any
	Context map[string]any
}

// Result carries the decision and the rule that produced it.
type Result struct {
	Decision      Decision `json:"decision"`
	Matched       bool     `json:"matched"`
	PolicyID      string   `json:"policyId,omitempty"`
	PolicyName    string   `json:"policyName,omitempty"`
	RuleIndex     int      `json:"ruleIndex"`
	Approvers     []string `json:"approvers,omitempty"`
	Channels      []string `json:"channels,omitempty"`
	RequireReason bool     `json:"requireReason,omitempty"`
}
