// Package approval owns approval requests: intake, policy evaluation,
// human or agent decisions and expiry.
package approval

import (
	"errors"
	"strings"
	"time"

	"github.com/cordum/agentgate/core/policy"
)

// Status is the lifecycle state of a request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusDenied, StatusExpired:
		return true
	}
	return false
}

// Urgency hints how quickly a human should look at a request.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyNormal   Urgency = "normal"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Valid reports whether u is a known urgency.
func (u Urgency) Valid() bool {
	switch u {
	case UrgencyLow, UrgencyNormal, UrgencyHigh, UrgencyCritical:
		return true
	}
	return false
}

const (
	// DecidedByPolicy marks decisions made by the policy engine.
	DecidedByPolicy = "policy"
	// DecidedByExpiry marks requests closed by the expiry sweep.
	DecidedByExpiry = "system:expiry"
)

var (
	ErrNotFound       = errors.New("approval request not found")
	ErrNotPending     = errors.New("approval request is not pending")
	ErrReasonRequired = errors.New("decision reason required")
	ErrInvalidInput   = errors.New("invalid approval input")
)

// Request is a single "may I do X" ask from an agent.
type Request struct {
	ID             string          `json:"id"`
	Action         string          `json:"action"`
	Params         map[string]any  `json:"params,omitempty"`
	Context        map[string]any  `json:"context,omitempty"`
	Status         Status          `json:"status"`
	Urgency        Urgency         `json:"urgency"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	DecidedAt      *time.Time      `json:"decidedAt,omitempty"`
	ExpiresAt      *time.Time      `json:"expiresAt,omitempty"`
	DecidedBy      string          `json:"decidedBy,omitempty"`
	DecisionReason string          `json:"decisionReason,omitempty"`
	PolicyID       string          `json:"policyId,omitempty"`
	Route          policy.Decision `json:"route,omitempty"`
	Approvers      []string        `json:"approvers,omitempty"`
	Channels       []string        `json:"channels,omitempty"`
	RequireReason  bool            `json:"requireReason,omitempty"`
}

func (r *Request) policyInput() policy.Input {
	return policy.Input{
		Action:  r.Action,
		Status:  string(r.Status),
		Urgency: string(r.Urgency),
		Params:  r.Params,
		Context: r.Context,
	}
}

// decide moves r out of pending. Callers hold the compare-and-set.
func (r *Request) decide(status Status, by, reason string, now time.Time) {
	at := now.UTC()
	r.Status = status
	r.DecidedBy = by
	r.DecisionReason = reason
	r.DecidedAt = &at
	r.UpdatedAt = at
}

// validDecider requires the source:identifier form, e.g. slack:U123.
func validDecider(by string) bool {
	source, id, ok := strings.Cut(by, ":")
	return ok && strings.TrimSpace(source) != "" && strings.TrimSpace(id) != ""
}
