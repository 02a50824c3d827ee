// Package webhook delivers lifecycle events to subscriber URLs with
// persisted retry state, exponential backoff and SSRF-checked targets.
package webhook

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/cordum/agentgate/core/events"
)

// Status is the lifecycle state of a delivery.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Terminal reports whether no further attempts will be made.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Response body markers for deliveries failed without an HTTP attempt.
const (
	MarkerNotFound = "Webhook not found"
	MarkerDisabled = "Webhook disabled"
)

// Outbound request headers.
const (
	HeaderSignature = "X-AgentGate-Signature"
	HeaderEvent     = "X-AgentGate-Event"
	HeaderEventID   = "X-AgentGate-EventId"
	HeaderTimestamp = "X-AgentGate-Timestamp"

	payloadSource   = "agentgate"
	maxResponseBody = 1024
)

var (
	ErrNotFound         = errors.New("webhook not found")
	ErrDeliveryNotFound = errors.New("delivery not found")
	ErrInvalidURL       = errors.New("invalid webhook url")
	ErrInvalidEvents    = errors.New("invalid webhook events")
	// ErrConflict means a delivery changed between read and write.
	ErrConflict = errors.New("delivery changed concurrently")
)

// Webhook is a subscriber endpoint.
type Webhook struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Secret      string    `json:"secret,omitempty"`
	Events      []string  `json:"events"`
	Enabled     bool      `json:"enabled"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Subscribed reports whether the webhook wants events named name.
func (w *Webhook) Subscribed(name string) bool {
	for _, e := range w.Events {
		if e == events.Wildcard || e == name {
			return true
		}
	}
	return false
}

// Delivery is one event sent to one webhook, with its retry state.
// Payload holds the exact bytes that are signed and sent on every attempt.
type Delivery struct {
	ID            string     `json:"id"`
	WebhookID     string     `json:"webhookId"`
	Event         string     `json:"event"`
	EventID       string     `json:"eventId"`
	Payload       []byte     `json:"payload"`
	Status        Status     `json:"status"`
	Attempts      int        `json:"attempts"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`
	ResponseCode  int        `json:"responseCode,omitempty"`
	ResponseBody  string     `json:"responseBody,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	NextAttemptAt *time.Time `json:"nextAttemptAt,omitempty"`
}

type payload struct {
	Event     string `json:"event"`
	Timestamp string `json:"timestamp"`
	EventID   string `json:"eventId"`
	Source    string `json:"source"`
	Data      any    `json:"data"`
}

// BuildPayload serialises ev once; the result is persisted and never
// re-encoded.
func BuildPayload(ev events.Event) ([]byte, error) {
	return json.Marshal(payload{
		Event:     ev.Name,
		Timestamp: ev.Timestamp.UTC().Format(time.RFC3339Nano),
		EventID:   ev.ID,
		Source:    payloadSource,
		Data:      ev.Data,
	})
}

// RetryPolicy controls backoff and the attempt ceiling.
type RetryPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
}

// DefaultRetryPolicy is three attempts with a one second base.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BackoffBase: time.Second}
}

func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = def.BackoffBase
	}
	return p
}

// Delay is base * 2^attempts.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 30 {
		attempts = 30
	}
	return p.BackoffBase * time.Duration(int64(1)<<attempts)
}

// NextDue returns when a pending delivery should next be attempted.
// Deliveries already at the ceiling are due immediately so the scanner can
// close them out.
func (p RetryPolicy) NextDue(d *Delivery) time.Time {
	last := d.CreatedAt
	if d.LastAttemptAt != nil {
		last = *d.LastAttemptAt
	}
	if d.Attempts >= p.MaxAttempts {
		return last
	}
	return last.Add(p.Delay(d.Attempts))
}

type attemptOutcome struct {
	ok   bool
	code int
	body string
}

// applyAttempt records one attempt on d.
func (p RetryPolicy) applyAttempt(d *Delivery, out attemptOutcome, now time.Time) {
	at := now.UTC()
	d.Attempts++
	d.LastAttemptAt = &at
	d.ResponseCode = out.code
	d.ResponseBody = truncate(out.body, maxResponseBody)
	switch {
	case out.ok:
		d.Status = StatusSuccess
		d.NextAttemptAt = nil
	case d.Attempts >= p.MaxAttempts:
		d.Status = StatusFailed
		d.NextAttemptAt = nil
	default:
		d.Status = StatusPending
		next := p.NextDue(d)
		d.NextAttemptAt = &next
	}
}

// failWithout closes d without an HTTP attempt.
func failWithout(d *Delivery, marker string) {
	d.Status = StatusFailed
	d.NextAttemptAt = nil
	if marker != "" {
		d.ResponseCode = 0
		d.ResponseBody = marker
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
