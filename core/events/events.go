// Package events defines the approval lifecycle envelope and fans it out to
// notification sinks.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cordum/agentgate/core/infra/logging"
)

// Lifecycle event names.
const (
	RequestCreated  = "request.created"
	RequestApproved = "request.approved"
	RequestDenied   = "request.denied"
	RequestExpired  = "request.expired"

	// Wildcard subscribes a webhook to every event.
	Wildcard = "*"
)

// Known lists the names a webhook may subscribe to.
var Known = []string{RequestCreated, RequestApproved, RequestDenied, RequestExpired}

// IsKnown reports whether name is a lifecycle event or the wildcard.
func IsKnown(name string) bool {
	if name == Wildcard {
		return true
	}
	for _, k := range Known {
		if k == name {
			return true
		}
	}
	return false
}

// Event is a single notification. ID is stable across every delivery of
// the same event so receivers can de-duplicate.
type Event struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// New stamps a fresh event.
func New(name string, data any, now time.Time) Event {
	return Event{ID: uuid.NewString(), Name: name, Timestamp: now.UTC(), Data: data}
}

// Notifier receives events.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev Event) error

func (f NotifierFunc) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }

type sink struct {
	name string
	n    Notifier
}

// Fanout calls every registered sink in registration order. Sink failures
// are logged and never reach the caller.
type Fanout struct {
	mu    sync.RWMutex
	sinks []sink
}

// NewFanout returns an empty fan-out notifier.
func NewFanout() *Fanout {
	return &Fanout{}
}

// Add registers a sink under a name used in logs. Nil notifiers are ignored.
func (f *Fanout) Add(name string, n Notifier) {
	if n == nil {
		return
	}
	f.mu.Lock()
	f.sinks = append(f.sinks, sink{name: name, n: n})
	f.mu.Unlock()
}

// Notify delivers ev to every sink and always returns nil.
func (f *Fanout) Notify(ctx context.Context, ev Event) error {
	if f == nil {
		return nil
	}
	f.mu.RLock()
	sinks := append([]sink(nil), f.sinks...)
	f.mu.RUnlock()
	for _, s := range sinks {
		if err := s.n.Notify(ctx, ev); err != nil {
			logging.Error("events", "sink notify failed", "sink", s.name, "event", ev.Name, "event_id", ev.ID, "error", err)
		}
	}
	return nil
}
