package webhook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cordum/agentgate/core/events"
	"github.com/cordum/agentgate/core/infra/logging"
	"github.com/cordum/agentgate/core/infra/metrics"
	"github.com/cordum/agentgate/core/infra/secrets"
)

// Dispatcher registers webhooks, fans events out to them and makes the
// first delivery attempt inline. Later attempts belong to the Scanner.
type Dispatcher struct {
	store     *RedisStore
	sender    *Sender
	validator URLValidator
	policy    RetryPolicy
	metrics   metrics.Metrics
	now       func() time.Time
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithRetryPolicy overrides attempt ceiling and backoff.
func WithRetryPolicy(p RetryPolicy) DispatcherOption {
	return func(d *Dispatcher) { d.policy = p.normalized() }
}

// WithMetrics records attempt outcomes.
func WithMetrics(m metrics.Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		if m != nil {
			d.metrics = m
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// NewDispatcher wires a store, a sender and the validator used when
// registering webhooks.
func NewDispatcher(store *RedisStore, sender *Sender, validator URLValidator, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:     store,
		sender:    sender,
		validator: validator,
		policy:    DefaultRetryPolicy(),
		metrics:   metrics.Noop{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Policy returns the active retry policy.
func (d *Dispatcher) Policy() RetryPolicy { return d.policy }

// WebhookInput carries the mutable webhook fields.
type WebhookInput struct {
	URL         string   `json:"url"`
	Secret      string   `json:"secret,omitempty"`
	Events      []string `json:"events"`
	Enabled     *bool    `json:"enabled,omitempty"`
	Description string   `json:"description,omitempty"`
}

func (d *Dispatcher) checkInput(ctx context.Context, url string, evs []string) error {
	if err := d.checkURL(ctx, url); err != nil {
		return err
	}
	return checkEvents(evs)
}

func (d *Dispatcher) checkURL(ctx context.Context, url string) error {
	if res := d.validator.Validate(ctx, url); !res.Valid {
		return fmt.Errorf("%w: %s", ErrInvalidURL, res.Reason)
	}
	return nil
}

func checkEvents(evs []string) error {
	if len(evs) == 0 {
		return fmt.Errorf("%w: at least one event required", ErrInvalidEvents)
	}
	for _, e := range evs {
		if !events.IsKnown(e) {
			return fmt.Errorf("%w: unknown event %q", ErrInvalidEvents, e)
		}
	}
	return nil
}

// CreateWebhook validates the target URL and events, generating a secret
// when none is supplied.
func (d *Dispatcher) CreateWebhook(ctx context.Context, in WebhookInput) (*Webhook, error) {
	in.URL = strings.TrimSpace(in.URL)
	if err := d.checkInput(ctx, in.URL, in.Events); err != nil {
		return nil, err
	}
	secret := in.Secret
	if secret == "" {
		generated, err := secrets.Generate(32)
		if err != nil {
			return nil, fmt.Errorf("generate secret: %w", err)
		}
		secret = "whsec_" + generated
	}
	now := d.now().UTC()
	hook := &Webhook{
		ID:          uuid.NewString(),
		URL:         in.URL,
		Secret:      secret,
		Events:      in.Events,
		Enabled:     in.Enabled == nil || *in.Enabled,
		Description: in.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := d.store.PutWebhook(ctx, hook); err != nil {
		return nil, err
	}
	return hook, nil
}

// UpdateWebhook applies non-empty fields of in to an existing webhook. The
// URL is only revalidated when it changes.
func (d *Dispatcher) UpdateWebhook(ctx context.Context, id string, in WebhookInput) (*Webhook, error) {
	hook, err := d.store.GetWebhook(ctx, id)
	if err != nil {
		return nil, err
	}
	if u := strings.TrimSpace(in.URL); u != "" && u != hook.URL {
		if err := d.checkURL(ctx, u); err != nil {
			return nil, err
		}
		hook.URL = u
	}
	if len(in.Events) > 0 {
		if err := checkEvents(in.Events); err != nil {
			return nil, err
		}
		hook.Events = in.Events
	}
	if in.Secret != "" {
		hook.Secret = in.Secret
	}
	if in.Enabled != nil {
		hook.Enabled = *in.Enabled
	}
	if in.Description != "" {
		hook.Description = in.Description
	}
	hook.UpdatedAt = d.now().UTC()
	if err := d.store.PutWebhook(ctx, hook); err != nil {
		return nil, err
	}
	return hook, nil
}

// Notify creates one delivery per subscribed, enabled webhook and makes the
// first attempt before persisting it. Once ctx is done the remaining
// deliveries are persisted as due and left to the Scanner.
func (d *Dispatcher) Notify(ctx context.Context, ev events.Event) error {
	storeCtx := context.WithoutCancel(ctx)
	hooks, err := d.store.ListWebhooks(storeCtx)
	if err != nil {
		return fmt.Errorf("list webhooks: %w", err)
	}
	var body []byte
	var errs []error
	for i := range hooks {
		hook := &hooks[i]
		if !hook.Enabled || !hook.Subscribed(ev.Name) {
			continue
		}
		if body == nil {
			if body, err = BuildPayload(ev); err != nil {
				return fmt.Errorf("build payload: %w", err)
			}
		}
		del := &Delivery{
			ID:        uuid.NewString(),
			WebhookID: hook.ID,
			Event:     ev.Name,
			EventID:   ev.ID,
			Payload:   body,
			Status:    StatusPending,
			CreatedAt: d.now().UTC(),
		}
		if ctx.Err() != nil {
			next := d.policy.NextDue(del)
			del.NextAttemptAt = &next
			logging.Info("webhook", "inline dispatch budget spent, deferring delivery",
				"delivery_id", del.ID, "webhook_id", hook.ID, "event", del.Event)
		} else {
			d.attempt(ctx, hook, del)
		}
		if err := d.store.CreateDelivery(storeCtx, del); err != nil {
			errs = append(errs, fmt.Errorf("store delivery for webhook %s: %w", hook.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Redeliver copies an existing delivery into a fresh one with the same
// payload and event id and attempts it immediately. The original is left
// untouched.
func (d *Dispatcher) Redeliver(ctx context.Context, deliveryID string) (*Delivery, error) {
	orig, err := d.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	del := &Delivery{
		ID:        uuid.NewString(),
		WebhookID: orig.WebhookID,
		Event:     orig.Event,
		EventID:   orig.EventID,
		Payload:   orig.Payload,
		Status:    StatusPending,
		CreatedAt: d.now().UTC(),
	}
	hook, err := d.resolve(ctx, del)
	if err != nil {
		return nil, err
	}
	if hook != nil {
		d.attempt(ctx, hook, del)
	}
	if err := d.store.CreateDelivery(ctx, del); err != nil {
		return nil, err
	}
	return del, nil
}

// resolve loads the delivery's webhook, failing del with the matching
// marker when it is gone or disabled. A nil hook with nil error means del
// was closed out.
func (d *Dispatcher) resolve(ctx context.Context, del *Delivery) (*Webhook, error) {
	hook, err := d.store.GetWebhook(ctx, del.WebhookID)
	switch {
	case errors.Is(err, ErrNotFound):
		failWithout(del, MarkerNotFound)
		d.metrics.IncDeliveryAttempt(del.Event, "not_found")
		return nil, nil
	case err != nil:
		return nil, err
	case !hook.Enabled:
		failWithout(del, MarkerDisabled)
		d.metrics.IncDeliveryAttempt(del.Event, "disabled")
		return nil, nil
	}
	return hook, nil
}

func (d *Dispatcher) attempt(ctx context.Context, hook *Webhook, del *Delivery) {
	now := d.now()
	out := d.sender.Send(ctx, hook, del, now)
	d.policy.applyAttempt(del, out, now)
	result := "success"
	if !out.ok {
		result = "failure"
		logging.Warn("webhook", "delivery attempt failed",
			"delivery_id", del.ID, "webhook_id", hook.ID, "event", del.Event,
			"attempt", del.Attempts, "status", del.Status, "code", out.code)
	}
	d.metrics.IncDeliveryAttempt(del.Event, result)
}
