package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/cordum/agentgate/core/events"
	"github.com/cordum/agentgate/core/infra/locks"
	"github.com/cordum/agentgate/core/urlguard"
)

func approvedEvent(now time.Time) events.Event {
	return events.New(events.RequestApproved, map[string]any{"id": "req-1", "action": "file.read"}, now)
}

func TestNotifyDeliversSignedPayload(t *testing.T) {
	f := newFixture(t, loopbackValidator{})
	rec, srv := newRecorderServer(t, http.StatusOK, "ok")
	ctx := context.Background()

	hook, err := f.dispatcher.CreateWebhook(ctx, WebhookInput{URL: srv.URL, Secret: "s3cret", Events: []string{events.RequestApproved}})
	if err != nil {
		t.Fatalf("create webhook: %v", err)
	}
	other, err := f.dispatcher.CreateWebhook(ctx, WebhookInput{URL: srv.URL, Events: []string{events.RequestCreated}})
	if err != nil {
		t.Fatalf("create webhook: %v", err)
	}
	if !strings.HasPrefix(other.Secret, "whsec_") {
		t.Fatalf("expected generated secret, got %q", other.Secret)
	}

	ev := approvedEvent(f.t0)
	if err := f.dispatcher.Notify(ctx, ev); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if rec.Hits() != 1 {
		t.Fatalf("expected one request, got %d", rec.Hits())
	}

	del := f.onlyDelivery(t, hook.ID)
	if del.Status != StatusSuccess || del.Attempts != 1 || del.ResponseCode != 200 || del.ResponseBody != "ok" {
		t.Fatalf("unexpected delivery %+v", del)
	}
	if string(rec.body) != string(del.Payload) {
		t.Fatalf("sent body differs from persisted payload")
	}
	if !Verify("s3cret", rec.body, rec.headers.Get(HeaderSignature)) {
		t.Fatalf("signature did not verify")
	}
	if rec.headers.Get(HeaderEvent) != events.RequestApproved || rec.headers.Get(HeaderEventID) != ev.ID {
		t.Fatalf("unexpected event headers %v", rec.headers)
	}
	if rec.headers.Get(HeaderTimestamp) == "" || rec.headers.Get("Content-Type") != "application/json" {
		t.Fatalf("missing headers %v", rec.headers)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.body, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["source"] != "agentgate" || body["eventId"] != ev.ID || body["event"] != events.RequestApproved {
		t.Fatalf("unexpected payload %v", body)
	}
	if list, _ := f.store.ListDeliveries(ctx, other.ID, 10); len(list) != 0 {
		t.Fatalf("unsubscribed webhook must not receive deliveries")
	}
}

func TestRetryLifecycleReachesFailed(t *testing.T) {
	f := newFixture(t, loopbackValidator{})
	rec, srv := newRecorderServer(t, http.StatusInternalServerError, "down")
	ctx := context.Background()

	hook, err := f.dispatcher.CreateWebhook(ctx, WebhookInput{URL: srv.URL, Events: []string{"*"}})
	if err != nil {
		t.Fatalf("create webhook: %v", err)
	}
	if err := f.dispatcher.Notify(ctx, approvedEvent(f.t0)); err != nil {
		t.Fatalf("notify: %v", err)
	}
	del := f.onlyDelivery(t, hook.ID)
	if del.Status != StatusPending || del.Attempts != 1 || del.ResponseCode != 500 {
		t.Fatalf("expected pending after first failure, got %+v", del)
	}
	if del.NextAttemptAt == nil || !del.NextAttemptAt.Equal(f.t0.Add(2*time.Second)) {
		t.Fatalf("expected next attempt at t0+2s, got %v", del.NextAttemptAt)
	}

	// not yet due
	f.clock.Set(f.t0.Add(time.Second))
	if n, err := f.scanner.RunOnce(ctx, f.clock.Now()); err != nil || n != 0 {
		t.Fatalf("expected nothing due, got %d %v", n, err)
	}
	if rec.Hits() != 1 {
		t.Fatalf("delivery not yet due must be untouched")
	}

	// below max: failure keeps it pending with attempts+1
	f.clock.Set(f.t0.Add(2 * time.Second))
	if n, err := f.scanner.RunOnce(ctx, f.clock.Now()); err != nil || n != 1 {
		t.Fatalf("expected one retry, got %d %v", n, err)
	}
	del = f.onlyDelivery(t, hook.ID)
	if del.Status != StatusPending || del.Attempts != 2 {
		t.Fatalf("expected pending with 2 attempts, got %+v", del)
	}
	if !del.NextAttemptAt.Equal(f.t0.Add(6 * time.Second)) {
		t.Fatalf("expected backoff of 4s, got %v", del.NextAttemptAt)
	}

	// max-1 attempts: failure moves to failed with attempts == max
	f.clock.Set(f.t0.Add(6 * time.Second))
	if _, err := f.scanner.RunOnce(ctx, f.clock.Now()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	del = f.onlyDelivery(t, hook.ID)
	if del.Status != StatusFailed || del.Attempts != 3 || del.NextAttemptAt != nil {
		t.Fatalf("expected failed with 3 attempts, got %+v", del)
	}
	if rec.Hits() != 3 {
		t.Fatalf("expected 3 requests, got %d", rec.Hits())
	}

	f.clock.Set(f.t0.Add(time.Hour))
	if n, _ := f.scanner.RunOnce(ctx, f.clock.Now()); n != 0 || rec.Hits() != 3 {
		t.Fatalf("terminal delivery must not be retried")
	}
}

func TestScannerFailsAtMaxWithoutRequest(t *testing.T) {
	f := newFixture(t, loopbackValidator{})
	rec, srv := newRecorderServer(t, http.StatusOK, "ok")
	ctx := context.Background()

	hook, err := f.dispatcher.CreateWebhook(ctx, WebhookInput{URL: srv.URL, Events: []string{"*"}})
	if err != nil {
		t.Fatalf("create webhook: %v", err)
	}
	last := f.t0.Add(-time.Minute)
	due := last
	del := &Delivery{
		WebhookID:     hook.ID,
		Event:         events.RequestDenied,
		EventID:       "evt-1",
		Payload:       []byte(`{"event":"request.denied"}`),
		Status:        StatusPending,
		Attempts:      3,
		LastAttemptAt: &last,
		ResponseCode:  503,
		CreatedAt:     last,
		NextAttemptAt: &due,
	}
	if err := f.store.CreateDelivery(ctx, del); err != nil {
		t.Fatalf("create delivery: %v", err)
	}
	if n, err := f.scanner.RunOnce(ctx, f.t0); err != nil || n != 1 {
		t.Fatalf("expected one delivery closed, got %d %v", n, err)
	}
	got, _ := f.store.GetDelivery(ctx, del.ID)
	if got.Status != StatusFailed || got.Attempts != 3 || got.ResponseCode != 503 {
		t.Fatalf("expected failed at max without new attempt, got %+v", got)
	}
	if rec.Hits() != 0 {
		t.Fatalf("at-max delivery must not issue a request")
	}
}

func TestScannerMarksMissingAndDisabledWebhooks(t *testing.T) {
	f := newFixture(t, loopbackValidator{})
	rec, srv := newRecorderServer(t, http.StatusBadGateway, "")
	ctx := context.Background()

	gone, _ := f.dispatcher.CreateWebhook(ctx, WebhookInput{URL: srv.URL, Events: []string{"*"}})
	off, _ := f.dispatcher.CreateWebhook(ctx, WebhookInput{URL: srv.URL, Events: []string{"*"}})
	if err := f.dispatcher.Notify(ctx, approvedEvent(f.t0)); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if rec.Hits() != 2 {
		t.Fatalf("expected two first attempts, got %d", rec.Hits())
	}
	if err := f.store.DeleteWebhook(ctx, gone.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	disabled := false
	if _, err := f.dispatcher.UpdateWebhook(ctx, off.ID, WebhookInput{Enabled: &disabled}); err != nil {
		t.Fatalf("disable: %v", err)
	}

	f.clock.Set(f.t0.Add(2 * time.Second))
	if n, err := f.scanner.RunOnce(ctx, f.clock.Now()); err != nil || n != 2 {
		t.Fatalf("expected two deliveries closed, got %d %v", n, err)
	}
	if rec.Hits() != 2 {
		t.Fatalf("no request may be made for missing or disabled webhooks")
	}
	if del := f.onlyDelivery(t, gone.ID); del.Status != StatusFailed || del.ResponseBody != MarkerNotFound || del.Attempts != 1 {
		t.Fatalf("unexpected delivery for deleted webhook %+v", del)
	}
	if del := f.onlyDelivery(t, off.ID); del.Status != StatusFailed || del.ResponseBody != MarkerDisabled {
		t.Fatalf("unexpected delivery for disabled webhook %+v", del)
	}
}

func TestNotifySkipsDisabledWebhooks(t *testing.T) {
	f := newFixture(t, loopbackValidator{})
	rec, srv := newRecorderServer(t, http.StatusOK, "")
	disabled := false
	hook, _ := f.dispatcher.CreateWebhook(context.Background(), WebhookInput{URL: srv.URL, Events: []string{"*"}, Enabled: &disabled})
	if err := f.dispatcher.Notify(context.Background(), approvedEvent(f.t0)); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if rec.Hits() != 0 {
		t.Fatalf("disabled webhook must not be called")
	}
	if list, _ := f.store.ListDeliveries(context.Background(), hook.ID, 10); len(list) != 0 {
		t.Fatalf("disabled webhook must not get deliveries")
	}
}

func TestRedeliverCopiesPayload(t *testing.T) {
	f := newFixture(t, loopbackValidator{})
	rec, srv := newRecorderServer(t, http.StatusAccepted, "")
	ctx := context.Background()

	hook, _ := f.dispatcher.CreateWebhook(ctx, WebhookInput{URL: srv.URL, Events: []string{"*"}})
	_ = f.dispatcher.Notify(ctx, approvedEvent(f.t0))
	orig := f.onlyDelivery(t, hook.ID)

	f.clock.Set(f.t0.Add(time.Minute))
	again, err := f.dispatcher.Redeliver(ctx, orig.ID)
	if err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	if again.ID == orig.ID || again.EventID != orig.EventID || string(again.Payload) != string(orig.Payload) {
		t.Fatalf("expected new delivery with same payload, got %+v", again)
	}
	if again.Status != StatusSuccess || again.Attempts != 1 || rec.Hits() != 2 {
		t.Fatalf("expected immediate successful attempt, got %+v hits=%d", again, rec.Hits())
	}
	if _, err := f.dispatcher.Redeliver(ctx, "missing"); !errors.Is(err, ErrDeliveryNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestScannerSkipsWhenTickLocked(t *testing.T) {
	f := newFixture(t, loopbackValidator{})
	rec, srv := newRecorderServer(t, http.StatusInternalServerError, "")
	ctx := context.Background()
	_, _ = f.dispatcher.CreateWebhook(ctx, WebhookInput{URL: srv.URL, Events: []string{"*"}})
	_ = f.dispatcher.Notify(ctx, approvedEvent(f.t0))

	other := locks.NewRedisStore(f.store.client)
	if ok, err := other.Acquire(ctx, scannerLockKey, "other-replica", time.Minute); err != nil || !ok {
		t.Fatalf("take lock: %v", err)
	}
	if n, err := f.scanner.RunOnce(ctx, f.t0.Add(time.Hour)); err != nil || n != 0 {
		t.Fatalf("expected locked scan to do nothing, got %d %v", n, err)
	}
	if rec.Hits() != 1 {
		t.Fatalf("locked scan must not send")
	}
}

func TestSendCountsRejectedURLAsAttempt(t *testing.T) {
	f := newFixture(t, loopbackValidator{})
	ctx := context.Background()
	hook, _ := f.dispatcher.CreateWebhook(ctx, WebhookInput{URL: "https://hooks.example.com/x", Events: []string{"*"}})

	f.dispatcher.sender = NewSender(denyValidator{}, time.Second)
	_ = f.dispatcher.Notify(ctx, approvedEvent(f.t0))
	del := f.onlyDelivery(t, hook.ID)
	if del.Status != StatusPending || del.Attempts != 1 || !strings.Contains(del.ResponseBody, "url rejected") {
		t.Fatalf("expected rejected attempt recorded, got %+v", del)
	}
}

func TestRedirectIsNotFollowed(t *testing.T) {
	f := newFixture(t, loopbackValidator{})
	target, targetSrv := newRecorderServer(t, http.StatusOK, "")
	redirect := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, targetSrv.URL, http.StatusFound)
	})
	srv := newServer(t, redirect)
	ctx := context.Background()
	hook, _ := f.dispatcher.CreateWebhook(ctx, WebhookInput{URL: srv, Events: []string{"*"}})
	_ = f.dispatcher.Notify(ctx, approvedEvent(f.t0))
	del := f.onlyDelivery(t, hook.ID)
	if del.ResponseCode != http.StatusFound || del.Status != StatusPending || target.Hits() != 0 {
		t.Fatalf("expected redirect recorded as failure, got %+v", del)
	}
}

func TestCreateWebhookValidation(t *testing.T) {
	f := newFixture(t, urlguard.New())
	ctx := context.Background()
	if _, err := f.dispatcher.CreateWebhook(ctx, WebhookInput{URL: "http://169.254.169.254/latest", Events: []string{"*"}}); !errors.Is(err, ErrInvalidURL) {
		t.Fatalf("expected invalid url, got %v", err)
	}
	if _, err := f.dispatcher.CreateWebhook(ctx, WebhookInput{URL: "http://10.0.0.5/hook", Events: []string{"*"}}); !errors.Is(err, ErrInvalidURL) {
		t.Fatalf("expected invalid url, got %v", err)
	}
	if _, err := f.dispatcher.CreateWebhook(ctx, WebhookInput{URL: "http://8.8.8.8/hook", Events: []string{"request.updated"}}); !errors.Is(err, ErrInvalidEvents) {
		t.Fatalf("expected invalid events, got %v", err)
	}
	if _, err := f.dispatcher.CreateWebhook(ctx, WebhookInput{URL: "http://8.8.8.8/hook"}); !errors.Is(err, ErrInvalidEvents) {
		t.Fatalf("expected missing events rejected, got %v", err)
	}
}

func TestNotifyDefersWhenBudgetSpent(t *testing.T) {
	f := newFixture(t, loopbackValidator{})
	rec, srv := newRecorderServer(t, http.StatusOK, "")
	hook, _ := f.dispatcher.CreateWebhook(context.Background(), WebhookInput{URL: srv.URL, Events: []string{"*"}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.dispatcher.Notify(ctx, approvedEvent(f.t0)); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if rec.Hits() != 0 {
		t.Fatalf("expected no inline attempt, got %d", rec.Hits())
	}
	del := f.onlyDelivery(t, hook.ID)
	if del.Status != StatusPending || del.Attempts != 0 || del.NextAttemptAt == nil {
		t.Fatalf("expected deferred pending delivery, got %+v", del)
	}

	if n, err := f.scanner.RunOnce(context.Background(), f.t0.Add(time.Second)); err != nil || n != 1 {
		t.Fatalf("expected scanner to pick up deferred delivery, got %d %v", n, err)
	}
	if del := f.onlyDelivery(t, hook.ID); del.Status != StatusSuccess || del.Attempts != 1 || rec.Hits() != 1 {
		t.Fatalf("expected delivered by scanner, got %+v hits=%d", del, rec.Hits())
	}
}

type toggleValidator struct {
	reject bool
}

func (v *toggleValidator) Validate(ctx context.Context, url string) urlguard.Result {
	if v.reject {
		return urlguard.Result{Reason: "dns resolution failed"}
	}
	return loopbackValidator{}.Validate(ctx, url)
}

func TestUpdateWebhookRevalidatesOnlyChangedURL(t *testing.T) {
	v := &toggleValidator{}
	f := newFixture(t, v)
	ctx := context.Background()
	hook, err := f.dispatcher.CreateWebhook(ctx, WebhookInput{URL: "http://hooks.example/a", Events: []string{"*"}})
	if err != nil {
		t.Fatalf("create webhook: %v", err)
	}

	v.reject = true
	disabled := false
	updated, err := f.dispatcher.UpdateWebhook(ctx, hook.ID, WebhookInput{Enabled: &disabled})
	if err != nil {
		t.Fatalf("disable with unresolvable host: %v", err)
	}
	if updated.Enabled {
		t.Fatalf("expected webhook disabled")
	}
	if _, err := f.dispatcher.UpdateWebhook(ctx, hook.ID, WebhookInput{URL: hook.URL, Description: "same url"}); err != nil {
		t.Fatalf("unchanged url must not be revalidated: %v", err)
	}
	if _, err := f.dispatcher.UpdateWebhook(ctx, hook.ID, WebhookInput{URL: "http://hooks.example/b"}); !errors.Is(err, ErrInvalidURL) {
		t.Fatalf("expected changed url rejected, got %v", err)
	}
	if _, err := f.dispatcher.UpdateWebhook(ctx, hook.ID, WebhookInput{Events: []string{"request.updated"}}); !errors.Is(err, ErrInvalidEvents) {
		t.Fatalf("expected unknown event rejected, got %v", err)
	}
}
