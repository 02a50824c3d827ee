package approval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/cordum/agentgate/core/events"
	"github.com/cordum/agentgate/core/policy"
)

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) Notify(_ context.Context, ev events.Event) error {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
	return nil
}

func (l *eventLog) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Name
	}
	return out
}

type testEnv struct {
	svc      *Service
	store    *RedisStore
	policies *policy.RedisStore
	log      *eventLog
	now      time.Time
}

func newEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	env := &testEnv{
		store:    NewRedisStore(client),
		policies: policy.NewRedisStore(client),
		log:      &eventLog{},
		now:      time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC),
	}
	base := []Option{WithNotifier(env.log), WithClock(func() time.Time { return env.now })}
	env.svc = NewService(env.store, env.policies, append(base, opts...)...)
	return env
}

func (e *testEnv) addPolicy(t *testing.T, p *policy.Policy) {
	t.Helper()
	if err := e.policies.Create(context.Background(), p); err != nil {
		t.Fatalf("create policy: %v", err)
	}
}

func sameNames(got []string, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestSubmitAutoApprove(t *testing.T) {
	env := newEnv(t)
	env.addPolicy(t, &policy.Policy{Name: "reads", Priority: 1, Enabled: true, Rules: []policy.Rule{{
		Match:    map[string]policy.Spec{"action": policy.Eq("file.read")},
		Decision: policy.AutoApprove,
	}}})

	req, err := env.svc.Submit(context.Background(), SubmitInput{Action: "file.read", Params: map[string]any{"path": "/tmp/x"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if req.Status != StatusApproved || req.DecidedBy != DecidedByPolicy || req.DecidedAt == nil {
		t.Fatalf("expected policy approval, got %+v", req)
	}
	if req.Urgency != UrgencyNormal || req.PolicyID == "" {
		t.Fatalf("expected default urgency and policy id, got %+v", req)
	}
	stored, _ := env.store.Get(context.Background(), req.ID)
	if stored.Status != StatusApproved {
		t.Fatalf("expected stored approval, got %s", stored.Status)
	}
	if !sameNames(env.log.names(), events.RequestCreated, events.RequestApproved) {
		t.Fatalf("unexpected events %v", env.log.names())
	}
}

func TestSubmitAutoDenyAndDefaultRoute(t *testing.T) {
	env := newEnv(t)
	env.addPolicy(t, &policy.Policy{Name: "no-deletes", Priority: 1, Enabled: true, Rules: []policy.Rule{{
		Match:    map[string]policy.Spec{"action": policy.Eq("db.drop")},
		Decision: policy.AutoDeny,
	}}})

	denied, err := env.svc.Submit(context.Background(), SubmitInput{Action: "db.drop"})
	if err != nil || denied.Status != StatusDenied {
		t.Fatalf("expected denial, got %+v %v", denied, err)
	}

	pending, err := env.svc.Submit(context.Background(), SubmitInput{Action: "email.send", Urgency: UrgencyHigh})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if pending.Status != StatusPending || pending.Route != policy.RouteToHuman || pending.DecidedBy != "" {
		t.Fatalf("expected pending routed to human, got %+v", pending)
	}
	list, _ := env.svc.List(context.Background(), StatusPending, 10)
	if len(list) != 1 || list[0].ID != pending.ID {
		t.Fatalf("expected one pending request, got %+v", list)
	}
}

func TestSubmitValidation(t *testing.T) {
	env := newEnv(t)
	if _, err := env.svc.Submit(context.Background(), SubmitInput{Action: " "}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := env.svc.Submit(context.Background(), SubmitInput{Action: "x", Urgency: "urgent"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid urgency, got %v", err)
	}
}

func TestDecide(t *testing.T) {
	env := newEnv(t)
	env.addPolicy(t, &policy.Policy{Name: "payments", Priority: 1, Enabled: true, Rules: []policy.Rule{{
		Match:         map[string]policy.Spec{"action": policy.Eq("payment.send"), "amount": policy.Gt(1000)},
		Decision:      policy.RouteToHuman,
		Approvers:     []string{"finance"},
		RequireReason: true,
	}}})
	ctx := context.Background()
	req, err := env.svc.Submit(ctx, SubmitInput{Action: "payment.send", Params: map[string]any{"amount": 5000}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !req.RequireReason || len(req.Approvers) != 1 {
		t.Fatalf("expected routing rule copied, got %+v", req)
	}

	if _, err := env.svc.Decide(ctx, req.ID, DecideInput{Approved: true, DecidedBy: "alice"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected namespaced decider required, got %v", err)
	}
	if _, err := env.svc.Decide(ctx, req.ID, DecideInput{Approved: true, DecidedBy: "slack:U123"}); !errors.Is(err, ErrReasonRequired) {
		t.Fatalf("expected reason required, got %v", err)
	}
	decided, err := env.svc.Decide(ctx, req.ID, DecideInput{Approved: true, DecidedBy: "slack:U123", Reason: "invoice verified"})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decided.Status != StatusApproved || decided.DecidedBy != "slack:U123" || decided.DecisionReason != "invoice verified" {
		t.Fatalf("unexpected decision %+v", decided)
	}
	if _, err := env.svc.Decide(ctx, req.ID, DecideInput{Approved: false, DecidedBy: "slack:U999", Reason: "late"}); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected not pending on second decision, got %v", err)
	}
	if _, err := env.svc.Decide(ctx, "missing", DecideInput{Approved: true, DecidedBy: "api:x"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if !sameNames(env.log.names(), events.RequestCreated, events.RequestApproved) {
		t.Fatalf("unexpected events %v", env.log.names())
	}
}

func TestExpireDue(t *testing.T) {
	env := newEnv(t, WithDefaultTTL(time.Minute))
	ctx := context.Background()
	req, err := env.svc.Submit(ctx, SubmitInput{Action: "deploy.prod"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if req.ExpiresAt == nil || !req.ExpiresAt.Equal(env.now.Add(time.Minute)) {
		t.Fatalf("expected default expiry, got %v", req.ExpiresAt)
	}

	if n, err := env.svc.ExpireDue(ctx, env.now.Add(30*time.Second)); err != nil || n != 0 {
		t.Fatalf("expected nothing expired yet, got %d %v", n, err)
	}
	env.now = env.now.Add(time.Minute)
	if _, err := env.svc.Decide(ctx, req.ID, DecideInput{Approved: true, DecidedBy: "api:ops"}); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected past-deadline decision rejected, got %v", err)
	}
	n, err := env.svc.ExpireDue(ctx, env.now)
	if err != nil || n != 1 {
		t.Fatalf("expected one expired, got %d %v", n, err)
	}
	got, _ := env.store.Get(ctx, req.ID)
	if got.Status != StatusExpired || got.DecidedBy != DecidedByExpiry || got.DecidedAt == nil {
		t.Fatalf("unexpected expired request %+v", got)
	}
	if n, _ := env.svc.ExpireDue(ctx, env.now.Add(time.Hour)); n != 0 {
		t.Fatalf("expired request must not be expired twice")
	}
	names := env.log.names()
	if names[len(names)-1] != events.RequestExpired {
		t.Fatalf("expected expiry event, got %v", names)
	}
}

func TestSweeperRunOnceHonoursLease(t *testing.T) {
	env := newEnv(t, WithDefaultTTL(time.Minute))
	ctx := context.Background()
	if _, err := env.svc.Submit(ctx, SubmitInput{Action: "deploy.prod"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	env.now = env.now.Add(2 * time.Minute)

	held := NewSweeper(env.svc, time.Second)
	if ok, err := held.leases.Acquire(ctx, sweeperLockKey, "other-replica", time.Minute); err != nil || !ok {
		t.Fatalf("take lease: %v", err)
	}
	sweeper := NewSweeper(env.svc, time.Second)
	if n, err := sweeper.RunOnce(ctx); err != nil || n != 0 {
		t.Fatalf("expected leased sweep to skip, got %d %v", n, err)
	}
	if _, err := held.leases.Release(ctx, sweeperLockKey, "other-replica"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if n, err := sweeper.RunOnce(ctx); err != nil || n != 1 {
		t.Fatalf("expected one expired, got %d %v", n, err)
	}
}

type blockingNotifier struct {
	mu        sync.Mutex
	deadlines []time.Time
	expired   []bool
}

func (n *blockingNotifier) Notify(ctx context.Context, _ events.Event) error {
	<-ctx.Done()
	deadline, _ := ctx.Deadline()
	n.mu.Lock()
	n.deadlines = append(n.deadlines, deadline)
	n.expired = append(n.expired, ctx.Err() != nil)
	n.mu.Unlock()
	return ctx.Err()
}

func TestSubmitSharesOneNotifyDeadline(t *testing.T) {
	slow := &blockingNotifier{}
	env := newEnv(t, WithNotifier(slow), WithNotifyTimeout(50*time.Millisecond))
	env.addPolicy(t, &policy.Policy{Name: "reads", Priority: 1, Enabled: true, Rules: []policy.Rule{{
		Match:    map[string]policy.Spec{"action": policy.Eq("file.read")},
		Decision: policy.AutoApprove,
	}}})

	start := time.Now()
	req, err := env.svc.Submit(context.Background(), SubmitInput{Action: "file.read"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("notify deadline not applied, submit took %s", elapsed)
	}
	if req.Status != StatusApproved {
		t.Fatalf("decision must persist when notify is slow, got %s", req.Status)
	}
	slow.mu.Lock()
	defer slow.mu.Unlock()
	if len(slow.deadlines) != 2 || !slow.deadlines[0].Equal(slow.deadlines[1]) {
		t.Fatalf("expected both events under one deadline, got %v", slow.deadlines)
	}
	if !slow.expired[0] || !slow.expired[1] {
		t.Fatalf("expected both notifications to see the expired deadline")
	}
}
