package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cordum/agentgate/core/events"
	"github.com/cordum/agentgate/core/infra/locks"
	"github.com/cordum/agentgate/core/infra/logging"
	"github.com/cordum/agentgate/core/infra/metrics"
	"github.com/cordum/agentgate/core/policy"
)

const defaultNotifyTimeout = 15 * time.Second

// PolicySource lists the policies to evaluate. *policy.RedisStore
// satisfies it.
type PolicySource interface {
	List(ctx context.Context) ([]policy.Policy, error)
}

// SubmitInput is an agent's request for permission.
type SubmitInput struct {
	Action    string         `json:"action"`
	Params    map[string]any `json:"params,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	Urgency   Urgency        `json:"urgency,omitempty"`
	ExpiresAt *time.Time     `json:"expiresAt,omitempty"`
}

// DecideInput is a human or agent verdict on a pending request.
type DecideInput struct {
	Approved  bool   `json:"approved"`
	DecidedBy string `json:"decidedBy"`
	Reason    string `json:"reason,omitempty"`
}

// Service runs intake, policy evaluation, decisions and expiry.
type Service struct {
	store      *RedisStore
	policies   PolicySource
	notifier   events.Notifier
	metrics    metrics.Metrics
	now        func() time.Time
	defaultTTL time.Duration

	// notifyTimeout bounds all inline event dispatch for one call.
	notifyTimeout time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithNotifier receives lifecycle events.
func WithNotifier(n events.Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithMetrics records policy decisions.
func WithMetrics(m metrics.Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithDefaultTTL sets the expiry applied when a request does not carry one.
// Zero means requests never expire unless asked to.
func WithDefaultTTL(d time.Duration) Option {
	return func(s *Service) { s.defaultTTL = d }
}

// WithNotifyTimeout caps the time one Submit or Decide spends notifying.
// Zero leaves dispatch bounded only by the caller.
func WithNotifyTimeout(d time.Duration) Option {
	return func(s *Service) { s.notifyTimeout = d }
}

// NewService wires the request store with a policy source.
func NewService(store *RedisStore, policies PolicySource, opts ...Option) *Service {
	s := &Service{
		store:         store,
		policies:      policies,
		notifier:      events.NotifierFunc(func(context.Context, events.Event) error { return nil }),
		metrics:       metrics.Noop{},
		now:           time.Now,
		notifyTimeout: defaultNotifyTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit records a pending request, evaluates policies against it and
// applies automatic decisions. Unmatched requests stay pending for a human.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (*Request, error) {
	action := strings.TrimSpace(in.Action)
	if action == "" {
		return nil, fmt.Errorf("%w: action required", ErrInvalidInput)
	}
	urgency := in.Urgency
	if urgency == "" {
		urgency = UrgencyNormal
	}
	if !urgency.Valid() {
		return nil, fmt.Errorf("%w: unknown urgency %q", ErrInvalidInput, urgency)
	}
	now := s.now().UTC()
	req := &Request{
		ID:        uuid.NewString(),
		Action:    action,
		Params:    in.Params,
		Context:   in.Context,
		Status:    StatusPending,
		Urgency:   urgency,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: in.ExpiresAt,
	}
	if req.ExpiresAt == nil && s.defaultTTL > 0 {
		exp := now.Add(s.defaultTTL)
		req.ExpiresAt = &exp
	}

	policies, err := s.policies.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("load policies: %w", err)
	}
	res := policy.Evaluate(req.policyInput(), policies)
	s.metrics.IncPolicyDecision(string(res.Decision))
	req.PolicyID = res.PolicyID
	req.Approvers = res.Approvers
	req.Channels = res.Channels
	req.RequireReason = res.RequireReason
	if !res.Decision.Terminal() {
		req.Route = res.Decision
	}

	if err := s.store.Create(ctx, req); err != nil {
		return nil, fmt.Errorf("store request: %w", err)
	}
	notifyCtx, cancel := s.notifyContext(ctx)
	defer cancel()
	s.emit(notifyCtx, events.RequestCreated, req)

	if !res.Decision.Terminal() {
		return req, nil
	}
	status, verb := StatusApproved, "approved"
	if res.Decision == policy.AutoDeny {
		status, verb = StatusDenied, "denied"
	}
	reason := fmt.Sprintf("auto-%s by policy %q", verb, res.PolicyName)
	decided, err := s.store.Transition(ctx, req.ID, func(r *Request) error {
		r.decide(status, DecidedByPolicy, reason, s.now())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("apply policy decision: %w", err)
	}
	s.emit(notifyCtx, eventFor(status), decided)
	return decided, nil
}

// Get loads a request.
func (s *Service) Get(ctx context.Context, id string) (*Request, error) {
	return s.store.Get(ctx, id)
}

// List returns requests newest first, optionally filtered by status.
func (s *Service) List(ctx context.Context, status Status, limit int64) ([]Request, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	return s.store.List(ctx, status, limit)
}

// Decide approves or denies a pending request.
func (s *Service) Decide(ctx context.Context, id string, in DecideInput) (*Request, error) {
	by := strings.TrimSpace(in.DecidedBy)
	if !validDecider(by) {
		return nil, fmt.Errorf("%w: decidedBy must be source:identifier", ErrInvalidInput)
	}
	reason := strings.TrimSpace(in.Reason)
	status := StatusDenied
	if in.Approved {
		status = StatusApproved
	}
	decided, err := s.store.Transition(ctx, id, func(r *Request) error {
		now := s.now()
		if r.ExpiresAt != nil && !now.Before(*r.ExpiresAt) {
			return ErrNotPending
		}
		if r.RequireReason && reason == "" {
			return ErrReasonRequired
		}
		r.decide(status, by, reason, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	notifyCtx, cancel := s.notifyContext(ctx)
	defer cancel()
	s.emit(notifyCtx, eventFor(status), decided)
	return decided, nil
}

// ExpireDue expires pending requests whose deadline is at or before now
// and returns how many were expired.
func (s *Service) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.store.ExpiredIDs(ctx, now, defaultListLimit)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, id := range ids {
		r, err := s.store.Transition(ctx, id, func(r *Request) error {
			r.decide(StatusExpired, DecidedByExpiry, "expired before a decision was made", now)
			return nil
		})
		switch {
		case errors.Is(err, ErrNotPending), errors.Is(err, ErrNotFound):
			_ = s.store.Unindex(ctx, id)
			continue
		case err != nil:
			logging.Error("approval", "expire request failed", "request_id", id, "error", err)
			continue
		}
		expired++
		s.emit(ctx, events.RequestExpired, r)
	}
	return expired, nil
}

func (s *Service) notifyContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.notifyTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.notifyTimeout)
}

func (s *Service) emit(ctx context.Context, name string, r *Request) {
	if err := s.notifier.Notify(ctx, events.New(name, r, s.now())); err != nil {
		logging.Error("approval", "notify failed", "event", name, "request_id", r.ID, "error", err)
	}
}

func eventFor(status Status) string {
	switch status {
	case StatusApproved:
		return events.RequestApproved
	case StatusDenied:
		return events.RequestDenied
	default:
		return events.RequestExpired
	}
}

const sweeperLockKey = "approval:sweeper:lock"

// Sweeper expires requests on a fixed interval. Replicas sharing Redis
// take turns through a lease so each tick runs once.
type Sweeper struct {
	service  *Service
	interval time.Duration
	leases   locks.Store
	owner    string
}

// NewSweeper builds a sweeper; non-positive intervals default to 10s.
func NewSweeper(s *Service, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Sweeper{
		service:  s,
		interval: interval,
		leases:   locks.NewRedisStore(s.store.client),
		owner:    uuid.NewString(),
	}
}

// Start runs until ctx is done.
func (w *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.RunOnce(ctx)
			if err != nil {
				logging.Error("approval", "expiry sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logging.Info("approval", "expired requests", "count", n)
			}
		}
	}
}

// RunOnce expires due requests if this sweeper wins the lease.
func (w *Sweeper) RunOnce(ctx context.Context) (int, error) {
	ok, err := w.leases.Acquire(ctx, sweeperLockKey, w.owner, w.interval*30)
	if err != nil || !ok {
		return 0, err
	}
	defer func() { _, _ = w.leases.Release(context.Background(), sweeperLockKey, w.owner) }()
	return w.service.ExpireDue(ctx, w.service.now())
}
