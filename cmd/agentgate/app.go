package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/cordum/agentgate/core/approval"
	"github.com/cordum/agentgate/core/controlplane/gateway"
	"github.com/cordum/agentgate/core/events"
	"github.com/cordum/agentgate/core/infra/bus"
	"github.com/cordum/agentgate/core/infra/config"
	"github.com/cordum/agentgate/core/infra/logging"
	"github.com/cordum/agentgate/core/infra/metrics"
	"github.com/cordum/agentgate/core/infra/redisutil"
	"github.com/cordum/agentgate/core/infra/secrets"
	"github.com/cordum/agentgate/core/policy"
	"github.com/cordum/agentgate/core/ratelimit"
	"github.com/cordum/agentgate/core/urlguard"
	"github.com/cordum/agentgate/core/webhook"
)

const component = "agentgate"

type app struct {
	cfg       *config.Config
	client    redis.UniversalClient
	limiter   ratelimit.Limiter
	natsBus   *bus.NatsBus
	scanner   *webhook.Scanner
	sweeper   *approval.Sweeper
	server    *gateway.Server
	promStats *metrics.Prom
}

// newApp connects to Redis (and NATS when configured) and wires every
// component. The caller owns Close.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	client, err := redisutil.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	var nb *bus.NatsBus
	if cfg.NatsURL != "" {
		nb, err = bus.NewNatsBus(cfg.NatsURL)
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect nats: %w", err)
		}
	}
	var publisher events.Notifier
	if nb != nil {
		publisher = nb
	}
	a, err := wire(ctx, cfg, client, publisher)
	if err != nil {
		if nb != nil {
			nb.Close()
		}
		_ = client.Close()
		return nil, err
	}
	a.natsBus = nb
	return a, nil
}

// wire builds the component graph over an existing Redis client. publisher
// may be nil.
func wire(ctx context.Context, cfg *config.Config, client redis.UniversalClient, publisher events.Notifier) (*app, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom := metrics.NewProm("agentgate", reg)

	box, err := secrets.NewBox(cfg.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("secret key: %w", err)
	}
	if box == nil {
		logging.Warn(component, "AGENTGATE_SECRET_KEY not set; webhook secrets stored unsealed")
	}

	policies := policy.NewRedisStore(client)
	if err := seedPolicies(ctx, policies, cfg.PolicyBundlePath); err != nil {
		return nil, err
	}

	limiter := newLimiter(cfg.RateLimit, client, prom)

	validator := urlguard.New(urlguard.WithBlockedHosts(cfg.Webhook.BlockedHosts...))
	hooks := webhook.NewRedisStore(client, box)
	dispatcher := webhook.NewDispatcher(hooks, webhook.NewSender(validator, cfg.Webhook.Timeout), validator,
		webhook.WithRetryPolicy(webhook.RetryPolicy{MaxAttempts: cfg.Webhook.MaxAttempts, BackoffBase: cfg.Webhook.BackoffBase}),
		webhook.WithMetrics(prom),
	)

	hub := gateway.NewHub()
	fanout := events.NewFanout()
	fanout.Add("webhook", dispatcher)
	fanout.Add("stream", hub)
	fanout.Add("nats", publisher)

	approvals := approval.NewService(approval.NewRedisStore(client), policies,
		approval.WithNotifier(fanout),
		approval.WithMetrics(prom),
		approval.WithDefaultTTL(cfg.Approval.DefaultTTL),
		approval.WithNotifyTimeout(cfg.Webhook.Timeout),
	)

	server := gateway.New(gateway.Deps{
		Approvals:  approvals,
		Policies:   policies,
		Webhooks:   hooks,
		Dispatcher: dispatcher,
		Limiter:    limiter,
		Hub:        hub,
		Metrics:    prom,
	}, gateway.Options{APIKeys: cfg.APIKeys, RateLimit: cfg.RateLimit.Limit})

	return &app{
		cfg:       cfg,
		client:    client,
		limiter:   limiter,
		scanner:   webhook.NewScanner(dispatcher, cfg.Webhook.ScanInterval, cfg.Webhook.ScanBatch),
		sweeper:   approval.NewSweeper(approvals, cfg.Approval.SweepInterval),
		server:    server,
		promStats: prom,
	}, nil
}

func newLimiter(cfg config.RateLimitConfig, client redis.UniversalClient, m metrics.Metrics) ratelimit.Limiter {
	opts := []ratelimit.Option{
		ratelimit.WithWindow(cfg.Window),
		ratelimit.WithSweepInterval(cfg.SweepInterval),
		ratelimit.WithOpTimeout(cfg.OpTimeout),
		ratelimit.WithReconnectInterval(cfg.ReconnectInterval),
		ratelimit.WithMetrics(m),
	}
	if cfg.Backend == config.BackendLocal {
		logging.Info(component, "rate limiter backend", "backend", config.BackendLocal)
		return ratelimit.NewLocalLimiter(opts...)
	}
	logging.Info(component, "rate limiter backend", "backend", config.BackendRedis)
	return ratelimit.NewRedisLimiter(client, opts...)
}

// seedPolicies upserts every policy in the bundle at path. A missing file
// is not an error.
func seedPolicies(ctx context.Context, store *policy.RedisStore, path string) error {
	if path == "" {
		return nil
	}
	bundle, err := policy.LoadFile(path)
	if err != nil {
		return fmt.Errorf("load policy bundle: %w", err)
	}
	for i := range bundle {
		if err := store.Put(ctx, &bundle[i]); err != nil {
			return fmt.Errorf("seed policy %s: %w", bundle[i].ID, err)
		}
	}
	if len(bundle) > 0 {
		logging.Info(component, "policy bundle seeded", "path", path, "policies", len(bundle))
	}
	return nil
}

// Run starts the background loops and serves HTTP until ctx is done.
func (a *app) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.scanner.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		a.sweeper.Start(ctx)
	}()
	var metricsHandler http.Handler
	if a.promStats != nil {
		metricsHandler = a.promStats.Handler()
	}
	err := a.server.Run(ctx, a.cfg.HTTPAddr, a.cfg.MetricsAddr, metricsHandler)
	wg.Wait()
	return err
}

// Close releases the limiter, NATS and Redis, in that order.
func (a *app) Close() {
	if a.limiter != nil {
		a.limiter.Shutdown()
	}
	if a.natsBus != nil {
		a.natsBus.Close()
	}
	if a.client != nil {
		_ = a.client.Close()
	}
}
