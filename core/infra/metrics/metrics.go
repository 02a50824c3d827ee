package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics captures the gateway's admission, policy, and delivery signals.
type Metrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
	IncRateLimit(allowed bool)
	SetRateLimitBackend(backend string, healthy bool)
	IncPolicyDecision(decision string)
	IncDeliveryAttempt(event, outcome string)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) ObserveRequest(string, string, string, float64) {}
func (Noop) IncRateLimit(bool)                              {}
func (Noop) SetRateLimitBackend(string, bool)               {}
func (Noop) IncPolicyDecision(string)                       {}
func (Noop) IncDeliveryAttempt(string, string)              {}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	requests   *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	rateLimit  *prometheus.CounterVec
	backend    *prometheus.GaugeVec
	decisions  *prometheus.CounterVec
	deliveries *prometheus.CounterVec
	gatherer   prometheus.Gatherer
}

// NewProm registers collectors on reg. A nil reg uses a fresh registry so
// several instances can coexist in tests.
func NewProm(namespace string, reg *prometheus.Registry) *Prom {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	p := &Prom{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		rateLimit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_checks_total",
			Help:      "Admission checks by outcome",
		}, []string{"outcome"}),
		backend: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ratelimit_backend_healthy",
			Help:      "1 when the named rate-limit backend is serving checks",
		}, []string{"backend"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_decisions_total",
			Help:      "Policy evaluation results by decision",
		}, []string{"decision"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_delivery_attempts_total",
			Help:      "Webhook delivery attempts by event and outcome",
		}, []string{"event", "outcome"}),
		gatherer: reg,
	}
	reg.MustRegister(p.requests, p.latency, p.rateLimit, p.backend, p.decisions, p.deliveries)
	return p
}

func (p *Prom) ObserveRequest(method, route, status string, durationSeconds float64) {
	p.requests.WithLabelValues(method, route, status).Inc()
	p.latency.WithLabelValues(method, route).Observe(durationSeconds)
}

func (p *Prom) IncRateLimit(allowed bool) {
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	p.rateLimit.WithLabelValues(outcome).Inc()
}

func (p *Prom) SetRateLimitBackend(backend string, healthy bool) {
	val := 0.0
	if healthy {
		val = 1
	}
	p.backend.WithLabelValues(backend).Set(val)
}

func (p *Prom) IncPolicyDecision(decision string) {
	p.decisions.WithLabelValues(decision).Inc()
}

func (p *Prom) IncDeliveryAttempt(event, outcome string) {
	p.deliveries.WithLabelValues(event, outcome).Inc()
}

// Handler returns an HTTP handler for /metrics.
func (p *Prom) Handler() http.Handler {
	return promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{})
}
