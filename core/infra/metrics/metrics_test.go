package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			if labelsMatch(m.GetLabel(), labels) {
				return m
			}
		}
	}
	t.Fatalf("metric %s %v not found", name, labels)
	return nil
}

func labelsMatch(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(pairs) != len(want) {
		return false
	}
	for _, p := range pairs {
		if want[p.GetName()] != p.GetValue() {
			return false
		}
	}
	return true
}

func TestPromCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewProm("agentgate_test", reg)
	p.IncRateLimit(true)
	p.IncRateLimit(false)
	p.IncRateLimit(false)
	p.IncPolicyDecision("auto_approve")
	p.IncDeliveryAttempt("request.approved", "success")
	p.SetRateLimitBackend("redis", false)
	p.ObserveRequest("GET", "/health", "200", 0.01)

	denied := findMetric(t, reg, "agentgate_test_ratelimit_checks_total", map[string]string{"outcome": "denied"})
	if denied.GetCounter().GetValue() != 2 {
		t.Fatalf("expected 2 denied got %v", denied.GetCounter().GetValue())
	}
	decision := findMetric(t, reg, "agentgate_test_policy_decisions_total", map[string]string{"decision": "auto_approve"})
	if decision.GetCounter().GetValue() != 1 {
		t.Fatalf("expected 1 decision got %v", decision.GetCounter().GetValue())
	}
	gauge := findMetric(t, reg, "agentgate_test_ratelimit_backend_healthy", map[string]string{"backend": "redis"})
	if gauge.GetGauge().GetValue() != 0 {
		t.Fatalf("expected unhealthy backend gauge got %v", gauge.GetGauge().GetValue())
	}
}

func TestPromHandlerExposesMetrics(t *testing.T) {
	p := NewProm("agentgate_test", nil)
	p.IncPolicyDecision("route_to_human")

	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rr.Body)
	if !strings.Contains(string(body), "agentgate_test_policy_decisions_total") {
		t.Fatalf("expected policy decision metric in output")
	}
}

func TestNoopSatisfiesInterface(t *testing.T) {
	var m Metrics = Noop{}
	m.IncRateLimit(true)
	m.IncDeliveryAttempt("x", "failed")
}
