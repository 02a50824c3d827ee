// Package gateway serves the AgentGate HTTP API: approval requests,
// policies, webhooks and the live event stream.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cordum/agentgate/core/approval"
	"github.com/cordum/agentgate/core/infra/buildinfo"
	"github.com/cordum/agentgate/core/infra/logging"
	"github.com/cordum/agentgate/core/infra/metrics"
	"github.com/cordum/agentgate/core/policy"
	"github.com/cordum/agentgate/core/ratelimit"
	"github.com/cordum/agentgate/core/webhook"
)

const (
	component        = "gateway"
	defaultListLimit = 100
	maxListLimit     = 1000
	maxBodyBytes     = 1 << 20
	healthTimeout    = 2 * time.Second
)

// Deps are the collaborators the server routes to. Limiter and Hub are
// optional.
type Deps struct {
	Approvals  *approval.Service
	Policies   *policy.RedisStore
	Webhooks   *webhook.RedisStore
	Dispatcher *webhook.Dispatcher
	Limiter    ratelimit.Limiter
	Hub        *Hub
	Metrics    metrics.Metrics
}

// Options tunes admission and authentication.
type Options struct {
	// APIKeys enables X-API-Key authentication when non-empty.
	APIKeys []string
	// RateLimit is the per-client request budget per window; zero disables
	// admission control.
	RateLimit int
}

// Server is the HTTP front end.
type Server struct {
	approvals  *approval.Service
	policies   *policy.RedisStore
	webhooks   *webhook.RedisStore
	dispatcher *webhook.Dispatcher
	limiter    ratelimit.Limiter
	hub        *Hub
	metrics    metrics.Metrics
	keys       map[string]struct{}
	rateLimit  int
	started    time.Time
}

// New builds a server from its dependencies.
func New(deps Deps, opts Options) *Server {
	m := deps.Metrics
	if m == nil {
		m = metrics.Noop{}
	}
	keys := make(map[string]struct{}, len(opts.APIKeys))
	for _, k := range opts.APIKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys[k] = struct{}{}
		}
	}
	return &Server{
		approvals:  deps.Approvals,
		policies:   deps.Policies,
		webhooks:   deps.Webhooks,
		dispatcher: deps.Dispatcher,
		limiter:    deps.Limiter,
		hub:        deps.Hub,
		metrics:    m,
		keys:       keys,
		rateLimit:  opts.RateLimit,
		started:    time.Now(),
	}
}

// Handler returns the routed API wrapped in admission and auth middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/v1/requests", s.instrumented("/api/v1/requests", s.handleSubmitRequest))
	mux.HandleFunc("GET /api/v1/requests", s.instrumented("/api/v1/requests", s.handleListRequests))
	mux.HandleFunc("GET /api/v1/requests/{id}", s.instrumented("/api/v1/requests/{id}", s.handleGetRequest))
	mux.HandleFunc("POST /api/v1/requests/{id}/decide", s.instrumented("/api/v1/requests/{id}/decide", s.handleDecideRequest))

	mux.HandleFunc("GET /api/v1/policies", s.instrumented("/api/v1/policies", s.handleListPolicies))
	mux.HandleFunc("POST /api/v1/policies", s.instrumented("/api/v1/policies", s.handleCreatePolicy))
	mux.HandleFunc("GET /api/v1/policies/{id}", s.instrumented("/api/v1/policies/{id}", s.handleGetPolicy))
	mux.HandleFunc("PUT /api/v1/policies/{id}", s.instrumented("/api/v1/policies/{id}", s.handleUpdatePolicy))
	mux.HandleFunc("DELETE /api/v1/policies/{id}", s.instrumented("/api/v1/policies/{id}", s.handleDeletePolicy))

	mux.HandleFunc("GET /api/v1/webhooks", s.instrumented("/api/v1/webhooks", s.handleListWebhooks))
	mux.HandleFunc("POST /api/v1/webhooks", s.instrumented("/api/v1/webhooks", s.handleCreateWebhook))
	mux.HandleFunc("PATCH /api/v1/webhooks/{id}", s.instrumented("/api/v1/webhooks/{id}", s.handleUpdateWebhook))
	mux.HandleFunc("DELETE /api/v1/webhooks/{id}", s.instrumented("/api/v1/webhooks/{id}", s.handleDeleteWebhook))
	mux.HandleFunc("GET /api/v1/webhooks/{id}/deliveries", s.instrumented("/api/v1/webhooks/{id}/deliveries", s.handleListDeliveries))
	mux.HandleFunc("POST /api/v1/deliveries/{id}/redeliver", s.instrumented("/api/v1/deliveries/{id}/redeliver", s.handleRedeliver))

	mux.HandleFunc("GET /api/v1/stream", s.handleStream)

	return s.rateLimitMiddleware(s.apiKeyMiddleware(mux))
}

// Run serves the API on httpAddr and metricsHandler on metricsAddr until
// ctx is cancelled.
func (s *Server) Run(ctx context.Context, httpAddr, metricsAddr string, metricsHandler http.Handler) error {
	var metricsSrv *http.Server
	if metricsAddr != "" && metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		metricsSrv = &http.Server{
			Addr:         metricsAddr,
			Handler:      metricsMux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			logging.Info(component, "metrics listening", "addr", metricsAddr+"/metrics")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Error(component, "metrics server error", "error", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:              httpAddr,
		Handler:           s.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logging.Info(component, "http listening", "addr", httpAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if s.hub != nil {
		s.hub.Close()
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
		"build":  buildinfo.Fields(),
	}
	if s.limiter != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		ok := s.limiter.Ping(ctx)
		out["ratelimit"] = ok
		if !ok {
			out["status"] = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack forwards websocket hijacking support to the underlying writer when available.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijacker not supported")
	}
	return hj.Hijack()
}

// instrumented wraps handlers to record metrics.
func (s *Server) instrumented(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		s.metrics.ObserveRequest(r.Method, route, strconv.Itoa(rec.status), time.Since(start).Seconds())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps package sentinels onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, approval.ErrNotFound),
		errors.Is(err, policy.ErrNotFound),
		errors.Is(err, webhook.ErrNotFound),
		errors.Is(err, webhook.ErrDeliveryNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, approval.ErrNotPending),
		errors.Is(err, policy.ErrExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, approval.ErrInvalidInput),
		errors.Is(err, approval.ErrReasonRequired),
		errors.Is(err, webhook.ErrInvalidURL),
		errors.Is(err, webhook.ErrInvalidEvents),
		policy.IsValidationError(err):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		logging.Error(component, "request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func parseLimit(r *http.Request) int64 {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return defaultListLimit
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}
