// Package ratelimit implements sliding-window admission control with an
// in-process backend and a shared Redis backend that degrades to the
// in-process one while Redis is unreachable.
package ratelimit

import (
	"context"
	"time"

	"github.com/cordum/agentgate/core/infra/metrics"
)

const (
	DefaultWindow            = 60 * time.Second
	defaultOpTimeout         = 250 * time.Millisecond
	defaultReconnectInterval = 5 * time.Second
	keyPrefix                = "ratelimit:"
)

// Result is the outcome of a single admission check.
type Result struct {
	Allowed   bool  `json:"allowed"`
	Limit     int   `json:"limit"`
	Remaining int   `json:"remaining"`
	ResetMs   int64 `json:"resetMs"`
}

// RetryAfter rounds ResetMs up to whole seconds for the Retry-After header.
func (r Result) RetryAfter() int {
	if r.ResetMs <= 0 {
		return 0
	}
	return int((r.ResetMs + 999) / 1000)
}

// Limiter is the admission-control contract shared by all backends.
type Limiter interface {
	CheckLimit(ctx context.Context, key string, limit int) Result
	Reset(ctx context.Context, key string)
	ClearAll(ctx context.Context)
	Shutdown()
	Ping(ctx context.Context) bool
}

type options struct {
	window            time.Duration
	sweepInterval     time.Duration
	opTimeout         time.Duration
	reconnectInterval time.Duration
	now               func() time.Time
	metrics           metrics.Metrics
}

// Option configures a limiter.
type Option func(*options)

// WithWindow sets the sliding window length.
func WithWindow(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.window = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithSweepInterval sets how often idle local entries are purged. Zero
// disables the background sweep.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) { o.sweepInterval = d }
}

// WithOpTimeout bounds each Redis call.
func WithOpTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.opTimeout = d
		}
	}
}

// WithReconnectInterval sets how often a degraded Redis limiter probes the server.
func WithReconnectInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.reconnectInterval = d
		}
	}
}

// WithMetrics reports backend health.
func WithMetrics(m metrics.Metrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		window:            DefaultWindow,
		sweepInterval:     DefaultWindow,
		opTimeout:         defaultOpTimeout,
		reconnectInterval: defaultReconnectInterval,
		now:               time.Now,
		metrics:           metrics.Noop{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func unlimited() Result {
	return Result{Allowed: true}
}

// resetMs is the time until the oldest retained timestamp leaves the
// window, or the full window when nothing is retained.
func resetMs(oldest, now time.Time, window time.Duration) int64 {
	if oldest.IsZero() {
		return window.Milliseconds()
	}
	ms := oldest.Add(window).Sub(now).Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}
