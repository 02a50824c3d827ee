package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHTTPAddr    = ":8080"
	defaultMetricsAddr = ":9090"
	defaultRedisURL    = "redis://localhost:6379"

	envHTTPAddr       = "AGENTGATE_HTTP_ADDR"
	envMetricsAddr    = "AGENTGATE_METRICS_ADDR"
	envRedisURL       = "REDIS_URL"
	envNATSURL        = "NATS_URL"
	envConfigPath     = "AGENTGATE_CONFIG"
	envPolicyBundle   = "AGENTGATE_POLICY_BUNDLE"
	envAPIKeys        = "AGENTGATE_API_KEYS"
	envSecretKey      = "AGENTGATE_SECRET_KEY"
	envRateBackend    = "AGENTGATE_RATELIMIT_BACKEND"
	envRateLimit      = "AGENTGATE_RATELIMIT_LIMIT"
	envRateWindow     = "AGENTGATE_RATELIMIT_WINDOW"
	envWebhookMax     = "AGENTGATE_WEBHOOK_MAX_ATTEMPTS"
	envWebhookBackoff = "AGENTGATE_WEBHOOK_BACKOFF_BASE"
	envWebhookTimeout = "AGENTGATE_WEBHOOK_TIMEOUT"
	envRequestTTL     = "AGENTGATE_REQUEST_TTL"

	BackendRedis = "redis"
	BackendLocal = "local"
)

// RateLimitConfig controls admission control on the API.
type RateLimitConfig struct {
	Backend           string        `yaml:"backend"`
	Limit             int           `yaml:"limit"`
	Window            time.Duration `yaml:"window"`
	OpTimeout         time.Duration `yaml:"op_timeout"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
}

// WebhookConfig controls delivery and retry.
type WebhookConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	BackoffBase  time.Duration `yaml:"backoff_base"`
	Timeout      time.Duration `yaml:"timeout"`
	ScanInterval time.Duration `yaml:"scan_interval"`
	ScanBatch    int64         `yaml:"scan_batch"`
	BlockedHosts []string      `yaml:"blocked_hosts"`
}

// ApprovalConfig controls request expiry.
type ApprovalConfig struct {
	DefaultTTL    time.Duration `yaml:"default_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Config holds runtime configuration for the gateway.
type Config struct {
	HTTPAddr         string          `yaml:"http_addr"`
	MetricsAddr      string          `yaml:"metrics_addr"`
	RedisURL         string          `yaml:"redis_url"`
	NatsURL          string          `yaml:"nats_url"`
	PolicyBundlePath string          `yaml:"policy_bundle"`
	APIKeys          []string        `yaml:"api_keys"`
	SecretKey        string          `yaml:"secret_key"`
	RateLimit        RateLimitConfig `yaml:"rate_limit"`
	Webhook          WebhookConfig   `yaml:"webhook"`
	Approval         ApprovalConfig  `yaml:"approval"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		HTTPAddr:    defaultHTTPAddr,
		MetricsAddr: defaultMetricsAddr,
		RedisURL:    defaultRedisURL,
		RateLimit: RateLimitConfig{
			Backend:           BackendRedis,
			Limit:             100,
			Window:            60 * time.Second,
			OpTimeout:         250 * time.Millisecond,
			ReconnectInterval: 5 * time.Second,
			SweepInterval:     60 * time.Second,
		},
		Webhook: WebhookConfig{
			MaxAttempts:  3,
			BackoffBase:  time.Second,
			Timeout:      10 * time.Second,
			ScanInterval: time.Second,
			ScanBatch:    100,
		},
		Approval: ApprovalConfig{
			DefaultTTL:    24 * time.Hour,
			SweepInterval: 10 * time.Second,
		},
	}
}

// Load returns configuration from the environment over the defaults. The
// file named by AGENTGATE_CONFIG is not read; use LoadFile for that.
func Load() *Config {
	cfg := Defaults()
	cfg.applyEnv()
	return cfg
}

// ConfigPathFromEnv returns the config file path set in the environment.
func ConfigPathFromEnv() string {
	return strings.TrimSpace(os.Getenv(envConfigPath))
}

// LoadFile layers defaults, then the YAML file at path (if any), then the
// environment, and validates the result.
func LoadFile(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		// #nosec G304 -- config path is operator-provided.
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.overlay(data); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.HTTPAddr, envHTTPAddr)
	setString(&c.MetricsAddr, envMetricsAddr)
	setString(&c.RedisURL, envRedisURL)
	setString(&c.NatsURL, envNATSURL)
	setString(&c.PolicyBundlePath, envPolicyBundle)
	setString(&c.SecretKey, envSecretKey)
	setString(&c.RateLimit.Backend, envRateBackend)
	if keys := splitList(os.Getenv(envAPIKeys)); len(keys) > 0 {
		c.APIKeys = keys
	}
	setInt(&c.RateLimit.Limit, envRateLimit)
	setDuration(&c.RateLimit.Window, envRateWindow)
	setInt(&c.Webhook.MaxAttempts, envWebhookMax)
	setDuration(&c.Webhook.BackoffBase, envWebhookBackoff)
	setDuration(&c.Webhook.Timeout, envWebhookTimeout)
	setDuration(&c.Approval.DefaultTTL, envRequestTTL)
}

// Validate rejects settings the gateway cannot run with.
func (c *Config) Validate() error {
	switch c.RateLimit.Backend {
	case BackendRedis, BackendLocal:
	default:
		return fmt.Errorf("rate_limit.backend must be %q or %q, got %q", BackendRedis, BackendLocal, c.RateLimit.Backend)
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.window must be positive")
	}
	if c.Webhook.MaxAttempts < 1 {
		return fmt.Errorf("webhook.max_attempts must be at least 1")
	}
	if c.Webhook.BackoffBase <= 0 || c.Webhook.Timeout <= 0 {
		return fmt.Errorf("webhook backoff_base and timeout must be positive")
	}
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return fmt.Errorf("http_addr required")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func splitList(raw string) []string {
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t'
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
