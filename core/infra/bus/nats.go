// Package bus publishes approval lifecycle events to NATS.
package bus

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/cordum/agentgate/core/events"
	"github.com/cordum/agentgate/core/infra/logging"
)

const (
	// SubjectPrefix is prepended to the event name.
	SubjectPrefix = "agentgate.events."

	envUseJetStream = "NATS_USE_JETSTREAM"
	envJSMaxAge     = "NATS_JS_MAX_AGE"

	envNATSTLSCA         = "NATS_TLS_CA"
	envNATSTLSCert       = "NATS_TLS_CERT"
	envNATSTLSKey        = "NATS_TLS_KEY"
	envNATSTLSInsecure   = "NATS_TLS_INSECURE"
	envNATSTLSServerName = "NATS_TLS_SERVER_NAME"

	defaultMaxAge = 7 * 24 * time.Hour
	streamEvents  = "AGENTGATE_EVENTS"
)

var (
	errNilBus     = errors.New("nats bus not initialized")
	errEmptyEvent = errors.New("event name required")
	errNilHandler = errors.New("nil handler")
)

// NatsBus is a thin wrapper over a NATS connection that speaks JSON events.
type NatsBus struct {
	nc        *nats.Conn
	js        nats.JetStreamContext
	jsEnabled bool
}

// NewNatsBus dials NATS at the provided URL.
func NewNatsBus(url string) (*NatsBus, error) {
	opts := []nats.Option{
		nats.Name("agentgate"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logging.Warn("bus", "disconnected from nats", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info("bus", "reconnected to nats", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logging.Info("bus", "connection closed")
		}),
	}
	tlsConfig, err := natsTLSConfigFromEnv()
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		opts = append(opts, nats.Secure(tlsConfig))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	b := &NatsBus{nc: nc}
	b.initJetStreamFromEnv()
	return b, nil
}

// Close shuts down the underlying NATS connection.
func (b *NatsBus) Close() {
	if b != nil && b.nc != nil {
		b.nc.Close()
	}
}

// Subject maps an event name to its NATS subject.
func Subject(eventName string) string {
	if eventName == "" {
		return ""
	}
	return SubjectPrefix + eventName
}

// Notify publishes ev on its subject. With JetStream enabled the event id
// doubles as the message id so redelivered publishes are de-duplicated.
func (b *NatsBus) Notify(_ context.Context, ev events.Event) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if ev.Name == "" {
		return errEmptyEvent
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	subject := Subject(ev.Name)
	if b.jsEnabled {
		if ev.ID != "" {
			_, err = b.js.Publish(subject, data, nats.MsgId(ev.ID))
		} else {
			_, err = b.js.Publish(subject, data)
		}
		return err
	}
	return b.nc.Publish(subject, data)
}

// Subscribe decodes events published under subject (wildcards allowed) and
// invokes handler. Handler errors are logged.
func (b *NatsBus) Subscribe(subject string, handler func(events.Event) error) (*nats.Subscription, error) {
	if b == nil || b.nc == nil {
		return nil, errNilBus
	}
	if subject == "" {
		subject = SubjectPrefix + ">"
	}
	if handler == nil {
		return nil, errNilHandler
	}
	return b.nc.Subscribe(subject, func(msg *nats.Msg) {
		ev, err := decodeEvent(msg.Data)
		if err != nil {
			logging.Error("bus", "decode event failed", "subject", msg.Subject, "error", err)
			return
		}
		if err := handler(ev); err != nil {
			logging.Error("bus", "event handler failed", "event", ev.Name, "error", err)
		}
	})
}

func decodeEvent(data []byte) (events.Event, error) {
	var ev events.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return events.Event{}, err
	}
	if ev.Name == "" {
		return events.Event{}, errEmptyEvent
	}
	return ev, nil
}

func (b *NatsBus) IsConnected() bool {
	return b != nil && b.nc != nil && b.nc.IsConnected()
}

func (b *NatsBus) Status() string {
	if b == nil || b.nc == nil {
		return "UNKNOWN"
	}
	return b.nc.Status().String()
}

func (b *NatsBus) ConnectedURL() string {
	if b == nil || b.nc == nil {
		return ""
	}
	return b.nc.ConnectedUrl()
}

func parseBoolEnv(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func (b *NatsBus) initJetStreamFromEnv() {
	if b == nil || b.nc == nil || !parseBoolEnv(envUseJetStream) {
		return
	}
	maxAge := defaultMaxAge
	if v := strings.TrimSpace(os.Getenv(envJSMaxAge)); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			maxAge = d
		}
	}

	js, err := b.nc.JetStream()
	if err != nil {
		logging.Warn("bus", "jetstream init failed", "error", err)
		return
	}
	if _, err := js.AccountInfo(); err != nil {
		logging.Warn("bus", "jetstream not available", "error", err)
		return
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:       streamEvents,
		Subjects:   []string{SubjectPrefix + ">"},
		Retention:  nats.LimitsPolicy,
		Storage:    nats.FileStorage,
		MaxAge:     maxAge,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		// Stream may already exist; treat that as success.
		if _, infoErr := js.StreamInfo(streamEvents); infoErr != nil {
			logging.Warn("bus", "jetstream ensure stream failed", "stream", streamEvents, "error", err)
			return
		}
	}
	b.js = js
	b.jsEnabled = true
	logging.Info("bus", "jetstream enabled", "stream", streamEvents, "max_age", maxAge)
}

func natsTLSConfigFromEnv() (*tls.Config, error) {
	caPath := strings.TrimSpace(os.Getenv(envNATSTLSCA))
	certPath := strings.TrimSpace(os.Getenv(envNATSTLSCert))
	keyPath := strings.TrimSpace(os.Getenv(envNATSTLSKey))
	serverName := strings.TrimSpace(os.Getenv(envNATSTLSServerName))
	insecure := parseBoolEnv(envNATSTLSInsecure)

	if caPath == "" && certPath == "" && keyPath == "" && serverName == "" && !insecure {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: serverName}
	if insecure {
		// #nosec G402 -- operator opt-in for self-signed test clusters.
		cfg.InsecureSkipVerify = true
	}
	if caPath != "" {
		// #nosec G304 -- CA path is operator-provided.
		pem, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("nats tls ca read: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("nats tls ca parse: %s", caPath)
		}
		cfg.RootCAs = pool
	}
	if certPath != "" || keyPath != "" {
		if certPath == "" || keyPath == "" {
			return nil, fmt.Errorf("nats tls cert/key must be set together")
		}
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("nats tls keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
