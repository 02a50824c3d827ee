package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cordum/agentgate/core/urlguard"
)

const defaultSendTimeout = 10 * time.Second

// URLValidator re-checks a target before each attempt. *urlguard.Validator
// satisfies it.
type URLValidator interface {
	Validate(ctx context.Context, rawURL string) urlguard.Result
}

type pinnedAddrKey struct{}

// Sender performs single signed POST attempts. The TCP dial is pinned to
// the address the validator approved so a second DNS answer cannot
// redirect the request.
type Sender struct {
	client    *http.Client
	validator URLValidator
	timeout   time.Duration
}

// NewSender builds a Sender with a per-attempt timeout.
func NewSender(validator URLValidator, timeout time.Duration) *Sender {
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	dialer := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy: nil,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			pinned, ok := ctx.Value(pinnedAddrKey{}).(string)
			if !ok || pinned == "" {
				return nil, fmt.Errorf("webhook dial without validated address")
			}
			_, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(pinned, port))
		},
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		MaxIdleConns:          32,
		IdleConnTimeout:       90 * time.Second,
	}
	return &Sender{
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		validator: validator,
		timeout:   timeout,
	}
}

// Send makes one attempt of d against hook. Only a 2xx response counts as
// success; redirects are not followed.
func (s *Sender) Send(ctx context.Context, hook *Webhook, d *Delivery, now time.Time) attemptOutcome {
	check := s.validator.Validate(ctx, hook.URL)
	if !check.Valid {
		return attemptOutcome{body: "url rejected: " + check.Reason}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, pinnedAddrKey{}, check.ResolvedIP.String())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(d.Payload))
	if err != nil {
		return attemptOutcome{body: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "AgentGate-Webhook/1")
	req.Header.Set(HeaderSignature, Sign(hook.Secret, d.Payload))
	req.Header.Set(HeaderEvent, d.Event)
	req.Header.Set(HeaderEventID, d.EventID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(now.UnixMilli(), 10))

	resp, err := s.client.Do(req)
	if err != nil {
		return attemptOutcome{body: err.Error()}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	return attemptOutcome{
		ok:   resp.StatusCode >= 200 && resp.StatusCode < 300,
		code: resp.StatusCode,
		body: string(body),
	}
}
