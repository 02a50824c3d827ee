// Package urlguard validates outbound webhook targets against SSRF.
package urlguard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

const defaultLookupTimeout = 5 * time.Second

// DefaultBlockedHosts are rejected together with all their subdomains.
var DefaultBlockedHosts = []string{
	"localhost",
	"localhost.localdomain",
	"ip6-localhost",
	"ip6-loopback",
	"metadata",
	"metadata.google.internal",
	"metadata.goog",
	"metadata.azure.com",
	"instance-data",
	"instance-data.ec2.internal",
	"kubernetes.default",
	"kubernetes.default.svc",
}

// Resolver looks up host addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

// Result is the outcome of a validation. ResolvedIP is the address a
// caller should dial when Valid is true.
type Result struct {
	Valid      bool       `json:"valid"`
	Reason     string     `json:"reason,omitempty"`
	ResolvedIP netip.Addr `json:"resolvedIp,omitempty"`
}

func reject(format string, args ...any) Result {
	return Result{Valid: false, Reason: fmt.Sprintf(format, args...)}
}

// Validator applies the URL checks in order; the first failure wins.
type Validator struct {
	resolver      Resolver
	blocked       []string
	lookupTimeout time.Duration
}

// Option configures a Validator.
type Option func(*Validator)

// WithResolver replaces the system resolver.
func WithResolver(r Resolver) Option {
	return func(v *Validator) {
		if r != nil {
			v.resolver = r
		}
	}
}

// WithBlockedHosts appends extra blocked hostnames.
func WithBlockedHosts(hosts ...string) Option {
	return func(v *Validator) {
		for _, h := range hosts {
			if h = normalizeHost(h); h != "" {
				v.blocked = append(v.blocked, h)
			}
		}
	}
}

// WithLookupTimeout bounds DNS resolution.
func WithLookupTimeout(d time.Duration) Option {
	return func(v *Validator) {
		if d > 0 {
			v.lookupTimeout = d
		}
	}
}

// New builds a Validator using the system resolver by default.
func New(opts ...Option) *Validator {
	v := &Validator{
		resolver:      net.DefaultResolver,
		blocked:       append([]string(nil), DefaultBlockedHosts...),
		lookupTimeout: defaultLookupTimeout,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate checks rawURL and, for symbolic hosts, every resolved address.
func (v *Validator) Validate(ctx context.Context, rawURL string) Result {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return reject("invalid url: %v", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return reject("unsupported scheme %q", u.Scheme)
	}
	host := normalizeHost(u.Hostname())
	if host == "" {
		return reject("missing host")
	}
	for _, b := range v.blocked {
		if host == b || strings.HasSuffix(host, "."+b) {
			return reject("blocked hostname %s", host)
		}
	}
	if addr, ok := parseHostAddr(host); ok {
		if reason := CheckAddr(addr); reason != "" {
			return reject("%s", reason)
		}
		return Result{Valid: true, ResolvedIP: addr.WithZone("").Unmap()}
	}
	return v.validateResolved(ctx, host)
}

func (v *Validator) validateResolved(ctx context.Context, host string) Result {
	ctx, cancel := context.WithTimeout(ctx, v.lookupTimeout)
	defer cancel()

	var addrs []netip.Addr
	for _, network := range []string{"ip4", "ip6"} {
		ips, err := v.resolver.LookupIP(ctx, network, host)
		if err != nil {
			// Only an authoritative "no such records" answer is tolerated.
			var dnsErr *net.DNSError
			if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
				continue
			}
			return reject("dns resolution failed for %s: %v", host, err)
		}
		for _, ip := range ips {
			if addr, ok := netip.AddrFromSlice(ip); ok {
				addrs = append(addrs, addr.Unmap())
			}
		}
	}
	if len(addrs) == 0 {
		return reject("no addresses for %s", host)
	}
	for _, addr := range addrs {
		if reason := CheckAddr(addr); reason != "" {
			return reject("%s resolves to %s", host, reason)
		}
	}
	return Result{Valid: true, ResolvedIP: addrs[0]}
}

// normalizeHost applies NFKC so full-width and other compatibility forms
// compare equal to their ASCII spelling.
func normalizeHost(host string) string {
	host = norm.NFKC.String(strings.TrimSpace(host))
	host = strings.ToLower(host)
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return strings.TrimRight(host, ".")
}
