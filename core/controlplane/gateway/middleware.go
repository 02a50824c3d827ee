package gateway

import (
	"crypto/subtle"
	"encoding/base64"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
)

const wsAPIKeyProtocol = "agentgate-api-key"

// rateLimitMiddleware admits /api/ requests against the limiter, keyed by
// API key when present and by client IP otherwise.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	if s.limiter == nil || s.rateLimit <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || !strings.HasPrefix(r.URL.Path, "/api/") || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		res := s.limiter.CheckLimit(r.Context(), clientKey(r), s.rateLimit)
		s.metrics.IncRateLimit(res.Allowed)
		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		h.Set("X-RateLimit-Reset", strconv.Itoa(res.RetryAfter()))
		if !res.Allowed {
			h.Set("Retry-After", strconv.Itoa(res.RetryAfter()))
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// apiKeyMiddleware enforces X-API-Key on /api/ routes when keys are configured.
func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	if len(s.keys) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		if !s.validKey(requestAPIKey(r)) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) validKey(key string) bool {
	if key == "" {
		return false
	}
	for k := range s.keys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
			return true
		}
	}
	return false
}

func requestAPIKey(r *http.Request) string {
	key := normalizeAPIKey(r.Header.Get("X-API-Key"))
	if key == "" && websocket.IsWebSocketUpgrade(r) {
		key = normalizeAPIKey(apiKeyFromWebSocket(r))
	}
	return key
}

func normalizeAPIKey(key string) string {
	key = strings.TrimSpace(key)
	// Common .env mistake: quoting values (e.g. "super-secret-key").
	key = strings.Trim(key, "\"'")
	return strings.TrimSpace(key)
}

// apiKeyFromWebSocket reads the key from Sec-WebSocket-Protocol, either as
// the entry after agentgate-api-key or as agentgate-api-key.<base64>.
func apiKeyFromWebSocket(r *http.Request) string {
	protocols := websocket.Subprotocols(r)
	for i, protocol := range protocols {
		if strings.EqualFold(protocol, wsAPIKeyProtocol) && i+1 < len(protocols) {
			return decodeWSAPIKey(protocols[i+1])
		}
		prefix := wsAPIKeyProtocol + "."
		if strings.HasPrefix(strings.ToLower(protocol), prefix) {
			return decodeWSAPIKey(protocol[len(prefix):])
		}
	}
	return ""
}

func decodeWSAPIKey(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if decoded, err := base64.RawURLEncoding.DecodeString(raw); err == nil {
		return string(decoded)
	}
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil {
		return string(decoded)
	}
	return raw
}

func clientKey(r *http.Request) string {
	if key := requestAPIKey(r); key != "" {
		return "key:" + key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
