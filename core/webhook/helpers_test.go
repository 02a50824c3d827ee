package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/cordum/agentgate/core/urlguard"
)

// loopbackValidator approves every URL and pins it to 127.0.0.1 so tests
// can reach httptest servers.
type loopbackValidator struct{}

func (loopbackValidator) Validate(context.Context, string) urlguard.Result {
	return urlguard.Result{Valid: true, ResolvedIP: netip.MustParseAddr("127.0.0.1")}
}

type denyValidator struct{}

func (denyValidator) Validate(context.Context, string) urlguard.Result {
	return urlguard.Result{Valid: false, Reason: "private or reserved address 10.0.0.5"}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type recorder struct {
	mu      sync.Mutex
	status  int
	reply   string
	hits    int
	headers http.Header
	body    []byte
}

func (r *recorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body, _ := io.ReadAll(req.Body)
	r.mu.Lock()
	r.hits++
	r.headers = req.Header.Clone()
	r.body = body
	status := r.status
	reply := r.reply
	r.mu.Unlock()
	w.WriteHeader(status)
	_, _ = io.WriteString(w, reply)
}

func (r *recorder) Hits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hits
}

type fixture struct {
	mr         *miniredis.Miniredis
	store      *RedisStore
	dispatcher *Dispatcher
	scanner    *Scanner
	clock      *testClock
	t0         time.Time
}

func newFixture(t *testing.T, validator URLValidator) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	t0 := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	clock := &testClock{now: t0}
	store := NewRedisStore(client, nil)
	d := NewDispatcher(store, NewSender(validator, 2*time.Second), validator,
		WithClock(clock.Now),
		WithRetryPolicy(RetryPolicy{MaxAttempts: 3, BackoffBase: time.Second}),
	)
	return &fixture{
		mr:         mr,
		store:      store,
		dispatcher: d,
		scanner:    NewScanner(d, time.Second, 10),
		clock:      clock,
		t0:         t0,
	}
}

func newRecorderServer(t *testing.T, status int, reply string) (*recorder, *httptest.Server) {
	t.Helper()
	rec := &recorder{status: status, reply: reply}
	srv := httptest.NewServer(rec)
	t.Cleanup(srv.Close)
	return rec, srv
}

func (f *fixture) onlyDelivery(t *testing.T, webhookID string) Delivery {
	t.Helper()
	list, err := f.store.ListDeliveries(context.Background(), webhookID, 10)
	if err != nil {
		t.Fatalf("list deliveries: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(list))
	}
	return list[0]
}

func newServer(t *testing.T, h http.Handler) string {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv.URL
}
