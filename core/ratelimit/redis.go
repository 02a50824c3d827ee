package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/cordum/agentgate/core/infra/logging"
)

// windowScript prunes, counts and conditionally records in one round trip.
// Returns {allowed, countBeforeInsert, oldestScoreMs or -1}.
var windowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local limit = tonumber(ARGV[3])
local member = ARGV[4]
local ttl = tonumber(ARGV[5])

redis.call('ZREMRANGEBYSCORE', key, '-inf', ARGV[2])
local count = redis.call('ZCARD', key)
local oldest = -1
local head = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if #head >= 2 then
  oldest = tonumber(head[2])
end
if count >= limit then
  return {0, count, oldest}
end
redis.call('ZADD', key, ARGV[1], member)
redis.call('PEXPIRE', key, ttl)
if oldest < 0 then
  oldest = now
end
return {1, count, oldest}
`)

const expirySlack = time.Second

type backendState int

const (
	stateConnected backendState = iota
	stateDegraded
)

func (s backendState) String() string {
	if s == stateDegraded {
		return "degraded"
	}
	return "connected"
}

// RedisLimiter shares sliding windows across instances through Redis
// sorted sets. While Redis is unreachable checks are served by an embedded
// LocalLimiter and a background loop probes for recovery.
type RedisLimiter struct {
	client redis.UniversalClient
	local  *LocalLimiter
	opts   options

	mu    sync.Mutex
	state backendState

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRedisLimiter wraps client. The caller owns the client lifecycle.
func NewRedisLimiter(client redis.UniversalClient, opts ...Option) *RedisLimiter {
	o := buildOptions(opts)
	l := &RedisLimiter{
		client: client,
		local:  NewLocalLimiter(opts...),
		opts:   o,
		state:  stateConnected,
		stop:   make(chan struct{}),
	}
	o.metrics.SetRateLimitBackend("redis", true)
	l.wg.Add(1)
	go l.reconnectLoop()
	return l
}

// Degraded reports whether checks are currently served locally.
func (l *RedisLimiter) Degraded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == stateDegraded
}

// CheckLimit admits or denies key against limit. Backend failures are
// absorbed: the result then comes from the local fallback.
func (l *RedisLimiter) CheckLimit(ctx context.Context, key string, limit int) Result {
	if limit <= 0 {
		return unlimited()
	}
	if l.Degraded() {
		return l.local.CheckLimit(ctx, key, limit)
	}
	res, err := l.checkRedis(ctx, key, limit)
	if err != nil {
		l.degrade(err)
		return l.local.CheckLimit(ctx, key, limit)
	}
	return res
}

// backendContext bounds a backend call by opTimeout only. A caller that goes
// away must not be mistaken for a backend failure.
func (l *RedisLimiter) backendContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), l.opts.opTimeout)
}

func (l *RedisLimiter) checkRedis(ctx context.Context, key string, limit int) (Result, error) {
	ctx, cancel := l.backendContext(ctx)
	defer cancel()

	now := l.opts.now()
	nowMs := now.UnixMilli()
	cutoff := nowMs - l.opts.window.Milliseconds()
	member := fmt.Sprintf("%d-%s", nowMs, uuid.NewString())
	ttl := (l.opts.window + expirySlack).Milliseconds()

	raw, err := windowScript.Run(ctx, l.client, []string{keyPrefix + key}, nowMs, cutoff, limit, member, ttl).Result()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit script: %w", err)
	}
	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 3 {
		return Result{}, fmt.Errorf("ratelimit script: unexpected reply %T", raw)
	}
	allowed, _ := vals[0].(int64)
	count, _ := vals[1].(int64)
	oldestMs, _ := vals[2].(int64)

	var oldest time.Time
	if oldestMs >= 0 {
		oldest = time.UnixMilli(oldestMs)
	}
	res := Result{Limit: limit, ResetMs: resetMs(oldest, time.UnixMilli(nowMs), l.opts.window)}
	if allowed == 1 {
		res.Allowed = true
		res.Remaining = limit - int(count) - 1
		if res.Remaining < 0 {
			res.Remaining = 0
		}
	}
	return res, nil
}

// Reset clears key in Redis and in the local fallback.
func (l *RedisLimiter) Reset(ctx context.Context, key string) {
	l.local.Reset(ctx, key)
	if l.Degraded() {
		return
	}
	ctx, cancel := l.backendContext(ctx)
	defer cancel()
	if err := l.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		l.degrade(err)
	}
}

// ClearAll removes every limiter key.
func (l *RedisLimiter) ClearAll(ctx context.Context) {
	l.local.ClearAll(ctx)
	if l.Degraded() {
		return
	}
	if err := l.clearRedis(ctx); err != nil {
		l.degrade(err)
	}
}

func (l *RedisLimiter) clearRedis(ctx context.Context) error {
	var cursor uint64
	for {
		opCtx, cancel := l.backendContext(ctx)
		keys, next, err := l.client.Scan(opCtx, cursor, keyPrefix+"*", 200).Result()
		if err == nil && len(keys) > 0 {
			err = l.client.Del(opCtx, keys...).Err()
		}
		cancel()
		if err != nil {
			return err
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Ping issues a PING and never changes backend state.
func (l *RedisLimiter) Ping(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, l.opts.opTimeout)
	defer cancel()
	return l.client.Ping(ctx).Err() == nil
}

// Shutdown stops the reconnect loop and the local sweeper. The Redis
// client is left open.
func (l *RedisLimiter) Shutdown() {
	l.stopOnce.Do(func() { close(l.stop) })
	l.wg.Wait()
	l.local.Shutdown()
}

func (l *RedisLimiter) degrade(err error) {
	l.mu.Lock()
	prev := l.state
	l.state = stateDegraded
	l.mu.Unlock()
	if prev != stateDegraded {
		logging.Warn("ratelimit", "redis unavailable, using local fallback", "error", err)
		l.opts.metrics.SetRateLimitBackend("redis", false)
	}
}

func (l *RedisLimiter) reconnected() {
	l.mu.Lock()
	prev := l.state
	l.state = stateConnected
	l.mu.Unlock()
	if prev != stateConnected {
		logging.Info("ratelimit", "redis reachable again, leaving local fallback")
		l.opts.metrics.SetRateLimitBackend("redis", true)
	}
}

func (l *RedisLimiter) reconnectLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.opts.reconnectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			if !l.Degraded() {
				continue
			}
			if l.Ping(context.Background()) {
				l.reconnected()
			}
		}
	}
}
