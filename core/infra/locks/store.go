// Package locks provides owner-checked, expiring leases in Redis so that
// background loops run on at most one replica per tick.
package locks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultTTL = 30 * time.Second

var errInvalidLease = errors.New("resource and owner required")

// Store grants exclusive leases keyed by resource.
type Store interface {
	Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, resource, owner string) (bool, error)
	Renew(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error)
}

// Release and Renew only touch the key while owner still holds it, so an
// expired lease taken over by another replica is never released by the
// previous holder.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
)

// RedisStore implements Store with SET NX PX and owner-checked scripts.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps client; the caller owns its lifecycle.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Acquire takes resource for owner unless someone else holds it.
// Re-acquiring a lease owner already holds extends it.
func (s *RedisStore) Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	key, err := leaseKey(resource, owner)
	if err != nil {
		return false, err
	}
	ttl = normalizeTTL(ttl)
	ok, err := s.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", resource, err)
	}
	if ok {
		return true, nil
	}
	return s.Renew(ctx, resource, owner, ttl)
}

// Release drops the lease if owner holds it.
func (s *RedisStore) Release(ctx context.Context, resource, owner string) (bool, error) {
	key, err := leaseKey(resource, owner)
	if err != nil {
		return false, err
	}
	n, err := releaseScript.Run(ctx, s.client, []string{key}, owner).Int()
	if err != nil {
		return false, fmt.Errorf("release lease %s: %w", resource, err)
	}
	return n == 1, nil
}

// Renew extends the lease if owner holds it.
func (s *RedisStore) Renew(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	key, err := leaseKey(resource, owner)
	if err != nil {
		return false, err
	}
	n, err := renewScript.Run(ctx, s.client, []string{key}, owner, normalizeTTL(ttl).Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew lease %s: %w", resource, err)
	}
	return n == 1, nil
}

func leaseKey(resource, owner string) (string, error) {
	resource = strings.TrimSpace(resource)
	if resource == "" || strings.TrimSpace(owner) == "" {
		return "", errInvalidLease
	}
	return resource, nil
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return defaultTTL
	}
	return ttl
}
