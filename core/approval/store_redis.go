package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	requestIndexKey  = "approval:index"
	requestExpiryKey = "approval:expiry"
	maxTxRetries     = 3
	defaultListLimit = 100
)

func requestKey(id string) string { return "approval:" + id }

func statusIndexKey(s Status) string { return "approval:status:" + string(s) }

// RedisStore keeps requests as JSON with a creation index, per-status
// indexes and an expiry index of pending requests.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps client; the caller owns it.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Create stores a new request.
func (s *RedisStore) Create(ctx context.Context, r *Request) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	score := float64(r.CreatedAt.UnixMilli())
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, requestKey(r.ID), data, 0)
	pipe.ZAdd(ctx, requestIndexKey, redis.Z{Score: score, Member: r.ID})
	pipe.ZAdd(ctx, statusIndexKey(r.Status), redis.Z{Score: score, Member: r.ID})
	if r.Status == StatusPending && r.ExpiresAt != nil {
		pipe.ZAdd(ctx, requestExpiryKey, redis.Z{Score: float64(r.ExpiresAt.UnixMilli()), Member: r.ID})
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Get loads a request.
func (s *RedisStore) Get(ctx context.Context, id string) (*Request, error) {
	data, err := s.client.Get(ctx, requestKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeRequest(data)
}

func decodeRequest(data []byte) (*Request, error) {
	var r Request
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	return &r, nil
}

// List returns newest requests first, optionally filtered by status.
func (s *RedisStore) List(ctx context.Context, status Status, limit int64) ([]Request, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	key := requestIndexKey
	if status != "" {
		key = statusIndexKey(status)
	}
	ids, err := s.client.ZRevRange(ctx, key, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, requestKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make([]Request, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}
		r, err := decodeRequest(data)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, nil
}

// Transition applies mutate to a pending request under WATCH. mutate must
// move the request out of pending; ErrNotPending is returned when the
// stored status is no longer pending.
func (s *RedisStore) Transition(ctx context.Context, id string, mutate func(*Request) error) (*Request, error) {
	key := requestKey(id)
	var out *Request
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return ErrNotFound
				}
				return err
			}
			r, err := decodeRequest(data)
			if err != nil {
				return err
			}
			if r.Status != StatusPending {
				return ErrNotPending
			}
			if err := mutate(r); err != nil {
				return err
			}
			if r.Status == StatusPending || !r.Status.Valid() {
				return fmt.Errorf("transition left request %s in status %q", id, r.Status)
			}
			updated, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("marshal request: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, 0)
				pipe.ZRem(ctx, statusIndexKey(StatusPending), id)
				pipe.ZAdd(ctx, statusIndexKey(r.Status), redis.Z{Score: float64(r.CreatedAt.UnixMilli()), Member: id})
				pipe.ZRem(ctx, requestExpiryKey, id)
				return nil
			})
			if err == nil {
				out = r
			}
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("transition request %s: %w", id, redis.TxFailedErr)
}

// ExpiredIDs returns pending request ids whose expiry is at or before now.
func (s *RedisStore) ExpiredIDs(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.client.ZRangeByScore(ctx, requestExpiryKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: limit,
	}).Result()
}

// Unindex drops id from the expiry index.
func (s *RedisStore) Unindex(ctx context.Context, id string) error {
	return s.client.ZRem(ctx, requestExpiryKey, id).Err()
}
