package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotFound is returned when a policy id has no stored record.
	ErrNotFound = errors.New("policy not found")
	// ErrExists is returned by Create when the id is already taken.
	ErrExists = errors.New("policy already exists")
)

const policyIndexKey = "policy:index"

func policyKey(id string) string {
	return "policy:" + id
}

// RedisStore persists policies as JSON records with a creation-ordered index.
type RedisStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewRedisStore wraps an existing client; the caller owns its lifecycle.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

// Create validates p, assigns an id and timestamps, and stores it.
func (s *RedisStore) Create(ctx context.Context, p *Policy) error {
	if p == nil {
		return &ValidationError{Message: "policy required"}
	}
	if strings.TrimSpace(p.ID) == "" {
		p.ID = uuid.NewString()
	}
	now := s.now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	if err := ValidatePolicy(p); err != nil {
		return err
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	created, err := s.client.SetNX(ctx, policyKey(p.ID), payload, 0).Result()
	if err != nil {
		return err
	}
	if !created {
		return fmt.Errorf("%w: %s", ErrExists, p.ID)
	}
	return s.client.ZAdd(ctx, policyIndexKey, redis.Z{Score: float64(now.UnixMilli()), Member: p.ID}).Err()
}

// Put upserts p under its id, preserving CreatedAt when the record exists.
// Used for seeding from policy bundles.
func (s *RedisStore) Put(ctx context.Context, p *Policy) error {
	if p == nil || strings.TrimSpace(p.ID) == "" {
		return &ValidationError{Field: "id", Message: "required"}
	}
	now := s.now().UTC()
	if existing, err := s.Get(ctx, p.ID); err == nil {
		p.CreatedAt = existing.CreatedAt
	} else if !errors.Is(err, ErrNotFound) {
		return err
	} else {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	return s.write(ctx, p)
}

// Update replaces an existing policy after validation.
func (s *RedisStore) Update(ctx context.Context, p *Policy) error {
	if p == nil || strings.TrimSpace(p.ID) == "" {
		return &ValidationError{Field: "id", Message: "required"}
	}
	existing, err := s.Get(ctx, p.ID)
	if err != nil {
		return err
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = s.now().UTC()
	return s.write(ctx, p)
}

func (s *RedisStore) write(ctx context.Context, p *Policy) error {
	if err := ValidatePolicy(p); err != nil {
		return err
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, policyKey(p.ID), payload, 0)
	pipe.ZAdd(ctx, policyIndexKey, redis.Z{Score: float64(p.CreatedAt.UnixMilli()), Member: p.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// Get returns a policy by id.
func (s *RedisStore) Get(ctx context.Context, id string) (*Policy, error) {
	if id == "" {
		return nil, fmt.Errorf("id required")
	}
	data, err := s.client.Get(ctx, policyKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal policy: %w", err)
	}
	return &p, nil
}

// Delete removes a policy and its index entry.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("id required")
	}
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, policyKey(id))
	pipe.ZRem(ctx, policyIndexKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns every stored policy in creation order.
func (s *RedisStore) List(ctx context.Context) ([]Policy, error) {
	ids, err := s.client.ZRange(ctx, policyIndexKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []Policy{}, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, policyKey(id))
	}
	_, _ = pipe.Exec(ctx)

	out := make([]Policy, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}
		var p Policy
		if err := json.Unmarshal(data, &p); err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}
