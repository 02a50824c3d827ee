package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/cordum/agentgate/core/infra/secrets"
)

const (
	webhookIndexKey  = "webhook:index"
	deliveryDueKey   = "delivery:due"
	scannerLockKey   = "webhook:scanner:lock"
	maxCASRetries    = 3
	defaultListLimit = 100
)

func webhookKey(id string) string  { return "webhook:" + id }
func deliveryKey(id string) string { return "delivery:" + id }
func webhookDeliveriesKey(webhookID string) string {
	return "webhook:" + webhookID + ":deliveries"
}

// RedisStore persists webhooks and deliveries. Pending deliveries are
// indexed in a sorted set scored by their next due time in milliseconds.
type RedisStore struct {
	client redis.UniversalClient
	box    *secrets.Box
}

// NewRedisStore wraps client. Webhook secrets are sealed with box when it
// is non-nil.
func NewRedisStore(client redis.UniversalClient, box *secrets.Box) *RedisStore {
	return &RedisStore{client: client, box: box}
}

// PutWebhook creates or replaces a webhook record.
func (s *RedisStore) PutWebhook(ctx context.Context, w *Webhook) error {
	if w == nil || strings.TrimSpace(w.ID) == "" {
		return fmt.Errorf("webhook id required")
	}
	stored := *w
	sealed, err := s.box.Seal(w.Secret)
	if err != nil {
		return fmt.Errorf("seal webhook secret: %w", err)
	}
	stored.Secret = sealed
	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("marshal webhook: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, webhookKey(w.ID), data, 0)
	pipe.ZAdd(ctx, webhookIndexKey, redis.Z{Score: float64(w.CreatedAt.UnixMilli()), Member: w.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// GetWebhook loads a webhook with its secret opened.
func (s *RedisStore) GetWebhook(ctx context.Context, id string) (*Webhook, error) {
	data, err := s.client.Get(ctx, webhookKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s.decodeWebhook(data)
}

func (s *RedisStore) decodeWebhook(data []byte) (*Webhook, error) {
	var w Webhook
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}
	plain, err := s.box.Open(w.Secret)
	if err != nil {
		return nil, fmt.Errorf("open webhook secret %s: %w", w.ID, err)
	}
	w.Secret = plain
	return &w, nil
}

// DeleteWebhook removes the webhook. Its deliveries are kept; pending ones
// fail with MarkerNotFound on their next scan.
func (s *RedisStore) DeleteWebhook(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, webhookKey(id))
	pipe.ZRem(ctx, webhookIndexKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListWebhooks returns webhooks in creation order.
func (s *RedisStore) ListWebhooks(ctx context.Context) ([]Webhook, error) {
	ids, err := s.client.ZRange(ctx, webhookIndexKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, webhookKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make([]Webhook, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}
		w, err := s.decodeWebhook(data)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, nil
}

// CreateDelivery stores a new delivery and indexes it.
func (s *RedisStore) CreateDelivery(ctx context.Context, d *Delivery) error {
	if d == nil {
		return fmt.Errorf("delivery required")
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal delivery: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, deliveryKey(d.ID), data, 0)
	pipe.ZAdd(ctx, webhookDeliveriesKey(d.WebhookID), redis.Z{Score: float64(d.CreatedAt.UnixMilli()), Member: d.ID})
	indexDue(ctx, pipe, d)
	_, err = pipe.Exec(ctx)
	return err
}

func indexDue(ctx context.Context, pipe redis.Pipeliner, d *Delivery) {
	if d.Status == StatusPending && d.NextAttemptAt != nil {
		pipe.ZAdd(ctx, deliveryDueKey, redis.Z{Score: float64(d.NextAttemptAt.UnixMilli()), Member: d.ID})
		return
	}
	pipe.ZRem(ctx, deliveryDueKey, d.ID)
}

// GetDelivery loads a delivery.
func (s *RedisStore) GetDelivery(ctx context.Context, id string) (*Delivery, error) {
	data, err := s.client.Get(ctx, deliveryKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrDeliveryNotFound
		}
		return nil, err
	}
	var d Delivery
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decode delivery: %w", err)
	}
	return &d, nil
}

// UpdateDelivery writes d only if the stored record is still pending with
// expectedAttempts attempts. Returns ErrConflict otherwise.
func (s *RedisStore) UpdateDelivery(ctx context.Context, d *Delivery, expectedAttempts int) error {
	key := deliveryKey(d.ID)
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal delivery: %w", err)
	}
	for i := 0; i < maxCASRetries; i++ {
		err = s.client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return ErrDeliveryNotFound
				}
				return err
			}
			var current Delivery
			if err := json.Unmarshal(raw, &current); err != nil {
				return fmt.Errorf("decode delivery: %w", err)
			}
			if current.Status != StatusPending || current.Attempts != expectedAttempts {
				return ErrConflict
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				indexDue(ctx, pipe, d)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrConflict
}

// DueDeliveryIDs returns up to limit pending delivery ids due at or before now.
func (s *RedisStore) DueDeliveryIDs(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.client.ZRangeByScore(ctx, deliveryDueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: limit,
	}).Result()
}

// Unindex drops a delivery from the due index.
func (s *RedisStore) Unindex(ctx context.Context, id string) error {
	return s.client.ZRem(ctx, deliveryDueKey, id).Err()
}

// ListDeliveries returns the newest deliveries for a webhook first.
func (s *RedisStore) ListDeliveries(ctx context.Context, webhookID string, limit int64) ([]Delivery, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	ids, err := s.client.ZRevRange(ctx, webhookDeliveriesKey(webhookID), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Delivery, 0, len(ids))
	for _, id := range ids {
		d, err := s.GetDelivery(ctx, id)
		if err != nil {
			if errors.Is(err, ErrDeliveryNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, *d)
	}
	return out, nil
}
