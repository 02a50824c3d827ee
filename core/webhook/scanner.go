package webhook

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cordum/agentgate/core/infra/locks"
	"github.com/cordum/agentgate/core/infra/logging"
)

const (
	defaultScanInterval = time.Second
	defaultScanBatch    = 100
)

// Scanner retries pending deliveries whose backoff has elapsed. Each tick
// is single-flight within the process and across processes sharing Redis.
type Scanner struct {
	dispatcher *Dispatcher
	interval   time.Duration
	batch      int64
	leases     locks.Store
	owner      string
	lockTTL    time.Duration
	running    atomic.Bool
}

// NewScanner polls every interval for at most batch due deliveries.
func NewScanner(d *Dispatcher, interval time.Duration, batch int64) *Scanner {
	if interval <= 0 {
		interval = defaultScanInterval
	}
	if batch <= 0 {
		batch = defaultScanBatch
	}
	return &Scanner{
		dispatcher: d,
		interval:   interval,
		batch:      batch,
		leases:     locks.NewRedisStore(d.store.client),
		owner:      uuid.NewString(),
		lockTTL:    interval * 30,
	}
}

// Start runs the poll loop until ctx is done.
func (s *Scanner) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx, s.dispatcher.now()); err != nil {
				logging.Error("webhook", "retry scan failed", "error", err)
			}
		}
	}
}

// RunOnce processes deliveries due at now and returns how many were
// attempted or closed. It returns immediately when another scan holds the
// tick.
func (s *Scanner) RunOnce(ctx context.Context, now time.Time) (int, error) {
	if !s.running.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer s.running.Store(false)

	store := s.dispatcher.store
	ok, err := s.leases.Acquire(ctx, scannerLockKey, s.owner, s.lockTTL)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	defer func() { _, _ = s.leases.Release(context.Background(), scannerLockKey, s.owner) }()

	ids, err := store.DueDeliveryIDs(ctx, now, s.batch)
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		done, err := s.process(ctx, id, now)
		if err != nil {
			logging.Error("webhook", "retry delivery failed", "delivery_id", id, "error", err)
			continue
		}
		if done {
			processed++
		}
	}
	return processed, nil
}

func (s *Scanner) process(ctx context.Context, id string, now time.Time) (bool, error) {
	d := s.dispatcher
	del, err := d.store.GetDelivery(ctx, id)
	if errors.Is(err, ErrDeliveryNotFound) {
		return false, d.store.Unindex(ctx, id)
	}
	if err != nil {
		return false, err
	}
	if del.Status != StatusPending {
		return false, d.store.Unindex(ctx, id)
	}
	expected := del.Attempts
	if del.Attempts >= d.policy.MaxAttempts {
		failWithout(del, "")
		return true, s.save(ctx, del, expected)
	}
	if d.policy.NextDue(del).After(now) {
		return false, nil
	}
	hook, err := d.resolve(ctx, del)
	if err != nil {
		return false, err
	}
	if hook != nil {
		d.attempt(ctx, hook, del)
	}
	return true, s.save(ctx, del, expected)
}

func (s *Scanner) save(ctx context.Context, del *Delivery, expected int) error {
	err := s.dispatcher.store.UpdateDelivery(ctx, del, expected)
	if errors.Is(err, ErrConflict) {
		logging.Info("webhook", "delivery changed during retry, skipping", "delivery_id", del.ID)
		return nil
	}
	return err
}
