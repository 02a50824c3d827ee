package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

type entry struct {
	mu     sync.Mutex
	stamps []time.Time
	// dead is set by the sweeper once the entry is unlinked; callers that
	// raced with the sweep fetch a fresh entry.
	dead atomic.Bool
}

// prune drops timestamps at or before now-window. Caller holds e.mu.
func (e *entry) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	kept := e.stamps[:0]
	for _, ts := range e.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	e.stamps = kept
}

func (e *entry) oldest() time.Time {
	var out time.Time
	for _, ts := range e.stamps {
		if out.IsZero() || ts.Before(out) {
			out = ts
		}
	}
	return out
}

// LocalLimiter keeps sliding windows in process memory.
type LocalLimiter struct {
	opts options

	mu      sync.Mutex
	entries map[string]*entry

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewLocalLimiter builds an in-process limiter and starts its sweeper.
func NewLocalLimiter(opts ...Option) *LocalLimiter {
	l := &LocalLimiter{
		opts:    buildOptions(opts),
		entries: make(map[string]*entry),
		stop:    make(chan struct{}),
	}
	if l.opts.sweepInterval > 0 {
		l.wg.Add(1)
		go l.sweepLoop()
	}
	return l
}

func (l *LocalLimiter) entry(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[key]; ok && !e.dead.Load() {
		return e
	}
	e := &entry{}
	l.entries[key] = e
	return e
}

// CheckLimit records a request for key if it fits within limit.
func (l *LocalLimiter) CheckLimit(_ context.Context, key string, limit int) Result {
	if limit <= 0 {
		return unlimited()
	}
	for {
		e := l.entry(key)
		e.mu.Lock()
		if e.dead.Load() {
			e.mu.Unlock()
			continue
		}
		now := l.opts.now()
		e.prune(now, l.opts.window)
		count := len(e.stamps)
		if count >= limit {
			res := Result{Allowed: false, Limit: limit, Remaining: 0, ResetMs: resetMs(e.oldest(), now, l.opts.window)}
			e.mu.Unlock()
			return res
		}
		e.stamps = append(e.stamps, now)
		res := Result{Allowed: true, Limit: limit, Remaining: limit - count - 1, ResetMs: resetMs(e.oldest(), now, l.opts.window)}
		e.mu.Unlock()
		return res
	}
}

// Reset forgets all timestamps for key.
func (l *LocalLimiter) Reset(_ context.Context, key string) {
	l.mu.Lock()
	e, ok := l.entries[key]
	delete(l.entries, key)
	l.mu.Unlock()
	if ok {
		e.mu.Lock()
		e.dead.Store(true)
		e.mu.Unlock()
	}
}

// ClearAll forgets every key.
func (l *LocalLimiter) ClearAll(_ context.Context) {
	l.mu.Lock()
	old := l.entries
	l.entries = make(map[string]*entry)
	l.mu.Unlock()
	for _, e := range old {
		e.mu.Lock()
		e.dead.Store(true)
		e.mu.Unlock()
	}
}

// Ping always succeeds for the in-process backend.
func (l *LocalLimiter) Ping(context.Context) bool { return true }

// Shutdown stops the sweeper. Safe to call more than once.
func (l *LocalLimiter) Shutdown() {
	l.stopOnce.Do(func() { close(l.stop) })
	l.wg.Wait()
}

// Len reports the number of tracked keys.
func (l *LocalLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *LocalLimiter) sweepLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.opts.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// Sweep purges expired timestamps and drops empty entries. Each entry is
// locked on its own so checks on other keys are never blocked for the
// whole pass.
func (l *LocalLimiter) Sweep() {
	l.mu.Lock()
	snapshot := make(map[string]*entry, len(l.entries))
	for k, e := range l.entries {
		snapshot[k] = e
	}
	l.mu.Unlock()

	now := l.opts.now()
	for key, e := range snapshot {
		e.mu.Lock()
		e.prune(now, l.opts.window)
		empty := len(e.stamps) == 0
		if empty {
			e.dead.Store(true)
		}
		e.mu.Unlock()
		if !empty {
			continue
		}
		l.mu.Lock()
		if l.entries[key] == e {
			delete(l.entries, key)
		}
		l.mu.Unlock()
	}
}
