// Package limiter provides per-(identifier, action) admission control.
package limiter

import (
	"context"
	"sync"
	"time"

	"github.com/linkgate/linkgate/internal/metrics"
	"github.com/linkgate/linkgate/internal/models"
)

// RateLimiter is the admission gate consulted before sensitive actions.
// Limiter keeps state in process memory; RedisLimiter shares it between instances.
type RateLimiter interface {
	CheckAndConsume(ctx context.Context, identifier, action string, maxAttempts int, window time.Duration) (models.RateLimitDecision, error)
	BlockFor(ctx context.Context, identifier, action string, d time.Duration) error
	IsBlocked(ctx context.Context, identifier, action string) (bool, error)
	Reset(ctx context.Context, identifier, action string) error
}

type entryKey struct {
	identifier string
	action     string
}

type entry struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
	blocked bool
	// removed is set once the entry is dropped from the map; holders retry.
	removed bool
}

// Limiter is a single-process window counter keyed by (identifier, action).
// The map lock only guards membership; each entry has its own lock.
type Limiter struct {
	metrics *metrics.Metrics
	now     func() time.Time
	entries map[entryKey]*entry
	mu      sync.RWMutex

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New creates an in-memory limiter. m may be nil.
func New(m *metrics.Metrics, opts ...Option) *Limiter {
	l := &Limiter{
		metrics:  m,
		now:      time.Now,
		entries:  make(map[entryKey]*entry),
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) getOrCreate(key entryKey) *entry {
	l.mu.RLock()
	e, ok := l.entries[key]
	l.mu.RUnlock()
	if ok {
		return e
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok = l.entries[key]; ok {
		return e
	}
	e = &entry{}
	l.entries[key] = e
	return e
}

// CheckAndConsume counts one attempt. The first attempt in a window opens it
// with count=1. Once count exceeds maxAttempts the entry is blocked until
// resetAt; the next attempt after resetAt starts a fresh window.
func (l *Limiter) CheckAndConsume(_ context.Context, identifier, action string, maxAttempts int, window time.Duration) (models.RateLimitDecision, error) {
	now := l.now()
	key := entryKey{identifier: identifier, action: action}
	e := l.getOrCreate(key)

	e.mu.Lock()
	for e.removed {
		e.mu.Unlock()
		e = l.getOrCreate(key)
		e.mu.Lock()
	}
	defer e.mu.Unlock()

	if e.resetAt.IsZero() || !now.Before(e.resetAt) {
		e.count = 1
		e.resetAt = now.Add(window)
		e.blocked = false
		return l.decide(action, true, maxAttempts-1, e.resetAt), nil
	}

	if e.blocked {
		return l.decide(action, false, 0, e.resetAt), nil
	}

	e.count++
	if e.count > maxAttempts {
		e.blocked = true
		return l.decide(action, false, 0, e.resetAt), nil
	}
	return l.decide(action, true, maxAttempts-e.count, e.resetAt), nil
}

func (l *Limiter) decide(action string, allowed bool, remaining int, resetAt time.Time) models.RateLimitDecision {
	if remaining < 0 {
		remaining = 0
	}
	if l.metrics != nil {
		result := "allowed"
		if !allowed {
			result = "denied"
		}
		l.metrics.RecordRateLimitDecision(action, result)
	}
	return models.RateLimitDecision{Allowed: allowed, Remaining: remaining, ResetAt: resetAt}
}

// BlockFor blocks (identifier, action) for d regardless of the attempt count.
func (l *Limiter) BlockFor(_ context.Context, identifier, action string, d time.Duration) error {
	key := entryKey{identifier: identifier, action: action}
	e := l.getOrCreate(key)
	e.mu.Lock()
	for e.removed {
		e.mu.Unlock()
		e = l.getOrCreate(key)
		e.mu.Lock()
	}
	e.blocked = true
	e.resetAt = l.now().Add(d)
	e.mu.Unlock()
	return nil
}

// IsBlocked reports whether (identifier, action) is blocked. Stale entries are
// removed on the way.
func (l *Limiter) IsBlocked(_ context.Context, identifier, action string) (bool, error) {
	key := entryKey{identifier: identifier, action: action}
	l.mu.RLock()
	e, ok := l.entries[key]
	l.mu.RUnlock()
	if !ok {
		return false, nil
	}

	now := l.now()
	e.mu.Lock()
	expired := !now.Before(e.resetAt)
	blocked := e.blocked && !expired
	e.mu.Unlock()

	if expired {
		l.removeIfExpired(key, now)
	}
	return blocked, nil
}

// Reset forgets all attempts for (identifier, action).
func (l *Limiter) Reset(_ context.Context, identifier, action string) error {
	key := entryKey{identifier: identifier, action: action}
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[key]; ok {
		e.mu.Lock()
		e.removed = true
		delete(l.entries, key)
		e.mu.Unlock()
	}
	return nil
}

func (l *Limiter) removeIfExpired(key entryKey, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		return
	}
	e.mu.Lock()
	if !now.Before(e.resetAt) {
		e.removed = true
		delete(l.entries, key)
	}
	e.mu.Unlock()
}

// Sweep removes every entry whose window has passed and returns how many went.
func (l *Limiter) Sweep() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, e := range l.entries {
		e.mu.Lock()
		if !now.Before(e.resetAt) {
			e.removed = true
			delete(l.entries, key)
			removed++
		}
		e.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked entries.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// StartSweeper runs Sweep every interval until ctx is done or Stop is called.
func (l *Limiter) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stopChan:
				return
			case <-ticker.C:
				l.Sweep()
			}
		}
	}()
}

// Stop halts the sweeper and waits for it to exit.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopChan)
	})
	l.wg.Wait()
}
