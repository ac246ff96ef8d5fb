package limiter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/linkgate/linkgate/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestLimiter_WindowExactness(t *testing.T) {
	clock := newFakeClock()
	l := New(nil, WithClock(clock.Now))
	ctx := context.Background()

	for want := 4; want >= 0; want-- {
		d, err := l.CheckAndConsume(ctx, "user-1", "login", 5, time.Minute)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, want, d.Remaining)
		assert.Equal(t, clock.Now().Add(time.Minute), d.ResetAt)
	}

	d, err := l.CheckAndConsume(ctx, "user-1", "login", 5, time.Minute)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)

	blocked, err := l.IsBlocked(ctx, "user-1", "login")
	require.NoError(t, err)
	assert.True(t, blocked)

	clock.Advance(time.Minute + time.Millisecond)
	d, err = l.CheckAndConsume(ctx, "user-1", "login", 5, time.Minute)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 4, d.Remaining)
}

func TestLimiter_BlockDoesNotExtendItself(t *testing.T) {
	clock := newFakeClock()
	l := New(nil, WithClock(clock.Now))
	ctx := context.Background()

	start := clock.Now()
	for i := 0; i < 3; i++ {
		_, _ = l.CheckAndConsume(ctx, "ip", "link_code", 1, time.Minute)
	}
	clock.Advance(30 * time.Second)
	d, _ := l.CheckAndConsume(ctx, "ip", "link_code", 1, time.Minute)
	assert.False(t, d.Allowed)
	assert.Equal(t, start.Add(time.Minute), d.ResetAt)
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l := New(nil)
	ctx := context.Background()

	_, _ = l.CheckAndConsume(ctx, "a", "login", 1, time.Minute)
	d, _ := l.CheckAndConsume(ctx, "a", "login", 1, time.Minute)
	assert.False(t, d.Allowed)

	d, _ = l.CheckAndConsume(ctx, "b", "login", 1, time.Minute)
	assert.True(t, d.Allowed)
	d, _ = l.CheckAndConsume(ctx, "a", "link_code", 1, time.Minute)
	assert.True(t, d.Allowed)
}

func TestLimiter_BlockFor(t *testing.T) {
	clock := newFakeClock()
	l := New(nil, WithClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, l.BlockFor(ctx, "user-2", "login", 5*time.Minute))
	blocked, _ := l.IsBlocked(ctx, "user-2", "login")
	assert.True(t, blocked)

	d, _ := l.CheckAndConsume(ctx, "user-2", "login", 100, time.Minute)
	assert.False(t, d.Allowed)

	clock.Advance(5 * time.Minute)
	blocked, _ = l.IsBlocked(ctx, "user-2", "login")
	assert.False(t, blocked)
	assert.Equal(t, 0, l.Len(), "stale entry is dropped lazily")
}

func TestLimiter_IsBlockedUnknownKey(t *testing.T) {
	l := New(nil)
	blocked, err := l.IsBlocked(context.Background(), "nobody", "login")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestLimiter_Reset(t *testing.T) {
	l := New(nil)
	ctx := context.Background()
	_, _ = l.CheckAndConsume(ctx, "u", "login", 1, time.Minute)
	_, _ = l.CheckAndConsume(ctx, "u", "login", 1, time.Minute)

	require.NoError(t, l.Reset(ctx, "u", "login"))
	d, _ := l.CheckAndConsume(ctx, "u", "login", 1, time.Minute)
	assert.True(t, d.Allowed)
}

func TestLimiter_Sweep(t *testing.T) {
	clock := newFakeClock()
	l := New(nil, WithClock(clock.Now))
	ctx := context.Background()

	_, _ = l.CheckAndConsume(ctx, "short", "a", 5, time.Second)
	_, _ = l.CheckAndConsume(ctx, "long", "a", 5, time.Hour)
	require.Equal(t, 2, l.Len())

	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, l.Sweep())
	assert.Equal(t, 1, l.Len())
}

func TestLimiter_SweeperStops(t *testing.T) {
	l := New(nil)
	_, _ = l.CheckAndConsume(context.Background(), "x", "a", 5, time.Nanosecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.StartSweeper(ctx, 5*time.Millisecond)

	assert.Eventually(t, func() bool { return l.Len() == 0 }, time.Second, 5*time.Millisecond)
	l.Stop()
	l.Stop()
}

func TestLimiter_ConcurrentNoLostUpdates(t *testing.T) {
	l := New(nil)
	ctx := context.Background()
	const workers = 50
	const max = 20

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, _ := l.CheckAndConsume(ctx, "hot", "bot_api", max, time.Hour)
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, max, allowed)
}

func TestLimiter_RecordsMetrics(t *testing.T) {
	m := metrics.NewMetrics("limtest")
	l := New(m)
	ctx := context.Background()

	_, _ = l.CheckAndConsume(ctx, "u", "login", 1, time.Minute)
	_, _ = l.CheckAndConsume(ctx, "u", "login", 1, time.Minute)

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	results := map[string]float64{}
	for _, f := range families {
		if f.GetName() != "limtest_rate_limit_decisions_total" {
			continue
		}
		for _, metric := range f.Metric {
			for _, label := range metric.Label {
				if label.GetName() == "result" {
					results[label.GetValue()] = metric.GetCounter().GetValue()
				}
			}
		}
	}
	assert.Equal(t, 1.0, results["allowed"])
	assert.Equal(t, 1.0, results["denied"])
}
