package cleanup

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/linkgate/linkgate/internal/metrics"
	"github.com/linkgate/linkgate/internal/models"
	"github.com/linkgate/linkgate/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, s *store.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	codes := []*models.LinkingCode{
		// expired two days ago
		{Code: "AAAAAAAA", AccountID: "a", CreatedAt: base.Add(-49 * time.Hour), ExpiresAt: base.Add(-48 * time.Hour)},
		// live
		{Code: "BBBBBBBB", AccountID: "a", CreatedAt: base, ExpiresAt: base.Add(10 * time.Minute)},
		// expired within retention
		{Code: "CCCCCCCC", AccountID: "a", CreatedAt: base.Add(-time.Hour), ExpiresAt: base.Add(-50 * time.Minute)},
	}
	for _, c := range codes {
		require.NoError(t, s.InsertLinkingCode(ctx, c))
	}
	_, err := s.ClaimLinkingCode(ctx, "BBBBBBBB", base)
	require.NoError(t, err)
}

func TestRunCleanup(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s)
	m := metrics.NewMetrics("cleanup_test")
	mgr := NewManager(Config{Interval: time.Hour, Retention: 24 * time.Hour}, s,
		WithMetrics(m), WithClock(func() time.Time { return base }))

	result, err := mgr.RunCleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.DeletedCount)
	assert.Equal(t, TableLinkingCodes, result.TableName)
	assert.Equal(t, base.Add(-24*time.Hour), result.Cutoff)

	_, err = s.FindLinkingCodeByValue(context.Background(), "AAAAAAAA")
	assert.Error(t, err)
	for _, code := range []string{"BBBBBBBB", "CCCCCCCC"} {
		_, err = s.FindLinkingCodeByValue(context.Background(), code)
		assert.NoError(t, err, code)
	}

	stats := mgr.GetStats()
	assert.Equal(t, 1, stats.TotalRuns)
	assert.Equal(t, int64(1), stats.TotalDeletedCount)
	assert.Zero(t, stats.FailedRuns)
}

func TestRunCleanupStorageFailure(t *testing.T) {
	s := store.NewMemoryStore()
	s.SetFault(fmt.Errorf("disk full"))
	mgr := NewManager(Config{Interval: time.Hour}, s)

	result, err := mgr.RunCleanup(context.Background())
	require.Error(t, err)
	assert.Error(t, result.Error)
	assert.Equal(t, 1, mgr.GetStats().FailedRuns)
}

type countingStore struct {
	*store.MemoryStore
	mu    sync.Mutex
	calls int
}

func (c *countingStore) PurgeLinkingCodes(ctx context.Context, cutoff time.Time) (int64, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.MemoryStore.PurgeLinkingCodes(ctx, cutoff)
}

func (c *countingStore) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestStartStop(t *testing.T) {
	s := &countingStore{MemoryStore: store.NewMemoryStore()}
	mgr := NewManager(Config{Interval: 10 * time.Millisecond}, s)

	require.NoError(t, mgr.Start(context.Background()))
	assert.True(t, mgr.IsRunning())
	assert.Error(t, mgr.Start(context.Background()))

	require.Eventually(t, func() bool { return s.count() >= 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, mgr.Stop())
	assert.False(t, mgr.IsRunning())
	assert.NoError(t, mgr.Stop())

	after := s.count()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, s.count())

	require.NoError(t, mgr.Start(context.Background()), "a stopped manager can be restarted")
	require.NoError(t, mgr.Stop())
}

func TestStartRequiresInterval(t *testing.T) {
	mgr := NewManager(Config{}, store.NewMemoryStore())
	assert.Error(t, mgr.Start(context.Background()))
}

func TestContextCancelStopsLoop(t *testing.T) {
	s := &countingStore{MemoryStore: store.NewMemoryStore()}
	mgr := NewManager(Config{Interval: 5 * time.Millisecond}, s)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, mgr.Start(ctx))
	cancel()
	require.NoError(t, mgr.Stop())
}
