package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, rate float64, burst int) (*MemoryLimiter, *time.Time) {
	t.Helper()
	m := NewMemoryLimiter(rate, burst)
	t.Cleanup(func() { m.Close() })

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }
	return m, &clock
}

func TestMemoryLimiterBurstThenDeny(t *testing.T) {
	m, _ := newTestLimiter(t, 10, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := m.Allow(ctx, "k1")
		require.NoError(t, err)
		assert.True(t, ok, "request %d within burst", i)
	}

	ok, err := m.Allow(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok, "burst exhausted")
}

func TestMemoryLimiterRefill(t *testing.T) {
	m, clock := newTestLimiter(t, 2, 2) // 2 rps
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, _ := m.Allow(ctx, "k1")
		require.True(t, ok)
	}
	ok, _ := m.Allow(ctx, "k1")
	require.False(t, ok)

	// Half a second at 2 rps buys exactly one token back.
	*clock = clock.Add(500 * time.Millisecond)
	ok, err := m.Allow(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = m.Allow(ctx, "k1")
	assert.False(t, ok, "only one token refilled")
}

func TestMemoryLimiterRefillCapsAtBurst(t *testing.T) {
	m, clock := newTestLimiter(t, 1000, 3)
	ctx := context.Background()

	_, _ = m.Allow(ctx, "k1")
	*clock = clock.Add(time.Hour)

	for i := 0; i < 3; i++ {
		ok, _ := m.Allow(ctx, "k1")
		assert.True(t, ok, "request %d after long idle", i)
	}
	ok, _ := m.Allow(ctx, "k1")
	assert.False(t, ok, "idle refill must not exceed burst")
}

func TestMemoryLimiterIndependentKeys(t *testing.T) {
	m, _ := newTestLimiter(t, 10, 1)
	ctx := context.Background()

	ok, _ := m.Allow(ctx, "a")
	require.True(t, ok)
	ok, _ = m.Allow(ctx, "a")
	require.False(t, ok)

	ok, _ = m.Allow(ctx, "b")
	assert.True(t, ok, "key b has its own bucket")
}

func TestMemoryLimiterConcurrent(t *testing.T) {
	m := NewMemoryLimiter(100, 50)
	defer m.Close()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				ok, err := m.Allow(ctx, "shared")
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	// 100 near-simultaneous requests against burst 50.
	assert.GreaterOrEqual(t, allowed, 1)
	assert.LessOrEqual(t, allowed, 51)
}

func TestMemoryLimiterEviction(t *testing.T) {
	m, clock := newTestLimiter(t, 10, 5)
	ctx := context.Background()

	_, _ = m.Allow(ctx, "stale")
	*clock = clock.Add(15 * time.Minute)
	_, _ = m.Allow(ctx, "recent")

	m.evictStale()

	m.mu.Lock()
	_, staleExists := m.buckets["stale"]
	_, recentExists := m.buckets["recent"]
	m.mu.Unlock()

	assert.False(t, staleExists)
	assert.True(t, recentExists)
}

func TestMemoryLimiterCloseIdempotent(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestNoopLimiterAlwaysAllows(t *testing.T) {
	var l NoopLimiter
	for i := 0; i < 100; i++ {
		ok, err := l.Allow(context.Background(), "anything")
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, l.Close())
}
