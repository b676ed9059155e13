package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, limit int, window time.Duration) RateLimiter {
	t.Helper()
	mr := miniredis.RunT(t)

	limiter, err := NewRedisRateLimiter("redis://"+mr.Addr(), limit, window)
	require.NoError(t, err)
	t.Cleanup(func() { limiter.Close() })
	return limiter
}

func TestAllowUnderLimit(t *testing.T) {
	limiter := newTestLimiter(t, 5, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		allowed, err := limiter.Allow(ctx, "market-analyst")
		require.NoError(t, err)
		assert.True(t, allowed, "request %d should be admitted", i)
	}
}

func TestDenyOverLimit(t *testing.T) {
	limiter := newTestLimiter(t, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, err := limiter.Allow(ctx, "market-analyst")
		require.NoError(t, err)
		require.True(t, allowed)
	}

	allowed, err := limiter.Allow(ctx, "market-analyst")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestLimitIsPerKey(t *testing.T) {
	limiter := newTestLimiter(t, 1, time.Minute)
	ctx := context.Background()

	allowed, err := limiter.Allow(ctx, "market-analyst")
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, err = limiter.Allow(ctx, "market-analyst")
	require.NoError(t, err)
	require.False(t, allowed)

	// A different agent has its own budget.
	allowed, err = limiter.Allow(ctx, "data-quality")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestWindowSlides(t *testing.T) {
	limiter := newTestLimiter(t, 1, 50*time.Millisecond)
	ctx := context.Background()

	allowed, err := limiter.Allow(ctx, "market-analyst")
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, err = limiter.Allow(ctx, "market-analyst")
	require.NoError(t, err)
	require.False(t, allowed)

	time.Sleep(60 * time.Millisecond)

	allowed, err = limiter.Allow(ctx, "market-analyst")
	require.NoError(t, err)
	assert.True(t, allowed, "entries older than the window no longer count")
}

func TestInvalidRedisURL(t *testing.T) {
	_, err := NewRedisRateLimiter("not-a-url", 10, time.Minute)
	assert.Error(t, err)
}

func TestNoOpLimiterAlwaysAllows(t *testing.T) {
	limiter := &NoOpRateLimiter{}
	for i := 0; i < 100; i++ {
		allowed, err := limiter.Allow(context.Background(), "anything")
		require.NoError(t, err)
		require.True(t, allowed)
	}
	assert.NoError(t, limiter.Close())
}
