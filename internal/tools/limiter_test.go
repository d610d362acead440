package tools

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseLimiter(t *testing.T, l Limiter, advance func(time.Duration)) {
	t.Helper()
	ctx := context.Background()
	limit := RateLimit{Requests: 2, Window: time.Minute}

	for i := 0; i < 2; i++ {
		d, err := l.Allow(ctx, "create_task:u1", limit)
		require.NoError(t, err)
		require.True(t, d.Allowed, "call %d", i)
		advance(10 * time.Second)
	}
	d, err := l.Allow(ctx, "create_task:u1", limit)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 40*time.Second, d.RetryAfter)

	other, err := l.Allow(ctx, "create_task:u2", limit)
	require.NoError(t, err)
	assert.True(t, other.Allowed, "limits are per key")

	advance(41 * time.Second)
	d, err = l.Allow(ctx, "create_task:u1", limit)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "oldest call left the window")
}

func TestMemoryLimiterSlidingWindow(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewMemoryLimiter()
	l.Now = func() time.Time { return now }
	exerciseLimiter(t, l, func(d time.Duration) { now = now.Add(d) })
}

func TestRedisLimiterSlidingWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := &RedisLimiter{Client: client, Prefix: "test:", Now: func() time.Time { return now }}
	exerciseLimiter(t, l, func(d time.Duration) {
		now = now.Add(d)
		mr.FastForward(d)
	})
	assert.True(t, mr.Exists("test:create_task:u1"))
}
