package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindow trims expired entries, then either records the call or
// returns how long until the oldest entry leaves the window. Times are ms.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  local retry = window
  if oldest[2] then
    retry = tonumber(oldest[2]) + window - now
  end
  return {0, retry}
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return {1, 0}
`)

// RedisLimiter shares the sliding window between processes using one sorted
// set per key.
type RedisLimiter struct {
	Client redis.Scripter
	Prefix string
	Now    func() time.Time
}

// NewRedisLimiter connects to addr and checks the connection.
func NewRedisLimiter(ctx context.Context, addr, password string, db int) (*RedisLimiter, *redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: 10,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return &RedisLimiter{Client: client, Prefix: "opsagent:ratelimit:"}, client, nil
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit RateLimit) (Decision, error) {
	now := time.Now()
	if l.Now != nil {
		now = l.Now()
	}
	res, err := slidingWindow.Run(ctx, l.Client, []string{l.Prefix + key},
		now.UnixMilli(), limit.Window.Milliseconds(), limit.Requests, uuid.NewString()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("sliding window %s: %w", key, err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("sliding window %s: unexpected reply %v", key, res)
	}
	if res[0] == 1 {
		return Decision{Allowed: true}, nil
	}
	return Decision{RetryAfter: time.Duration(res[1]) * time.Millisecond}, nil
}
