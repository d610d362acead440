package tools

import (
	"context"
	"sync"
	"time"
)

type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter counts calls per key in a sliding window. Allow records the call
// only when it is allowed.
type Limiter interface {
	Allow(ctx context.Context, key string, limit RateLimit) (Decision, error)
}

// MemoryLimiter keeps call timestamps per key in process memory.
type MemoryLimiter struct {
	mu    sync.Mutex
	calls map[string][]time.Time
	Now   func() time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{calls: map[string][]time.Time{}, Now: time.Now}
}

func (l *MemoryLimiter) Allow(ctx context.Context, key string, limit RateLimit) (Decision, error) {
	now := time.Now()
	if l.Now != nil {
		now = l.Now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := now.Add(-limit.Window)
	kept := l.calls[key][:0]
	for _, ts := range l.calls[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= limit.Requests {
		l.calls[key] = kept
		return Decision{RetryAfter: kept[0].Add(limit.Window).Sub(now)}, nil
	}
	l.calls[key] = append(kept, now)
	return Decision{Allowed: true}, nil
}
