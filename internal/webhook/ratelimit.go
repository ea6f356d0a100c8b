package webhook

import (
	"context"
	"sync"
	"time"
)

// RateLimiter counts requests per key (the source IP).
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// MemoryLimiter is a sliding-window limiter local to one process. Under several
// instances each keeps its own counts, so use RedisLimiter there.
//
// Idle keys are evicted at most once per window from inside Allow, so the map
// only holds sources seen during the last two windows.
type MemoryLimiter struct {
	mu        sync.Mutex
	limit     int
	window    time.Duration
	hits      map[string][]time.Time
	lastSweep time.Time
	now       func() time.Time
}

func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &MemoryLimiter{
		limit:     limit,
		window:    window,
		hits:      make(map[string][]time.Time),
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	if now.Sub(l.lastSweep) >= l.window {
		l.sweep(cutoff)
		l.lastSweep = now
	}

	recent := l.hits[key][:0]
	for _, t := range l.hits[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= l.limit {
		l.hits[key] = recent
		return false, nil
	}
	l.hits[key] = append(recent, now)
	return true, nil
}

// sweep drops keys with no hits after cutoff. Callers hold mu.
func (l *MemoryLimiter) sweep(cutoff time.Time) {
	for key, hits := range l.hits {
		if len(hits) == 0 || !hits[len(hits)-1].After(cutoff) {
			delete(l.hits, key)
		}
	}
}
