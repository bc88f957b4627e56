package app

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/raulk/clock"
	"golang.org/x/time/rate"
)

const defaultLimiterCacheSize = 10000

// MemoryRateLimiter is a per-process token bucket limiter used when Redis is not
// configured. Buckets live in an LRU so idle subjects are forgotten.
type MemoryRateLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters *lru.Cache[string, *rate.Limiter]
	clock    Clock
}

// NewMemoryRateLimiter allows limit calls per window for each subject.
func NewMemoryRateLimiter(limit int, window time.Duration, cacheSize int) (*MemoryRateLimiter, error) {
	if limit <= 0 || window <= 0 {
		return nil, fmt.Errorf("invalid rate limit %d per %s", limit, window)
	}
	if cacheSize <= 0 {
		cacheSize = defaultLimiterCacheSize
	}
	cache, err := lru.New[string, *rate.Limiter](cacheSize)
	if err != nil {
		return nil, err
	}
	return &MemoryRateLimiter{
		limit:    rate.Every(window / time.Duration(limit)),
		burst:    limit,
		limiters: cache,
		clock:    clock.New(),
	}, nil
}

// SetClock replaces the time source.
func (m *MemoryRateLimiter) SetClock(c Clock) {
	if c != nil {
		m.clock = c
	}
}

// Allow takes one token from the subject's bucket.
func (m *MemoryRateLimiter) Allow(_ context.Context, scope, subject string) (bool, int, error) {
	key := scope + ":" + subject
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	limiter, ok := m.limiters.Get(key)
	if !ok {
		limiter = rate.NewLimiter(m.limit, m.burst)
		m.limiters.Add(key, limiter)
	}

	reservation := limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, 1, nil
	}
	delay := reservation.DelayFrom(now)
	if delay <= 0 {
		return true, 0, nil
	}
	reservation.CancelAt(now)

	retryAfter := int(math.Ceil(delay.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter, nil
}
