package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter decides whether subject may make another call in scope.
type RateLimiter interface {
	Allow(ctx context.Context, scope, subject string) (allowed bool, retryAfterSeconds int, err error)
}

// pollWindowScript counts one call in the current window and decides in the same round
// trip. A key that lost its expiry is given one again so a window can never stick.
//
// KEYS[1] window key, ARGV[1] limit, ARGV[2] window in ms. Returns {allowed, ttl_ms}.
var pollWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
if count == 1 or ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
  ttl = tonumber(ARGV[2])
end
if count > tonumber(ARGV[1]) then
  return {0, ttl}
end
return {1, ttl}
`)

// RedisRateLimiter is a fixed-window limiter shared by every replica. Keys have the form
// <prefix>:<scope>:<subject>, e.g. escrow:rate_limit:transfer_status:203.0.113.9.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration) *RedisRateLimiter {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "escrow:rate_limit"
	}
	if window < time.Second {
		window = time.Second
	}

	return &RedisRateLimiter{
		client: client,
		prefix: trimmedPrefix,
		limit:  limit,
		window: window,
	}
}

// Allow consumes one call from the subject's budget in scope. Without a client or a
// positive limit every call is allowed.
func (r *RedisRateLimiter) Allow(ctx context.Context, scope, subject string) (bool, int, error) {
	if r == nil || r.client == nil || r.limit <= 0 {
		return true, 0, nil
	}
	key, ok := r.key(scope, subject)
	if !ok {
		return true, 0, nil
	}

	raw, err := pollWindowScript.Run(ctx, r.client, []string{key}, r.limit, r.window.Milliseconds()).Result()
	if err != nil {
		return true, 0, err
	}
	return parseWindowDecision(raw, r.window)
}

func (r *RedisRateLimiter) key(scope, subject string) (string, bool) {
	scope = strings.TrimSpace(scope)
	subject = strings.TrimSpace(subject)
	if scope == "" || subject == "" {
		return "", false
	}
	return r.prefix + ":" + scope + ":" + subject, true
}

// parseWindowDecision turns the script reply into (allowed, retry-after seconds).
func parseWindowDecision(raw interface{}, window time.Duration) (bool, int, error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return true, 0, fmt.Errorf("unexpected redis limiter response shape: %T", raw)
	}
	allowed, ok := values[0].(int64)
	if !ok {
		return true, 0, fmt.Errorf("unexpected redis limiter decision type: %T", values[0])
	}
	if allowed == 1 {
		return true, 0, nil
	}

	ttlMs, ok := values[1].(int64)
	if !ok || ttlMs < 0 {
		ttlMs = window.Milliseconds()
	}
	retryAfter := int(math.Ceil(float64(ttlMs) / 1000.0))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter, nil
}
