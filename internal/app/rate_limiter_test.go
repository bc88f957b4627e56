package app

import (
	"context"
	"testing"
	"time"

	"github.com/raulk/clock"
)

func TestMemoryRateLimiter_BlocksAfterBurstAndRefills(t *testing.T) {
	limiter, err := NewMemoryRateLimiter(3, time.Minute, 16)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	mock := clock.NewMock()
	mock.Set(testStart)
	limiter.SetClock(mock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, _, err := limiter.Allow(ctx, "transfer_status", "10.0.0.1")
		if err != nil || !allowed {
			t.Fatalf("expected call %d to be allowed, got allowed=%v err=%v", i+1, allowed, err)
		}
	}

	allowed, retryAfter, err := limiter.Allow(ctx, "transfer_status", "10.0.0.1")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if allowed {
		t.Fatal("expected fourth call to be limited")
	}
	if retryAfter != 20 {
		t.Fatalf("expected retry after 20s, got %d", retryAfter)
	}

	// Other subjects have their own bucket.
	if allowed, _, _ := limiter.Allow(ctx, "transfer_status", "10.0.0.2"); !allowed {
		t.Fatal("expected a different subject to be allowed")
	}

	mock.Add(20 * time.Second)
	if allowed, _, _ := limiter.Allow(ctx, "transfer_status", "10.0.0.1"); !allowed {
		t.Fatal("expected a refilled token after 20s")
	}
}

func TestNewMemoryRateLimiter_RejectsNonPositiveLimit(t *testing.T) {
	if _, err := NewMemoryRateLimiter(0, time.Minute, 0); err == nil {
		t.Fatal("expected error for zero limit")
	}
}

func TestRedisRateLimiter_NilClientAllows(t *testing.T) {
	limiter := NewRedisRateLimiter(nil, "", 1, time.Minute)

	for i := 0; i < 3; i++ {
		allowed, _, err := limiter.Allow(context.Background(), "transfer_status", "10.0.0.1")
		if err != nil || !allowed {
			t.Fatalf("expected nil client to allow, got allowed=%v err=%v", allowed, err)
		}
	}
	if limiter.prefix != "escrow:rate_limit" {
		t.Fatalf("expected default prefix, got %q", limiter.prefix)
	}
}

func TestRedisRateLimiter_KeyLayout(t *testing.T) {
	limiter := NewRedisRateLimiter(nil, " escrow:poll: ", 5, time.Minute)

	key, ok := limiter.key("transfer_status", " 203.0.113.9 ")
	if !ok || key != "escrow:poll:transfer_status:203.0.113.9" {
		t.Fatalf("unexpected key %q ok=%v", key, ok)
	}
	if _, ok := limiter.key("transfer_status", " "); ok {
		t.Fatal("expected blank subject to have no key")
	}
	if _, ok := limiter.key("", "203.0.113.9"); ok {
		t.Fatal("expected blank scope to have no key")
	}
}

func TestParseWindowDecision(t *testing.T) {
	tests := []struct {
		name       string
		raw        interface{}
		allowed    bool
		retryAfter int
		wantErr    bool
	}{
		{name: "allowed", raw: []interface{}{int64(1), int64(59000)}, allowed: true},
		{name: "limited rounds up", raw: []interface{}{int64(0), int64(12001)}, retryAfter: 13},
		{name: "limited under a second", raw: []interface{}{int64(0), int64(10)}, retryAfter: 1},
		{name: "limited without ttl uses window", raw: []interface{}{int64(0), int64(-1)}, retryAfter: 60},
		{name: "bad shape fails open", raw: "OK", allowed: true, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			allowed, retryAfter, err := parseWindowDecision(tc.raw, time.Minute)
			if (err != nil) != tc.wantErr {
				t.Fatalf("unexpected error %v", err)
			}
			if allowed != tc.allowed || retryAfter != tc.retryAfter {
				t.Fatalf("expected allowed=%v retry=%d, got allowed=%v retry=%d", tc.allowed, tc.retryAfter, allowed, retryAfter)
			}
		})
	}
}
