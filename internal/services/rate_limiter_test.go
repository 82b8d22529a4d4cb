package services

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"instrument-ledger/internal/clock"
	"instrument-ledger/internal/config"
	"instrument-ledger/internal/redis"

	miniredis "github.com/alicebob/miniredis/v2"
	redislib "github.com/go-redis/redis/v8"
)

func newWindowLimiter(t *testing.T, limit int, clk clock.Clock) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.Wrap(redislib.NewClient(&redislib.Options{Addr: mr.Addr()}), newTestLogger())
	cfg := &config.RateLimitConfig{Enabled: true, Requests: limit, WindowSeconds: 60, KeyPrefix: "rl"}
	return NewRateLimiter(client, newTestLogger(), clk, cfg), mr
}

func TestRateLimiter_Allow(t *testing.T) {
	start := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	limiter, mr := newWindowLimiter(t, 2, clock.Fake(start))
	ctx := context.Background()

	allowed, remaining, resetAt, err := limiter.Allow(ctx, "store-1|10.0.0.1")
	if err != nil || !allowed || remaining != 1 {
		t.Fatalf("first request should be allowed, remaining=1, got allowed=%v remaining=%d err=%v", allowed, remaining, err)
	}
	if !resetAt.Equal(start.Add(time.Minute)) {
		t.Fatalf("expected reset at window end, got %v", resetAt)
	}
	if !mr.Exists("rl:store-1|10.0.0.1") {
		t.Fatalf("expected window key, got %v", mr.Keys())
	}

	allowed, remaining, _, err = limiter.Allow(ctx, "store-1|10.0.0.1")
	if err != nil || !allowed || remaining != 0 {
		t.Fatalf("second request should be allowed, remaining=0, got allowed=%v remaining=%d err=%v", allowed, remaining, err)
	}

	allowed, remaining, _, err = limiter.Allow(ctx, "store-1|10.0.0.1")
	if err != nil || allowed || remaining != 0 {
		t.Fatalf("third request should be blocked, got allowed=%v remaining=%d err=%v", allowed, remaining, err)
	}

	// другой тенант с того же IP считается отдельно
	if allowed, _, _, _ := limiter.Allow(ctx, "store-2|10.0.0.1"); !allowed {
		t.Fatalf("expected separate window per tenant")
	}

	mr.FastForward(61 * time.Second)
	if allowed, _, _, _ := limiter.Allow(ctx, "store-1|10.0.0.1"); !allowed {
		t.Fatalf("expected window reset after ttl")
	}
}

func TestRateLimiter_KeySanitized(t *testing.T) {
	limiter, mr := newWindowLimiter(t, 5, clock.Real())
	_, _, _, _ = limiter.Allow(context.Background(), "::1")
	if !mr.Exists("rl:__1") {
		t.Fatalf("expected colons replaced in key, got %v", mr.Keys())
	}
}

func TestRateLimiter_Disabled(t *testing.T) {
	if limiter := NewRateLimiter(nil, nil, nil, nil); limiter.Enabled() {
		t.Fatalf("expected limiter disabled without cfg/redis")
	}
	limiter := NewRateLimiter(nil, newTestLogger(), nil, &config.RateLimitConfig{Enabled: true, Requests: 10, WindowSeconds: 60})
	if limiter.Enabled() {
		t.Fatalf("expected limiter disabled without redis")
	}
	allowed, _, _, err := limiter.Allow(context.Background(), "ip")
	if err != nil || !allowed {
		t.Fatalf("disabled limiter must allow, got allowed=%v err=%v", allowed, err)
	}
	if used, _, resetAt, err := limiter.Usage(context.Background(), "ip"); err != nil || used != 0 || resetAt != nil {
		t.Fatalf("disabled limiter must report empty usage")
	}
}

func TestRateLimiter_Usage(t *testing.T) {
	start := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	limiter, _ := newWindowLimiter(t, 3, clock.Fake(start))
	ctx := context.Background()
	_, _, _, _ = limiter.Allow(ctx, "ip1")
	_, _, _, _ = limiter.Allow(ctx, "ip1")

	used, remaining, resetAt, err := limiter.Usage(ctx, "ip1")
	if err != nil || used != 2 || remaining != 1 || resetAt == nil {
		t.Fatalf("unexpected usage: used=%d remaining=%d reset=%v err=%v", used, remaining, resetAt, err)
	}
	if !resetAt.After(start) {
		t.Fatalf("expected reset after fake now, got %v", resetAt)
	}

	// Usage не расходует лимит
	if used, _, _, _ := limiter.Usage(ctx, "ip1"); used != 2 {
		t.Fatalf("usage must not count requests, got %d", used)
	}

	used, remaining, resetAt, err = limiter.Usage(ctx, "fresh")
	if err != nil || used != 0 || remaining != 3 || resetAt != nil {
		t.Fatalf("expected empty window for unknown key, got used=%d remaining=%d err=%v", used, remaining, err)
	}
}

type brokenCounter struct{}

func (brokenCounter) CountInWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	return 0, 0, errors.New("connection refused")
}

func (brokenCounter) WindowState(ctx context.Context, key string) (int64, time.Duration, error) {
	return 0, 0, errors.New("connection refused")
}

func TestRateLimiter_StorageErrors(t *testing.T) {
	limiter := &RateLimiter{redis: brokenCounter{}, clock: clock.Real(), enabled: true, limit: 3, window: time.Minute, prefix: "rl"}
	if allowed, _, _, err := limiter.Allow(context.Background(), "ip1"); err == nil || allowed {
		t.Fatalf("expected allow error when redis fails")
	}
	if _, _, _, err := limiter.Usage(context.Background(), "ip1"); err == nil {
		t.Fatalf("expected usage error when redis fails")
	}
}

func TestClientKey(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.1.1:555"
	if key := ClientKey(r); key != "10.1.1.1" {
		t.Fatalf("expected bare ip without tenant, got %s", key)
	}
	r.Header.Set(TenantHeader, "store-9")
	if key := ClientKey(r); key != "store-9|10.1.1.1" {
		t.Fatalf("expected tenant-scoped key, got %s", key)
	}
}

func TestExtractClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Real-IP", "10.0.0.1")
	if ip := ExtractClientIP(r); ip != "10.0.0.1" {
		t.Fatalf("expected real ip, got %s", ip)
	}

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Forwarded-For", "10.0.0.2, 10.0.0.3")
	if ip := ExtractClientIP(r); ip != "10.0.0.2" {
		t.Fatalf("expected first forwarded ip, got %s", ip)
	}

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.168.0.1:1234"
	if ip := ExtractClientIP(r); ip != "192.168.0.1" {
		t.Fatalf("expected remote addr ip, got %s", ip)
	}
}
