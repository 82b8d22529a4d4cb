package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"instrument-ledger/internal/config"
)

// stubLimiter разрешает первые budget запросов на ключ
type stubLimiter struct {
	budget   int64
	disabled bool
	err      error
	usageErr error

	counts map[string]int64
	keys   []string
}

func (s *stubLimiter) Allow(_ context.Context, key string) (bool, int64, time.Time, error) {
	if s.err != nil {
		return false, 0, time.Time{}, s.err
	}
	if s.counts == nil {
		s.counts = make(map[string]int64)
	}
	s.keys = append(s.keys, key)
	s.counts[key]++
	remaining := s.budget - s.counts[key]
	if remaining < 0 {
		remaining = 0
	}
	return s.counts[key] <= s.budget, remaining, time.Now().Add(30 * time.Second), nil
}

func (s *stubLimiter) Enabled() bool { return !s.disabled }
func (s *stubLimiter) Limit() int64  { return s.budget }
func (s *stubLimiter) Usage(_ context.Context, key string) (int64, int64, *time.Time, error) {
	if s.usageErr != nil {
		return 0, 0, nil, s.usageErr
	}
	reset := time.Now().Add(time.Minute)
	used := s.counts[key]
	return used, s.budget - used, &reset, nil
}

func countingHandler(calls *int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.WriteHeader(http.StatusOK)
	}
}

func TestRateLimitMiddleware_BlocksAfterLimit(t *testing.T) {
	limiter := &stubLimiter{budget: 1}
	calls := 0
	wrapped := RateLimitMiddleware(limiter, newTestLogger(), countingHandler(&calls))

	req := tenantRequest(http.MethodPost, "/api/redemptions", "")
	req.RemoteAddr = "1.2.3.4:1234"

	rr := httptest.NewRecorder()
	wrapped(rr, req)
	if rr.Code != http.StatusOK || calls != 1 {
		t.Fatalf("first request expected 200, calls=1; got %d, calls=%d", rr.Code, calls)
	}
	if rr.Header().Get("X-RateLimit-Limit") != "1" || rr.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("unexpected rate limit headers: %v", rr.Header())
	}

	rr = httptest.NewRecorder()
	wrapped(rr, req)
	if rr.Code != http.StatusTooManyRequests || calls != 1 {
		t.Fatalf("second request expected 429, calls still 1; got %d, calls=%d", rr.Code, calls)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After on 429")
	}
	if resp := decodeError(t, rr); resp.Code != "rate_limited" {
		t.Fatalf("unexpected error code %q", resp.Code)
	}
	if limiter.keys[0] != "store-1|1.2.3.4" {
		t.Fatalf("expected tenant-scoped key, got %q", limiter.keys[0])
	}
}

func TestRateLimitMiddleware_DisabledSkips(t *testing.T) {
	calls := 0
	for _, limiter := range []MiddlewareLimiter{nil, &stubLimiter{disabled: true}} {
		rr := httptest.NewRecorder()
		RateLimitMiddleware(limiter, newTestLogger(), countingHandler(&calls))(rr, httptest.NewRequest(http.MethodGet, "/api/vouchers", nil))
		if rr.Code != http.StatusOK || rr.Header().Get("X-RateLimit-Limit") != "" {
			t.Fatalf("expected limiter to be skipped, code=%d", rr.Code)
		}
	}
	if calls != 2 {
		t.Fatalf("expected both requests to pass, calls=%d", calls)
	}
}

func TestRateLimitMiddleware_StoreDownPassesThrough(t *testing.T) {
	limiter := &stubLimiter{budget: 1, err: errors.New("redis: connection refused")}
	calls := 0

	rr := httptest.NewRecorder()
	RateLimitMiddleware(limiter, newTestLogger(), countingHandler(&calls))(rr, httptest.NewRequest(http.MethodGet, "/api/vouchers", nil))
	if rr.Code != http.StatusOK || calls != 1 {
		t.Fatalf("expected request to pass when limiter fails, code=%d calls=%d", rr.Code, calls)
	}
}

func TestRateLimitStatus(t *testing.T) {
	limiter := &stubLimiter{budget: 5}
	cfg := &config.RateLimitConfig{Enabled: true, Requests: 5, WindowSeconds: 60}
	handler := NewRateLimitHandler(limiter, newTestLogger(), cfg)

	req := tenantRequest(http.MethodGet, "/api/rate-limit/status", "")
	req.RemoteAddr = "1.2.3.4:1234"
	_, _, _, _ = limiter.Allow(context.Background(), "store-1|1.2.3.4")

	rr := httptest.NewRecorder()
	handler.Status(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var status rateLimitStatus
	if err := json.NewDecoder(rr.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !status.Enabled || status.TenantID != "store-1" || status.Used != 1 || status.Remaining != 4 || status.ResetAt == nil {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestRateLimitStatus_Disabled(t *testing.T) {
	handler := NewRateLimitHandler(nil, newTestLogger(), &config.RateLimitConfig{Enabled: false})

	rr := httptest.NewRecorder()
	handler.Status(rr, httptest.NewRequest(http.MethodGet, "/api/rate-limit/status", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var status rateLimitStatus
	if err := json.NewDecoder(rr.Body).Decode(&status); err != nil || status.Enabled {
		t.Fatalf("expected disabled status, got %+v err=%v", status, err)
	}
}

func TestRateLimitStatus_Errors(t *testing.T) {
	limiter := &stubLimiter{budget: 5, usageErr: errors.New("usage error")}
	handler := NewRateLimitHandler(limiter, newTestLogger(), &config.RateLimitConfig{Enabled: true})

	rr := httptest.NewRecorder()
	handler.Status(rr, httptest.NewRequest(http.MethodGet, "/api/rate-limit/status", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	handler.Status(rr, httptest.NewRequest(http.MethodPost, "/api/rate-limit/status", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}
