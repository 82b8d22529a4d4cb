package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"instrument-ledger/internal/clock"
	"instrument-ledger/internal/config"
	"instrument-ledger/internal/logger"
	"instrument-ledger/internal/redis"
)

// TenantHeader заголовок с идентификатором тенанта; разрешение тенанта выполняет внешний шлюз
const TenantHeader = "X-Tenant-ID"

// RateLimiter ограничивает число запросов клиента (тенант + IP) в фиксированном окне.
// Счётчик окна увеличивается в Redis атомарно вместе с установкой TTL.
type RateLimiter struct {
	redis   windowCounter
	clock   clock.Clock
	enabled bool
	limit   int64
	window  time.Duration
	prefix  string
}

type windowCounter interface {
	CountInWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	WindowState(ctx context.Context, key string) (int64, time.Duration, error)
}

// NewRateLimiter создаёт rate limiter. Без Redis или при выключенном лимите
// возвращает пропускающий все запросы limiter.
func NewRateLimiter(redisClient *redis.Client, log *logger.Logger, clk clock.Clock, cfg *config.RateLimitConfig) *RateLimiter {
	if clk == nil {
		clk = clock.Real()
	}
	if redisClient == nil || cfg == nil || !cfg.Enabled || cfg.Requests <= 0 || cfg.WindowSeconds <= 0 {
		if log != nil && cfg != nil && cfg.Enabled {
			log.Warn("Rate limiting requested but not configured, requests are not limited")
		}
		return &RateLimiter{enabled: false, clock: clk}
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = redis.KeyPrefixRateLimit
	}

	return &RateLimiter{
		redis:   redisClient,
		clock:   clk,
		enabled: true,
		limit:   int64(cfg.Requests),
		window:  time.Duration(cfg.WindowSeconds) * time.Second,
		prefix:  prefix,
	}
}

// Allow учитывает запрос и возвращает признак разрешения, остаток и время сброса окна.
func (r *RateLimiter) Allow(ctx context.Context, key string) (allowed bool, remaining int64, resetAt time.Time, err error) {
	now := r.clock.Now()
	if !r.enabled {
		return true, r.limit, now.Add(r.window), nil
	}

	count, ttl, err := r.redis.CountInWindow(ctx, r.makeKey(key), r.window)
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limiter count failed: %w", err)
	}
	if ttl <= 0 {
		ttl = r.window
	}

	return count <= r.limit, r.remaining(count), now.Add(ttl), nil
}

// Usage возвращает состояние окна клиента, не расходуя лимит.
func (r *RateLimiter) Usage(ctx context.Context, key string) (used int64, remaining int64, resetAt *time.Time, err error) {
	if !r.enabled {
		return 0, r.limit, nil, nil
	}

	count, ttl, err := r.redis.WindowState(ctx, r.makeKey(key))
	if err != nil {
		if errors.Is(err, redis.ErrCacheMiss) {
			return 0, r.limit, nil, nil
		}
		return 0, 0, nil, fmt.Errorf("rate limiter usage failed: %w", err)
	}
	if ttl > 0 {
		at := r.clock.Now().Add(ttl)
		resetAt = &at
	}

	return count, r.remaining(count), resetAt, nil
}

func (r *RateLimiter) remaining(count int64) int64 {
	if count >= r.limit {
		return 0
	}
	return r.limit - count
}

func (r *RateLimiter) makeKey(key string) string {
	safeKey := strings.ReplaceAll(key, ":", "_")
	return redis.GenerateKey(r.prefix, safeKey)
}

// Limit возвращает лимит для текущего окна.
func (r *RateLimiter) Limit() int64 {
	return r.limit
}

// Enabled сообщает, включён ли rate limiting.
func (r *RateLimiter) Enabled() bool {
	return r.enabled
}

// ClientKey строит ключ лимита: запросы разных тенантов с одного IP считаются раздельно.
func ClientKey(r *http.Request) string {
	ip := ExtractClientIP(r)
	tenant := strings.TrimSpace(r.Header.Get(TenantHeader))
	if tenant == "" {
		return ip
	}
	return tenant + "|" + ip
}

// ExtractClientIP получает IP из заголовков/RemoteAddr.
func ExtractClientIP(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); ip != "" {
		parts := strings.Split(ip, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}
