package handlers

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"instrument-ledger/internal/config"
	"instrument-ledger/internal/logger"
	"instrument-ledger/internal/services"
)

// RateLimitHandler отдаёт состояние лимита текущего клиента
type RateLimitHandler struct {
	limiter RateLimitStatusProvider
	log     *logger.Logger
	cfg     *config.RateLimitConfig
}

// NewRateLimitHandler создает RateLimitHandler
func NewRateLimitHandler(limiter RateLimitStatusProvider, log *logger.Logger, cfg *config.RateLimitConfig) *RateLimitHandler {
	return &RateLimitHandler{
		limiter: limiter,
		log:     log,
		cfg:     cfg,
	}
}

type rateLimitStatus struct {
	Enabled       bool       `json:"enabled"`
	TenantID      string     `json:"tenant_id,omitempty"`
	Limit         int64      `json:"limit,omitempty"`
	WindowSeconds int        `json:"window_seconds,omitempty"`
	Used          int64      `json:"used"`
	Remaining     int64      `json:"remaining"`
	ResetAt       *time.Time `json:"reset_at,omitempty"`
}

// Status возвращает использование окна для тенанта и IP запроса
func (h *RateLimitHandler) Status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if h.limiter == nil || h.cfg == nil || !h.cfg.Enabled || !h.limiter.Enabled() {
		writeJSONResponse(w, http.StatusOK, rateLimitStatus{Enabled: false})
		return
	}

	used, remaining, resetAt, err := h.limiter.Usage(r.Context(), services.ClientKey(r))
	if err != nil {
		h.log.WithError(err).Error("Failed to fetch rate limit usage")
		writeErrorResponse(w, http.StatusServiceUnavailable, "Rate limit usage unavailable")
		return
	}

	writeJSONResponse(w, http.StatusOK, rateLimitStatus{
		Enabled:       true,
		TenantID:      strings.TrimSpace(r.Header.Get(services.TenantHeader)),
		Limit:         h.limiter.Limit(),
		WindowSeconds: h.cfg.WindowSeconds,
		Used:          used,
		Remaining:     remaining,
		ResetAt:       resetAt,
	})
}

// RateLimitMiddleware ограничивает частоту запросов к API.
// Если хранилище счётчиков недоступно, запрос пропускается без лимита.
func RateLimitMiddleware(limiter MiddlewareLimiter, log *logger.Logger, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if limiter == nil || !limiter.Enabled() {
			next(w, r)
			return
		}

		key := services.ClientKey(r)
		allowed, remaining, resetAt, err := limiter.Allow(r.Context(), key)
		if err != nil {
			log.WithError(err).WithField("client", key).Warn("Rate limiter unavailable, request not limited")
			next(w, r)
			return
		}

		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.FormatInt(limiter.Limit(), 10))
		h.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		if !resetAt.IsZero() {
			h.Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
		}

		if !allowed {
			if !resetAt.IsZero() {
				wait := math.Ceil(time.Until(resetAt).Seconds())
				if wait < 1 {
					wait = 1
				}
				h.Set("Retry-After", strconv.Itoa(int(wait)))
			}
			writeJSONResponse(w, http.StatusTooManyRequests, ErrorResponse{
				Error:   http.StatusText(http.StatusTooManyRequests),
				Code:    "rate_limited",
				Message: "Rate limit exceeded",
			})
			return
		}

		next(w, r)
	}
}
