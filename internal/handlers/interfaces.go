package handlers

import (
	"context"
	"time"

	"instrument-ledger/internal/models"
	"instrument-ledger/internal/services"

	"github.com/google/uuid"
)

// ----- Vouchers -----

type VoucherService interface {
	Issue(ctx context.Context, tenantID string, req *models.IssueVoucherRequest) (*models.Voucher, error)
	Approve(ctx context.Context, tenantID string, id uuid.UUID, req *models.ReviewVoucherRequest) (*models.Voucher, error)
	Reject(ctx context.Context, tenantID string, id uuid.UUID, req *models.ReviewVoucherRequest) (*models.Voucher, error)
	Redeem(ctx context.Context, tenantID string, id uuid.UUID, req *models.RedeemVoucherRequest) (*models.VoucherRedemption, error)
	Get(ctx context.Context, tenantID string, id uuid.UUID) (*models.Voucher, error)
	List(ctx context.Context, tenantID string, filter models.VoucherFilter) ([]*models.Voucher, error)
}

// ----- Gift cards -----

type GiftCardService interface {
	Issue(ctx context.Context, tenantID string, req *models.IssueGiftCardRequest) (*models.GiftCard, error)
	Apply(ctx context.Context, tenantID string, id uuid.UUID, req *models.ApplyGiftCardRequest) (*models.GiftCardApplication, error)
	Disable(ctx context.Context, tenantID string, id uuid.UUID) (*models.GiftCard, error)
	Get(ctx context.Context, tenantID string, id uuid.UUID) (*models.GiftCard, error)
	List(ctx context.Context, tenantID string, filter models.GiftCardFilter) ([]*models.GiftCard, error)
	Transactions(ctx context.Context, tenantID string, id uuid.UUID, limit, offset int) ([]*models.GiftCardTransaction, error)
}

// ----- Redemption -----

type RedemptionGateway interface {
	Redeem(ctx context.Context, tenantID string, req *models.RedeemRequest) (*models.RedemptionResult, error)
}

// ----- Admin -----

type ExpirySweeper interface {
	Sweep(ctx context.Context) (*services.SweepResult, error)
}

type PolicyCacheInvalidator interface {
	Invalidate(ctx context.Context, tenantID string) error
}

// ----- Health -----

type DBHealth interface {
	Health() error
}

type RedisHealth interface {
	Health(ctx context.Context) error
}

// ----- Rate limiting -----

// MiddlewareLimiter лимитер, которым пользуется RateLimitMiddleware
type MiddlewareLimiter interface {
	Allow(ctx context.Context, key string) (bool, int64, time.Time, error)
	Enabled() bool
	Limit() int64
}

// RateLimitStatusProvider лимитер с чтением состояния окна без списания
type RateLimitStatusProvider interface {
	MiddlewareLimiter
	Usage(ctx context.Context, key string) (int64, int64, *time.Time, error)
}
