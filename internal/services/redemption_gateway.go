package services

import (
	"context"
	"strings"

	"instrument-ledger/internal/apperror"
	"instrument-ledger/internal/logger"
	"instrument-ledger/internal/metrics"
	"instrument-ledger/internal/models"

	"github.com/google/uuid"
)

// VoucherRedeemer погашение ваучера (VoucherService)
type VoucherRedeemer interface {
	Redeem(ctx context.Context, tenantID string, id uuid.UUID, req *models.RedeemVoucherRequest) (*models.VoucherRedemption, error)
}

// GiftCardApplier списание с подарочной карты (GiftCardService)
type GiftCardApplier interface {
	Apply(ctx context.Context, tenantID string, id uuid.UUID, req *models.ApplyGiftCardRequest) (*models.GiftCardApplication, error)
}

// RedemptionGateway единая точка погашения инструментов для checkout.
// Собственного состояния не хранит.
type RedemptionGateway struct {
	vouchers  VoucherRedeemer
	giftCards GiftCardApplier
	log       *logger.Logger
}

// NewRedemptionGateway создает шлюз погашения
func NewRedemptionGateway(vouchers VoucherRedeemer, giftCards GiftCardApplier, log *logger.Logger) *RedemptionGateway {
	return &RedemptionGateway{
		vouchers:  vouchers,
		giftCards: giftCards,
		log:       log,
	}
}

// Redeem применяет инструмент к заказу
func (g *RedemptionGateway) Redeem(ctx context.Context, tenantID string, req *models.RedeemRequest) (*models.RedemptionResult, error) {
	if req == nil {
		return nil, apperror.Validation("request body is required", nil)
	}
	if req.Instrument.ID == uuid.Nil {
		return nil, apperror.Validation("instrument id is required", nil)
	}
	if strings.TrimSpace(req.Order.OrderID) == "" {
		return nil, apperror.Validation("order_id is required", nil)
	}

	var (
		result *models.RedemptionResult
		err    error
	)
	switch req.Instrument.Kind {
	case models.InstrumentVoucher:
		result, err = g.redeemVoucher(ctx, tenantID, req)
	case models.InstrumentGiftCard:
		result, err = g.applyGiftCard(ctx, tenantID, req)
	default:
		return nil, apperror.Validation("unknown instrument kind", nil)
	}

	outcome := "applied"
	if err != nil {
		outcome = string(apperror.KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
		g.log.WithError(err).WithFields(map[string]interface{}{
			"instrument_kind": req.Instrument.Kind,
			"instrument_id":   req.Instrument.ID,
			"order_id":        req.Order.OrderID,
		}).Info("Redemption declined")
	} else if result.Replayed {
		outcome = "replayed"
	}
	metrics.IncRedemption(string(req.Instrument.Kind), outcome)

	return result, err
}

func (g *RedemptionGateway) redeemVoucher(ctx context.Context, tenantID string, req *models.RedeemRequest) (*models.RedemptionResult, error) {
	redemption, err := g.vouchers.Redeem(ctx, tenantID, req.Instrument.ID, &models.RedeemVoucherRequest{
		OrderID:  req.Order.OrderID,
		Subtotal: req.Order.Subtotal,
	})
	if err != nil {
		return nil, err
	}

	return &models.RedemptionResult{
		InstrumentKind:   models.InstrumentVoucher,
		InstrumentID:     redemption.VoucherID,
		OrderID:          redemption.OrderID,
		AppliedAmount:    redemption.DiscountAmount,
		CompensationType: redemption.CompensationType,
		AmountDelegated:  redemption.AmountDelegated,
	}, nil
}

func (g *RedemptionGateway) applyGiftCard(ctx context.Context, tenantID string, req *models.RedeemRequest) (*models.RedemptionResult, error) {
	amount := req.Order.Amount
	if amount == 0 {
		amount = req.Order.Subtotal
	}

	key := strings.TrimSpace(req.Order.RequestID)
	if key == "" {
		key = strings.TrimSpace(req.Order.OrderID)
	}
	orderID := req.Order.OrderID

	application, err := g.giftCards.Apply(ctx, tenantID, req.Instrument.ID, &models.ApplyGiftCardRequest{
		Amount:         amount,
		IdempotencyKey: key,
		OrderID:        &orderID,
	})
	if err != nil {
		return nil, err
	}

	balance := application.NewBalance
	return &models.RedemptionResult{
		InstrumentKind: models.InstrumentGiftCard,
		InstrumentID:   application.GiftCardID,
		OrderID:        orderID,
		AppliedAmount:  application.Amount,
		NewBalance:     &balance,
		Replayed:       application.Replayed,
	}, nil
}
