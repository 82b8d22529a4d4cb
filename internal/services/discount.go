package services

import "instrument-ledger/internal/models"

// CalculateDiscount считает скидку ваучера для подытога заказа.
// Для free_shipping/free_item возвращает 0 и delegated=true: сумму считает компонент заказа.
func CalculateDiscount(compType models.CompensationType, value int64, maxDiscount *int64, subtotal int64) (amount int64, delegated bool) {
	if subtotal < 0 {
		subtotal = 0
	}

	switch compType {
	case models.CompensationPercentDiscount:
		if value <= 0 {
			return 0, false
		}
		if value > 100 {
			value = 100
		}
		amount = subtotal * value / 100
		if maxDiscount != nil && *maxDiscount >= 0 && amount > *maxDiscount {
			amount = *maxDiscount
		}
		return amount, false
	case models.CompensationFixedDiscount:
		if value <= 0 {
			return 0, false
		}
		if value > subtotal {
			return subtotal, false
		}
		return value, false
	case models.CompensationFreeShipping, models.CompensationFreeItem:
		return 0, true
	default:
		return 0, false
	}
}

// validatePolicy проверяет, что политика пригодна для выпуска ваучера
func validatePolicy(p *models.CompensationPolicy) string {
	if !p.CompensationType.Valid() {
		return "policy has unsupported compensation_type"
	}
	switch p.CompensationType {
	case models.CompensationPercentDiscount:
		if p.CompensationValue < 0 || p.CompensationValue > 100 {
			return "percent compensation must be between 0 and 100"
		}
	case models.CompensationFixedDiscount:
		if p.CompensationValue < 0 {
			return "fixed compensation must be non-negative"
		}
	}
	if p.MaxDiscountAmount != nil && *p.MaxDiscountAmount < 0 {
		return "max_discount_amount must be non-negative"
	}
	if p.ValidityDays < 0 {
		return "validity_days must be non-negative"
	}
	return ""
}
