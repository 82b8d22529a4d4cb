package models

import (
	"time"

	"github.com/google/uuid"
)

// VoucherStatus представляет статус компенсационного ваучера
type VoucherStatus string

const (
	VoucherStatusPendingApproval VoucherStatus = "pending_approval"
	VoucherStatusApproved        VoucherStatus = "approved"
	VoucherStatusRejected        VoucherStatus = "rejected"
	VoucherStatusRedeemed        VoucherStatus = "redeemed"
	VoucherStatusExpired         VoucherStatus = "expired"
)

// Valid сообщает, известен ли статус
func (s VoucherStatus) Valid() bool {
	switch s {
	case VoucherStatusPendingApproval, VoucherStatusApproved, VoucherStatusRejected,
		VoucherStatusRedeemed, VoucherStatusExpired:
		return true
	}
	return false
}

// CompensationType описывает вид компенсации
type CompensationType string

const (
	CompensationPercentDiscount CompensationType = "percent_discount"
	CompensationFixedDiscount   CompensationType = "fixed_discount"
	CompensationFreeShipping    CompensationType = "free_shipping"
	CompensationFreeItem        CompensationType = "free_item"
)

// Valid сообщает, известен ли тип компенсации
func (c CompensationType) Valid() bool {
	switch c {
	case CompensationPercentDiscount, CompensationFixedDiscount, CompensationFreeShipping, CompensationFreeItem:
		return true
	}
	return false
}

// Delegated сообщает, что сумму скидки считает компонент заказа/доставки
func (c CompensationType) Delegated() bool {
	return c == CompensationFreeShipping || c == CompensationFreeItem
}

// Voucher представляет компенсационный ваучер.
// Суммы хранятся в минимальных единицах валюты.
type Voucher struct {
	ID                uuid.UUID        `json:"id" db:"id"`
	TenantID          string           `json:"tenant_id" db:"tenant_id"`
	Code              string           `json:"code" db:"code"`
	CustomerID        string           `json:"customer_id" db:"customer_id"`
	PolicyID          string           `json:"policy_id" db:"policy_id"`
	ComplaintID       *string          `json:"complaint_id,omitempty" db:"complaint_id"`
	CompensationType  CompensationType `json:"compensation_type" db:"compensation_type"`
	CompensationValue int64            `json:"compensation_value" db:"compensation_value"`
	MaxDiscountAmount *int64           `json:"max_discount_amount,omitempty" db:"max_discount_amount"`
	Status            VoucherStatus    `json:"status" db:"status"`
	ValidUntil        *time.Time       `json:"valid_until,omitempty" db:"valid_until"`
	ApprovedBy        *string          `json:"approved_by,omitempty" db:"approved_by"`
	AdminNotes        *string          `json:"admin_notes,omitempty" db:"admin_notes"`
	RedeemedAt        *time.Time       `json:"redeemed_at,omitempty" db:"redeemed_at"`
	RedeemedOrderID   *string          `json:"redeemed_order_id,omitempty" db:"redeemed_order_id"`
	DiscountAmount    *int64           `json:"discount_amount,omitempty" db:"discount_amount"`
	CreatedAt         time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at" db:"updated_at"`
}

// EffectiveStatus возвращает статус с учётом истечения срока на момент now.
// Одобренный ваучер с valid_until в прошлом считается истёкшим, даже если
// это ещё не сохранено.
func (v *Voucher) EffectiveStatus(now time.Time) VoucherStatus {
	if v.Status == VoucherStatusApproved && v.ValidUntil != nil && now.After(*v.ValidUntil) {
		return VoucherStatusExpired
	}
	return v.Status
}

// IssueVoucherRequest представляет запрос на выпуск ваучера
type IssueVoucherRequest struct {
	CustomerID  string  `json:"customer_id"`
	PolicyID    string  `json:"policy_id"`
	ComplaintID *string `json:"complaint_id,omitempty"`
}

// ReviewVoucherRequest представляет решение менеджера (approve/reject)
type ReviewVoucherRequest struct {
	By    string `json:"by"`
	Notes string `json:"notes,omitempty"`
}

// RedeemVoucherRequest представляет погашение ваучера заказом
type RedeemVoucherRequest struct {
	OrderID  string `json:"order_id"`
	Subtotal int64  `json:"subtotal"`
}

// VoucherRedemption результат успешного погашения
type VoucherRedemption struct {
	VoucherID        uuid.UUID        `json:"voucher_id"`
	OrderID          string           `json:"order_id"`
	CompensationType CompensationType `json:"compensation_type"`
	DiscountAmount   int64            `json:"discount_amount"`
	// AmountDelegated true для free_shipping/free_item: ваучер подтверждает
	// право на компенсацию, сумму считает компонент заказа.
	AmountDelegated bool      `json:"amount_delegated"`
	RedeemedAt      time.Time `json:"redeemed_at"`
}

// VoucherFilter параметры выборки ваучеров
type VoucherFilter struct {
	Status     VoucherStatus
	CustomerID string
	Limit      int
	Offset     int
}
