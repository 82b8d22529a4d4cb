package models

import "github.com/google/uuid"

// InstrumentKind вид ценного инструмента
type InstrumentKind string

const (
	InstrumentVoucher  InstrumentKind = "voucher"
	InstrumentGiftCard InstrumentKind = "gift_card"
)

// InstrumentRef ссылка на инструмент, которым оплачивают заказ
type InstrumentRef struct {
	Kind InstrumentKind `json:"kind"`
	ID   uuid.UUID      `json:"id"`
}

// OrderContext контекст заказа при погашении.
// Amount используется для подарочных карт; если 0, списывается Subtotal.
type OrderContext struct {
	OrderID      string `json:"order_id"`
	Subtotal     int64  `json:"subtotal"`
	ShippingCost int64  `json:"shipping_cost,omitempty"`
	Amount       int64  `json:"amount,omitempty"`
	RequestID    string `json:"request_id,omitempty"`
}

// RedeemRequest запрос к шлюзу погашения
type RedeemRequest struct {
	Instrument InstrumentRef `json:"instrument"`
	Order      OrderContext  `json:"order"`
}

// RedemptionResult единый результат погашения
type RedemptionResult struct {
	InstrumentKind   InstrumentKind   `json:"instrument_kind"`
	InstrumentID     uuid.UUID        `json:"instrument_id"`
	OrderID          string           `json:"order_id"`
	AppliedAmount    int64            `json:"applied_amount"`
	CompensationType CompensationType `json:"compensation_type,omitempty"`
	AmountDelegated  bool             `json:"amount_delegated,omitempty"`
	NewBalance       *int64           `json:"new_balance,omitempty"`
	Replayed         bool             `json:"replayed,omitempty"`
}
