package models

import (
	"time"

	"github.com/google/uuid"
)

// GiftCardStatus представляет статус подарочной карты
type GiftCardStatus string

const (
	GiftCardStatusActive   GiftCardStatus = "active"
	GiftCardStatusRedeemed GiftCardStatus = "redeemed"
	GiftCardStatusExpired  GiftCardStatus = "expired"
	GiftCardStatusDisabled GiftCardStatus = "disabled"
)

// Valid сообщает, известен ли статус
func (s GiftCardStatus) Valid() bool {
	switch s {
	case GiftCardStatusActive, GiftCardStatusRedeemed, GiftCardStatusExpired, GiftCardStatusDisabled:
		return true
	}
	return false
}

// GiftCard представляет подарочную карту с предоплаченным балансом
type GiftCard struct {
	ID             uuid.UUID      `json:"id" db:"id"`
	TenantID       string         `json:"tenant_id" db:"tenant_id"`
	Code           string         `json:"code" db:"code"`
	InitialBalance int64          `json:"initial_balance" db:"initial_balance"`
	CurrentBalance int64          `json:"current_balance" db:"current_balance"`
	CustomerID     *string        `json:"customer_id,omitempty" db:"customer_id"`
	Status         GiftCardStatus `json:"status" db:"status"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
}

// EffectiveStatus возвращает статус с учётом истечения срока на момент now
func (g *GiftCard) EffectiveStatus(now time.Time) GiftCardStatus {
	if g.Status == GiftCardStatusActive && g.ExpiresAt != nil && now.After(*g.ExpiresAt) {
		return GiftCardStatusExpired
	}
	return g.Status
}

// GiftCardTransaction запись об успешном списании
type GiftCardTransaction struct {
	ID             uuid.UUID `json:"id" db:"id"`
	GiftCardID     uuid.UUID `json:"gift_card_id" db:"gift_card_id"`
	TenantID       string    `json:"tenant_id" db:"tenant_id"`
	IdempotencyKey string    `json:"idempotency_key" db:"idempotency_key"`
	Amount         int64     `json:"amount" db:"amount"`
	BalanceAfter   int64     `json:"balance_after" db:"balance_after"`
	OrderID        *string   `json:"order_id,omitempty" db:"order_id"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// IssueGiftCardRequest представляет запрос на выпуск карты.
// Пустой Code означает автоматическую генерацию.
type IssueGiftCardRequest struct {
	Code           string     `json:"code"`
	InitialBalance int64      `json:"initial_balance"`
	CustomerID     *string    `json:"customer_id,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// ApplyGiftCardRequest представляет списание с карты
type ApplyGiftCardRequest struct {
	Amount         int64   `json:"amount"`
	IdempotencyKey string  `json:"idempotency_key"`
	OrderID        *string `json:"order_id,omitempty"`
}

// GiftCardApplication результат списания
type GiftCardApplication struct {
	GiftCardID    uuid.UUID      `json:"gift_card_id"`
	TransactionID uuid.UUID      `json:"transaction_id"`
	Amount        int64          `json:"amount"`
	NewBalance    int64          `json:"new_balance"`
	Status        GiftCardStatus `json:"status"`
	// Replayed true, если ключ идемпотентности уже был использован
	Replayed bool `json:"replayed"`
}

// GiftCardFilter параметры выборки карт
type GiftCardFilter struct {
	Status     GiftCardStatus
	CustomerID string
	Limit      int
	Offset     int
}
