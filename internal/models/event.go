package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType тип события жизненного цикла инструмента
type EventType string

const (
	EventTypeVoucherIssued   EventType = "voucher.issued"
	EventTypeVoucherApproved EventType = "voucher.approved"
	EventTypeVoucherRejected EventType = "voucher.rejected"
	EventTypeVoucherRedeemed EventType = "voucher.redeemed"
	EventTypeVoucherExpired  EventType = "voucher.expired"

	EventTypeGiftCardIssued   EventType = "gift_card.issued"
	EventTypeGiftCardApplied  EventType = "gift_card.applied"
	EventTypeGiftCardDisabled EventType = "gift_card.disabled"
	EventTypeGiftCardExpired  EventType = "gift_card.expired"

	// Входящее событие от компонента жалоб
	EventTypeCompensationGranted EventType = "complaint.compensation_granted"
)

// Event представляет событие в Kafka
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Type      EventType       `json:"type"`
	TenantID  string          `json:"tenant_id"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewEvent создаёт событие с сериализованным payload
func NewEvent(eventType EventType, tenantID string, payload interface{}, at time.Time) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}
	return &Event{
		ID:        uuid.New(),
		Type:      eventType,
		TenantID:  tenantID,
		Source:    "instrument-ledger",
		Timestamp: at,
		Data:      data,
	}, nil
}

// DecodeData разбирает payload события
func (e *Event) DecodeData(dest interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("event %s has no data", e.ID)
	}
	return json.Unmarshal(e.Data, dest)
}

// VoucherEventData payload событий ваучера
type VoucherEventData struct {
	VoucherID      uuid.UUID     `json:"voucher_id"`
	Code           string        `json:"code"`
	CustomerID     string        `json:"customer_id"`
	Status         VoucherStatus `json:"status"`
	OrderID        string        `json:"order_id,omitempty"`
	DiscountAmount int64         `json:"discount_amount,omitempty"`
	By             string        `json:"by,omitempty"`
}

// GiftCardEventData payload событий подарочной карты
type GiftCardEventData struct {
	GiftCardID uuid.UUID      `json:"gift_card_id"`
	Code       string         `json:"code"`
	Status     GiftCardStatus `json:"status"`
	Amount     int64          `json:"amount,omitempty"`
	Balance    int64          `json:"balance"`
	OrderID    string         `json:"order_id,omitempty"`
}

// CompensationGrantedData payload входящего события о назначенной компенсации
type CompensationGrantedData struct {
	ComplaintID string `json:"complaint_id"`
	CustomerID  string `json:"customer_id"`
	PolicyID    string `json:"policy_id"`
}
