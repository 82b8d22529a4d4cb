package services

import (
	"context"
	"database/sql/driver"
	"sync"
	"testing"
	"time"

	"instrument-ledger/internal/apperror"
	"instrument-ledger/internal/clock"
	"instrument-ledger/internal/config"
	"instrument-ledger/internal/database"
	"instrument-ledger/internal/logger"
	"instrument-ledger/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestLogger() *logger.Logger {
	return logger.New(&config.LoggerConfig{Level: "error", Format: "json"})
}

func newMockDB(t *testing.T) (*database.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}

	return &database.DB{DB: db}, mock
}

func newTestClock() *clock.FakeClock {
	return clock.Fake(testNow)
}

var voucherCols = []string{
	"id", "tenant_id", "code", "customer_id", "policy_id", "complaint_id", "compensation_type",
	"compensation_value", "max_discount_amount", "status", "valid_until", "approved_by", "admin_notes",
	"redeemed_at", "redeemed_order_id", "discount_amount", "created_at", "updated_at",
}

var giftCardCols = []string{
	"id", "tenant_id", "code", "initial_balance", "current_balance", "customer_id", "status", "expires_at", "created_at", "updated_at",
}

func voucherRows(vs ...*models.Voucher) *sqlmock.Rows {
	rows := sqlmock.NewRows(voucherCols)
	for _, v := range vs {
		rows.AddRow(
			v.ID.String(), v.TenantID, v.Code, v.CustomerID, v.PolicyID, strOrNil(v.ComplaintID),
			string(v.CompensationType), v.CompensationValue, int64OrNil(v.MaxDiscountAmount), string(v.Status),
			timeOrNil(v.ValidUntil), strOrNil(v.ApprovedBy), strOrNil(v.AdminNotes), timeOrNil(v.RedeemedAt),
			strOrNil(v.RedeemedOrderID), int64OrNil(v.DiscountAmount), v.CreatedAt, v.UpdatedAt,
		)
	}
	return rows
}

func giftCardRows(cards ...*models.GiftCard) *sqlmock.Rows {
	rows := sqlmock.NewRows(giftCardCols)
	for _, g := range cards {
		rows.AddRow(
			g.ID.String(), g.TenantID, g.Code, g.InitialBalance, g.CurrentBalance, strOrNil(g.CustomerID),
			string(g.Status), timeOrNil(g.ExpiresAt), g.CreatedAt, g.UpdatedAt,
		)
	}
	return rows
}

func strOrNil(s *string) driver.Value {
	if s == nil {
		return nil
	}
	return *s
}

func int64OrNil(v *int64) driver.Value {
	if v == nil {
		return nil
	}
	return *v
}

func timeOrNil(t *time.Time) driver.Value {
	if t == nil {
		return nil
	}
	return *t
}

func ptr[T any](v T) *T { return &v }

type stubPolicies struct {
	policies map[string]*models.CompensationPolicy
	err      error
	calls    int
}

func (s *stubPolicies) Get(_ context.Context, tenantID, policyID string) (*models.CompensationPolicy, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	p, ok := s.policies[tenantID+"/"+policyID]
	if !ok {
		return nil, apperror.PolicyNotFound("compensation policy not found", nil)
	}
	cp := *p
	return &cp, nil
}

type stubCustomers struct {
	known map[string]bool
	err   error
}

func (s *stubCustomers) Exists(_ context.Context, tenantID, customerID string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return s.known[tenantID+"/"+customerID], nil
}

type recordedEvent struct {
	Type   models.EventType
	ID     string
	Status string
	Amount int64
}

type stubPublisher struct {
	mu     sync.Mutex
	events []recordedEvent
	err    error
}

func (p *stubPublisher) PublishVoucherEvent(eventType models.EventType, v *models.Voucher, _ time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, recordedEvent{Type: eventType, ID: v.ID.String(), Status: string(v.Status)})
	return p.err
}

func (p *stubPublisher) PublishGiftCardEvent(eventType models.EventType, card *models.GiftCard, amount int64, _ string, _ time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, recordedEvent{Type: eventType, ID: card.ID.String(), Status: string(card.Status), Amount: amount})
	return p.err
}

func (p *stubPublisher) types() []models.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

func expectKind(t *testing.T, err error, kind apperror.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	if !apperror.Is(err, kind) {
		t.Fatalf("expected %s error, got %v (kind %q)", kind, err, apperror.KindOf(err))
	}
}
