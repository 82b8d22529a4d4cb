package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"instrument-ledger/internal/apperror"
	"instrument-ledger/internal/clock"
	"instrument-ledger/internal/config"
	"instrument-ledger/internal/database"
	"instrument-ledger/internal/logger"
	"instrument-ledger/internal/metrics"
	"instrument-ledger/internal/models"

	"github.com/google/uuid"
)

const voucherColumns = `id, tenant_id, code, customer_id, policy_id, complaint_id, compensation_type,
		compensation_value, max_discount_amount, status, valid_until, approved_by, admin_notes,
		redeemed_at, redeemed_order_id, discount_amount, created_at, updated_at`

// effectiveVoucherStatusSQL повторяет models.Voucher.EffectiveStatus на стороне БД, $2 это now
const effectiveVoucherStatusSQL = `CASE WHEN status = 'approved' AND valid_until IS NOT NULL AND valid_until < $2 THEN 'expired' ELSE status END`

const (
	voucherCodeConstraint      = "vouchers_tenant_code_key"
	voucherComplaintConstraint = "vouchers_tenant_complaint_key"
)

// VoucherService ведёт компенсационные ваучеры: выпуск, согласование, погашение
type VoucherService struct {
	db        *database.DB
	log       *logger.Logger
	clock     clock.Clock
	policies  PolicyLookup
	customers CustomerDirectory
	events    EventPublisher
	codes     *CodeGenerator
	attempts  int
	// defaultValidityDays применяется, если политика не задаёт срок
	defaultValidityDays int
}

// NewVoucherService создает сервис ваучеров. events может быть nil.
func NewVoucherService(db *database.DB, log *logger.Logger, clk clock.Clock, policies PolicyLookup, customers CustomerDirectory, events EventPublisher, cfg *config.VoucherConfig) *VoucherService {
	attempts := cfg.CodeAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return &VoucherService{
		db:                  db,
		log:                 log,
		clock:               clk,
		policies:            policies,
		customers:           customers,
		events:              events,
		codes:               NewCodeGenerator(cfg.CodePrefix, cfg.CodeLength),
		attempts:            attempts,
		defaultValidityDays: cfg.DefaultValidityDays,
	}
}

// Issue выпускает ваучер в статусе pending_approval.
// Повторный выпуск по той же жалобе возвращает уже выпущенный ваучер.
func (s *VoucherService) Issue(ctx context.Context, tenantID string, req *models.IssueVoucherRequest) (*models.Voucher, error) {
	if req == nil {
		return nil, apperror.Validation("request body is required", nil)
	}
	customerID := strings.TrimSpace(req.CustomerID)
	policyID := strings.TrimSpace(req.PolicyID)
	if customerID == "" || policyID == "" {
		return nil, apperror.Validation("customer_id and policy_id are required", nil)
	}
	var complaintID *string
	if req.ComplaintID != nil {
		complaintID = optionalString(*req.ComplaintID)
	}

	if complaintID != nil {
		existing, err := s.findByComplaint(ctx, tenantID, *complaintID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			if existing.CustomerID != customerID || existing.PolicyID != policyID {
				return nil, apperror.Conflict(fmt.Sprintf("complaint %s already compensated with a different customer or policy", *complaintID), nil)
			}
			s.log.WithFields(map[string]interface{}{
				"voucher_id":   existing.ID,
				"complaint_id": *complaintID,
			}).Info("Voucher already issued for complaint")
			return existing, nil
		}
	}

	policy, err := s.policies.Get(ctx, tenantID, policyID)
	if err != nil {
		return nil, apperror.Storage("resolve policy", err)
	}
	if policy == nil || !policy.Active {
		return nil, apperror.PolicyNotFound("compensation policy not found", nil)
	}
	if msg := validatePolicy(policy); msg != "" {
		return nil, apperror.Validation(msg, nil)
	}

	ok, err := s.customers.Exists(ctx, tenantID, customerID)
	if err != nil {
		return nil, apperror.Storage("check customer", err)
	}
	if !ok {
		return nil, apperror.CustomerNotFound("customer not found", nil)
	}

	now := s.clock.Now()
	voucher := &models.Voucher{
		ID:                uuid.New(),
		TenantID:          tenantID,
		CustomerID:        customerID,
		PolicyID:          policy.ID,
		ComplaintID:       complaintID,
		CompensationType:  policy.CompensationType,
		CompensationValue: policy.CompensationValue,
		MaxDiscountAmount: policy.MaxDiscountAmount,
		Status:            models.VoucherStatusPendingApproval,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if voucher.CompensationType.Delegated() {
		voucher.CompensationValue = 0
	}

	days := policy.ValidityDays
	if days == 0 {
		days = s.defaultValidityDays
	}
	if days > 0 {
		validUntil := now.AddDate(0, 0, days)
		voucher.ValidUntil = &validUntil
	}

	query := `
		INSERT INTO vouchers (id, tenant_id, code, customer_id, policy_id, complaint_id, compensation_type,
			compensation_value, max_discount_amount, status, valid_until, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	for attempt := 1; ; attempt++ {
		code, err := s.codes.Generate()
		if err != nil {
			return nil, fmt.Errorf("failed to generate voucher code: %w", err)
		}
		voucher.Code = code

		_, err = s.db.ExecContext(ctx, query,
			voucher.ID, voucher.TenantID, voucher.Code, voucher.CustomerID, voucher.PolicyID, voucher.ComplaintID,
			voucher.CompensationType, voucher.CompensationValue, voucher.MaxDiscountAmount, voucher.Status,
			voucher.ValidUntil, voucher.CreatedAt, voucher.UpdatedAt,
		)
		if err == nil {
			break
		}
		if database.IsUniqueViolation(err, voucherCodeConstraint) {
			if attempt >= s.attempts {
				return nil, apperror.DuplicateCode("failed to allocate unique voucher code", errCodeSpaceExhausted)
			}
			s.log.WithField("attempt", attempt).Warn("Voucher code collision, retrying")
			continue
		}
		if complaintID != nil && database.IsUniqueViolation(err, voucherComplaintConstraint) {
			existing, findErr := s.findByComplaint(ctx, tenantID, *complaintID)
			if findErr != nil {
				return nil, findErr
			}
			if existing != nil {
				return existing, nil
			}
		}
		return nil, apperror.Storage("insert voucher", err)
	}

	s.log.Tenant(tenantID).WithFields(map[string]interface{}{
		"voucher_id":     voucher.ID,
		"customer_id":    customerID,
		"policy_id":      policy.ID,
		logger.CodeField: voucher.Code,
	}).Info("Voucher issued")

	metrics.IncVoucherTransition(string(voucher.Status))
	s.publish(models.EventTypeVoucherIssued, voucher)
	return voucher, nil
}

// Approve переводит ваучер pending_approval → approved
func (s *VoucherService) Approve(ctx context.Context, tenantID string, id uuid.UUID, req *models.ReviewVoucherRequest) (*models.Voucher, error) {
	return s.review(ctx, tenantID, id, req, models.VoucherStatusApproved)
}

// Reject переводит ваучер pending_approval → rejected
func (s *VoucherService) Reject(ctx context.Context, tenantID string, id uuid.UUID, req *models.ReviewVoucherRequest) (*models.Voucher, error) {
	return s.review(ctx, tenantID, id, req, models.VoucherStatusRejected)
}

func (s *VoucherService) review(ctx context.Context, tenantID string, id uuid.UUID, req *models.ReviewVoucherRequest, target models.VoucherStatus) (*models.Voucher, error) {
	if req == nil || strings.TrimSpace(req.By) == "" {
		return nil, apperror.Validation("reviewer (by) is required", nil)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperror.Storage("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	voucher, err := s.lockVoucher(ctx, tx, tenantID, id)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if current := voucher.EffectiveStatus(now); current != models.VoucherStatusPendingApproval {
		return nil, apperror.InvalidTransition(fmt.Sprintf("voucher is %s, not pending approval", current))
	}

	by := strings.TrimSpace(req.By)
	notes := optionalString(req.Notes)

	updateQuery := `
		UPDATE vouchers
		SET status = $1, approved_by = $2, admin_notes = $3, updated_at = $4
		WHERE id = $5 AND status = 'pending_approval'
	`
	result, err := tx.ExecContext(ctx, updateQuery, target, by, notes, now, id)
	if err != nil {
		return nil, apperror.Storage("update voucher", err)
	}
	if rows, err := result.RowsAffected(); err != nil {
		return nil, apperror.Storage("update voucher", err)
	} else if rows == 0 {
		return nil, apperror.InvalidTransition("voucher is no longer pending approval")
	}

	if err := tx.Commit(); err != nil {
		return nil, apperror.Storage("commit voucher review", err)
	}

	voucher.Status = target
	voucher.ApprovedBy = &by
	voucher.AdminNotes = notes
	voucher.UpdatedAt = now

	s.log.WithFields(map[string]interface{}{
		"voucher_id": id,
		"status":     target,
		"by":         by,
	}).Info("Voucher reviewed")

	metrics.IncVoucherTransition(string(target))
	if target == models.VoucherStatusApproved {
		s.publish(models.EventTypeVoucherApproved, voucher)
	} else {
		s.publish(models.EventTypeVoucherRejected, voucher)
	}
	return voucher, nil
}

// Redeem погашает одобренный ваучер заказом в одной транзакции с блокировкой строки.
// Повторное погашение возвращает AlreadyRedeemed с исходным заказом.
func (s *VoucherService) Redeem(ctx context.Context, tenantID string, id uuid.UUID, req *models.RedeemVoucherRequest) (*models.VoucherRedemption, error) {
	if req == nil || strings.TrimSpace(req.OrderID) == "" {
		return nil, apperror.Validation("order_id is required", nil)
	}
	if req.Subtotal < 0 {
		return nil, apperror.InvalidAmount("subtotal must be non-negative")
	}
	orderID := strings.TrimSpace(req.OrderID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperror.Storage("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	voucher, err := s.lockVoucher(ctx, tx, tenantID, id)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	switch voucher.Status {
	case models.VoucherStatusRedeemed:
		original := ""
		if voucher.RedeemedOrderID != nil {
			original = *voucher.RedeemedOrderID
		}
		return nil, apperror.AlreadyRedeemed("voucher already redeemed", original)
	case models.VoucherStatusExpired:
		return nil, apperror.Expired("voucher expired")
	case models.VoucherStatusApproved:
		if voucher.EffectiveStatus(now) == models.VoucherStatusExpired {
			if err := s.expireTx(ctx, tx, voucher, now); err != nil {
				return nil, err
			}
			if err := tx.Commit(); err != nil {
				return nil, apperror.Storage("commit voucher expiry", err)
			}
			s.afterExpire(voucher)
			return nil, apperror.Expired("voucher expired")
		}
	default:
		return nil, apperror.InvalidTransition(fmt.Sprintf("voucher is %s, not approved", voucher.Status))
	}

	discount, delegated := CalculateDiscount(voucher.CompensationType, voucher.CompensationValue, voucher.MaxDiscountAmount, req.Subtotal)

	updateQuery := `
		UPDATE vouchers
		SET status = 'redeemed', redeemed_at = $1, redeemed_order_id = $2, discount_amount = $3, updated_at = $1
		WHERE id = $4 AND status = 'approved'
	`
	result, err := tx.ExecContext(ctx, updateQuery, now, orderID, discount, id)
	if err != nil {
		return nil, apperror.Storage("redeem voucher", err)
	}
	if rows, err := result.RowsAffected(); err != nil {
		return nil, apperror.Storage("redeem voucher", err)
	} else if rows == 0 {
		return nil, apperror.InvalidTransition("voucher is no longer approved")
	}

	if err := tx.Commit(); err != nil {
		return nil, apperror.Storage("commit voucher redemption", err)
	}

	voucher.Status = models.VoucherStatusRedeemed
	voucher.RedeemedAt = &now
	voucher.RedeemedOrderID = &orderID
	voucher.DiscountAmount = &discount
	voucher.UpdatedAt = now

	s.log.WithFields(map[string]interface{}{
		"voucher_id": id,
		"order_id":   orderID,
		"discount":   discount,
		"delegated":  delegated,
	}).Info("Voucher redeemed")

	metrics.IncVoucherTransition(string(models.VoucherStatusRedeemed))
	s.publish(models.EventTypeVoucherRedeemed, voucher)

	return &models.VoucherRedemption{
		VoucherID:        id,
		OrderID:          orderID,
		CompensationType: voucher.CompensationType,
		DiscountAmount:   discount,
		AmountDelegated:  delegated,
		RedeemedAt:       now,
	}, nil
}

// Get возвращает ваучер с учётом истечения срока; обнаруженное истечение сохраняется
func (s *VoucherService) Get(ctx context.Context, tenantID string, id uuid.UUID) (*models.Voucher, error) {
	query := `SELECT ` + voucherColumns + ` FROM vouchers WHERE id = $1 AND tenant_id = $2`

	voucher, err := scanVoucher(s.db.QueryRowContext(ctx, query, id, tenantID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("voucher not found", err)
		}
		return nil, apperror.Storage("get voucher", err)
	}

	now := s.clock.Now()
	if voucher.Status == models.VoucherStatusApproved && voucher.EffectiveStatus(now) == models.VoucherStatusExpired {
		expired, err := s.persistExpiry(ctx, voucher.ID, now)
		if err != nil {
			s.log.WithError(err).WithField("voucher_id", id).Warn("Failed to persist voucher expiry")
		}
		voucher.Status = models.VoucherStatusExpired
		voucher.UpdatedAt = now
		if expired {
			s.afterExpire(voucher)
		}
	}

	return voucher, nil
}

// List возвращает ваучеры тенанта; фильтр по статусу учитывает истечение срока
func (s *VoucherService) List(ctx context.Context, tenantID string, filter models.VoucherFilter) ([]*models.Voucher, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, apperror.Validation("invalid status filter", nil)
	}
	limit, offset := normalizePage(filter.Limit, filter.Offset)
	now := s.clock.Now()

	query := `
		SELECT ` + voucherColumns + `
		FROM vouchers
		WHERE tenant_id = $1
		  AND ($3 = '' OR ` + effectiveVoucherStatusSQL + ` = $3)
		  AND ($4 = '' OR customer_id = $4)
		ORDER BY created_at DESC
		LIMIT $5 OFFSET $6
	`

	rows, err := s.db.QueryContext(ctx, query, tenantID, now, string(filter.Status), filter.CustomerID, limit, offset)
	if err != nil {
		return nil, apperror.Storage("list vouchers", err)
	}
	defer rows.Close()

	vouchers := make([]*models.Voucher, 0)
	for rows.Next() {
		v, err := scanVoucher(rows)
		if err != nil {
			return nil, apperror.Storage("scan voucher", err)
		}
		v.Status = v.EffectiveStatus(now)
		vouchers = append(vouchers, v)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.Storage("list vouchers", err)
	}

	return vouchers, nil
}

func (s *VoucherService) lockVoucher(ctx context.Context, tx *sql.Tx, tenantID string, id uuid.UUID) (*models.Voucher, error) {
	query := `SELECT ` + voucherColumns + ` FROM vouchers WHERE id = $1 AND tenant_id = $2 FOR UPDATE`

	voucher, err := scanVoucher(tx.QueryRowContext(ctx, query, id, tenantID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("voucher not found", err)
		}
		return nil, apperror.Storage("lock voucher", err)
	}
	return voucher, nil
}

func (s *VoucherService) findByComplaint(ctx context.Context, tenantID, complaintID string) (*models.Voucher, error) {
	query := `SELECT ` + voucherColumns + ` FROM vouchers WHERE tenant_id = $1 AND complaint_id = $2`

	voucher, err := scanVoucher(s.db.QueryRowContext(ctx, query, tenantID, complaintID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apperror.Storage("find voucher by complaint", err)
	}
	voucher.Status = voucher.EffectiveStatus(s.clock.Now())
	return voucher, nil
}

func (s *VoucherService) expireTx(ctx context.Context, tx *sql.Tx, voucher *models.Voucher, now time.Time) error {
	query := `UPDATE vouchers SET status = 'expired', updated_at = $1 WHERE id = $2 AND status = 'approved'`
	if _, err := tx.ExecContext(ctx, query, now, voucher.ID); err != nil {
		return apperror.Storage("expire voucher", err)
	}
	voucher.Status = models.VoucherStatusExpired
	voucher.UpdatedAt = now
	return nil
}

// persistExpiry сохраняет ленивое истечение вне транзакции; true, если строка изменена
func (s *VoucherService) persistExpiry(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	query := `UPDATE vouchers SET status = 'expired', updated_at = $1 WHERE id = $2 AND status = 'approved'`
	result, err := s.db.ExecContext(ctx, query, now, id)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (s *VoucherService) afterExpire(voucher *models.Voucher) {
	s.log.WithField("voucher_id", voucher.ID).Info("Voucher expired")
	metrics.IncVoucherTransition(string(models.VoucherStatusExpired))
	s.publish(models.EventTypeVoucherExpired, voucher)
}

func (s *VoucherService) publish(eventType models.EventType, voucher *models.Voucher) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishVoucherEvent(eventType, voucher, s.clock.Now()); err != nil {
		s.log.WithError(err).WithFields(map[string]interface{}{
			"voucher_id": voucher.ID,
			"event_type": eventType,
		}).Warn("Failed to publish voucher event")
	}
}

func scanVoucher(row rowScanner) (*models.Voucher, error) {
	v := &models.Voucher{}
	if err := row.Scan(
		&v.ID, &v.TenantID, &v.Code, &v.CustomerID, &v.PolicyID, &v.ComplaintID, &v.CompensationType,
		&v.CompensationValue, &v.MaxDiscountAmount, &v.Status, &v.ValidUntil, &v.ApprovedBy, &v.AdminNotes,
		&v.RedeemedAt, &v.RedeemedOrderID, &v.DiscountAmount, &v.CreatedAt, &v.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return v, nil
}
