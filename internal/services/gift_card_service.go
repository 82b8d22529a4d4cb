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
	"instrument-ledger/internal/database"
	"instrument-ledger/internal/logger"
	"instrument-ledger/internal/metrics"
	"instrument-ledger/internal/models"

	"github.com/google/uuid"
)

const giftCardColumns = `id, tenant_id, code, initial_balance, current_balance, customer_id, status, expires_at, created_at, updated_at`

const effectiveGiftCardStatusSQL = `CASE WHEN status = 'active' AND expires_at IS NOT NULL AND expires_at < $2 THEN 'expired' ELSE status END`

const giftCardCodeConstraint = "gift_cards_tenant_code_key"

// GiftCardService ведёт подарочные карты и атомарные списания с баланса
type GiftCardService struct {
	db        *database.DB
	log       *logger.Logger
	clock     clock.Clock
	customers CustomerDirectory
	events    EventPublisher
	codes     *CodeGenerator
	attempts  int
}

// NewGiftCardService создает сервис подарочных карт. events может быть nil.
func NewGiftCardService(db *database.DB, log *logger.Logger, clk clock.Clock, customers CustomerDirectory, events EventPublisher, codes *CodeGenerator, attempts int) *GiftCardService {
	if attempts <= 0 {
		attempts = 1
	}
	return &GiftCardService{
		db:        db,
		log:       log,
		clock:     clk,
		customers: customers,
		events:    events,
		codes:     codes,
		attempts:  attempts,
	}
}

// Issue выпускает активную карту с current_balance = initial_balance
func (s *GiftCardService) Issue(ctx context.Context, tenantID string, req *models.IssueGiftCardRequest) (*models.GiftCard, error) {
	if req == nil {
		return nil, apperror.Validation("request body is required", nil)
	}
	if req.InitialBalance <= 0 {
		return nil, apperror.InvalidAmount("initial_balance must be positive")
	}

	now := s.clock.Now()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return nil, apperror.Validation("expires_at must be in the future", nil)
	}

	var customerID *string
	if req.CustomerID != nil {
		customerID = optionalString(*req.CustomerID)
	}
	if customerID != nil {
		ok, err := s.customers.Exists(ctx, tenantID, *customerID)
		if err != nil {
			return nil, apperror.Storage("check customer", err)
		}
		if !ok {
			return nil, apperror.CustomerNotFound("customer not found", nil)
		}
	}

	card := &models.GiftCard{
		ID:             uuid.New(),
		TenantID:       tenantID,
		Code:           strings.ToUpper(strings.TrimSpace(req.Code)),
		InitialBalance: req.InitialBalance,
		CurrentBalance: req.InitialBalance,
		CustomerID:     customerID,
		Status:         models.GiftCardStatusActive,
		ExpiresAt:      req.ExpiresAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	generated := card.Code == ""

	query := `
		INSERT INTO gift_cards (id, tenant_id, code, initial_balance, current_balance, customer_id, status, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	for attempt := 1; ; attempt++ {
		if generated {
			code, err := s.codes.Generate()
			if err != nil {
				return nil, fmt.Errorf("failed to generate gift card code: %w", err)
			}
			card.Code = code
		}

		_, err := s.db.ExecContext(ctx, query,
			card.ID, card.TenantID, card.Code, card.InitialBalance, card.CurrentBalance, card.CustomerID,
			card.Status, card.ExpiresAt, card.CreatedAt, card.UpdatedAt,
		)
		if err == nil {
			break
		}
		if database.IsUniqueViolation(err, giftCardCodeConstraint) {
			if !generated {
				return nil, apperror.DuplicateCode("gift card code already exists", err)
			}
			if attempt >= s.attempts {
				return nil, apperror.DuplicateCode("failed to allocate unique gift card code", errCodeSpaceExhausted)
			}
			continue
		}
		return nil, apperror.Storage("insert gift card", err)
	}

	s.log.Tenant(tenantID).WithFields(map[string]interface{}{
		"gift_card_id":   card.ID,
		"balance":        card.InitialBalance,
		logger.CodeField: card.Code,
	}).Info("Gift card issued")

	s.publish(models.EventTypeGiftCardIssued, card, 0, "")
	return card, nil
}

// Apply списывает amount с карты. Строка карты блокируется на время транзакции,
// а UPDATE дополнительно проверяет статус и остаток. Повтор с тем же ключом
// идемпотентности возвращает записанный результат без повторного списания.
func (s *GiftCardService) Apply(ctx context.Context, tenantID string, id uuid.UUID, req *models.ApplyGiftCardRequest) (*models.GiftCardApplication, error) {
	if req == nil {
		return nil, apperror.Validation("request body is required", nil)
	}
	if req.Amount <= 0 {
		return nil, apperror.InvalidAmount("amount must be positive")
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return nil, apperror.Validation("idempotency_key is required", nil)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperror.Storage("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	card, err := s.lockGiftCard(ctx, tx, tenantID, id)
	if err != nil {
		return nil, err
	}

	replay, err := s.findTransaction(ctx, tx, id, key)
	if err != nil {
		return nil, err
	}
	if replay != nil {
		if replay.Amount != req.Amount {
			metrics.ObserveGiftCardDebit("declined", 0)
			return nil, apperror.Conflict("idempotency key was used with a different amount", nil)
		}
		status := card.Status
		if replay.BalanceAfter == 0 {
			status = models.GiftCardStatusRedeemed
		}
		metrics.ObserveGiftCardDebit("replayed", replay.Amount)
		return &models.GiftCardApplication{
			GiftCardID:    id,
			TransactionID: replay.ID,
			Amount:        replay.Amount,
			NewBalance:    replay.BalanceAfter,
			Status:        status,
			Replayed:      true,
		}, nil
	}

	now := s.clock.Now()
	if err := s.guardDebit(ctx, tx, card, now); err != nil {
		metrics.ObserveGiftCardDebit("declined", 0)
		return nil, err
	}
	if req.Amount > card.CurrentBalance {
		metrics.ObserveGiftCardDebit("declined", 0)
		return nil, apperror.InsufficientBalance(fmt.Sprintf("gift card balance %d is less than %d", card.CurrentBalance, req.Amount))
	}

	updateQuery := `
		UPDATE gift_cards
		SET current_balance = current_balance - $1,
			status = CASE WHEN current_balance - $1 = 0 THEN 'redeemed' ELSE status END,
			updated_at = $2
		WHERE id = $3 AND status = 'active' AND current_balance >= $1
	`
	result, err := tx.ExecContext(ctx, updateQuery, req.Amount, now, id)
	if err != nil {
		return nil, apperror.Storage("debit gift card", err)
	}
	if rows, err := result.RowsAffected(); err != nil {
		return nil, apperror.Storage("debit gift card", err)
	} else if rows == 0 {
		metrics.ObserveGiftCardDebit("declined", 0)
		return nil, apperror.InsufficientBalance("gift card balance changed concurrently")
	}

	newBalance := card.CurrentBalance - req.Amount
	txn := &models.GiftCardTransaction{
		ID:             uuid.New(),
		GiftCardID:     id,
		TenantID:       tenantID,
		IdempotencyKey: key,
		Amount:         req.Amount,
		BalanceAfter:   newBalance,
		CreatedAt:      now,
	}
	if req.OrderID != nil {
		txn.OrderID = optionalString(*req.OrderID)
	}

	insertQuery := `
		INSERT INTO gift_card_transactions (id, gift_card_id, tenant_id, idempotency_key, amount, balance_after, order_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	if _, err := tx.ExecContext(ctx, insertQuery, txn.ID, txn.GiftCardID, txn.TenantID, txn.IdempotencyKey, txn.Amount, txn.BalanceAfter, txn.OrderID, txn.CreatedAt); err != nil {
		if database.IsUniqueViolation(err, "") {
			return nil, apperror.Conflict("idempotency key already used", err)
		}
		return nil, apperror.Storage("record gift card transaction", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apperror.Storage("commit gift card debit", err)
	}

	card.CurrentBalance = newBalance
	card.UpdatedAt = now
	if newBalance == 0 {
		card.Status = models.GiftCardStatusRedeemed
	}

	s.log.WithFields(map[string]interface{}{
		"gift_card_id": id,
		"amount":       req.Amount,
		"balance":      newBalance,
		"status":       card.Status,
	}).Info("Gift card debited")

	metrics.ObserveGiftCardDebit("debited", req.Amount)
	orderID := ""
	if txn.OrderID != nil {
		orderID = *txn.OrderID
	}
	s.publish(models.EventTypeGiftCardApplied, card, req.Amount, orderID)

	return &models.GiftCardApplication{
		GiftCardID:    id,
		TransactionID: txn.ID,
		Amount:        req.Amount,
		NewBalance:    newBalance,
		Status:        card.Status,
	}, nil
}

// Disable отключает активную карту
func (s *GiftCardService) Disable(ctx context.Context, tenantID string, id uuid.UUID) (*models.GiftCard, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperror.Storage("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	card, err := s.lockGiftCard(ctx, tx, tenantID, id)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if current := card.EffectiveStatus(now); current != models.GiftCardStatusActive {
		if card.Status == models.GiftCardStatusActive {
			if err := s.expireTx(ctx, tx, card, now); err != nil {
				return nil, err
			}
			if err := tx.Commit(); err != nil {
				return nil, apperror.Storage("commit gift card expiry", err)
			}
			s.afterExpire(card)
		}
		return nil, apperror.InvalidTransition(fmt.Sprintf("gift card is %s, not active", current))
	}

	result, err := tx.ExecContext(ctx, `UPDATE gift_cards SET status = 'disabled', updated_at = $1 WHERE id = $2 AND status = 'active'`, now, id)
	if err != nil {
		return nil, apperror.Storage("disable gift card", err)
	}
	if rows, err := result.RowsAffected(); err != nil {
		return nil, apperror.Storage("disable gift card", err)
	} else if rows == 0 {
		return nil, apperror.InvalidTransition("gift card is no longer active")
	}

	if err := tx.Commit(); err != nil {
		return nil, apperror.Storage("commit gift card disable", err)
	}

	card.Status = models.GiftCardStatusDisabled
	card.UpdatedAt = now

	s.log.WithField("gift_card_id", id).Info("Gift card disabled")
	s.publish(models.EventTypeGiftCardDisabled, card, 0, "")
	return card, nil
}

// Get возвращает карту с учётом истечения срока; обнаруженное истечение сохраняется
func (s *GiftCardService) Get(ctx context.Context, tenantID string, id uuid.UUID) (*models.GiftCard, error) {
	query := `SELECT ` + giftCardColumns + ` FROM gift_cards WHERE id = $1 AND tenant_id = $2`

	card, err := scanGiftCard(s.db.QueryRowContext(ctx, query, id, tenantID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("gift card not found", err)
		}
		return nil, apperror.Storage("get gift card", err)
	}

	now := s.clock.Now()
	if card.Status == models.GiftCardStatusActive && card.EffectiveStatus(now) == models.GiftCardStatusExpired {
		result, err := s.db.ExecContext(ctx, `UPDATE gift_cards SET status = 'expired', updated_at = $1 WHERE id = $2 AND status = 'active'`, now, id)
		expired := false
		if err == nil {
			rows, rowsErr := result.RowsAffected()
			err = rowsErr
			expired = rows > 0
		}
		if err != nil {
			s.log.WithError(err).WithField("gift_card_id", id).Warn("Failed to persist gift card expiry")
		}
		card.Status = models.GiftCardStatusExpired
		card.UpdatedAt = now
		if expired {
			s.afterExpire(card)
		}
	}

	return card, nil
}

// List возвращает карты тенанта; фильтр по статусу учитывает истечение срока
func (s *GiftCardService) List(ctx context.Context, tenantID string, filter models.GiftCardFilter) ([]*models.GiftCard, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, apperror.Validation("invalid status filter", nil)
	}
	limit, offset := normalizePage(filter.Limit, filter.Offset)
	now := s.clock.Now()

	query := `
		SELECT ` + giftCardColumns + `
		FROM gift_cards
		WHERE tenant_id = $1
		  AND ($3 = '' OR ` + effectiveGiftCardStatusSQL + ` = $3)
		  AND ($4 = '' OR customer_id = $4)
		ORDER BY created_at DESC
		LIMIT $5 OFFSET $6
	`

	rows, err := s.db.QueryContext(ctx, query, tenantID, now, string(filter.Status), filter.CustomerID, limit, offset)
	if err != nil {
		return nil, apperror.Storage("list gift cards", err)
	}
	defer rows.Close()

	cards := make([]*models.GiftCard, 0)
	for rows.Next() {
		card, err := scanGiftCard(rows)
		if err != nil {
			return nil, apperror.Storage("scan gift card", err)
		}
		card.Status = card.EffectiveStatus(now)
		cards = append(cards, card)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.Storage("list gift cards", err)
	}

	return cards, nil
}

// Transactions возвращает историю списаний карты, новые сверху
func (s *GiftCardService) Transactions(ctx context.Context, tenantID string, id uuid.UUID, limit, offset int) ([]*models.GiftCardTransaction, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM gift_cards WHERE id = $1 AND tenant_id = $2)`, id, tenantID).Scan(&exists); err != nil {
		return nil, apperror.Storage("check gift card", err)
	}
	if !exists {
		return nil, apperror.NotFound("gift card not found", nil)
	}

	limit, offset = normalizePage(limit, offset)
	query := `
		SELECT id, gift_card_id, tenant_id, idempotency_key, amount, balance_after, order_id, created_at
		FROM gift_card_transactions
		WHERE gift_card_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := s.db.QueryContext(ctx, query, id, limit, offset)
	if err != nil {
		return nil, apperror.Storage("list gift card transactions", err)
	}
	defer rows.Close()

	txns := make([]*models.GiftCardTransaction, 0)
	for rows.Next() {
		t := &models.GiftCardTransaction{}
		if err := rows.Scan(&t.ID, &t.GiftCardID, &t.TenantID, &t.IdempotencyKey, &t.Amount, &t.BalanceAfter, &t.OrderID, &t.CreatedAt); err != nil {
			return nil, apperror.Storage("scan gift card transaction", err)
		}
		txns = append(txns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.Storage("list gift card transactions", err)
	}
	return txns, nil
}

// guardDebit отклоняет списание с неактивной карты. Ленивое истечение
// фиксируется и коммитится до возврата ошибки.
func (s *GiftCardService) guardDebit(ctx context.Context, tx *sql.Tx, card *models.GiftCard, now time.Time) error {
	switch card.Status {
	case models.GiftCardStatusDisabled:
		return apperror.Disabled("gift card is disabled")
	case models.GiftCardStatusExpired:
		return apperror.Expired("gift card expired")
	case models.GiftCardStatusRedeemed:
		return apperror.InsufficientBalance("gift card balance is exhausted")
	}

	if card.EffectiveStatus(now) == models.GiftCardStatusExpired {
		if err := s.expireTx(ctx, tx, card, now); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return apperror.Storage("commit gift card expiry", err)
		}
		s.afterExpire(card)
		return apperror.Expired("gift card expired")
	}
	return nil
}

func (s *GiftCardService) lockGiftCard(ctx context.Context, tx *sql.Tx, tenantID string, id uuid.UUID) (*models.GiftCard, error) {
	query := `SELECT ` + giftCardColumns + ` FROM gift_cards WHERE id = $1 AND tenant_id = $2 FOR UPDATE`

	card, err := scanGiftCard(tx.QueryRowContext(ctx, query, id, tenantID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("gift card not found", err)
		}
		return nil, apperror.Storage("lock gift card", err)
	}
	return card, nil
}

func (s *GiftCardService) findTransaction(ctx context.Context, tx *sql.Tx, cardID uuid.UUID, key string) (*models.GiftCardTransaction, error) {
	query := `
		SELECT id, amount, balance_after
		FROM gift_card_transactions
		WHERE gift_card_id = $1 AND idempotency_key = $2
	`
	t := &models.GiftCardTransaction{GiftCardID: cardID, IdempotencyKey: key}
	if err := tx.QueryRowContext(ctx, query, cardID, key).Scan(&t.ID, &t.Amount, &t.BalanceAfter); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apperror.Storage("lookup idempotency key", err)
	}
	return t, nil
}

func (s *GiftCardService) expireTx(ctx context.Context, tx *sql.Tx, card *models.GiftCard, now time.Time) error {
	if _, err := tx.ExecContext(ctx, `UPDATE gift_cards SET status = 'expired', updated_at = $1 WHERE id = $2 AND status = 'active'`, now, card.ID); err != nil {
		return apperror.Storage("expire gift card", err)
	}
	card.Status = models.GiftCardStatusExpired
	card.UpdatedAt = now
	return nil
}

func (s *GiftCardService) afterExpire(card *models.GiftCard) {
	s.log.WithField("gift_card_id", card.ID).Info("Gift card expired")
	s.publish(models.EventTypeGiftCardExpired, card, 0, "")
}

func (s *GiftCardService) publish(eventType models.EventType, card *models.GiftCard, amount int64, orderID string) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishGiftCardEvent(eventType, card, amount, orderID, s.clock.Now()); err != nil {
		s.log.WithError(err).WithFields(map[string]interface{}{
			"gift_card_id": card.ID,
			"event_type":   eventType,
		}).Warn("Failed to publish gift card event")
	}
}

func scanGiftCard(row rowScanner) (*models.GiftCard, error) {
	g := &models.GiftCard{}
	if err := row.Scan(
		&g.ID, &g.TenantID, &g.Code, &g.InitialBalance, &g.CurrentBalance, &g.CustomerID,
		&g.Status, &g.ExpiresAt, &g.CreatedAt, &g.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return g, nil
}
