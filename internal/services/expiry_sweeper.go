package services

import (
	"context"
	"time"

	"instrument-ledger/internal/apperror"
	"instrument-ledger/internal/clock"
	"instrument-ledger/internal/database"
	"instrument-ledger/internal/logger"
	"instrument-ledger/internal/metrics"
	"instrument-ledger/internal/models"

	"github.com/sirupsen/logrus"
)

// SweepResult итог прохода фиксации истёкших инструментов
type SweepResult struct {
	Vouchers  int64     `json:"vouchers_expired"`
	GiftCards int64     `json:"gift_cards_expired"`
	At        time.Time `json:"at"`
}

// ExpirySweeper сохраняет статус expired для строк, которые уже истекли
// по EffectiveStatus. Выполняет только approved→expired и active→expired,
// поэтому повторный проход ничего не меняет.
type ExpirySweeper struct {
	db        *database.DB
	log       *logrus.Entry
	clock     clock.Clock
	events    EventPublisher
	batchSize int
	interval  time.Duration
}

// NewExpirySweeper создает sweeper. events может быть nil.
func NewExpirySweeper(db *database.DB, log *logger.Logger, clk clock.Clock, events EventPublisher, batchSize int, interval time.Duration) *ExpirySweeper {
	if batchSize <= 0 {
		batchSize = 500
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &ExpirySweeper{
		db:        db,
		log:       log.Component("ExpirySweeper"),
		clock:     clk,
		events:    events,
		batchSize: batchSize,
		interval:  interval,
	}
}

// Run выполняет Sweep по таймеру до отмены ctx
func (w *ExpirySweeper) Run(ctx context.Context) error {
	w.log.WithField("interval", w.interval.String()).Info("Starting expiry sweeper")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Stopping expiry sweeper")
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
				w.log.WithError(err).Error("Expiry sweep failed")
			}
		}
	}
}

// Sweep переводит все истёкшие ваучеры и карты в expired пачками по batchSize.
// Строки, заблокированные текущими погашениями, пропускаются до следующего прохода.
func (w *ExpirySweeper) Sweep(ctx context.Context) (*SweepResult, error) {
	now := w.clock.Now()
	result := &SweepResult{At: now}

	for {
		n, err := w.expireVouchers(ctx, now)
		if err != nil {
			metrics.ObserveSweep(0, 0, true)
			return nil, err
		}
		result.Vouchers += n
		if n < int64(w.batchSize) {
			break
		}
	}

	for {
		n, err := w.expireGiftCards(ctx, now)
		if err != nil {
			metrics.ObserveSweep(0, 0, true)
			return nil, err
		}
		result.GiftCards += n
		if n < int64(w.batchSize) {
			break
		}
	}

	metrics.ObserveSweep(result.Vouchers, result.GiftCards, false)
	if result.Vouchers > 0 || result.GiftCards > 0 {
		w.log.WithFields(logrus.Fields{
			"vouchers":   result.Vouchers,
			"gift_cards": result.GiftCards,
		}).Info("Expired instruments persisted")
	}
	return result, nil
}

func (w *ExpirySweeper) expireVouchers(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE vouchers
		SET status = 'expired', updated_at = $1
		WHERE id IN (
			SELECT id FROM vouchers
			WHERE status = 'approved' AND valid_until IS NOT NULL AND valid_until < $1
			ORDER BY valid_until
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		) AND status = 'approved'
		RETURNING id, tenant_id, code, customer_id, approved_by
	`
	rows, err := w.db.QueryContext(ctx, query, now, w.batchSize)
	if err != nil {
		return 0, apperror.Storage("sweep vouchers", err)
	}
	defer rows.Close()

	var expired []*models.Voucher
	for rows.Next() {
		v := &models.Voucher{Status: models.VoucherStatusExpired, UpdatedAt: now}
		if err := rows.Scan(&v.ID, &v.TenantID, &v.Code, &v.CustomerID, &v.ApprovedBy); err != nil {
			return 0, apperror.Storage("scan swept voucher", err)
		}
		expired = append(expired, v)
	}
	if err := rows.Err(); err != nil {
		return 0, apperror.Storage("sweep vouchers", err)
	}

	for _, v := range expired {
		metrics.IncVoucherTransition(string(models.VoucherStatusExpired))
		if w.events == nil {
			continue
		}
		if err := w.events.PublishVoucherEvent(models.EventTypeVoucherExpired, v, now); err != nil {
			w.log.WithError(err).WithField("voucher_id", v.ID).Warn("Failed to publish voucher expiry")
		}
	}
	return int64(len(expired)), nil
}

func (w *ExpirySweeper) expireGiftCards(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE gift_cards
		SET status = 'expired', updated_at = $1
		WHERE id IN (
			SELECT id FROM gift_cards
			WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at < $1
			ORDER BY expires_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		) AND status = 'active'
		RETURNING id, tenant_id, code, current_balance
	`
	rows, err := w.db.QueryContext(ctx, query, now, w.batchSize)
	if err != nil {
		return 0, apperror.Storage("sweep gift cards", err)
	}
	defer rows.Close()

	var expired []*models.GiftCard
	for rows.Next() {
		g := &models.GiftCard{Status: models.GiftCardStatusExpired, UpdatedAt: now}
		if err := rows.Scan(&g.ID, &g.TenantID, &g.Code, &g.CurrentBalance); err != nil {
			return 0, apperror.Storage("scan swept gift card", err)
		}
		expired = append(expired, g)
	}
	if err := rows.Err(); err != nil {
		return 0, apperror.Storage("sweep gift cards", err)
	}

	if w.events != nil {
		for _, g := range expired {
			if err := w.events.PublishGiftCardEvent(models.EventTypeGiftCardExpired, g, 0, "", now); err != nil {
				w.log.WithError(err).WithField("gift_card_id", g.ID).Warn("Failed to publish gift card expiry")
			}
		}
	}
	return int64(len(expired)), nil
}
