package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"instrument-ledger/internal/models"
)

// EventPublisher публикует события жизненного цикла инструментов (kafka.Producer)
type EventPublisher interface {
	PublishVoucherEvent(eventType models.EventType, v *models.Voucher, at time.Time) error
	PublishGiftCardEvent(eventType models.EventType, card *models.GiftCard, amount int64, orderID string, at time.Time) error
}

// PolicyLookup разрешает политику компенсации тенанта
type PolicyLookup interface {
	Get(ctx context.Context, tenantID, policyID string) (*models.CompensationPolicy, error)
}

// CustomerDirectory проверяет принадлежность клиента тенанту
type CustomerDirectory interface {
	Exists(ctx context.Context, tenantID, customerID string) (bool, error)
}

// rowScanner общий интерфейс *sql.Row и *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func optionalString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// Алфавит Crockford base32: без I, L, O, U, чтобы код было легко продиктовать
const codeAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// CodeGenerator выпускает человекочитаемые коды вида PREFIX-XXXXXXXXXX
type CodeGenerator struct {
	prefix string
	length int
}

// NewCodeGenerator создаёт генератор; length < 6 поднимается до 6
func NewCodeGenerator(prefix string, length int) *CodeGenerator {
	if length < 6 {
		length = 6
	}
	return &CodeGenerator{prefix: strings.ToUpper(strings.TrimSpace(prefix)), length: length}
}

// Generate возвращает новый случайный код
func (g *CodeGenerator) Generate() (string, error) {
	buf := make([]byte, g.length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	if g.prefix == "" {
		return string(buf), nil
	}
	return g.prefix + "-" + string(buf), nil
}

var errCodeSpaceExhausted = errors.New("unique code not found within attempt budget")
