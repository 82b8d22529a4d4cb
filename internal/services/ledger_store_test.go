package services

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"instrument-ledger/internal/models"

	"github.com/lib/pq"
)

// ledgerStore хранит одну подарочную карту и её журнал списаний в памяти.
// Драйвер понимает только запросы, которые выполняет Apply. UPDATE с
// условием на остаток выполняется атомарно, как одна строка в PostgreSQL.
// rowLocks включает блокировку строки на SELECT ... FOR UPDATE до конца транзакции.
type ledgerStore struct {
	mu       sync.Mutex
	rowLock  sync.Mutex
	rowLocks bool

	card *models.GiftCard
	txns map[string]ledgerTxn
}

type ledgerTxn struct {
	id           string
	amount       int64
	balanceAfter int64
}

func newLedgerStore(card *models.GiftCard, rowLocks bool) *ledgerStore {
	c := *card
	return &ledgerStore{card: &c, rowLocks: rowLocks, txns: make(map[string]ledgerTxn)}
}

func (s *ledgerStore) open() *sql.DB {
	return sql.OpenDB(ledgerConnector{store: s})
}

func (s *ledgerStore) snapshot() (balance int64, status models.GiftCardStatus, debited int64, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.txns {
		debited += t.amount
	}
	return s.card.CurrentBalance, s.card.Status, debited, len(s.txns)
}

type ledgerConnector struct {
	store *ledgerStore
}

func (c ledgerConnector) Connect(context.Context) (driver.Conn, error) {
	return &ledgerConn{store: c.store}, nil
}

func (c ledgerConnector) Driver() driver.Driver { return ledgerDriver{} }

type ledgerDriver struct{}

func (ledgerDriver) Open(string) (driver.Conn, error) {
	return nil, errors.New("ledger store opens through its connector")
}

type ledgerConn struct {
	store *ledgerStore
	tx    *ledgerTx
}

func (c *ledgerConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepared statements are not supported: %s", query)
}

func (c *ledgerConn) Close() error { return nil }

func (c *ledgerConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *ledgerConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	c.tx = &ledgerTx{conn: c}
	return c.tx, nil
}

func (c *ledgerConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	s := c.store
	switch {
	case strings.Contains(query, "FROM gift_cards") && strings.Contains(query, "FOR UPDATE"):
		if s.rowLocks && c.tx != nil && !c.tx.locked {
			s.rowLock.Lock()
			c.tx.locked = true
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		g := s.card
		if fmt.Sprint(args[0].Value) != g.ID.String() {
			return &ledgerRows{cols: strings.Split(giftCardColumns, ", ")}, nil
		}
		return &ledgerRows{
			cols: strings.Split(giftCardColumns, ", "),
			data: [][]driver.Value{{
				g.ID.String(), g.TenantID, g.Code, g.InitialBalance, g.CurrentBalance,
				nil, string(g.Status), nil, g.CreatedAt, g.UpdatedAt,
			}},
		}, nil

	case strings.Contains(query, "FROM gift_card_transactions"):
		s.mu.Lock()
		defer s.mu.Unlock()
		rows := &ledgerRows{cols: []string{"id", "amount", "balance_after"}}
		if t, ok := s.txns[fmt.Sprint(args[1].Value)]; ok {
			rows.data = [][]driver.Value{{t.id, t.amount, t.balanceAfter}}
		}
		return rows, nil
	}
	return nil, fmt.Errorf("unexpected query: %s", query)
}

func (c *ledgerConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case strings.Contains(query, "SET current_balance = current_balance - $1"):
		amount := args[0].Value.(int64)
		g := s.card
		if g.Status != models.GiftCardStatusActive || g.CurrentBalance < amount {
			return driver.RowsAffected(0), nil
		}
		g.CurrentBalance -= amount
		if g.CurrentBalance == 0 {
			g.Status = models.GiftCardStatusRedeemed
		}
		c.tx.undo = append(c.tx.undo, func() {
			g.CurrentBalance += amount
			g.Status = models.GiftCardStatusActive
		})
		return driver.RowsAffected(1), nil

	case strings.Contains(query, "INSERT INTO gift_card_transactions"):
		key := fmt.Sprint(args[3].Value)
		if _, ok := s.txns[key]; ok {
			return nil, &pq.Error{Code: "23505", Constraint: "gift_card_transactions_card_key"}
		}
		s.txns[key] = ledgerTxn{id: fmt.Sprint(args[0].Value), amount: args[4].Value.(int64), balanceAfter: args[5].Value.(int64)}
		c.tx.undo = append(c.tx.undo, func() { delete(s.txns, key) })
		return driver.RowsAffected(1), nil
	}
	return nil, fmt.Errorf("unexpected statement: %s", query)
}

type ledgerTx struct {
	conn   *ledgerConn
	undo   []func()
	locked bool
}

func (t *ledgerTx) Commit() error {
	t.finish()
	return nil
}

func (t *ledgerTx) Rollback() error {
	t.conn.store.mu.Lock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.conn.store.mu.Unlock()
	t.finish()
	return nil
}

func (t *ledgerTx) finish() {
	t.undo = nil
	if t.locked {
		t.locked = false
		t.conn.store.rowLock.Unlock()
	}
	t.conn.tx = nil
}

type ledgerRows struct {
	cols []string
	data [][]driver.Value
	pos  int
}

func (r *ledgerRows) Columns() []string { return r.cols }
func (r *ledgerRows) Close() error      { return nil }

func (r *ledgerRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.data) {
		return io.EOF
	}
	copy(dest, r.data[r.pos])
	r.pos++
	return nil
}
