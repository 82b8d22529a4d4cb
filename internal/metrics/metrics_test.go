package metrics

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func value(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("failed to read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestNorm(t *testing.T) {
	if got := norm("  Redeemed "); got != "redeemed" {
		t.Fatalf("unexpected norm: %q", got)
	}
	if got := norm(""); got != "unknown" {
		t.Fatalf("expected unknown for empty label, got %q", got)
	}
}

func TestVoucherTransitionCounter(t *testing.T) {
	before := value(t, voucherTransitionsTotal.WithLabelValues("approved"))
	IncVoucherTransition("Approved")
	after := value(t, voucherTransitionsTotal.WithLabelValues("approved"))
	if after-before != 1 {
		t.Fatalf("expected counter to grow by 1, got %v", after-before)
	}
}

func TestGiftCardDebitAmountOnlyForDebits(t *testing.T) {
	before := value(t, giftCardDebitedAmount)
	ObserveGiftCardDebit("debited", 1200)
	ObserveGiftCardDebit("replayed", 1200)
	ObserveGiftCardDebit("declined", 0)
	after := value(t, giftCardDebitedAmount)
	if after-before != 1200 {
		t.Fatalf("expected amount to grow by 1200, got %v", after-before)
	}
}

func TestObserveSweep(t *testing.T) {
	okBefore := value(t, sweepRunsTotal.WithLabelValues("ok"))
	failBefore := value(t, sweepRunsTotal.WithLabelValues("failed"))
	vBefore := value(t, sweepExpiredTotal.WithLabelValues("voucher"))

	ObserveSweep(3, 1, false)
	ObserveSweep(0, 0, true)

	if d := value(t, sweepRunsTotal.WithLabelValues("ok")) - okBefore; d != 1 {
		t.Fatalf("expected one ok run, got %v", d)
	}
	if d := value(t, sweepRunsTotal.WithLabelValues("failed")) - failBefore; d != 1 {
		t.Fatalf("expected one failed run, got %v", d)
	}
	if d := value(t, sweepExpiredTotal.WithLabelValues("voucher")) - vBefore; d != 3 {
		t.Fatalf("expected 3 expired vouchers, got %v", d)
	}
}

func TestMustRegisterIdempotent(t *testing.T) {
	MustRegister()
	MustRegister()
}

func TestRegisterDBStats_Idempotent(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	if err := RegisterDBStats(db); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if err := RegisterDBStats(db); err != nil {
		t.Fatalf("repeated registration must be ignored, got %v", err)
	}
}
