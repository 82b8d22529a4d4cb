package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(voucherTransitionsTotal, giftCardDebitsTotal, giftCardDebitedAmount,
		redemptionsTotal, sweepExpiredTotal, sweepRunsTotal)
}

var (
	voucherTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voucher_transitions_total",
			Help: "Voucher state changes by target status.",
		},
		[]string{"status"}, // approved, rejected, redeemed, expired
	)

	giftCardDebitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gift_card_debits_total",
			Help: "Gift card Apply calls by outcome.",
		},
		[]string{"outcome"}, // debited, replayed, declined
	)

	giftCardDebitedAmount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gift_card_debited_minor_units_total",
			Help: "Sum of debited gift card amounts in minor currency units.",
		},
	)

	redemptionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redemptions_total",
			Help: "Redemption gateway calls by instrument kind and result.",
		},
		[]string{"kind", "result"},
	)

	sweepExpiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "expiry_sweep_expired_total",
			Help: "Rows moved to expired by the sweep, by instrument kind.",
		},
		[]string{"kind"},
	)

	sweepRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "expiry_sweep_runs_total",
			Help: "Expiry sweep runs by status.",
		},
		[]string{"status"}, // ok, failed
	)
)

func IncVoucherTransition(status string) {
	voucherTransitionsTotal.WithLabelValues(norm(status)).Inc()
}

// ObserveGiftCardDebit учитывает исход Apply; amount учитывается только для реального списания
func ObserveGiftCardDebit(outcome string, amount int64) {
	giftCardDebitsTotal.WithLabelValues(norm(outcome)).Inc()
	if outcome == "debited" && amount > 0 {
		giftCardDebitedAmount.Add(float64(amount))
	}
}

func IncRedemption(kind, result string) {
	redemptionsTotal.WithLabelValues(norm(kind), norm(result)).Inc()
}

func ObserveSweep(vouchers, giftCards int64, failed bool) {
	if failed {
		sweepRunsTotal.WithLabelValues("failed").Inc()
		return
	}
	sweepRunsTotal.WithLabelValues("ok").Inc()
	sweepExpiredTotal.WithLabelValues("voucher").Add(float64(vouchers))
	sweepExpiredTotal.WithLabelValues("gift_card").Add(float64(giftCards))
}
