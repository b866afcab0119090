package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	overRefundedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trailpay",
		Subsystem: "reconciliation",
		Name:      "over_refunded_payments",
		Help:      "Payments whose refunded total exceeds the gross charge, per latest sweep.",
	})

	unsettledResolutionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trailpay",
		Subsystem: "reconciliation",
		Name:      "unsettled_resolutions",
		Help:      "Resolved disputes whose payment is stuck mid refund chain, per latest sweep.",
	})

	overdueEscrowsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trailpay",
		Subsystem: "reconciliation",
		Name:      "overdue_escrows",
		Help:      "Escrowed payments past scheduled release beyond the grace period, per latest sweep.",
	})

	orphanedHoldsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trailpay",
		Subsystem: "reconciliation",
		Name:      "orphaned_holds",
		Help:      "Payments held by a closed or missing dispute, per latest sweep.",
	})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "trailpay",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of consistency sweep runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	runErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trailpay",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total consistency sweep runs that failed.",
	})
)

func init() {
	prometheus.MustRegister(
		overRefundedGauge,
		unsettledResolutionsGauge,
		overdueEscrowsGauge,
		orphanedHoldsGauge,
		runDuration,
		runErrors,
	)
}
