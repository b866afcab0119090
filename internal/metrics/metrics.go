// Package metrics provides Prometheus instrumentation for the Trailpay engine.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trailpay",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trailpay",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// PaymentTransitionsTotal counts ledger state transitions by from/to pair.
	PaymentTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trailpay",
			Name:      "payment_transitions_total",
			Help:      "Total ledger state transitions by from-state and to-state.",
		},
		[]string{"from", "to"},
	)

	// PaymentTransitionRejectionsTotal counts rejected transitions by reason.
	PaymentTransitionRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trailpay",
			Name:      "payment_transition_rejections_total",
			Help:      "Transitions rejected by the ledger state machine, by failure kind.",
		},
		[]string{"kind"},
	)

	// DisputesOpenedTotal counts disputes opened by category.
	DisputesOpenedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trailpay",
			Name:      "disputes_opened_total",
			Help:      "Total disputes opened by category.",
		},
		[]string{"category"},
	)

	// DisputesResolvedTotal counts dispute terminal outcomes.
	DisputesResolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trailpay",
			Name:      "disputes_resolved_total",
			Help:      "Total disputes reaching a terminal state, by outcome.",
		},
		[]string{"outcome"},
	)

	// DisputeTransitionRejectionsTotal counts rejected case transitions by reason.
	DisputeTransitionRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trailpay",
			Name:      "dispute_transition_rejections_total",
			Help:      "Transitions rejected by the dispute state machine, by failure kind.",
		},
		[]string{"kind"},
	)

	// RefundsProcessedTotal counts processed refunds by kind (full/partial).
	RefundsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trailpay",
			Name:      "refunds_processed_total",
			Help:      "Total refunds processed through the payment processor.",
		},
		[]string{"kind"},
	)

	// EscrowReleasedTotal counts escrow releases by trigger (manual/sweep).
	EscrowReleasedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trailpay",
			Name:      "escrow_released_total",
			Help:      "Total escrow releases by trigger.",
		},
		[]string{"trigger"},
	)

	// EvidenceSubmittedTotal counts evidence submissions by source.
	EvidenceSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trailpay",
			Name:      "evidence_submitted_total",
			Help:      "Total evidence items submitted, by source party.",
		},
		[]string{"source"},
	)

	// ReceiptsIssuedTotal counts settlement receipts issued by path.
	ReceiptsIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trailpay",
			Name:      "receipts_issued_total",
			Help:      "Total settlement receipts issued, by settlement path.",
		},
		[]string{"path"},
	)

	// EventsPublishedTotal counts outbox event deliveries by result.
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trailpay",
			Name:      "events_published_total",
			Help:      "Total domain event publications by result.",
		},
		[]string{"result"},
	)

	// OutboxPending tracks domain events staged but not yet published.
	OutboxPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "trailpay",
			Name:      "outbox_pending_events",
			Help:      "Number of staged domain events awaiting publication.",
		},
	)

	// ActiveWebSocketClients tracks connected live-feed clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "trailpay",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// ArbitrationDuration observes time from dispute creation to resolution.
	ArbitrationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "trailpay",
		Name:      "arbitration_duration_seconds",
		Help:      "Time from dispute creation to terminal state in seconds.",
		Buckets:   []float64{3600, 21600, 86400, 259200, 604800, 1209600, 2592000},
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trailpay", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trailpay", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trailpay", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trailpay", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trailpay", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trailpay", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		PaymentTransitionsTotal,
		PaymentTransitionRejectionsTotal,
		DisputesOpenedTotal,
		DisputesResolvedTotal,
		DisputeTransitionRejectionsTotal,
		RefundsProcessedTotal,
		EscrowReleasedTotal,
		EvidenceSubmittedTotal,
		ReceiptsIssuedTotal,
		EventsPublishedTotal,
		OutboxPending,
		ActiveWebSocketClients,
		ArbitrationDuration,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
