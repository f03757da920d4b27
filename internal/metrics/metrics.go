// Package metrics provides Prometheus instrumentation for the Replygate platform.
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
			Namespace: "replygate",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "replygate",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SettlementsTotal counts settlement transitions by target status and cause.
	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replygate",
			Name:      "settlements_total",
			Help:      "Total settlement transitions by target status and cause.",
		},
		[]string{"status", "cause"},
	)

	// SettlementConflictsTotal counts transition attempts that lost a race.
	SettlementConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replygate",
			Name:      "settlement_conflicts_total",
			Help:      "Total settlement attempts rejected because the escrow was already resolved.",
		},
		[]string{"cause"},
	)

	// InboundEmailsTotal counts inbound-email webhook deliveries by disposition.
	InboundEmailsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replygate",
			Name:      "inbound_emails_total",
			Help:      "Total inbound email webhook deliveries by disposition.",
		},
		[]string{"disposition"},
	)

	// PaymentWebhooksTotal counts payment-provider webhook deliveries by result.
	PaymentWebhooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replygate",
			Name:      "payment_webhooks_total",
			Help:      "Total payment provider webhook deliveries by result.",
		},
		[]string{"result"},
	)

	// SweepRefundsTotal counts refunds forced by the deadline sweeper.
	SweepRefundsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "replygate",
		Name:      "sweep_refunds_total",
		Help:      "Total escrows refunded by the deadline sweeper.",
	})

	// SweepRemindersTotal counts deadline-approaching reminders sent.
	SweepRemindersTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "replygate",
		Name:      "sweep_reminders_total",
		Help:      "Total deadline reminders dispatched by the sweeper.",
	})

	// ReconcileReplaysTotal counts settlements replayed by the reconciler.
	ReconcileReplaysTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "replygate",
		Name:      "reconcile_replays_total",
		Help:      "Total settlements replayed for orphaned response tracking rows.",
	})

	// NotificationDeliveriesTotal counts outbound notification attempts by result.
	NotificationDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replygate",
			Name:      "notification_deliveries_total",
			Help:      "Total outbound notification deliveries by result.",
		},
		[]string{"type", "result"},
	)

	// EscrowHoldDuration observes time from escrow creation to resolution.
	EscrowHoldDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "replygate",
		Name:      "escrow_hold_duration_seconds",
		Help:      "Time from escrow creation to settlement in seconds.",
		Buckets:   []float64{600, 3600, 6 * 3600, 12 * 3600, 24 * 3600, 48 * 3600, 72 * 3600},
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "replygate", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "replygate", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "replygate", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		SettlementsTotal,
		SettlementConflictsTotal,
		InboundEmailsTotal,
		PaymentWebhooksTotal,
		SweepRefundsTotal,
		SweepRemindersTotal,
		ReconcileReplaysTotal,
		NotificationDeliveriesTotal,
		EscrowHoldDuration,
		DBOpenConnections,
		DBInUseConnections,
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
			DBInUseConnections.Set(float64(stats.InUse))
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
