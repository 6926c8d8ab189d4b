// Package metrics provides Prometheus instrumentation for the coordinator.
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
			Namespace: "fiatbridge",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fiatbridge",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// OrderTransitionsTotal counts order status transitions by target status.
	OrderTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fiatbridge",
			Name:      "order_transitions_total",
			Help:      "Total order status transitions by target status.",
		},
		[]string{"to_status"},
	)

	// SettlementCallsTotal counts ledger settlement calls by action and outcome.
	SettlementCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fiatbridge",
			Name:      "settlement_calls_total",
			Help:      "Total ledger settlement calls by action (lock/release/refund/resolve) and outcome.",
		},
		[]string{"action", "outcome"},
	)

	// SweepClassificationsTotal counts reconciliation sweep classifications.
	SweepClassificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fiatbridge",
			Name:      "sweep_classifications_total",
			Help:      "Total reconciliation sweep order classifications.",
		},
		[]string{"classification"},
	)

	// OrdersNeedingReview tracks orders flagged for manual operator review.
	OrdersNeedingReview = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fiatbridge",
			Name:      "orders_needing_review",
			Help:      "Orders currently flagged for manual operator review.",
		},
	)

	// WebhookDeliveriesTotal tracks webhook delivery attempts by outcome.
	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fiatbridge",
			Name:      "webhook_deliveries_total",
			Help:      "Total webhook delivery attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fiatbridge",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fiatbridge", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fiatbridge", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fiatbridge", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fiatbridge", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		OrderTransitionsTotal,
		SettlementCallsTotal,
		SweepClassificationsTotal,
		OrdersNeedingReview,
		WebhookDeliveriesTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// Middleware returns a gin middleware that records request counts and latency.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := c.Writer.Status()

		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, httpStatusLabel(status)).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler returns the /metrics scrape handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
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
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

func httpStatusLabel(status int) string {
	switch {
	case status < 200:
		return "1xx"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
