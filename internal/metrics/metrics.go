// Package metrics provides Prometheus instrumentation for the economy engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesSettled counts settled trades, partitioned by kind.
	TradesSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dealbaron_trades_settled_total",
		Help: "Total number of trades settled",
	}, []string{"kind"})

	// TradeVolume tracks cumulative settled turnover in currency units.
	TradeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dealbaron_trade_volume_total",
		Help: "Cumulative settled trade turnover",
	}, []string{"kind"})

	// SettlementRejections counts rejected settlement attempts by
	// operation and reason.
	SettlementRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dealbaron_settlement_rejections_total",
		Help: "Settlement attempts rejected by precondition checks",
	}, []string{"operation", "reason"})

	// ReferencePrice exposes the last computed reference price per product.
	ReferencePrice = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dealbaron_reference_price",
		Help: "Last computed reference price per product",
	}, []string{"product_id"})

	// MarketPressure exposes the last computed market pressure per product.
	MarketPressure = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dealbaron_market_pressure",
		Help: "Last computed market pressure per product",
	}, []string{"product_id"})

	// WSClients tracks connected WebSocket clients.
	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dealbaron_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// SnapshotsRecorded counts persisted price history snapshots.
	SnapshotsRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dealbaron_snapshots_recorded_total",
		Help: "Price history snapshots persisted",
	})

	// ListingsExpired counts listings swept into the expired state.
	ListingsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dealbaron_listings_expired_total",
		Help: "Listings transitioned to expired by the sweeper",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dealbaron_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dealbaron_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the raw path for the label; route cardinality is bounded.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
