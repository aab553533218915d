// Package metrics provides Prometheus instrumentation for the exchange.
package metrics

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersPlaced counts accepted orders by symbol and side.
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spotx_orders_placed_total",
		Help: "Total number of orders accepted",
	}, []string{"symbol", "side"})

	// OrdersRejected counts rejected placements by reason.
	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spotx_orders_rejected_total",
		Help: "Orders rejected at placement",
	}, []string{"reason"})

	OrdersCancelled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spotx_orders_cancelled_total",
		Help: "Total number of orders cancelled",
	}, []string{"symbol"})

	// TradesTotal counts settled trades per symbol.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spotx_trades_total",
		Help: "Total number of trades settled",
	}, []string{"symbol"})

	// TradeVolume tracks cumulative traded quantity per symbol.
	TradeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spotx_trade_volume_total",
		Help: "Cumulative traded quantity in asset units",
	}, []string{"symbol"})

	// CommissionTotal tracks cumulative commission in cash units.
	CommissionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spotx_commission_total",
		Help: "Cumulative commission charged",
	}, []string{"symbol"})

	// MatchLatency is the duration of a placement unit including matching.
	MatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "spotx_match_latency_seconds",
		Help:    "Order placement and matching latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"symbol"})

	// UnitRetries counts atomic units re-executed after a transient store error.
	UnitRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spotx_unit_retries_total",
		Help: "Atomic units retried after lock or serialization failures",
	})

	// NotificationsDelivered counts payloads handed to a sink.
	NotificationsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spotx_notifications_delivered_total",
		Help: "Trade notifications delivered per sink",
	}, []string{"sink"})

	// NotificationsDropped counts payloads lost to a full queue or a failing sink.
	NotificationsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spotx_notifications_dropped_total",
		Help: "Trade notifications dropped",
	}, []string{"reason"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spotx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spotx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "spotx_http_request_duration_seconds",
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

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
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

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(w.ResponseWriter).Hijack()
}
