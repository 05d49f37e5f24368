// Package metrics provides Prometheus instrumentation for the position engine.
package metrics

import (
	"bufio"
	"fmt"
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
	// OrdersPlaced counts accepted orders, partitioned by side and type.
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "posengine_orders_placed_total",
		Help: "Total number of orders accepted",
	}, []string{"side", "type"})

	// OrdersRejected counts orders refused at placement, by cause.
	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "posengine_orders_rejected_total",
		Help: "Orders rejected at placement",
	}, []string{"cause"})

	// Fills counts simulated fill slices, partitioned by side.
	Fills = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "posengine_fills_total",
		Help: "Total number of simulated fills",
	}, []string{"side"})

	// FillLatency tracks how long a fill takes to commit.
	FillLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "posengine_fill_latency_seconds",
		Help:    "Fill commit latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// Settlements counts closed positions by reason and result.
	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "posengine_settlements_total",
		Help: "Settlements produced",
	}, []string{"reason", "result"})

	// Triggers counts TP/SL/liquidation triggers fired by the evaluator.
	Triggers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "posengine_triggers_total",
		Help: "Automatic close triggers fired",
	}, []string{"reason"})

	// OpenPositions tracks open positions across sessions.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "posengine_open_positions",
		Help: "Number of currently open positions",
	})

	// PendingSettlementWrites tracks settlements waiting in the outbox.
	PendingSettlementWrites = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "posengine_pending_settlement_writes",
		Help: "Settlements queued for a persistence retry",
	})

	// ActiveSessions tracks live session engines.
	ActiveSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "posengine_active_sessions",
		Help: "Number of live sessions by kind",
	}, []string{"kind"})

	// PriceTicks counts accepted price updates.
	PriceTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "posengine_price_ticks_total",
		Help: "Price updates accepted by the feed",
	})

	// PriceTicksDropped counts updates not delivered to a full subscriber.
	PriceTicksDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "posengine_price_ticks_dropped_total",
		Help: "Price updates dropped for slow subscribers",
	})

	// PublishFailures counts domain events the publisher failed to deliver.
	PublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "posengine_publish_failures_total",
		Help: "Domain events that failed to publish",
	}, []string{"sink"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "posengine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "posengine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "posengine_http_request_duration_seconds",
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
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps ids out of the label set.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				path = p
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: %T does not support hijacking", w.ResponseWriter)
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
