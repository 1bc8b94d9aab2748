// Package metrics provides Prometheus instrumentation for the settlement engine.
package metrics

import (
	"bufio"
	"errors"
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
	// SettlementTransitions counts lifecycle transitions by target status.
	SettlementTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netshift_settlement_transitions_total",
		Help: "Settlement lifecycle transitions",
	}, []string{"status"})

	// ExecutingSettlements tracks settlements waiting on their orders.
	ExecutingSettlements = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "netshift_executing_settlements",
		Help: "Number of settlements in the executing state",
	})

	// NettingReduction observes the fraction of transfers removed by netting.
	NettingReduction = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "netshift_netting_reduction_ratio",
		Help:    "1 - optimized/original transfer count per computation",
		Buckets: []float64{0, 0.1, 0.25, 0.4, 0.5, 0.6, 0.75, 0.9, 1},
	})

	// OrdersCreated counts exchange orders created.
	OrdersCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netshift_orders_created_total",
		Help: "Exchange orders created",
	})

	// OrderFailures counts recipients that did not get an order, by stage.
	OrderFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netshift_order_failures_total",
		Help: "Recipients that failed before an order was created",
	}, []string{"stage"})

	// ComplianceDenials counts batches refused by the exchange permission check.
	ComplianceDenials = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netshift_compliance_denials_total",
		Help: "Execution batches denied by the compliance gate",
	})

	// ExchangeLatency tracks exchange call latency by request class.
	ExchangeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "netshift_exchange_call_seconds",
		Help:    "Exchange call latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"class", "outcome"})

	// ExchangeRetries counts retried exchange calls by class.
	ExchangeRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netshift_exchange_retries_total",
		Help: "Retried exchange calls",
	}, []string{"class"})

	// ThrottleWait tracks time spent waiting for a throttle slot.
	ThrottleWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "netshift_throttle_wait_seconds",
		Help:    "Time spent waiting for a rate-limit slot",
		Buckets: []float64{0.001, 0.01, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"class"})

	// OrderStatusChanges counts polled order status changes by new status.
	OrderStatusChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netshift_order_status_changes_total",
		Help: "Order status changes observed by the poller",
	}, []string{"status"})

	// PriceFallbacks counts units priced from the fallback table.
	PriceFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netshift_price_fallbacks_total",
		Help: "Units priced from the fallback table after an oracle failure",
	}, []string{"unit"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "netshift_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netshift_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "netshift_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0},
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

		HTTPRequestsTotal.WithLabelValues(r.Method, routePattern(r), strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, routePattern(r)).Observe(time.Since(start).Seconds())
	})
}

// routePattern keeps settlement ids out of the label set.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
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

// Hijack lets WebSocket upgrades through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// ObserveExchange records one exchange call.
func ObserveExchange(class string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	ExchangeLatency.WithLabelValues(class, outcome).Observe(time.Since(start).Seconds())
}
