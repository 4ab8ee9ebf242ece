// Package metrics provides Prometheus instrumentation for the paper engine.
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
	// OrdersSubmitted counts paper orders accepted for processing.
	OrdersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_orders_submitted_total",
		Help: "Paper orders submitted",
	}, []string{"side", "type"})

	// OrdersFilled counts paper orders that reached the filled state.
	OrdersFilled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_orders_filled_total",
		Help: "Paper orders filled",
	}, []string{"side", "reason"})

	// OrdersRejected counts paper orders that reached the rejected state.
	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_orders_rejected_total",
		Help: "Paper orders rejected",
	}, []string{"reason"})

	// PositionsClosed counts position closes by trigger reason.
	PositionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_positions_closed_total",
		Help: "Positions closed, by reason",
	}, []string{"reason"})

	// PriceFetchFailures counts per-symbol price lookups that failed.
	PriceFetchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paper_price_fetch_failures_total",
		Help: "Price oracle lookups that failed",
	})

	// BrokerExecutions counts sandbox broker executions by provider and status.
	BrokerExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_sandbox_executions_total",
		Help: "Broker sandbox order executions",
	}, []string{"provider", "status"})

	// WebhookUpdates counts webhook-driven broker order updates.
	WebhookUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_webhook_updates_total",
		Help: "Broker order updates applied via webhook",
	}, []string{"provider"})

	// StreamClients tracks connected live-quote stream clients.
	StreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quote_stream_clients",
		Help: "Connected live quote stream clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paper_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
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
