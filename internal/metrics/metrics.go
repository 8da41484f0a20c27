// Package metrics provides Prometheus instrumentation for the pool engine.
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
	// CyclesTotal counts trade cycles by outcome (completed, skipped, stopped, error).
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_cycles_total",
		Help: "Total number of trade cycles by outcome",
	}, []string{"outcome"})

	// CycleDuration tracks how long a cycle holds the lock.
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pool_cycle_duration_seconds",
		Help:    "Trade cycle duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	// TradesTotal counts resolved trades by terminal status.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_trades_total",
		Help: "Total number of trades by terminal status",
	}, []string{"status"})

	// LockContention counts cycles skipped because the lock was held.
	LockContention = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pool_lock_contention_total",
		Help: "Trade cycles skipped because another holder had the lock",
	})

	// PooledCapital is the live sum of eligible balances at the last cycle start.
	PooledCapital = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pool_pooled_capital",
		Help: "Pooled capital measured at the start of the last cycle",
	})

	// RealizedProfit and RealizedLoss accumulate closed-trade P&L.
	RealizedProfit = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pool_realized_profit_total",
		Help: "Cumulative realized profit in quote units",
	})
	RealizedLoss = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pool_realized_loss_total",
		Help: "Cumulative realized loss in quote units",
	})

	// RoundingResidueUnits counts 1e-8 units handed out by remainder distribution.
	RoundingResidueUnits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pool_rounding_residue_units_total",
		Help: "P&L units of 1e-8 assigned by largest-remainder distribution",
	})

	// ExchangeErrors counts failed exchange calls by operation.
	ExchangeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_exchange_errors_total",
		Help: "Failed exchange calls by operation",
	}, []string{"op"})

	// GrowthRuns counts growth simulator steps applied.
	GrowthRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pool_growth_steps_total",
		Help: "Growth simulator steps applied",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pool_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pool_http_request_duration_seconds",
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

		// Route pattern keeps the path label bounded.
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

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
