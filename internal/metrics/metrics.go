// Package metrics provides Prometheus instrumentation for the vault engine.
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
	// StepExecutions counts wizard step submissions by outcome
	// (ok, unverified, or the error kind).
	StepExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_step_executions_total",
		Help: "Wizard step executions",
	}, []string{"operation", "step", "outcome"})

	// StepLatency tracks submit-to-verified latency per step.
	StepLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vault_step_latency_seconds",
		Help:    "Step execution latency in seconds, including confirmation",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"operation", "step"})

	// Verifications counts individual step verifications.
	Verifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_verifications_total",
		Help: "Step verifications by action and result",
	}, []string{"action", "result"})

	// SweepDuration tracks full left-to-right reconciliation sweeps.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vault_sweep_duration_seconds",
		Help:    "Progress reconciliation sweep duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// PositionRefreshes counts position reader refreshes by result.
	PositionRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_position_refreshes_total",
		Help: "Position refreshes by result",
	}, []string{"result"})

	// ActiveSessions tracks in-memory wizard sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vault_active_sessions",
		Help: "Number of active wizard sessions",
	})

	// StaleSessionsDiscarded counts sessions dropped on restore for exceeding the TTL.
	StaleSessionsDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vault_stale_sessions_discarded_total",
		Help: "Persisted sessions discarded as stale",
	})

	// StrandedFound counts stranded balances reported by recovery scans.
	StrandedFound = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_stranded_balances_found_total",
		Help: "Stranded intermediate balances found by recovery scans",
	}, []string{"asset"})

	// RecoveriesRecorded counts completed recovery resolutions.
	RecoveriesRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_recoveries_recorded_total",
		Help: "Recovered holding records appended",
	}, []string{"asset"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vault_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vault_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5, 30},
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

		// Addresses live in the path; label by route pattern instead.
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

// Hijack lets the WebSocket upgrader take over wrapped connections.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}
