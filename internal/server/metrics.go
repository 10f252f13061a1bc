package server

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/54b3r/vortex-go/internal/session"
)

// Metric label values shared across registrations.
const (
	// labelHandler is the "handler" label value used to partition metrics by
	// the logical endpoint name rather than the raw URL path.
	labelHandler = "handler"

	// transportSSE and transportWS label sessions by how they were delivered.
	transportSSE = "sse"
	transportWS  = "websocket"

	// outcomeTimeout labels sessions cut short by Config.ChatTimeout.
	outcomeTimeout = "timeout"
)

// serverMetrics holds all Prometheus metrics owned by the HTTP server.
// A single instance is created in New and stored on Server so that tests can
// inject a fresh prometheus.Registry without polluting the default one.
type serverMetrics struct {
	// sessionsTotal counts finished chat sessions, partitioned by transport
	// and outcome: "completed", "cancelled", "failed" or "timeout".
	sessionsTotal *prometheus.CounterVec

	// sessionDurationSeconds records the wall-clock duration of each session
	// from query receipt to terminal event.
	sessionDurationSeconds *prometheus.HistogramVec

	// activeSessions is the number of chat sessions currently streaming.
	activeSessions prometheus.Gauge

	// wsConnections is the number of open WebSocket connections.
	wsConnections prometheus.Gauge

	// uploadsTotal counts POST /v1/upload requests by status:
	// "indexed", "duplicate" or "error".
	uploadsTotal *prometheus.CounterVec

	// httpRequestsTotal counts all HTTP requests handled by the mux,
	// partitioned by method, path pattern, and status code.
	httpRequestsTotal *prometheus.CounterVec

	// httpDurationSeconds records the latency of all HTTP requests.
	httpDurationSeconds *prometheus.HistogramVec
}

// newServerMetrics registers all server metrics against reg and returns the
// populated serverMetrics.
func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	factory := promauto.With(reg)

	return &serverMetrics{
		sessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vortex",
			Subsystem: "chat",
			Name:      "sessions_total",
			Help:      "Total number of chat sessions finished, partitioned by transport and outcome.",
		}, []string{"transport", "outcome"}),

		sessionDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vortex",
			Subsystem: "chat",
			Name:      "session_duration_seconds",
			Help:      "Wall-clock duration of chat sessions from query receipt to terminal event.",
			Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 120, 300},
		}, []string{"transport", "outcome"}),

		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "vortex",
			Subsystem: "chat",
			Name:      "active_sessions",
			Help:      "Number of chat sessions currently retrieving or streaming.",
		}),

		wsConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "vortex",
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Number of open /v1/ws/chat connections.",
		}),

		uploadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vortex",
			Subsystem: "ingest",
			Name:      "uploads_total",
			Help:      "Total number of document uploads, partitioned by status.",
		}, []string{"status"}),

		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vortex",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled by the server, partitioned by method, handler, and status code.",
		}, []string{"method", labelHandler, "code"}),

		httpDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vortex",
			Subsystem: "http",
			Name:      "duration_seconds",
			Help:      "Latency of HTTP requests handled by the server.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", labelHandler}),
	}
}

// observeSession records a finished session. ctxErr is the session
// context's error and distinguishes a timeout from a client cancellation.
func (m *serverMetrics) observeSession(transport string, out session.Outcome, ctxErr error) {
	outcome := out.State.String()
	if out.State == session.StateCancelled && errors.Is(ctxErr, context.DeadlineExceeded) {
		outcome = outcomeTimeout
	}
	m.sessionsTotal.WithLabelValues(transport, outcome).Inc()
	m.sessionDurationSeconds.WithLabelValues(transport, outcome).Observe(out.Duration.Seconds())
}

// observeHTTP records one completed HTTP request.
func (m *serverMetrics) observeHTTP(method, handler, code string, elapsed time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, handler, code).Inc()
	m.httpDurationSeconds.WithLabelValues(method, handler).Observe(elapsed.Seconds())
}
