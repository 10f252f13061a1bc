package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/54b3r/vortex-go/internal/session"
)

func Test_Metrics_EndpointServesVortexFamilies(t *testing.T) {
	t.Parallel()
	s := newTestServer()
	h := s.Handler()

	// Drive one chat so the session families have samples.
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"message":"q"}`)))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("want text/plain content-type, got %q", ct)
	}
	body, _ := io.ReadAll(w.Body)
	for _, name := range []string{
		"vortex_chat_sessions_total",
		"vortex_chat_session_duration_seconds",
		"vortex_chat_active_sessions",
		"vortex_http_requests_total",
	} {
		if !strings.Contains(string(body), name) {
			t.Errorf("%s missing from /metrics output", name)
		}
	}
}

func Test_Metrics_ObserveSessionOutcomes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		state  session.State
		ctxErr error
		want   string
	}{
		{"completed", session.StateCompleted, nil, "completed"},
		{"failed", session.StateFailed, nil, "failed"},
		{"client cancel", session.StateCancelled, context.Canceled, "cancelled"},
		{"deadline", session.StateCancelled, context.DeadlineExceeded, outcomeTimeout},
		{"deadline after completion", session.StateCompleted, context.DeadlineExceeded, "completed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := newServerMetrics(prometheus.NewRegistry())
			m.observeSession(transportSSE, session.Outcome{State: tc.state, Duration: time.Second}, tc.ctxErr)

			if got := testutil.ToFloat64(m.sessionsTotal.WithLabelValues(transportSSE, tc.want)); got != 1 {
				t.Errorf("sessions{%s} = %v, want 1", tc.want, got)
			}
			if n := testutil.CollectAndCount(m.sessionDurationSeconds); n != 1 {
				t.Errorf("duration series = %d, want 1", n)
			}
		})
	}
}

func Test_Metrics_ChatTimeoutRecorded(t *testing.T) {
	t.Parallel()
	s := newTestServerWith(&fakeGenerator{tokens: []string{"slow"}, hang: true}, nil, &Config{ChatTimeout: 50 * time.Millisecond})

	w := httptest.NewRecorder()
	s.handleChat(w, httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"message":"q"}`)))

	frames := parseSSE(t, w.Body)
	if len(frames) != 2 || frames[1].event != "done" {
		t.Fatalf("want delta then done, got %+v", frames)
	}
	if got := testutil.ToFloat64(s.metrics.sessionsTotal.WithLabelValues(transportSSE, outcomeTimeout)); got != 1 {
		t.Errorf("sessions{timeout} = %v, want 1", got)
	}
}

func Test_Metrics_RegistriesAreIsolated(t *testing.T) {
	t.Parallel()
	a := newTestServer()
	b := newTestServer()

	a.metrics.activeSessions.Inc()

	if got := testutil.ToFloat64(b.metrics.activeSessions); got != 0 {
		t.Errorf("second server sees active_sessions=%v", got)
	}
}
