package server

import (
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/54b3r/vortex-go/internal/rag"
	"github.com/54b3r/vortex-go/internal/session"
)

// dialWS starts s on an httptest server and opens /v1/ws/chat.
func dialWS(t *testing.T, s *Server, header http.Header) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws/chat"
	conn, resp, err := websocket.DefaultDialer.DialContext(t.Context(), url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readEvent reads one JSON event with a deadline.
func readEvent(t *testing.T, conn *websocket.Conn) session.Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev session.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

// readUntilTerminal collects events up to and including done or error.
func readUntilTerminal(t *testing.T, conn *websocket.Conn) []session.Event {
	t.Helper()
	var evs []session.Event
	for {
		ev := readEvent(t, conn)
		evs = append(evs, ev)
		if ev.Type == session.EventDone || ev.Type == session.EventError {
			return evs
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// onlyConn returns the single tracked connection.
func onlyConn(t *testing.T, s *Server) *wsConn {
	t.Helper()
	var c *wsConn
	s.conns.Range(func(k, _ any) bool {
		c = k.(*wsConn)
		return false
	})
	if c == nil {
		t.Fatal("no tracked websocket connection")
	}
	return c
}

func TestWebSocket_MessageStreamsAnswer(t *testing.T) {
	t.Parallel()
	s := newTestServerWith(&fakeGenerator{tokens: []string{"Cats ", "purr."}}, nil, nil)
	conn := dialWS(t, s, nil)

	send(t, conn, `{"type":"message","text":"why?","topK":1}`)
	evs := readUntilTerminal(t, conn)

	if len(evs) != 3 || evs[2].Type != session.EventDone {
		t.Fatalf("events = %+v", evs)
	}
	for i, ev := range evs {
		if ev.Seq != uint64(i+1) {
			t.Errorf("event %d seq = %d", i, ev.Seq)
		}
	}

	got := onlyConn(t, s).turns()
	if len(got) != 2 || got[0] != (rag.Turn{Role: rag.RoleUser, Content: "why?"}) || got[1] != (rag.Turn{Role: rag.RoleAssistant, Content: "Cats purr."}) {
		t.Errorf("transcript = %+v", got)
	}
}

func TestWebSocket_RawTextIsAQuery(t *testing.T) {
	t.Parallel()
	s := newTestServer()
	conn := dialWS(t, s, nil)

	send(t, conn, "plain question")
	evs := readUntilTerminal(t, conn)
	if evs[len(evs)-1].Type != session.EventDone || evs[0].Content != "ok" {
		t.Errorf("events = %+v", evs)
	}
}

func TestWebSocket_StopCancelsAndConnectionIsReusable(t *testing.T) {
	t.Parallel()
	s := newTestServerWith(&fakeGenerator{tokens: []string{"partial"}, hang: true}, nil, nil)
	conn := dialWS(t, s, nil)

	send(t, conn, `{"type":"message","text":"first"}`)
	if ev := readEvent(t, conn); ev.Type != session.EventDelta {
		t.Fatalf("want delta, got %+v", ev)
	}
	send(t, conn, `{"type":"STOP"}`)
	if ev := readEvent(t, conn); ev.Type != session.EventDone || ev.Seq != 2 {
		t.Fatalf("want done seq 2, got %+v", ev)
	}

	// A fresh session starts its own sequence.
	send(t, conn, `{"type":"message","text":"second"}`)
	if ev := readEvent(t, conn); ev.Type != session.EventDelta || ev.Seq != 1 {
		t.Fatalf("want delta seq 1, got %+v", ev)
	}
	send(t, conn, `{"type":"stop"}`)
	readUntilTerminal(t, conn)

	waitFor(t, "two cancelled sessions", func() bool {
		return testutil.ToFloat64(s.metrics.sessionsTotal.WithLabelValues(transportWS, "cancelled")) == 2
	})
	turns := onlyConn(t, s).turns()
	if len(turns) != 4 || turns[1].Content != "partial" {
		t.Errorf("transcript = %+v", turns)
	}
}

func TestWebSocket_BusyConnectionRejectsMessage(t *testing.T) {
	t.Parallel()
	s := newTestServerWith(&fakeGenerator{tokens: []string{"x"}, hang: true}, nil, nil)
	conn := dialWS(t, s, nil)

	send(t, conn, `{"type":"message","text":"first"}`)
	readEvent(t, conn)
	send(t, conn, `{"type":"message","text":"second"}`)

	ev := readEvent(t, conn)
	if ev.Type != session.EventError || ev.Seq != 0 || ev.Message != errBusy.Error() {
		t.Fatalf("want busy rejection, got %+v", ev)
	}
	send(t, conn, `{"type":"stop"}`)
	if ev := readEvent(t, conn); ev.Type != session.EventDone {
		t.Errorf("want done after stop, got %+v", ev)
	}
}

func TestWebSocket_InvalidFramesRejected(t *testing.T) {
	t.Parallel()
	s := newTestServer()
	conn := dialWS(t, s, nil)

	for _, frame := range []string{
		`{"type":"message","text":"  "}`,
		`{"type":"message","text":"q","topK":-2}`,
		`{"type":"dance"}`,
	} {
		send(t, conn, frame)
		ev := readEvent(t, conn)
		if ev.Type != session.EventError || ev.Seq != 0 || ev.Message == "" {
			t.Errorf("%s: want rejection, got %+v", frame, ev)
		}
	}
	if n := len(onlyConn(t, s).turns()); n != 0 {
		t.Errorf("rejected frames recorded %d turns", n)
	}
}

func TestWebSocket_CloseCancelsRunningSession(t *testing.T) {
	t.Parallel()
	s := newTestServerWith(&fakeGenerator{tokens: []string{"x"}, hang: true}, nil, nil)
	conn := dialWS(t, s, nil)

	send(t, conn, "question")
	readEvent(t, conn)
	_ = conn.Close()

	waitFor(t, "cancelled websocket session", func() bool {
		return testutil.ToFloat64(s.metrics.sessionsTotal.WithLabelValues(transportWS, "cancelled")) == 1
	})
	waitFor(t, "connection gauge reset", func() bool {
		return testutil.ToFloat64(s.metrics.wsConnections) == 0
	})
}

func TestWebSocket_ShutdownClosesConnections(t *testing.T) {
	t.Parallel()
	s := newTestServer()
	conn := dialWS(t, s, nil)

	waitFor(t, "tracked connection", func() bool {
		return testutil.ToFloat64(s.metrics.wsConnections) == 1
	})
	s.closeWebSockets()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("want going-away close, got %v", err)
	}
}

func TestWebSocket_OriginCheck(t *testing.T) {
	t.Parallel()
	s := newTestServerWith(&fakeGenerator{tokens: []string{"ok"}}, nil, &Config{AllowedOrigins: []string{"https://app.example"}})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws/chat"

	_, resp, err := websocket.DefaultDialer.DialContext(t.Context(), url, http.Header{"Origin": {"https://evil.example"}})
	if err == nil {
		t.Fatal("want handshake failure for a foreign origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("want 403, got %+v", resp)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(t.Context(), url, http.Header{"Origin": {"https://app.example"}})
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	_ = conn.Close()
}

func TestParseInbound(t *testing.T) {
	t.Parallel()
	two := 2

	cases := []struct {
		in   string
		want wsInbound
	}{
		{`{"type":"message","text":"hi","topK":2}`, wsInbound{Type: "message", Text: "hi", TopK: &two}},
		{`{"type":" Stop "}`, wsInbound{Type: "stop"}},
		{`{"text":"no type"}`, wsInbound{Text: "no type"}},
		{`what is rag?`, wsInbound{Type: "message", Text: "what is rag?"}},
		{`"quoted"`, wsInbound{Type: "message", Text: `"quoted"`}},
	}
	for _, tc := range cases {
		got := parseInbound([]byte(tc.in))
		if got.Type != tc.want.Type || got.Text != tc.want.Text {
			t.Errorf("parseInbound(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
		if (got.TopK == nil) != (tc.want.TopK == nil) || (got.TopK != nil && *got.TopK != *tc.want.TopK) {
			t.Errorf("parseInbound(%q) topK = %v", tc.in, got.TopK)
		}
	}
}

func TestWebSocket_EarlierTurnsSentAsHistory(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{tokens: []string{"ok"}}
	s := newTestServerWith(gen, nil, nil)
	conn := dialWS(t, s, nil)

	send(t, conn, `{"type":"message","text":"do cats purr?","model":" gemma3:270m "}`)
	readUntilTerminal(t, conn)
	send(t, conn, `{"type":"message","text":"and dogs?"}`)
	readUntilTerminal(t, conn)

	calls := gen.calls()
	if len(calls) != 2 {
		t.Fatalf("generator called %d times, want 2", len(calls))
	}
	if len(calls[0].History) != 0 || calls[0].Model != "gemma3:270m" {
		t.Errorf("first call = %+v", calls[0])
	}
	want := []rag.Turn{
		{Role: rag.RoleUser, Content: "do cats purr?"},
		{Role: rag.RoleAssistant, Content: "ok"},
	}
	if !slices.Equal(calls[1].History, want) || calls[1].Model != "" {
		t.Errorf("second call = %+v, want history %+v", calls[1], want)
	}
}

func TestWebSocket_HistoryCapped(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{tokens: []string{"ok"}}
	s := newTestServerWith(gen, nil, &Config{MaxHistoryTurns: 2})
	conn := dialWS(t, s, nil)

	for _, q := range []string{"one", "two", "three"} {
		send(t, conn, q)
		readUntilTerminal(t, conn)
	}
	calls := gen.calls()
	if len(calls) != 3 {
		t.Fatalf("generator called %d times, want 3", len(calls))
	}
	if h := calls[2].History; len(h) != 2 || h[0].Content != "two" {
		t.Errorf("third call history = %+v, want only the previous exchange", h)
	}
	if n := len(onlyConn(t, s).turns()); n != 6 {
		t.Errorf("transcript has %d turns, want 6", n)
	}
}

func TestWebSocket_FailedTurnNotRecorded(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{tokens: []string{"half an answer"}, err: rag.ErrProviderError}
	s := newTestServerWith(gen, nil, nil)
	conn := dialWS(t, s, nil)

	send(t, conn, "why?")
	evs := readUntilTerminal(t, conn)
	if evs[len(evs)-1].Type != session.EventError {
		t.Fatalf("events = %+v", evs)
	}
	if n := len(onlyConn(t, s).turns()); n != 0 {
		t.Errorf("failed exchange recorded %d turns", n)
	}

	send(t, conn, "again?")
	readUntilTerminal(t, conn)
	if calls := gen.calls(); len(calls) != 2 || len(calls[1].History) != 0 {
		t.Errorf("failed exchange leaked into history: %+v", calls)
	}
}
