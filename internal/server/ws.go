package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/54b3r/vortex-go/internal/logging"
	"github.com/54b3r/vortex-go/internal/rag"
	"github.com/54b3r/vortex-go/internal/session"
)

const (
	// wsWriteWait bounds a single frame write.
	wsWriteWait = 10 * time.Second
	// wsPongWait is how long the connection may stay silent before it is
	// considered dead. Pings are sent at 9/10 of it.
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	// wsMaxMessage caps an inbound frame.
	wsMaxMessage = 64 << 10
)

// errBusy is reported when a message arrives while a session is running.
var errBusy = errors.New("a response is already streaming; send stop first")

// wsConn is the per-connection state of /v1/ws/chat. A connection owns at
// most one running session at a time.
type wsConn struct {
	srv  *Server
	conn *websocket.Conn
	log  *slog.Logger

	// writeMu serialises data frames; gorilla allows one concurrent writer.
	writeMu sync.Mutex

	mu      sync.Mutex
	current *session.Session
	// transcript holds completed exchanges as user/assistant pairs.
	transcript []rag.Turn

	// wg tracks the session and ping goroutines.
	wg sync.WaitGroup
}

// handleWebSocket handles GET /v1/ws/chat.
//
// Inbound frames are {"type":"message","text":"...","topK":n,"model":"..."}
// or {"type":"stop"}; a frame that is not a JSON object is taken as the
// query text. Outbound frames are session events. Earlier exchanges on the
// same connection are sent to the model as history. Closing the socket
// cancels the running session.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		log.Warn("ws: upgrade failed", slog.Any("error", err))
		return
	}

	c := &wsConn{srv: s, conn: conn, log: log}
	s.conns.Store(c, struct{}{})
	defer s.conns.Delete(c)
	s.metrics.wsConnections.Inc()
	defer s.metrics.wsConnections.Dec()

	log.Info("ws: client connected")
	c.serve(r.Context())
	log.Info("ws: client disconnected", slog.Int("turns", len(c.turns())))
}

// serve reads frames until the socket closes, then cancels any running
// session and waits for it to finish.
func (c *wsConn) serve(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer func() {
		cancel()
		c.wg.Wait()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(wsMaxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	c.wg.Add(1)
	go c.pingLoop(ctx)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("ws: read failed", slog.Any("error", err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))

		msg := parseInbound(data)
		switch msg.Type {
		case "stop":
			c.stop()
		case "message", "":
			q, err := newQuery(msg.Text, msg.TopK)
			if err != nil {
				c.reject(err)
				continue
			}
			if !c.start(ctx, q, strings.TrimSpace(msg.Model)) {
				c.reject(errBusy)
			}
		default:
			c.reject(errors.New("unknown message type " + msg.Type))
		}
	}
}

// parseInbound decodes a client frame. Anything that is not a JSON object
// becomes a message whose text is the raw frame.
func parseInbound(data []byte) wsInbound {
	var msg wsInbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return wsInbound{Type: "message", Text: string(data)}
	}
	msg.Type = strings.ToLower(strings.TrimSpace(msg.Type))
	return msg
}

// start begins a session unless one is already running. The session
// receives the transcript so far as history and runs on its own goroutine.
func (c *wsConn) start(ctx context.Context, q rag.Query, model string) bool {
	c.mu.Lock()
	if c.current != nil {
		c.mu.Unlock()
		return false
	}
	sess := c.srv.engine.NewSession(session.WithHistory(c.historyLocked()), session.WithModel(model))
	c.current = sess
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		sctx, cancel := c.srv.chatContext(ctx)
		defer cancel()

		sink := &wsSink{c: c}
		out := c.srv.runPrepared(sctx, transportWS, sess, q, sink)
		c.finish(sess, q.Text, out)
		sink.release()
	}()
	return true
}

// historyLocked returns the most recent exchanges, at most
// Config.MaxHistoryTurns turns. c.mu must be held.
func (c *wsConn) historyLocked() []rag.Turn {
	n := c.srv.cfg.MaxHistoryTurns
	if n <= 0 || len(c.transcript) == 0 {
		return nil
	}
	n -= n % 2
	from := max(0, len(c.transcript)-n)
	return slices.Clone(c.transcript[from:])
}

// stop cancels the running session, if any.
func (c *wsConn) stop() {
	c.mu.Lock()
	sess := c.current
	c.mu.Unlock()
	if sess != nil {
		sess.Stop()
	}
}

// finish records the exchange when the outcome yields a transcript entry and
// releases the connection for the next session.
func (c *wsConn) finish(sess *session.Session, query string, out session.Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if answer, ok := out.Transcript(); ok {
		c.transcript = append(c.transcript,
			rag.Turn{Role: rag.RoleUser, Content: query},
			rag.Turn{Role: rag.RoleAssistant, Content: answer},
		)
	}
	if c.current == sess {
		c.current = nil
	}
}

// turns returns a copy of the transcript.
func (c *wsConn) turns() []rag.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.transcript)
}

// reject sends a standalone error frame that belongs to no session.
func (c *wsConn) reject(err error) {
	if werr := c.writeEvent(session.Event{Type: session.EventError, Message: err.Error()}); werr != nil {
		c.log.Debug("ws: reject not delivered", slog.Any("error", werr))
	}
}

func (c *wsConn) writeEvent(ev session.Event) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(ev)
}

func (c *wsConn) pingLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

// close sends a going-away frame and closes the socket, unblocking serve.
func (c *wsConn) close() {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = c.conn.Close()
}

// closeWebSockets closes every open connection. Registered with
// http.Server.RegisterOnShutdown since hijacked connections are not tracked
// by Shutdown.
func (s *Server) closeWebSockets() {
	s.conns.Range(func(k, _ any) bool {
		k.(*wsConn).close()
		return true
	})
}

// wsSink writes session events to the socket. The terminal event is held
// until release, after the outcome has been recorded, so a client reacting
// to it finds the connection idle and the exchange in its history.
type wsSink struct {
	c        *wsConn
	terminal *session.Event
}

// Emit implements session.Sink.
func (s *wsSink) Emit(ev session.Event) error {
	if ev.Type != session.EventDelta {
		s.terminal = &ev
		return nil
	}
	return s.c.writeEvent(ev)
}

// release writes the held terminal event.
func (s *wsSink) release() {
	if s.terminal == nil {
		return
	}
	if err := s.c.writeEvent(*s.terminal); err != nil {
		s.c.log.Debug("ws: terminal event not delivered", slog.Any("error", err))
	}
}
