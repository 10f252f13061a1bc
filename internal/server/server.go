// Package server implements the HTTP server that exposes retrieval-augmented
// chat over WebSocket and Server-Sent Events, document upload, and the
// health, readiness and metrics endpoints.
// The server is started by the `vortex serve` CLI command.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/54b3r/vortex-go/internal/logging"
	"github.com/54b3r/vortex-go/internal/provider"
	"github.com/54b3r/vortex-go/internal/rag"
	"github.com/54b3r/vortex-go/internal/session"
)

// maxChatBody caps the JSON body of POST /api/chat.
const maxChatBody = 1 << 20

// New constructs a Server. ingester may be nil, which disables uploads.
func New(engine *session.Engine, ingester documentIngester, cfg *Config) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("server: engine must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 60 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = 32 << 20
	}
	if cfg.MaxHistoryTurns == 0 {
		cfg.MaxHistoryTurns = 20
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}
	if cfg.MetricsRegistry == nil {
		cfg.MetricsRegistry = prometheus.DefaultRegisterer
	}
	if cfg.MetricsGatherer == nil {
		cfg.MetricsGatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		engine:   engine,
		ingester: ingester,
		cfg:      cfg,
		log:      cfg.Logger,
		pingers:  cfg.Pingers,
		metrics:  newServerMetrics(cfg.MetricsRegistry),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	if cfg.APIKey == "" {
		s.log.Warn("server: authentication disabled, set VORTEX_API_KEY to require a bearer token")
	}

	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
		Handler:           s.routes(),
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return logging.WithLogger(context.Background(), s.log) },
	}
	s.httpServer.RegisterOnShutdown(s.closeWebSockets)

	return s, nil
}

// routes builds the handler tree: request logging outermost, then metrics,
// then the mux with auth applied per protected route.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	protect := func(h http.HandlerFunc) http.Handler { return authMiddleware(s.cfg.APIKey, h) }

	mux.Handle("GET /v1/ws/chat", protect(s.handleWebSocket))
	mux.Handle("POST /api/chat", protect(s.handleChat))
	mux.Handle("POST /v1/upload", protect(s.handleUpload))
	mux.Handle("GET /api/models", protect(s.handleModels))
	mux.Handle("POST /api/models", protect(s.handleModels))
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/ready", s.handleReady)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.cfg.MetricsGatherer, promhttp.HandlerOpts{}))

	return requestLogger(s.log, metricsMiddleware(s.metrics, mux))
}

// Handler returns the server's root handler. Used by tests and embedders
// that manage their own listener.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening and serving HTTP requests. It blocks until the
// context is cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.log.Info("vortex server listening", slog.String("addr", "http://"+s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen error: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		s.log.Info("vortex server stopped")
		return nil
	}
}

// handleChat handles POST /api/chat. It runs one session and streams its
// events as Server-Sent Events. Closing the connection cancels the session.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBody)).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	q, err := newQuery(req.Message, req.TopK)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	rc := http.NewResponseController(w)
	// Streams outlive the server-wide write timeout.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		log.Debug("chat: clearing write deadline failed", slog.Any("error", err))
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	ctx, cancel := s.chatContext(r.Context())
	defer cancel()

	sess := s.engine.NewSession(session.WithModel(strings.TrimSpace(req.Model)))
	out := s.runPrepared(ctx, transportSSE, sess, q, &sseSink{w: w, rc: rc})
	log.Debug("chat: sse stream closed", slog.String("state", out.State.String()))
}

// chatContext applies Config.ChatTimeout to ctx.
func (s *Server) chatContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.ChatTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.ChatTimeout)
	}
	return context.WithCancel(ctx)
}

// runPrepared runs sess and records its metrics.
func (s *Server) runPrepared(ctx context.Context, transport string, sess *session.Session, q rag.Query, sink session.Sink) session.Outcome {
	s.metrics.activeSessions.Inc()
	defer s.metrics.activeSessions.Dec()

	out := sess.Run(ctx, q, sink)
	s.metrics.observeSession(transport, out, ctx.Err())
	return out
}

// newQuery validates transport input into a rag.Query. Empty text and a
// negative topK are rejected; a nil or zero topK selects the default.
func newQuery(text string, topK *int) (rag.Query, error) {
	if strings.TrimSpace(text) == "" {
		return rag.Query{}, errors.New("message is required")
	}
	q := rag.Query{Text: text}
	if topK != nil {
		if *topK < 0 {
			return rag.Query{}, errors.New("topK must not be negative")
		}
		q.TopK = *topK
	}
	return q, nil
}

// handleModels handles GET and POST /api/models. It lists the models a chat
// request may select in its "model" field.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Models == nil {
		writeJSONError(w, "model listing is not enabled", http.StatusServiceUnavailable)
		return
	}
	models, err := s.cfg.Models.List(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, rag.ErrProviderUnavailable):
			status = http.StatusServiceUnavailable
		case errors.Is(err, rag.ErrProviderError):
			status = http.StatusBadGateway
		}
		logging.FromContext(r.Context()).Warn("models: listing failed", slog.Any("error", err))
		writeJSONError(w, err.Error(), status)
		return
	}
	if models == nil {
		models = []provider.ModelInfo{}
	}
	writeJSON(w, http.StatusOK, modelsResponse{Default: s.cfg.Models.Default(), Models: models})
}

// handleHealth handles GET /api/health for liveness checks.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// checkOrigin enforces Config.AllowedOrigins on WebSocket upgrades.
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(s.cfg.AllowedOrigins, r.Header.Get("Origin"))
}

// sseSink writes session events as Server-Sent Event frames.
type sseSink struct {
	// w is the underlying response writer.
	w http.ResponseWriter
	// rc flushes buffered data to the client after each event.
	rc *http.ResponseController
}

// Emit writes ev as "event: <type>" with the JSON event as data, then
// flushes. A write error means the client went away.
func (s *sseSink) Emit(ev session.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("server: encode event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	return s.rc.Flush()
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error body with the given status.
func writeJSONError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, errorResponse{Error: msg})
}
