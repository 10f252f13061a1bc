package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/vortex-go/internal/ingestion"
	"github.com/54b3r/vortex-go/internal/provider"
	"github.com/54b3r/vortex-go/internal/session"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request headers.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing a non-streaming response.
	// Streaming routes clear it per request.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// ChatTimeout bounds one chat session. Zero means no limit beyond the
	// client connection.
	ChatTimeout time.Duration
	// MaxUploadBytes caps the body of POST /v1/upload (default: 32 MiB).
	MaxUploadBytes int64
	// AllowedOrigins restricts WebSocket upgrades to these Origin values.
	// Empty allows any origin.
	AllowedOrigins []string
	// Logger is the structured logger used by the server and its handlers.
	// If nil, [logging.New] is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// Models backs the model listing endpoint. If nil, listing returns 503.
	Models ModelCatalog
	// MaxHistoryTurns caps the earlier turns a WebSocket conversation sends
	// with each question (default: 20). Negative disables history.
	MaxHistoryTurns int
	// APIKey is the Bearer token required on the chat and upload routes.
	// If empty, authentication is disabled (development mode).
	APIKey string
	// MetricsRegistry receives the server's collectors. Defaults to
	// prometheus.DefaultRegisterer.
	MetricsRegistry prometheus.Registerer
	// MetricsGatherer is exposed on GET /metrics. Defaults to
	// prometheus.DefaultGatherer.
	MetricsGatherer prometheus.Gatherer
}

// documentIngester is the interface handleUpload calls to index a document.
// *ingestion.Pipeline satisfies it; tests inject a fake.
type documentIngester interface {
	// IngestDocument indexes content under name.
	IngestDocument(ctx context.Context, name string, content []byte) (ingestion.Result, error)
}

// ModelCatalog lists the models a chat request may select.
// *provider.Catalog satisfies it.
type ModelCatalog interface {
	// Default is the model used when a request names none.
	Default() string
	// List returns the models available on the backend.
	List(ctx context.Context) ([]provider.ModelInfo, error)
}

// Server exposes retrieval-augmented chat over WebSocket and SSE, plus
// document upload and operational endpoints.
type Server struct {
	// engine creates one session per chat turn.
	engine *session.Engine
	// ingester indexes uploaded documents. Nil disables POST /v1/upload.
	ingester documentIngester
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	// metrics holds the Prometheus collectors for this server.
	metrics *serverMetrics
	// upgrader turns GET /v1/ws/chat into a WebSocket connection.
	upgrader websocket.Upgrader
	// conns tracks open WebSocket connections so shutdown can close them.
	conns sync.Map
}

// chatRequest is the JSON body for POST /api/chat.
type chatRequest struct {
	// Message is the user's natural language query.
	Message string `json:"message"`
	// TopK overrides the number of retrieved fragments. Omitted means 4.
	TopK *int `json:"topK,omitempty"`
	// Model selects a model for this request. Omitted uses the default.
	Model string `json:"model,omitempty"`
}

// wsInbound is one client frame on /v1/ws/chat.
type wsInbound struct {
	// Type is "message" or "stop".
	Type string `json:"type"`
	// Text is the query for a message frame.
	Text string `json:"text"`
	// TopK overrides the number of retrieved fragments.
	TopK *int `json:"topK,omitempty"`
	// Model selects a model for this message.
	Model string `json:"model,omitempty"`
}

// modelsResponse is the JSON response for /api/models.
type modelsResponse struct {
	// Default is the model used when a request names none.
	Default string `json:"default"`
	// Models lists the models available on the backend.
	Models []provider.ModelInfo `json:"models"`
}

// uploadResponse is the JSON response for POST /v1/upload.
type uploadResponse struct {
	// Status is "indexed" or "duplicate".
	Status ingestion.Status `json:"status"`
	// Fragments is the number of fragments added to the index.
	Fragments int `json:"fragments"`
	// FirstID is the id of the first added fragment.
	FirstID int `json:"firstId"`
}

// errorResponse is the JSON body of every 4xx/5xx produced by the handlers.
type errorResponse struct {
	// Error is a human-readable description of the failure.
	Error string `json:"error"`
}
