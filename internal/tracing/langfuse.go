// Package tracing wires Langfuse into eino's callback system so every
// generation request is recorded as a trace.
package tracing

import (
	"log/slog"
	"os"

	"github.com/cloudwego/eino-ext/callbacks/langfuse"
	"github.com/cloudwego/eino/callbacks"
)

// defaultHost is used when LANGFUSE_HOST is unset.
const defaultHost = "http://localhost:3000"

// configFromEnv reads the Langfuse credentials. ok is false when either key
// is missing.
func configFromEnv() (cfg *langfuse.Config, ok bool) {
	publicKey := os.Getenv("LANGFUSE_PUBLIC_KEY")
	secretKey := os.Getenv("LANGFUSE_SECRET_KEY")
	if publicKey == "" || secretKey == "" {
		return nil, false
	}
	host := os.Getenv("LANGFUSE_HOST")
	if host == "" {
		host = defaultHost
	}
	return &langfuse.Config{
		Host:      host,
		PublicKey: publicKey,
		SecretKey: secretKey,
	}, true
}

// Setup registers a global Langfuse callback handler when LANGFUSE_PUBLIC_KEY
// and LANGFUSE_SECRET_KEY are set. The returned flush must be called before
// process exit so queued traces are sent. When Langfuse is not configured
// flush is a no-op and enabled is false.
func Setup(log *slog.Logger) (flush func(), enabled bool) {
	cfg, ok := configFromEnv()
	if !ok {
		log.Info("tracing: langfuse disabled", slog.String("reason", "LANGFUSE_PUBLIC_KEY or LANGFUSE_SECRET_KEY not set"))
		return func() {}, false
	}

	handler, flusher := langfuse.NewLangfuseHandler(cfg)
	callbacks.AppendGlobalHandlers(handler)
	log.Info("tracing: langfuse enabled", slog.String("host", cfg.Host))
	return flusher, true
}
