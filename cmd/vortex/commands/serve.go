package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/54b3r/vortex-go/internal/config"
	"github.com/54b3r/vortex-go/internal/ingestion"
	"github.com/54b3r/vortex-go/internal/logging"
	"github.com/54b3r/vortex-go/internal/provider"
	"github.com/54b3r/vortex-go/internal/server"
	"github.com/54b3r/vortex-go/internal/tracing"
	"github.com/54b3r/vortex-go/internal/watcher"
)

// NewServeCmd constructs the `vortex serve` command, which starts the HTTP
// server and, optionally, a watcher that ingests files dropped into a
// directory.
func NewServeCmd() *cobra.Command {
	var host string
	var port int
	var watchDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Vortex chat server",
		Long: `Start the Vortex HTTP server.

Endpoints:
  POST /api/chat      one question, answer streamed as Server-Sent Events
  GET  /v1/ws/chat    WebSocket chat with stop support
  POST /v1/upload     ingest a document (multipart "file" or raw body)
  GET  /api/models    models a chat request may select
  GET  /api/health    liveness
  GET  /api/ready     dependency readiness
  GET  /metrics       Prometheus metrics

Set VORTEX_API_KEY to require "Authorization: Bearer <key>" on the chat and
upload endpoints. With --watch, files created in the directory are ingested
as they settle.

Examples:
  vortex serve
  vortex serve --port 9090 --watch ./inbox
  MODEL_PROVIDER=openai vortex serve`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			log := logging.FromContext(ctx)

			if !cmd.Flags().Changed("host") {
				host = config.EnvString("VORTEX_HOST", host)
			}
			if !cmd.Flags().Changed("port") {
				port = config.EnvInt("VORTEX_PORT", port)
			}
			if !cmd.Flags().Changed("watch") {
				watchDir = os.Getenv("VORTEX_WATCH_DIR")
			}

			flush, _ := tracing.Setup(log)
			defer flush()

			st, err := openStack(ctx, log, stackOptions{})
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer st.Close()

			eng, providerCfg, err := newEngine(ctx, st, log)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			srv, err := server.New(eng, st.pipeline, &server.Config{
				Host:    host,
				Port:    port,
				Logger:  log,
				Pingers: buildPingers(providerCfg, st),
				Models:  provider.NewCatalog(providerCfg),
				APIKey:  os.Getenv("VORTEX_API_KEY"),
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.Start(gctx) })

			if watchDir != "" {
				w, err := newIngestWatcher(watchDir, st.pipeline, log)
				if err != nil {
					return fmt.Errorf("serve: %w", err)
				}
				g.Go(func() error { return w.Run(gctx) })
				log.Info("watching for new documents", slog.String("dir", watchDir))
			}

			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host address to bind to (env VORTEX_HOST)")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "TCP port to listen on (env VORTEX_PORT)")
	cmd.Flags().StringVarP(&watchDir, "watch", "w", "", "Directory to watch and ingest (env VORTEX_WATCH_DIR)")

	return cmd
}

// newIngestWatcher returns a watcher that feeds settled files under dir into
// the pipeline. Files already present are ingested on start; the ledger turns
// repeats into no-ops.
func newIngestWatcher(dir string, p *ingestion.Pipeline, log *slog.Logger) (*watcher.Watcher, error) {
	return watcher.New(watcher.Config{
		Root:         dir,
		Match:        p.Matches,
		SyncExisting: true,
		Logger:       log,
		OnChange: func(ctx context.Context, path string) {
			res, err := p.IngestFile(ctx, path)
			if err != nil {
				log.Warn("watch: ingest failed", slog.String("path", path), slog.Any("error", err))
				return
			}
			log.Info("watch: ingested",
				slog.String("path", path),
				slog.String("status", string(res.Status)),
				slog.Int("fragments", res.Fragments),
			)
		},
	})
}
