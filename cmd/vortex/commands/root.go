// Package commands defines all Cobra CLI commands for the vortex binary.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/54b3r/vortex-go/internal/audit"
	"github.com/54b3r/vortex-go/internal/config"
	"github.com/54b3r/vortex-go/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "vortex",
		Short: "Vortex, a local retrieval-augmented chat engine",
		Long: `Vortex answers questions from your own documents.

Ingest files, directories or URLs into a vector index, then ask questions
from the terminal or serve a streaming chat API (SSE and WebSocket).

Providers are selected via MODEL_PROVIDER / EMBEDDING_PROVIDER or a YAML
config file (~/.vortex/config.yaml).
See 'vortex --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()

			// Load YAML config (env vars always override YAML values).
			path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}

			// The logger is rebuilt so LOG_LEVEL/LOG_FORMAT from YAML apply.
			log = logging.New()
			cmd.SetContext(logging.WithLogger(cmd.Context(), log))

			audit.LogCommandStart(cmd.Context(), log, cmd.Name(), path)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.vortex/config.yaml)")

	root.AddCommand(
		NewAskCmd(),
		NewSearchCmd(),
		NewServeCmd(),
		NewIngestCmd(),
		NewVersionCmd(),
	)

	return root
}
