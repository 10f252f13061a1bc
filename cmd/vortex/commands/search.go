package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/54b3r/vortex-go/internal/config"
	"github.com/54b3r/vortex-go/internal/logging"
	"github.com/54b3r/vortex-go/internal/rag"
)

// NewSearchCmd constructs the `vortex search` command, which prints the
// fragments nearest to a query without calling the generation model.
func NewSearchCmd() *cobra.Command {
	var topK int

	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Show the fragments retrieved for a query",
		Long: `Embed the query and print the closest indexed fragments with their cosine
similarity. Useful for checking what context a question would receive.

Examples:
  vortex search "token budget"
  vortex search -k 10 "qdrant collection"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.FromContext(ctx)

			st, err := openStack(ctx, log, stackOptions{})
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}
			defer st.Close()

			if topK < 0 {
				return fmt.Errorf("search: --top-k must not be negative")
			}
			if topK == 0 {
				topK = config.EnvInt("RAG_TOP_K", 0)
			}
			q := rag.Query{Text: args[0], TopK: topK}
			hits, err := st.retriever.Retrieve(ctx, q.Text, q.ResolvedTopK())
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}
			if len(hits) == 0 {
				fmt.Fprintln(cmd.ErrOrStderr(), "index is empty")
				return nil
			}
			printHits(ctx, cmd.OutOrStdout(), st.index, hits)
			return nil
		},
	}

	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "Number of fragments to retrieve (default RAG_TOP_K or 4)")

	return cmd
}
