package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/54b3r/vortex-go/internal/logging"
	"github.com/54b3r/vortex-go/internal/rag"
	"github.com/54b3r/vortex-go/internal/session"
	"github.com/54b3r/vortex-go/internal/tracing"
)

// NewAskCmd constructs the `vortex ask` command, which answers one question
// from the indexed documents and streams the reply to stdout.
func NewAskCmd() *cobra.Command {
	var topK int
	var showSources bool
	var modelName string

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a question about the indexed documents",
		Long: `Retrieve the fragments closest to the question, build a grounded prompt
and stream the model's answer to stdout. Press Ctrl-C to stop generation;
the partial answer is kept.

Examples:
  vortex ask "what does the handbook say about on-call rotations?"
  vortex ask --top-k 8 --sources "summarise the design of the index"
  vortex ask --model llama3.2:1b "who owns the billing service?"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if topK < 0 {
				return fmt.Errorf("ask: --top-k must not be negative")
			}
			ctx := cmd.Context()
			log := logging.FromContext(ctx)

			flush, _ := tracing.Setup(log)
			defer flush()

			st, err := openStack(ctx, log, stackOptions{})
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			defer st.Close()

			eng, _, err := newEngine(ctx, st, log)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			// Ctrl-C stops the session instead of killing the process.
			sess := eng.NewSession(session.WithModel(strings.TrimSpace(modelName)))
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt)
			defer signal.Stop(sig)
			go func() {
				if _, ok := <-sig; ok {
					sess.Stop()
				}
			}()

			out := cmd.OutOrStdout()
			res := sess.Run(ctx, rag.Query{Text: args[0], TopK: topK}, &writerSink{w: out})
			fmt.Fprintln(out)

			switch res.State {
			case session.StateFailed:
				return fmt.Errorf("ask: %w", res.Err)
			case session.StateCancelled:
				fmt.Fprintln(cmd.ErrOrStderr(), "[stopped]")
			}
			if showSources {
				printHits(ctx, cmd.ErrOrStderr(), st.index, res.Hits)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "Number of fragments to retrieve (default RAG_TOP_K or 4)")
	cmd.Flags().BoolVar(&showSources, "sources", false, "Print the retrieved fragment ids and scores to stderr")
	cmd.Flags().StringVarP(&modelName, "model", "m", "", "Model to answer with (default: the provider's configured model)")

	return cmd
}

// writerSink prints delta content as it arrives.
type writerSink struct {
	w io.Writer
}

// Emit implements session.Sink.
func (s *writerSink) Emit(ev session.Event) error {
	if ev.Type == session.EventDelta {
		_, err := io.WriteString(s.w, ev.Content)
		return err
	}
	return nil
}

// printHits lists hits with a one-line preview of each fragment.
func printHits(ctx context.Context, w io.Writer, idx rag.Index, hits rag.RetrievalResult) {
	for i, h := range hits {
		text, err := idx.Text(ctx, h.ID)
		if err != nil {
			text = "<" + err.Error() + ">"
		}
		fmt.Fprintf(w, "%2d. #%-6d %.4f  %s\n", i+1, h.ID, h.Score, preview(text, 80))
	}
}

// preview collapses whitespace and truncates s to n runes.
func preview(s string, n int) string {
	r := []rune(strings.Join(strings.Fields(s), " "))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-1]) + "…"
}
