package commands

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/54b3r/vortex-go/internal/ingestion"
	"github.com/54b3r/vortex-go/internal/ledger"
	"github.com/54b3r/vortex-go/internal/logging"
)

// NewIngestCmd constructs the `vortex ingest` command, which extracts,
// chunks, embeds and indexes documents.
func NewIngestCmd() *cobra.Command {
	var files []string
	var dirs []string
	var urls []string
	var rebuild bool
	var list bool

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Add documents to the vector index",
		Long: `Extract text from files, directories or URLs, split it into fragments,
embed each fragment and append it to the vector index.

Documents whose content was already ingested are skipped (tracked in the
ledger at VORTEX_LEDGER_DB, default ~/.vortex/ledger.db). Directory walks
pick up ` + fmt.Sprint(ingestion.DefaultExtensions) + `.

Environment variables:
  INDEX_BACKEND          flat (default) or qdrant
  INDEX_PATH             flat index artifact prefix (default ~/.vortex/index/vortex)
  INGEST_CHUNK_SIZE      characters per fragment (default 1000)
  INGEST_CHUNK_OVERLAP   characters shared by adjacent fragments (default 100)
  INGEST_EMBED_RPS       embedding requests per second (default unlimited)
  EMBEDDING_*            embedding provider overrides

Examples:
  vortex ingest --file notes.md --file paper.pdf
  vortex ingest --dir ./docs
  vortex ingest --url https://example.com/handbook.txt
  vortex ingest --rebuild --dir ./docs
  vortex ingest --list`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			log := logging.FromContext(ctx)
			out := cmd.OutOrStdout()

			if len(files)+len(dirs)+len(urls) == 0 && !rebuild && !list {
				return errors.New("ingest: at least one of --file, --dir, --url, --rebuild or --list is required")
			}

			st, err := openStack(ctx, log, stackOptions{rebuild: rebuild})
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			defer st.Close()

			if list {
				if st.ledger == nil {
					return errors.New("ingest: --list needs the ledger, which is disabled")
				}
				sources, err := st.ledger.List(ctx, 100)
				if err != nil {
					return fmt.Errorf("ingest: %w", err)
				}
				return printSources(out, sources)
			}

			start := time.Now()
			var results []ingestion.Result
			var errs []error
			report := func(res ingestion.Result) {
				results = append(results, res)
				fmt.Fprintf(out, "%-9s %4d fragments  %s\n", res.Status, res.Fragments, res.Source)
			}

			for _, f := range files {
				res, err := st.pipeline.IngestFile(ctx, f)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				report(res)
			}
			for _, d := range dirs {
				if _, err := st.pipeline.IngestDir(ctx, d, report); err != nil {
					errs = append(errs, err)
				}
			}
			for _, u := range urls {
				res, err := st.pipeline.IngestURL(ctx, u)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				report(res)
			}

			added := 0
			for _, r := range results {
				added += r.Fragments
			}
			log.Info("ingestion complete",
				slog.Int("documents", len(results)),
				slog.Int("fragments_added", added),
				slog.Int("index_size", st.index.Len()),
				slog.Int("failures", len(errs)),
				slog.Duration("duration", time.Since(start)),
			)
			if err := errors.Join(errs...); err != nil {
				return fmt.Errorf("ingest: some documents failed:\n%w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&files, "file", "f", nil, "File to ingest (repeatable)")
	cmd.Flags().StringArrayVarP(&dirs, "dir", "d", nil, "Directory to ingest recursively (repeatable)")
	cmd.Flags().StringArrayVarP(&urls, "url", "u", nil, "URL to fetch and ingest (repeatable)")
	cmd.Flags().BoolVar(&rebuild, "rebuild", false, "Discard the flat index and the ledger before ingesting")
	cmd.Flags().BoolVar(&list, "list", false, "List recently ingested documents and exit")

	return cmd
}

// printSources writes the ledger listing as an aligned table.
func printSources(w io.Writer, sources []ledger.Source) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INGESTED\tFRAGMENTS\tFIRST ID\tSHA256\tSOURCE")
	for _, s := range sources {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n",
			s.IngestedAt.Local().Format(time.DateTime), s.Fragments, s.FirstID, s.SHA256[:12], s.Name)
	}
	return tw.Flush()
}
