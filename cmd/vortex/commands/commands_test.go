package commands

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/54b3r/vortex-go/internal/index"
	"github.com/54b3r/vortex-go/internal/ledger"
	"github.com/54b3r/vortex-go/internal/logging"
	"github.com/54b3r/vortex-go/internal/rag"
	"github.com/54b3r/vortex-go/internal/session"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// isolateEnv points every persisted artifact into a temp dir and selects an
// ollama embedder, which makes no network call until first use.
func isolateEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("VORTEX_CONFIG", "")
	t.Setenv("MODEL_PROVIDER", "ollama")
	t.Setenv("EMBEDDING_PROVIDER", "ollama")
	t.Setenv("EMBEDDING_DIMENSIONS", "4")
	t.Setenv("INDEX_BACKEND", "flat")
	t.Setenv("INDEX_PATH", filepath.Join(dir, "index", "test"))
	t.Setenv("VORTEX_LEDGER_DB", filepath.Join(dir, "ledger.db"))
	return dir
}

func TestEngineOptionsFromEnv(t *testing.T) {
	t.Setenv("RAG_TOP_K", "7")
	t.Setenv("RAG_MAX_CONTEXT_TOKENS", "2000")
	opts, err := engineOptionsFromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if opts.DefaultTopK != 7 || opts.MaxContextTokens != 2000 {
		t.Errorf("opts = %+v", opts)
	}

	t.Setenv("RAG_TOP_K", "-1")
	if _, err := engineOptionsFromEnv(); err == nil {
		t.Error("want error for negative RAG_TOP_K")
	}
}

func TestOpenLedger_Disabled(t *testing.T) {
	t.Setenv("VORTEX_LEDGER_DB", ledgerDisabled)
	led, err := openLedger(quietLogger())
	if err != nil || led != nil {
		t.Errorf("openLedger = %v, %v; want nil, nil", led, err)
	}
}

func TestOpenStack_RebuildDiscardsIndexAndLedger(t *testing.T) {
	isolateEnv(t)
	ctx := context.Background()

	st, err := openStack(ctx, quietLogger(), stackOptions{})
	if err != nil {
		t.Fatalf("openStack: %v", err)
	}
	if _, err := st.index.Add(ctx, "persisted", []float32{1, 0, 0, 0}); err != nil {
		t.Fatal(err)
	}
	if err := st.ledger.Record(ctx, ledger.Source{SHA256: "abc", Name: "a.txt", Fragments: 1}); err != nil {
		t.Fatal(err)
	}
	st.Close()

	st, err = openStack(ctx, quietLogger(), stackOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if st.index.Len() != 1 {
		t.Errorf("reopened index Len = %d, want 1", st.index.Len())
	}
	st.Close()

	st, err = openStack(ctx, quietLogger(), stackOptions{rebuild: true})
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	if st.index.Len() != 0 {
		t.Errorf("rebuilt index Len = %d, want 0", st.index.Len())
	}
	if seen, _ := st.ledger.Seen(ctx, "abc"); seen {
		t.Error("ledger not reset by rebuild")
	}
}

func TestOpenStack_RebuildRejectedForQdrant(t *testing.T) {
	isolateEnv(t)
	t.Setenv("INDEX_BACKEND", index.BackendQdrant)
	if _, err := openStack(context.Background(), quietLogger(), stackOptions{rebuild: true}); err == nil {
		t.Error("want error for --rebuild with qdrant")
	}
}

func TestBuildPingers_FlatOllama(t *testing.T) {
	isolateEnv(t)
	st, err := openStack(context.Background(), quietLogger(), stackOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	_, cfg, err := newEngine(context.Background(), st, quietLogger())
	if err != nil {
		t.Fatalf("newEngine: %v", err)
	}
	var names []string
	for _, p := range buildPingers(cfg, st) {
		names = append(names, p.Name())
	}
	if strings.Join(names, ",") != "ollama,embedder:ollama" {
		t.Errorf("pingers = %v", names)
	}
}

func TestWriterSink(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	s := &writerSink{w: &buf}
	for _, ev := range []session.Event{
		{Type: session.EventDelta, Content: "Hello, "},
		{Type: session.EventDelta, Content: "world"},
		{Type: session.EventDone},
	} {
		if err := s.Emit(ev); err != nil {
			t.Fatal(err)
		}
	}
	if buf.String() != "Hello, world" {
		t.Errorf("output = %q", buf.String())
	}
}

func TestPrintHits(t *testing.T) {
	t.Parallel()
	idx, _ := index.NewFlatIndex(2, "")
	ctx := context.Background()
	_, _ = idx.Add(ctx, "first\nfragment   text", []float32{1, 0})
	_, _ = idx.Add(ctx, strings.Repeat("x", 200), []float32{0, 1})

	var buf bytes.Buffer
	printHits(ctx, &buf, idx, rag.RetrievalResult{{ID: 0, Score: 0.9}, {ID: 1, Score: 0.1}, {ID: 9, Score: 0}})
	out := buf.String()

	if !strings.Contains(out, "first fragment text") {
		t.Errorf("whitespace not collapsed: %q", out)
	}
	if !strings.Contains(out, "…") {
		t.Errorf("long fragment not truncated: %q", out)
	}
	if strings.Count(out, "\n") != 3 {
		t.Errorf("want 3 lines, got %q", out)
	}
}

func TestPrintSources(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	err := printSources(&buf, []ledger.Source{{
		SHA256:     strings.Repeat("ab", 32),
		Name:       "notes.md",
		Fragments:  3,
		FirstID:    10,
		IngestedAt: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "notes.md") || !strings.Contains(buf.String(), "abababababab") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestRootCmd_Subcommands(t *testing.T) {
	t.Parallel()
	root := NewRootCmd()
	want := map[string]bool{"ask": false, "search": false, "serve": false, "ingest": false, "version": false}
	for _, c := range root.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestIngestCmd_RequiresSource(t *testing.T) {
	isolateEnv(t)
	root := NewRootCmd()
	root.SetArgs([]string{"ingest"})
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	if err := root.Execute(); err == nil || !strings.Contains(err.Error(), "at least one") {
		t.Errorf("want missing-source error, got %v", err)
	}
}

func TestVersionCmd(t *testing.T) {
	isolateEnv(t)
	root := NewRootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(buf.String(), "vortex dev") {
		t.Errorf("version output = %q", buf.String())
	}
}

func TestAskCmd_SetsUpTracing(t *testing.T) {
	isolateEnv(t)
	t.Setenv("LANGFUSE_PUBLIC_KEY", "")
	t.Setenv("LANGFUSE_SECRET_KEY", "")
	t.Setenv("EMBEDDING_PROVIDER", "bogus")

	var logs bytes.Buffer
	log := slog.New(slog.NewTextHandler(&logs, nil))
	cmd := NewAskCmd()
	cmd.SetArgs([]string{"why?"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)

	if err := cmd.ExecuteContext(logging.WithLogger(context.Background(), log)); err == nil {
		t.Fatal("want error for unsupported embedder")
	}
	if !strings.Contains(logs.String(), "tracing: langfuse disabled") {
		t.Errorf("ask did not set up tracing; logs:\n%s", logs.String())
	}
}
