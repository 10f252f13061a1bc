package session

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/54b3r/vortex-go/internal/index"
	"github.com/54b3r/vortex-go/internal/rag"
)

// ---------------------------------------------------------------------------
// Test doubles
// ---------------------------------------------------------------------------

// fixedEmbedder returns the same vector for every text, or err.
type fixedEmbedder struct {
	err error
}

func (f fixedEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{1, 0}, nil
}

// scriptStream yields tokens, then either blocks until Close (hang), fails
// with err, or ends with io.EOF.
type scriptStream struct {
	tokens    []string
	err       error
	hang      bool
	i         int
	closed    chan struct{}
	closeOnce sync.Once
}

func newScriptStream(tokens []string, err error, hang bool) *scriptStream {
	return &scriptStream{tokens: tokens, err: err, hang: hang, closed: make(chan struct{})}
}

func (s *scriptStream) Recv() (string, error) {
	if s.i < len(s.tokens) {
		s.i++
		return s.tokens[s.i-1], nil
	}
	if s.hang {
		<-s.closed
		return "", errors.New("stream closed")
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *scriptStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *scriptStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// fakeGenerator returns stream and records the prompt and options it was
// given.
type fakeGenerator struct {
	stream   *scriptStream
	startErr error

	mu     sync.Mutex
	prompt string
	opts   rag.GenerateOptions
	calls  int
}

func (g *fakeGenerator) Generate(_ context.Context, prompt string, opts rag.GenerateOptions) (rag.TokenStream, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.prompt = prompt
	g.opts = opts
	if g.startErr != nil {
		return nil, g.startErr
	}
	return g.stream, nil
}

func (g *fakeGenerator) lastPrompt() (string, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.prompt, g.calls
}

func (g *fakeGenerator) lastOptions() rag.GenerateOptions {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.opts
}

// recorder is a Sink collecting events; onEmit runs after each event.
type recorder struct {
	mu     sync.Mutex
	events []Event
	onEmit func(Event)
	fail   error
}

func (r *recorder) Emit(ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	fail := r.fail
	r.mu.Unlock()
	if r.onEmit != nil {
		r.onEmit(ev)
	}
	return fail
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// newEngine builds an engine over an in-memory index seeded with texts.
func newEngine(t *testing.T, emb rag.Embedder, gen rag.Generator, texts ...string) *Engine {
	t.Helper()
	idx, err := index.NewFlatIndex(2, "")
	if err != nil {
		t.Fatal(err)
	}
	for _, text := range texts {
		if _, err := idx.Add(context.Background(), text, []float32{1, 0}); err != nil {
			t.Fatal(err)
		}
	}
	r, err := rag.NewRetriever(emb, idx)
	if err != nil {
		t.Fatal(err)
	}
	e, err := NewEngine(r, gen, Options{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

// assertSequenced checks seq runs 1..n and that only the last event is terminal.
func assertSequenced(t *testing.T, events []Event, wantTerminal EventType) {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no events emitted")
	}
	for i, ev := range events {
		if ev.Seq != uint64(i+1) {
			t.Errorf("events[%d].Seq = %d, want %d", i, ev.Seq, i+1)
		}
		terminal := ev.Type == EventDone || ev.Type == EventError
		if last := i == len(events)-1; terminal != last {
			t.Errorf("events[%d] type %q: terminal=%v but last=%v", i, ev.Type, terminal, last)
		}
	}
	if got := events[len(events)-1].Type; got != wantTerminal {
		t.Errorf("terminal event = %q, want %q", got, wantTerminal)
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestSession_Completed(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{stream: newScriptStream([]string{"Cats ", "purr."}, nil, false)}
	eng := newEngine(t, fixedEmbedder{}, gen, "cats purr when content")
	rec := &recorder{}

	out := eng.NewSession().Run(context.Background(), rag.Query{Text: "why do cats purr?"}, rec)

	if out.State != StateCompleted || out.Err != nil {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Answer != "Cats purr." {
		t.Errorf("Answer = %q", out.Answer)
	}
	events := rec.snapshot()
	assertSequenced(t, events, EventDone)
	if len(events) != 3 || events[0].Content != "Cats " || events[1].Content != "purr." {
		t.Errorf("events = %+v", events)
	}
	if out.Events != 3 || len(out.Hits) != 1 {
		t.Errorf("Events = %d, Hits = %d", out.Events, len(out.Hits))
	}

	prompt, _ := gen.lastPrompt()
	if !strings.Contains(prompt, "CONTEXT:\ncats purr when content") || !strings.HasSuffix(prompt, "User: why do cats purr?\nAssistant:") {
		t.Errorf("unexpected prompt:\n%s", prompt)
	}
	if text, ok := out.Transcript(); !ok || text != "Cats purr." {
		t.Errorf("Transcript() = %q, %v", text, ok)
	}
}

func TestSession_EmptyIndexStillGenerates(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{stream: newScriptStream([]string{"hi"}, nil, false)}
	eng := newEngine(t, fixedEmbedder{}, gen)
	rec := &recorder{}

	out := eng.NewSession().Run(context.Background(), rag.Query{Text: "hello"}, rec)

	if out.State != StateCompleted {
		t.Fatalf("State = %v, want completed", out.State)
	}
	prompt, calls := gen.lastPrompt()
	if calls != 1 {
		t.Fatalf("generator calls = %d", calls)
	}
	if !strings.Contains(prompt, "CONTEXT:\n\n\nUser: hello") {
		t.Errorf("prompt should carry an empty context block:\n%s", prompt)
	}
	assertSequenced(t, rec.snapshot(), EventDone)
}

func TestSession_RetrievalFailure(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{stream: newScriptStream(nil, nil, false)}
	eng := newEngine(t, fixedEmbedder{err: rag.ErrProviderUnavailable}, gen, "x")
	rec := &recorder{}

	out := eng.NewSession().Run(context.Background(), rag.Query{Text: "q"}, rec)

	if out.State != StateFailed || !errors.Is(out.Err, rag.ErrProviderUnavailable) {
		t.Fatalf("outcome = %+v", out)
	}
	events := rec.snapshot()
	assertSequenced(t, events, EventError)
	if len(events) != 1 || events[0].Message == "" {
		t.Errorf("events = %+v", events)
	}
	if _, calls := gen.lastPrompt(); calls != 0 {
		t.Errorf("generator must not run after retrieval failure")
	}
	if _, ok := out.Transcript(); ok {
		t.Error("failed session must not produce a transcript")
	}
}

func TestSession_InvalidTopK(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{stream: newScriptStream(nil, nil, false)}
	eng := newEngine(t, fixedEmbedder{}, gen, "x")

	out := eng.NewSession().Run(context.Background(), rag.Query{Text: "q", TopK: -1}, &recorder{})
	if out.State != StateFailed || !errors.Is(out.Err, rag.ErrInvalidArgument) {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestSession_GenerationStartFailure(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{startErr: rag.ErrProviderError}
	eng := newEngine(t, fixedEmbedder{}, gen, "x")
	rec := &recorder{}

	out := eng.NewSession().Run(context.Background(), rag.Query{Text: "q"}, rec)
	if out.State != StateFailed || !errors.Is(out.Err, rag.ErrProviderError) {
		t.Fatalf("outcome = %+v", out)
	}
	assertSequenced(t, rec.snapshot(), EventError)
}

func TestSession_StreamErrorMidway(t *testing.T) {
	t.Parallel()
	stream := newScriptStream([]string{"partial"}, rag.ErrProviderError, false)
	eng := newEngine(t, fixedEmbedder{}, &fakeGenerator{stream: stream}, "x")
	rec := &recorder{}

	out := eng.NewSession().Run(context.Background(), rag.Query{Text: "q"}, rec)

	if out.State != StateFailed || !errors.Is(out.Err, rag.ErrProviderError) {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Answer != "partial" {
		t.Errorf("Answer = %q", out.Answer)
	}
	events := rec.snapshot()
	assertSequenced(t, events, EventError)
	if len(events) != 2 {
		t.Errorf("events = %+v", events)
	}
	if !stream.isClosed() {
		t.Error("stream not closed")
	}
}

func TestSession_StopDuringGeneration(t *testing.T) {
	t.Parallel()
	stream := newScriptStream([]string{"first"}, nil, true)
	eng := newEngine(t, fixedEmbedder{}, &fakeGenerator{stream: stream}, "x")
	sess := eng.NewSession()
	rec := &recorder{onEmit: func(ev Event) {
		if ev.Type == EventDelta {
			sess.Stop()
		}
	}}

	done := make(chan Outcome, 1)
	go func() { done <- sess.Run(context.Background(), rag.Query{Text: "q"}, rec) }()

	var out Outcome
	select {
	case out = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop while waiting on a blocked stream")
	}

	if out.State != StateCancelled || out.Err != nil {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Answer != "first" {
		t.Errorf("Answer = %q, want accumulated text kept", out.Answer)
	}
	events := rec.snapshot()
	assertSequenced(t, events, EventDone)
	if len(events) != 2 {
		t.Errorf("want delta then done, got %+v", events)
	}
	if !stream.isClosed() {
		t.Error("stream not closed on stop")
	}
	if text, ok := out.Transcript(); !ok || text != "first" {
		t.Errorf("Transcript() = %q, %v", text, ok)
	}
	if sess.State() != StateCancelled {
		t.Errorf("State() = %v", sess.State())
	}
	sess.Stop() // idempotent
}

func TestSession_ContextCancelDuringGeneration(t *testing.T) {
	t.Parallel()
	stream := newScriptStream([]string{"a"}, nil, true)
	eng := newEngine(t, fixedEmbedder{}, &fakeGenerator{stream: stream}, "x")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &recorder{onEmit: func(ev Event) {
		if ev.Type == EventDelta {
			cancel()
		}
	}}

	out := eng.NewSession().Run(ctx, rag.Query{Text: "q"}, rec)

	if out.State != StateCancelled {
		t.Fatalf("State = %v", out.State)
	}
	assertSequenced(t, rec.snapshot(), EventDone)
}

func TestSession_StopBeforeRetrieval(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{stream: newScriptStream([]string{"never"}, nil, false)}
	eng := newEngine(t, fixedEmbedder{}, gen, "x")
	sess := eng.NewSession()
	sess.Stop()
	rec := &recorder{}

	out := sess.Run(context.Background(), rag.Query{Text: "q"}, rec)

	if out.State != StateCancelled {
		t.Fatalf("State = %v", out.State)
	}
	events := rec.snapshot()
	assertSequenced(t, events, EventDone)
	if len(events) != 1 {
		t.Errorf("want a single done event, got %+v", events)
	}
	if _, ok := out.Transcript(); ok {
		t.Error("empty cancelled session must not produce a transcript")
	}
}

func TestSession_SinkFailureCancels(t *testing.T) {
	t.Parallel()
	stream := newScriptStream([]string{"a", "b", "c"}, nil, true)
	eng := newEngine(t, fixedEmbedder{}, &fakeGenerator{stream: stream}, "x")
	rec := &recorder{fail: errors.New("connection closed")}

	out := eng.NewSession().Run(context.Background(), rag.Query{Text: "q"}, rec)

	if out.State != StateCancelled {
		t.Fatalf("State = %v", out.State)
	}
	if out.Answer != "" {
		t.Errorf("undelivered fragments must not count, Answer = %q", out.Answer)
	}
	events := rec.snapshot()
	if len(events) != 2 || events[1].Type != EventDone {
		t.Errorf("want failed delta then done attempt, got %+v", events)
	}
	if !stream.isClosed() {
		t.Error("stream not closed")
	}
}

func TestSession_Reuse(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{stream: newScriptStream([]string{"x"}, nil, false)}
	eng := newEngine(t, fixedEmbedder{}, gen, "x")
	sess := eng.NewSession()

	first := sess.Run(context.Background(), rag.Query{Text: "q"}, &recorder{})
	if first.State != StateCompleted {
		t.Fatalf("first run = %+v", first)
	}

	rec := &recorder{}
	second := sess.Run(context.Background(), rag.Query{Text: "q"}, rec)
	if !errors.Is(second.Err, ErrSessionReused) {
		t.Errorf("Err = %v, want ErrSessionReused", second.Err)
	}
	if len(rec.snapshot()) != 0 {
		t.Error("reused session must not emit events")
	}
}

func TestSession_TrimsContextToBudget(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{stream: newScriptStream([]string{"ok"}, nil, false)}
	eng := newEngine(t, fixedEmbedder{}, gen, strings.Repeat("a", 400), strings.Repeat("b", 400))
	eng.opts.MaxContextTokens = 150

	out := eng.NewSession().Run(context.Background(), rag.Query{Text: "q"}, &recorder{})
	if out.State != StateCompleted {
		t.Fatalf("State = %v", out.State)
	}
	prompt, _ := gen.lastPrompt()
	if !strings.Contains(prompt, strings.Repeat("a", 400)) || strings.Contains(prompt, "bbbb") {
		t.Error("want only the best-ranked fragment kept")
	}
	if len(out.Hits) != 1 || out.Hits[0].ID != 0 {
		t.Errorf("Hits = %+v, want only the fragment that reached the prompt", out.Hits)
	}
}

func TestSession_HistoryCountsTowardBudget(t *testing.T) {
	t.Parallel()
	history := []rag.Turn{
		{Role: rag.RoleUser, Content: strings.Repeat("h", 200)},
		{Role: rag.RoleAssistant, Content: strings.Repeat("i", 200)},
	}

	tests := []struct {
		name     string
		history  []rag.Turn
		wantHits int
	}{
		{"no history", nil, 2},
		{"history crowds out a fragment", history, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			gen := &fakeGenerator{stream: newScriptStream([]string{"ok"}, nil, false)}
			eng := newEngine(t, fixedEmbedder{}, gen, strings.Repeat("a", 400), strings.Repeat("b", 400))
			eng.opts.MaxContextTokens = 250

			out := eng.NewSession(WithHistory(tc.history)).Run(context.Background(), rag.Query{Text: "q"}, &recorder{})
			if out.State != StateCompleted {
				t.Fatalf("State = %v", out.State)
			}
			if len(out.Hits) != tc.wantHits {
				t.Errorf("%d hits, want %d", len(out.Hits), tc.wantHits)
			}
		})
	}
}

func TestSession_ForwardsHistoryAndModel(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{stream: newScriptStream([]string{"ok"}, nil, false)}
	eng := newEngine(t, fixedEmbedder{}, gen, "cats purr")
	eng.opts.Generate = rag.GenerateOptions{MaxTokens: 64, Model: "default-model"}
	history := []rag.Turn{
		{Role: rag.RoleUser, Content: "do cats purr?"},
		{Role: rag.RoleAssistant, Content: "Yes."},
	}

	eng.NewSession(WithHistory(history), WithModel("llama3.2:1b")).Run(context.Background(), rag.Query{Text: "and dogs?"}, &recorder{})
	opts := gen.lastOptions()
	if opts.Model != "llama3.2:1b" || opts.MaxTokens != 64 || len(opts.History) != 2 || opts.History[1].Content != "Yes." {
		t.Errorf("options = %+v", opts)
	}

	gen.stream = newScriptStream([]string{"ok"}, nil, false)
	eng.NewSession(WithModel("")).Run(context.Background(), rag.Query{Text: "q"}, &recorder{})
	if opts := gen.lastOptions(); opts.Model != "default-model" || opts.History != nil {
		t.Errorf("empty model override: options = %+v", opts)
	}
	if eng.opts.Generate.Model != "default-model" {
		t.Error("session options leaked into the engine")
	}
}

func TestSession_DefaultTopK(t *testing.T) {
	t.Parallel()
	eng := newEngine(t, fixedEmbedder{}, &fakeGenerator{stream: newScriptStream(nil, nil, false)}, "a", "b", "c", "d", "e", "f")
	eng.opts.DefaultTopK = 2

	if out := eng.NewSession().Run(context.Background(), rag.Query{Text: "q"}, &recorder{}); len(out.Hits) != 2 {
		t.Errorf("engine default: %d hits, want 2", len(out.Hits))
	}
	eng.gen = &fakeGenerator{stream: newScriptStream(nil, nil, false)}
	if out := eng.NewSession().Run(context.Background(), rag.Query{Text: "q", TopK: 5}, &recorder{}); len(out.Hits) != 5 {
		t.Errorf("explicit topK: %d hits, want 5", len(out.Hits))
	}
}

func TestNewEngine_RejectsNil(t *testing.T) {
	t.Parallel()
	if _, err := NewEngine(nil, &fakeGenerator{}, Options{}, nil); err == nil {
		t.Error("want error for nil retriever")
	}
	idx, _ := index.NewFlatIndex(2, "")
	r, _ := rag.NewRetriever(fixedEmbedder{}, idx)
	if _, err := NewEngine(r, nil, Options{}, nil); err == nil {
		t.Error("want error for nil generator")
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	for st, want := range map[State]string{
		StateIdle: "idle", StateRetrieving: "retrieving", StateGenerating: "generating",
		StateCompleted: "completed", StateCancelled: "cancelled", StateFailed: "failed",
	} {
		if st.String() != want {
			t.Errorf("%d.String() = %q, want %q", st, st.String(), want)
		}
	}
	if !StateFailed.Terminal() || StateGenerating.Terminal() {
		t.Error("Terminal() misclassifies states")
	}
}
