// Package session orchestrates one retrieval-augmented answer: it retrieves
// context for a query, builds the prompt, streams the generated reply to a
// Sink as sequenced events and honours cancellation at every fragment
// boundary.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/54b3r/vortex-go/internal/budget"
	"github.com/54b3r/vortex-go/internal/logging"
	"github.com/54b3r/vortex-go/internal/rag"
)

// ErrSessionReused is returned by Run on a session that already ran.
var ErrSessionReused = errors.New("session: already used")

// Options tunes every session created by an Engine.
type Options struct {
	// Generate is forwarded to the generation provider.
	Generate rag.GenerateOptions

	// DefaultTopK replaces rag.DefaultTopK for queries that leave TopK zero.
	DefaultTopK int

	// MaxContextTokens, when positive, trims the lowest-ranked fragments so
	// the estimated prompt fits. Zero keeps every retrieved fragment and only
	// warns when the prompt exceeds budget.DefaultMaxContextTokens.
	MaxContextTokens int
}

// Engine holds the shared capabilities sessions are built from.
// It is safe for concurrent use; each Session is not.
type Engine struct {
	// retriever resolves query text into ranked fragment texts.
	retriever *rag.Retriever
	// gen produces the token stream for a prompt.
	gen rag.Generator
	// opts is copied into every session.
	opts Options
	// log is the fallback logger when the run context carries none.
	log *slog.Logger
}

// NewEngine builds an Engine. log may be nil, in which case the logger is
// taken from each run's context.
func NewEngine(retriever *rag.Retriever, gen rag.Generator, opts Options, log *slog.Logger) (*Engine, error) {
	if retriever == nil {
		return nil, fmt.Errorf("session: retriever must not be nil")
	}
	if gen == nil {
		return nil, fmt.Errorf("session: generator must not be nil")
	}
	return &Engine{retriever: retriever, gen: gen, opts: opts, log: log}, nil
}

// topK resolves the number of fragments to retrieve for q.
func (e *Engine) topK(q rag.Query) int {
	if q.TopK == 0 && e.opts.DefaultTopK > 0 {
		return e.opts.DefaultTopK
	}
	return q.ResolvedTopK()
}

// Retriever returns the engine's retriever.
func (e *Engine) Retriever() *rag.Retriever { return e.retriever }

// SessionOption adjusts the generation settings of one session.
type SessionOption func(*rag.GenerateOptions)

// WithHistory sends prior conversation turns, oldest first, ahead of the
// prompt. Their estimated tokens count against MaxContextTokens.
func WithHistory(turns []rag.Turn) SessionOption {
	return func(o *rag.GenerateOptions) { o.History = turns }
}

// WithModel overrides the provider's configured model. Empty keeps it.
func WithModel(name string) SessionOption {
	return func(o *rag.GenerateOptions) {
		if name != "" {
			o.Model = name
		}
	}
}

// NewSession returns a fresh, idle, single-use session.
func (e *Engine) NewSession(opts ...SessionOption) *Session {
	gen := e.opts.Generate
	for _, opt := range opts {
		opt(&gen)
	}
	return &Session{
		id:     uuid.NewString(),
		engine: e,
		gen:    gen,
		stopCh: make(chan struct{}),
	}
}

// Outcome summarises a finished session.
type Outcome struct {
	// State is the terminal state.
	State State
	// Answer is the text accumulated from delta events, possibly partial.
	Answer string
	// Err is the failure for StateFailed, or ErrSessionReused.
	Err error
	// Hits are the retrieved fragments that reached the prompt, best first.
	Hits rag.RetrievalResult
	// Events is the number of events emitted.
	Events int
	// Duration is the wall time of Run.
	Duration time.Duration
}

// Transcript returns the answer to record in a conversation transcript.
// Completed and cancelled sessions with non-empty text qualify.
func (o Outcome) Transcript() (string, bool) {
	if (o.State == StateCompleted || o.State == StateCancelled) && o.Answer != "" {
		return o.Answer, true
	}
	return "", false
}

// Session is one query/answer exchange. Run may be called once; Stop may be
// called from any goroutine at any time.
type Session struct {
	id     string
	engine *Engine
	// gen is the engine's generation options with per-session overrides.
	gen rag.GenerateOptions

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}

	mu    sync.Mutex
	state State

	// seq and events are only touched by the Run goroutine.
	seq    uint64
	events int
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Stop requests cancellation. The running session stops at the next fragment
// boundary, closes the provider stream and emits done. Safe to call more than
// once and before or after Run.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// tokenResult is one Recv result handed from the pump goroutine.
type tokenResult struct {
	text string
	err  error
}

// Run executes the session against q, emitting events to sink, and returns
// when a terminal state is reached. Cancelling ctx has the same effect as
// Stop. Exactly one terminal event (done or error) is emitted.
func (s *Session) Run(ctx context.Context, q rag.Query, sink Sink) Outcome {
	if !s.started.CompareAndSwap(false, true) {
		return Outcome{State: s.State(), Err: ErrSessionReused}
	}

	start := time.Now()
	log := logging.FromContextOr(ctx, s.engine.log).With(slog.String("session_id", s.id))
	ctx = logging.WithLogger(ctx, log)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	out := s.run(runCtx, q, sink, log, cancel)
	out.Events = s.events
	out.Duration = time.Since(start)
	s.setState(out.State)

	log.Info("session finished",
		slog.String("state", out.State.String()),
		slog.Int("hits", len(out.Hits)),
		slog.Int("events", out.Events),
		slog.Int("answer_chars", len(out.Answer)),
		slog.Duration("duration", out.Duration),
	)
	return out
}

func (s *Session) run(ctx context.Context, q rag.Query, sink Sink, log *slog.Logger, cancel context.CancelFunc) Outcome {
	eng := s.engine

	s.setState(StateRetrieving)
	hits, err := eng.retriever.Retrieve(ctx, q.Text, eng.topK(q))
	if err == nil {
		var fragments []string
		fragments, err = eng.retriever.Fragments(ctx, hits)
		if err == nil {
			return s.generate(ctx, q, hits, fragments, sink, log, cancel)
		}
	}
	if ctx.Err() != nil {
		s.emitTerminal(sink, Event{Type: EventDone}, log)
		return Outcome{State: StateCancelled, Hits: hits}
	}
	log.Warn("session retrieval failed", slog.Any("error", err))
	s.emitTerminal(sink, Event{Type: EventError, Message: err.Error()}, log)
	return Outcome{State: StateFailed, Err: err}
}

func (s *Session) generate(ctx context.Context, q rag.Query, hits rag.RetrievalResult, fragments []string, sink Sink, log *slog.Logger, cancel context.CancelFunc) Outcome {
	eng := s.engine

	historyTokens := 0
	for _, t := range s.gen.History {
		historyTokens += budget.Estimate(t.Content)
	}
	fixed := budget.Estimate(rag.SystemPreamble) + budget.Estimate(q.Text) + historyTokens
	if eng.opts.MaxContextTokens > 0 {
		kept := budget.TrimFragments(fixed, fragments, eng.opts.MaxContextTokens)
		if len(kept) < len(fragments) {
			log.Warn("session context trimmed to fit token budget",
				slog.Int("retrieved", len(fragments)),
				slog.Int("kept", len(kept)),
				slog.Int("history_tokens", historyTokens),
				slog.Int("max_context_tokens", eng.opts.MaxContextTokens),
			)
			// Hits stay parallel to the fragments that reach the prompt.
			fragments = kept
			hits = hits[:len(kept)]
		}
	}
	prompt := rag.BuildPrompt(q.Text, fragments)
	if est := budget.Estimate(prompt) + historyTokens; eng.opts.MaxContextTokens == 0 && est > budget.DefaultMaxContextTokens {
		log.Warn("session prompt exceeds default context budget",
			slog.Int("estimated_tokens", est),
			slog.Int("budget", budget.DefaultMaxContextTokens),
		)
	}
	log.Debug("session prompt built",
		slog.Int("fragments", len(fragments)),
		slog.Int("prompt_chars", len(prompt)),
		slog.Int("history_turns", len(s.gen.History)),
		slog.String("model", s.gen.Model),
	)

	s.setState(StateGenerating)
	stream, err := eng.gen.Generate(ctx, prompt, s.gen)
	if err != nil {
		if ctx.Err() != nil {
			s.emitTerminal(sink, Event{Type: EventDone}, log)
			return Outcome{State: StateCancelled, Hits: hits}
		}
		log.Warn("session generation failed to start", slog.Any("error", err))
		s.emitTerminal(sink, Event{Type: EventError, Message: err.Error()}, log)
		return Outcome{State: StateFailed, Err: err, Hits: hits}
	}
	defer stream.Close()

	// The pump owns Recv so the loop below can react to cancellation while a
	// fragment is still pending.
	tokens := make(chan tokenResult)
	quit := make(chan struct{})
	defer close(quit)
	go func() {
		for {
			text, err := stream.Recv()
			select {
			case tokens <- tokenResult{text: text, err: err}:
			case <-quit:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var answer strings.Builder
	cancelled := func() Outcome {
		_ = stream.Close()
		s.emitTerminal(sink, Event{Type: EventDone}, log)
		return Outcome{State: StateCancelled, Answer: answer.String(), Hits: hits}
	}

	for {
		select {
		case <-ctx.Done():
			return cancelled()
		case tok := <-tokens:
			switch {
			case errors.Is(tok.err, io.EOF):
				s.emitTerminal(sink, Event{Type: EventDone}, log)
				return Outcome{State: StateCompleted, Answer: answer.String(), Hits: hits}
			case tok.err != nil:
				if ctx.Err() != nil {
					return cancelled()
				}
				log.Warn("session generation stream failed", slog.Any("error", tok.err))
				s.emitTerminal(sink, Event{Type: EventError, Message: tok.err.Error()}, log)
				return Outcome{State: StateFailed, Err: tok.err, Answer: answer.String(), Hits: hits}
			}
			if ctx.Err() != nil {
				return cancelled()
			}
			if err := s.emit(sink, Event{Type: EventDelta, Content: tok.text}); err != nil {
				log.Debug("session sink closed, cancelling", slog.Any("error", err))
				cancel()
				return cancelled()
			}
			answer.WriteString(tok.text)
		}
	}
}

// emit stamps ev with the next sequence number and hands it to sink.
func (s *Session) emit(sink Sink, ev Event) error {
	s.seq++
	ev.Seq = s.seq
	s.events++
	return sink.Emit(ev)
}

// emitTerminal emits a done or error event. A failing sink is only logged:
// the session is ending either way.
func (s *Session) emitTerminal(sink Sink, ev Event, log *slog.Logger) {
	if err := s.emit(sink, ev); err != nil {
		log.Debug("session terminal event not delivered",
			slog.String("type", string(ev.Type)),
			slog.Any("error", err),
		)
	}
}
