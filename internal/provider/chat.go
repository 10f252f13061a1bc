package provider

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/vortex-go/internal/rag"
)

// generateRunInfo names generation calls in callback handlers.
var generateRunInfo = &callbacks.RunInfo{
	Name:      "vortex.generate",
	Type:      "ChatGenerator",
	Component: components.ComponentOfChatModel,
}

// errStreamClosed is returned by Recv once the stream has been closed.
var errStreamClosed = errors.New("provider: stream closed")

// ChatGenerator adapts an eino chat model to rag.Generator. Earlier turns are
// sent as user and assistant messages, followed by the prompt as the final
// user message.
type ChatGenerator struct {
	// model is the eino chat model that performs inference.
	model model.BaseChatModel
}

// NewChatGenerator wraps cm.
func NewChatGenerator(cm model.BaseChatModel) *ChatGenerator {
	return &ChatGenerator{model: cm}
}

// Generate opens a streaming completion for prompt.
func (g *ChatGenerator) Generate(ctx context.Context, prompt string, opts rag.GenerateOptions) (rag.TokenStream, error) {
	var callOpts []model.Option
	if opts.Temperature != nil {
		callOpts = append(callOpts, model.WithTemperature(*opts.Temperature))
	}
	if opts.MaxTokens > 0 {
		callOpts = append(callOpts, model.WithMaxTokens(opts.MaxTokens))
	}
	if opts.Model != "" {
		callOpts = append(callOpts, model.WithModel(opts.Model))
	}

	// Outside a compose graph the global handlers are only reached through
	// an explicitly initialised callback manager.
	ctx = callbacks.InitCallbacks(ctx, generateRunInfo)
	sr, err := g.model.Stream(ctx, chatMessages(opts.History, prompt), callOpts...)
	if err != nil {
		return nil, Classify(err)
	}
	return newChatStream(sr), nil
}

// chatMessages converts history and prompt into eino messages. Turns with
// an unknown role are dropped.
func chatMessages(history []rag.Turn, prompt string) []*schema.Message {
	msgs := make([]*schema.Message, 0, len(history)+1)
	for _, t := range history {
		switch t.Role {
		case rag.RoleUser:
			msgs = append(msgs, schema.UserMessage(t.Content))
		case rag.RoleAssistant:
			msgs = append(msgs, schema.AssistantMessage(t.Content, nil))
		}
	}
	return append(msgs, schema.UserMessage(prompt))
}

// chatChunk is one result handed from the pump to Recv.
type chatChunk struct {
	text string
	err  error
}

// chatStream adapts an eino message stream to rag.TokenStream. A pump
// goroutine owns the reader so Close can release a blocked Recv.
type chatStream struct {
	reader *schema.StreamReader[*schema.Message]
	chunks chan chatChunk
	done   chan struct{}
	once   sync.Once
}

func newChatStream(sr *schema.StreamReader[*schema.Message]) *chatStream {
	s := &chatStream{
		reader: sr,
		chunks: make(chan chatChunk),
		done:   make(chan struct{}),
	}
	go s.pump()
	return s
}

// pump forwards non-empty content chunks until the reader ends or the stream
// is closed. Chunks carrying only metadata (role, usage) are skipped.
func (s *chatStream) pump() {
	defer close(s.chunks)
	for {
		msg, err := s.reader.Recv()
		var c chatChunk
		switch {
		case errors.Is(err, io.EOF):
			return
		case err != nil:
			c.err = Classify(err)
		case msg == nil || msg.Content == "":
			continue
		default:
			c.text = msg.Content
		}
		select {
		case s.chunks <- c:
		case <-s.done:
			return
		}
		if c.err != nil {
			return
		}
	}
}

// Recv returns the next content chunk, io.EOF at the end of the stream, or
// errStreamClosed after Close.
func (s *chatStream) Recv() (string, error) {
	select {
	case <-s.done:
		return "", errStreamClosed
	case c, ok := <-s.chunks:
		if !ok {
			return "", io.EOF
		}
		return c.text, c.err
	}
}

// Close releases the underlying stream and wakes a pending Recv.
func (s *chatStream) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.reader.Close()
	})
	return nil
}
