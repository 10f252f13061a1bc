package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/54b3r/vortex-go/internal/rag"
)

// maxLineBytes bounds a single NDJSON line from /api/generate.
const maxLineBytes = 1 << 20

// OllamaGenerator streams completions from Ollama's /api/generate endpoint.
// It is safe for concurrent use.
type OllamaGenerator struct {
	// host is the Ollama server base URL (e.g. "http://localhost:11434").
	host string
	// model is the generation model name (e.g. "llama3").
	model string
	// client has no overall timeout; streams are bounded by the request context.
	client *http.Client
}

// NewOllamaGenerator constructs an OllamaGenerator from the given settings.
func NewOllamaGenerator(cfg ProviderOllama) *OllamaGenerator {
	return &OllamaGenerator{
		host:   strings.TrimRight(cfg.Host, "/"),
		model:  cfg.Model,
		client: &http.Client{},
	}
}

// ollamaGenerateRequest is the JSON body sent to /api/generate.
type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

// ollamaGenerateChunk is one NDJSON line of the /api/generate stream.
type ollamaGenerateChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// Generate starts a streaming generation. A transport failure returns
// rag.ErrProviderUnavailable; a non-2xx status returns rag.ErrProviderError.
func (g *OllamaGenerator) Generate(ctx context.Context, prompt string, opts rag.GenerateOptions) (rag.TokenStream, error) {
	body := ollamaGenerateRequest{Model: g.model, Prompt: withHistory(opts.History, prompt), Stream: true}
	if opts.Model != "" {
		body.Model = opts.Model
	}
	if opts.Temperature != nil || opts.MaxTokens > 0 {
		body.Options = map[string]any{}
		if opts.Temperature != nil {
			body.Options["temperature"] = *opts.Temperature
		}
		if opts.MaxTokens > 0 {
			body.Options["num_predict"] = opts.MaxTokens
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("ollama generator: marshal request: %w", err)
	}

	reqCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, g.host+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ollama generator: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("ollama generator: %w", ctx.Err())
		}
		return nil, fmt.Errorf("ollama generator: request failed: %w: %w", rag.ErrProviderUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer cancel()
		defer resp.Body.Close()
		msg := fmt.Sprintf("HTTP %d", resp.StatusCode)
		var chunk ollamaGenerateChunk
		if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&chunk); err == nil && chunk.Error != "" {
			msg = chunk.Error
		}
		return nil, fmt.Errorf("ollama generator: %s: %w", msg, rag.ErrProviderError)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
	return &ollamaStream{body: resp.Body, scanner: scanner, cancel: cancel}, nil
}

// withHistory prefixes prompt with earlier turns, one "User:" or
// "Assistant:" line each, since /api/generate takes a single prompt.
func withHistory(history []rag.Turn, prompt string) string {
	if len(history) == 0 {
		return prompt
	}
	var b strings.Builder
	b.WriteString("Conversation so far:\n")
	for _, t := range history {
		switch t.Role {
		case rag.RoleUser:
			b.WriteString("User: ")
		case rag.RoleAssistant:
			b.WriteString("Assistant: ")
		default:
			continue
		}
		b.WriteString(strings.TrimSpace(t.Content))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(prompt)
	return b.String()
}

// ollamaStream reads /api/generate NDJSON lines.
type ollamaStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc
	done    bool
	once    sync.Once
}

// Recv returns the next non-empty response fragment. Malformed lines are
// skipped; a line carrying an error ends the stream with rag.ErrProviderError.
func (s *ollamaStream) Recv() (string, error) {
	for !s.done {
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return "", fmt.Errorf("ollama generator: reading stream: %w", Classify(err))
			}
			// Stream ended without done:true.
			s.done = true
			break
		}
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaGenerateChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if chunk.Error != "" {
			s.done = true
			return "", fmt.Errorf("ollama generator: %s: %w", chunk.Error, rag.ErrProviderError)
		}
		if chunk.Done {
			s.done = true
		}
		if chunk.Response != "" {
			return chunk.Response, nil
		}
	}
	return "", io.EOF
}

// Close aborts the request and releases the response body.
func (s *ollamaStream) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.body.Close()
	})
	return err
}
