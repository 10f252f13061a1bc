package embedder

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// chatModelMarkers are substrings of chat model names. Pointing
// EMBEDDING_MODEL at one of these usually means the model settings were
// copied from the chat side by mistake.
var chatModelMarkers = []string{
	"gpt-4", "gpt-3.5", "gpt-35", "o1", "o3",
	"llama3", "llama2", "llama-3", "llama-2",
	"mistral", "mixtral", "gemma", "phi-", "phi3",
	"claude", "command-r", "deepseek", "qwen",
	"solar", "vicuna", "falcon", "yi-",
}

func looksLikeChatModel(model string) bool {
	lower := strings.ToLower(model)
	for _, m := range chatModelMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// requirement is one setting a backend cannot start without, satisfied by
// the first non-empty variable in vars.
type requirement struct {
	what string
	vars []string
}

var backendRequirements = map[string][]requirement{
	"ollama": nil,
	"openai": {
		{"API key", []string{"EMBEDDING_API_KEY", "OPENAI_API_KEY"}},
	},
	"azure": {
		{"API key", []string{"EMBEDDING_API_KEY", "AZURE_OPENAI_API_KEY"}},
		{"endpoint", []string{"EMBEDDING_ENDPOINT", "AZURE_OPENAI_ENDPOINT"}},
	},
}

// Validate reports embedding settings that cannot work before anything is
// built, so a missing key fails at startup instead of on the first fragment.
// Questionable but usable settings are logged as warnings.
func Validate(log *slog.Logger) error {
	backend := Backend()
	reqs, ok := backendRequirements[backend]
	if !ok {
		return fmt.Errorf("embedder: %s has no embedding support; set EMBEDDING_PROVIDER to ollama, openai, or azure", backend)
	}
	for _, r := range reqs {
		if firstEnv(r.vars...) == "" {
			return fmt.Errorf("embedder: %s needs an %s; set %s", backend, r.what, strings.Join(r.vars, " or "))
		}
	}

	if backend != "ollama" && os.Getenv("EMBEDDING_PROVIDER") == "" {
		log.Warn("embedder: EMBEDDING_PROVIDER is not set, inheriting MODEL_PROVIDER",
			slog.String("backend", backend),
		)
	}
	if model := os.Getenv("EMBEDDING_MODEL"); model != "" && looksLikeChatModel(model) {
		log.Warn("embedder: EMBEDDING_MODEL looks like a chat model; retrieval quality will suffer",
			slog.String("model", model),
		)
	}
	return nil
}

// firstEnv returns the first non-empty value among keys.
func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}
