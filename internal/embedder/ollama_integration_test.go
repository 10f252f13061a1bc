//go:build integration

package embedder

import (
	"context"
	"math"
	"testing"
	"time"
)

// TestNewFromEnv_OllamaIntegration embeds through the full factory stack
// (HTTP backend, cache, dimension check) against a running Ollama.
//
//	ollama pull nomic-embed-text
//	go test -tags=integration -run Integration ./internal/embedder/
//
// OLLAMA_HOST and EMBEDDING_MODEL are honoured as usual.
func TestNewFromEnv_OllamaIntegration(t *testing.T) {
	t.Setenv("EMBEDDING_PROVIDER", "ollama")

	emb, err := NewFromEnv()
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	vecs, err := emb.EmbedBatch(ctx, []string{
		"Cats purr when they are content.",
		"A contented cat often purrs.",
		"Granite is an igneous rock rich in quartz.",
	})
	if err != nil {
		t.Fatalf("EmbedBatch: %v (is Ollama running with the model pulled?)", err)
	}

	near, far := cosine(vecs[0], vecs[1]), cosine(vecs[0], vecs[2])
	t.Logf("dim=%d near=%.3f far=%.3f", emb.Dim(), near, far)
	if near <= far {
		t.Errorf("paraphrase similarity %.3f not above unrelated %.3f", near, far)
	}

	again, err := emb.Embed(ctx, "Cats purr when they are content.")
	if err != nil {
		t.Fatal(err)
	}
	if cosine(again, vecs[0]) < 0.999 {
		t.Error("repeat embedding differs from batch embedding")
	}
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
