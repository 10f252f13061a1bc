package index

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/54b3r/vortex-go/internal/rag"
)

// seedIndex persists n fragments of dimension 2 at a fresh base path.
func seedIndex(t *testing.T, n int) string {
	t.Helper()
	f, base := newTestIndex(t, 2)
	for i := range n {
		mustAdd(t, f, "text", 1, float32(i))
	}
	return base
}

func TestLoad_NoArtifactsIsEmpty(t *testing.T) {
	t.Parallel()
	f, err := NewFlatIndex(2, filepath.Join(t.TempDir(), "nothing"))
	if err != nil {
		t.Fatalf("NewFlatIndex: %v", err)
	}
	if f.Len() != 0 {
		t.Errorf("Len: want 0, got %d", f.Len())
	}
}

func TestLoad_CorruptArtifacts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		dim    int
		damage func(t *testing.T, vecPath, txtPath string)
	}{
		{
			name: "vector artifact missing",
			dim:  2,
			damage: func(t *testing.T, vecPath, _ string) {
				if err := os.Remove(vecPath); err != nil {
					t.Fatal(err)
				}
			},
		},
		{
			name: "text artifact missing",
			dim:  2,
			damage: func(t *testing.T, _, txtPath string) {
				if err := os.Remove(txtPath); err != nil {
					t.Fatal(err)
				}
			},
		},
		{
			name: "vector artifact truncated",
			dim:  2,
			damage: func(t *testing.T, vecPath, _ string) {
				truncate(t, vecPath, 4)
			},
		},
		{
			name: "text artifact truncated",
			dim:  2,
			damage: func(t *testing.T, _, txtPath string) {
				truncate(t, txtPath, 2)
			},
		},
		{
			name: "bad magic",
			dim:  2,
			damage: func(t *testing.T, vecPath, _ string) {
				data, err := os.ReadFile(vecPath)
				if err != nil {
					t.Fatal(err)
				}
				data[0] = 'Z'
				if err := os.WriteFile(vecPath, data, 0o644); err != nil {
					t.Fatal(err)
				}
			},
		},
		{
			name:   "dimension differs from configured",
			dim:    3,
			damage: func(*testing.T, string, string) {},
		},
		{
			name: "count mismatch between halves",
			dim:  2,
			damage: func(t *testing.T, _, txtPath string) {
				// Replace the text artifact with one from a smaller index.
				other := seedIndex(t, 1)
				_, otherTxt := ArtifactPaths(other)
				data, err := os.ReadFile(otherTxt)
				if err != nil {
					t.Fatal(err)
				}
				if err := os.WriteFile(txtPath, data, 0o644); err != nil {
					t.Fatal(err)
				}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			base := seedIndex(t, 3)
			vecPath, txtPath := ArtifactPaths(base)
			tc.damage(t, vecPath, txtPath)

			_, err := NewFlatIndex(tc.dim, base)
			if !errors.Is(err, rag.ErrCorruptIndex) {
				t.Errorf("want ErrCorruptIndex, got %v", err)
			}
		})
	}
}

func TestLoad_RollsForwardInterruptedCommit(t *testing.T) {
	t.Parallel()
	base := seedIndex(t, 2)
	vecPath, txtPath := ArtifactPaths(base)

	// Simulate a crash after the vector rename: P.vec holds 3 vectors, the
	// committed P.txt still holds 2 texts and P.txt.tmp holds all 3.
	vectors := []float32{1, 0, 0, 1, 1, 1}
	texts := []string{"a", "b", "c"}
	if err := writeFileSync(vecPath, func(w *bufio.Writer) error { return encodeVectors(w, 2, vectors) }); err != nil {
		t.Fatal(err)
	}
	if err := writeFileSync(txtPath+tmpSuffix, func(w *bufio.Writer) error { return encodeTexts(w, texts) }); err != nil {
		t.Fatal(err)
	}

	f, err := NewFlatIndex(2, base)
	if err != nil {
		t.Fatalf("NewFlatIndex: %v", err)
	}
	if f.Len() != 3 {
		t.Fatalf("Len: want 3, got %d", f.Len())
	}
	if got, _ := f.Text(context.Background(), 2); got != "c" {
		t.Errorf("Text(2): want c, got %q", got)
	}
	if _, err := os.Stat(txtPath + tmpSuffix); !os.IsNotExist(err) {
		t.Errorf("temporary text artifact should be consumed, stat err = %v", err)
	}
}

func TestLoad_DiscardsUncommittedTemporaries(t *testing.T) {
	t.Parallel()
	base := seedIndex(t, 2)
	vecPath, txtPath := ArtifactPaths(base)

	for _, p := range []string{vecPath + tmpSuffix, txtPath + tmpSuffix} {
		if err := os.WriteFile(p, []byte("partial"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	f, err := NewFlatIndex(2, base)
	if err != nil {
		t.Fatalf("NewFlatIndex: %v", err)
	}
	if f.Len() != 2 {
		t.Errorf("Len: want 2, got %d", f.Len())
	}
	for _, p := range []string{vecPath + tmpSuffix, txtPath + tmpSuffix} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s should be removed, stat err = %v", p, err)
		}
	}
}

func TestRemoveArtifacts(t *testing.T) {
	t.Parallel()
	base := seedIndex(t, 2)

	if err := RemoveArtifacts(base); err != nil {
		t.Fatalf("RemoveArtifacts: %v", err)
	}
	// Idempotent.
	if err := RemoveArtifacts(base); err != nil {
		t.Fatalf("second RemoveArtifacts: %v", err)
	}
	f, err := NewFlatIndex(2, base)
	if err != nil {
		t.Fatalf("NewFlatIndex: %v", err)
	}
	if f.Len() != 0 {
		t.Errorf("Len after rebuild: want 0, got %d", f.Len())
	}
}

func truncate(t *testing.T, path string, drop int64) {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Truncate(path, info.Size()-drop); err != nil {
		t.Fatal(err)
	}
}
