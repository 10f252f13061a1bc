package index

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"

	"github.com/54b3r/vortex-go/internal/rag"
)

// A persisted flat index is two paired artifacts next to a base path P:
//
//	P.vec  magic, dim (u32), count (u32), count*dim float32 values
//	P.txt  magic, count (u32), count length-prefixed (u32) UTF-8 texts
//
// All integers are little-endian. Both files are written to ".tmp" siblings,
// fsynced, then renamed vec first and txt second. A crash between the two
// renames leaves a complete P.txt.tmp whose count matches P.vec; load rolls
// that commit forward.
const (
	vecMagic = "VXVEC\x01\x00\x00"
	txtMagic = "VXTXT\x01\x00\x00"

	vecSuffix = ".vec"
	txtSuffix = ".txt"
	tmpSuffix = ".tmp"
)

// ArtifactPaths returns the vector and text artifact paths for base.
func ArtifactPaths(base string) (vecPath, txtPath string) {
	return base + vecSuffix, base + txtSuffix
}

// RemoveArtifacts deletes both persisted artifacts and any leftover temporary
// files for base. Missing files are not an error.
func RemoveArtifacts(base string) error {
	vecPath, txtPath := ArtifactPaths(base)
	for _, p := range []string{vecPath, txtPath, vecPath + tmpSuffix, txtPath + tmpSuffix} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("index: removing %s: %w", p, err)
		}
	}
	return nil
}

// saveSnapshot durably writes vectors and texts as the paired artifacts.
func saveSnapshot(base string, dim int, vectors []float32, texts []string) error {
	vecPath, txtPath := ArtifactPaths(base)
	if dir := filepath.Dir(base); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("index: creating %s: %w", dir, err)
		}
	}

	vecTmp := vecPath + tmpSuffix
	txtTmp := txtPath + tmpSuffix
	if err := writeFileSync(vecTmp, func(w *bufio.Writer) error {
		return encodeVectors(w, dim, vectors)
	}); err != nil {
		return err
	}
	if err := writeFileSync(txtTmp, func(w *bufio.Writer) error {
		return encodeTexts(w, texts)
	}); err != nil {
		_ = os.Remove(vecTmp)
		return err
	}

	if err := os.Rename(vecTmp, vecPath); err != nil {
		_ = os.Remove(vecTmp)
		_ = os.Remove(txtTmp)
		return fmt.Errorf("index: committing %s: %w", vecPath, err)
	}
	if err := os.Rename(txtTmp, txtPath); err != nil {
		return fmt.Errorf("index: committing %s: %w", txtPath, err)
	}
	return syncDir(filepath.Dir(base))
}

// loadSnapshot reads the paired artifacts for base. Neither present yields an
// empty index; exactly one present, or any disagreement between them, fails
// with rag.ErrCorruptIndex.
func loadSnapshot(base string, dim int) ([]float32, []string, error) {
	vecPath, txtPath := ArtifactPaths(base)
	if err := recoverCommit(vecPath, txtPath, dim); err != nil {
		return nil, nil, err
	}

	vecOK, err := exists(vecPath)
	if err != nil {
		return nil, nil, err
	}
	txtOK, err := exists(txtPath)
	if err != nil {
		return nil, nil, err
	}
	switch {
	case !vecOK && !txtOK:
		return nil, nil, nil
	case vecOK != txtOK:
		return nil, nil, fmt.Errorf("index: only one of %s and %s exists: %w", vecPath, txtPath, rag.ErrCorruptIndex)
	}

	vectors, count, err := readVectors(vecPath, dim)
	if err != nil {
		return nil, nil, err
	}
	texts, err := readTexts(txtPath)
	if err != nil {
		return nil, nil, err
	}
	if len(texts) != count {
		return nil, nil, fmt.Errorf("index: %s holds %d vectors but %s holds %d texts: %w",
			vecPath, count, txtPath, len(texts), rag.ErrCorruptIndex)
	}
	return vectors, texts, nil
}

// recoverCommit finishes a save interrupted between the two renames and
// discards temporary files from saves that never committed.
func recoverCommit(vecPath, txtPath string, dim int) error {
	vecTmp := vecPath + tmpSuffix
	txtTmp := txtPath + tmpSuffix

	txtTmpOK, err := exists(txtTmp)
	if err != nil {
		return err
	}
	vecTmpOK, err := exists(vecTmp)
	if err != nil {
		return err
	}
	if vecTmpOK {
		// The vector rename never happened, so the committed pair is intact.
		_ = os.Remove(vecTmp)
		_ = os.Remove(txtTmp)
		return nil
	}
	if !txtTmpOK {
		return nil
	}

	_, count, vecErr := readVectors(vecPath, dim)
	pending, txtErr := readTexts(txtTmp)
	if vecErr == nil && txtErr == nil && len(pending) == count {
		if err := os.Rename(txtTmp, txtPath); err != nil {
			return fmt.Errorf("index: recovering %s: %w", txtPath, err)
		}
		return syncDir(filepath.Dir(txtPath))
	}
	_ = os.Remove(txtTmp)
	return nil
}

func encodeVectors(w io.Writer, dim int, vectors []float32) error {
	count := len(vectors) / dim
	if _, err := io.WriteString(w, vecMagic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, [2]uint32{uint32(dim), uint32(count)}); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, vectors)
}

func encodeTexts(w io.Writer, texts []string) error {
	if _, err := io.WriteString(w, txtMagic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(texts))); err != nil {
		return err
	}
	for _, t := range texts {
		if err := binary.Write(w, binary.LittleEndian, uint32(len(t))); err != nil {
			return err
		}
		if _, err := io.WriteString(w, t); err != nil {
			return err
		}
	}
	return nil
}

// readVectors decodes a vector artifact and returns its data and count.
func readVectors(path string, dim int) ([]float32, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("index: opening %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, 0, fmt.Errorf("index: stat %s: %w", path, err)
	}

	r := bufio.NewReader(f)
	if err := readMagic(r, vecMagic, path); err != nil {
		return nil, 0, err
	}
	var hdr [2]uint32
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, 0, corrupt(path, "truncated header", err)
	}
	if int(hdr[0]) != dim {
		return nil, 0, fmt.Errorf("index: %s has dimension %d, expected %d: %w", path, hdr[0], dim, rag.ErrCorruptIndex)
	}
	count := int(hdr[1])
	want := int64(len(vecMagic)) + 8 + int64(count)*int64(dim)*4
	if info.Size() != want {
		return nil, 0, fmt.Errorf("index: %s is %d bytes, expected %d for %d vectors: %w",
			path, info.Size(), want, count, rag.ErrCorruptIndex)
	}

	vectors := make([]float32, count*dim)
	if err := binary.Read(r, binary.LittleEndian, vectors); err != nil {
		return nil, 0, corrupt(path, "truncated vectors", err)
	}
	for _, v := range vectors {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, 0, corrupt(path, "non-finite component", nil)
		}
	}
	return vectors, count, nil
}

// readTexts decodes a text artifact.
func readTexts(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("index: opening %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("index: stat %s: %w", path, err)
	}
	remaining := info.Size()

	r := bufio.NewReader(f)
	if err := readMagic(r, txtMagic, path); err != nil {
		return nil, err
	}
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, corrupt(path, "truncated header", err)
	}
	remaining -= int64(len(txtMagic)) + 4
	// Every text needs at least its 4-byte length prefix.
	if int64(count)*4 > remaining {
		return nil, corrupt(path, fmt.Sprintf("count %d exceeds file size", count), nil)
	}

	texts := make([]string, 0, count)
	for i := range count {
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, corrupt(path, fmt.Sprintf("truncated length of text %d", i), err)
		}
		remaining -= 4
		if int64(n) > remaining {
			return nil, corrupt(path, fmt.Sprintf("text %d overruns file", i), nil)
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, corrupt(path, fmt.Sprintf("truncated text %d", i), err)
		}
		remaining -= int64(n)
		texts = append(texts, string(buf))
	}
	if remaining != 0 {
		return nil, corrupt(path, "trailing bytes", nil)
	}
	return texts, nil
}

func readMagic(r io.Reader, magic, path string) error {
	buf := make([]byte, len(magic))
	if _, err := io.ReadFull(r, buf); err != nil {
		return corrupt(path, "truncated magic", err)
	}
	if string(buf) != magic {
		return corrupt(path, "bad magic", nil)
	}
	return nil
}

func corrupt(path, what string, cause error) error {
	if cause != nil {
		return fmt.Errorf("index: %s: %s (%v): %w", path, what, cause, rag.ErrCorruptIndex)
	}
	return fmt.Errorf("index: %s: %s: %w", path, what, rag.ErrCorruptIndex)
}

// writeFileSync writes path via a buffered writer and fsyncs it.
func writeFileSync(path string, fill func(*bufio.Writer) error) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("index: creating %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	if err := fill(w); err != nil {
		f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("index: writing %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("index: flushing %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("index: syncing %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("index: closing %s: %w", path, err)
	}
	return nil
}

// syncDir fsyncs a directory so renames within it are durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("index: opening dir %s: %w", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return fmt.Errorf("index: syncing dir %s: %w", dir, err)
	}
	return nil
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("index: stat %s: %w", path, err)
	}
}
