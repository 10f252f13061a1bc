package ingestion

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// Extract returns the plain text of a document. PDFs are parsed page by page;
// every other document is read as UTF-8 with invalid byte sequences dropped.
func Extract(name string, content []byte) (string, error) {
	if strings.EqualFold(filepath.Ext(name), ".pdf") || bytes.HasPrefix(content, []byte("%PDF-")) {
		text, err := extractPDF(content)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %w", ErrUnreadable, name, err)
		}
		return text, nil
	}
	return strings.ToValidUTF8(string(content), ""), nil
}

func extractPDF(content []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	var buf bytes.Buffer
	pages := r.NumPage()
	for i := 1; i <= pages; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("page %d: %w", i, err)
		}
		buf.WriteString(text)
		if i < pages {
			buf.WriteByte('\n')
		}
	}
	return buf.String(), nil
}

// Chunk splits text into overlapping windows of at most size runes, each
// starting size-overlap runes after the previous one. Leading and trailing
// whitespace is trimmed; blank text yields no chunks.
func Chunk(text string, size, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" || size <= 0 {
		return nil
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	runes := []rune(text)
	var chunks []string
	for start := 0; start < len(runes); start += size - overlap {
		end := min(start+size, len(runes))
		if chunk := strings.TrimSpace(string(runes[start:end])); chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end == len(runes) {
			break
		}
	}
	return chunks
}
