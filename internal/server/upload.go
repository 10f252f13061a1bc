package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"

	"github.com/54b3r/vortex-go/internal/ingestion"
	"github.com/54b3r/vortex-go/internal/logging"
	"github.com/54b3r/vortex-go/internal/rag"
)

// handleUpload handles POST /v1/upload. The document is either the "file"
// part of a multipart form or the raw request body named by ?name=. It is
// extracted, chunked, embedded and appended to the index before replying.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	if s.ingester == nil {
		writeJSONError(w, "uploads are not enabled", http.StatusServiceUnavailable)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	name, content, err := readUpload(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, "document too large", http.StatusRequestEntityTooLarge)
			return
		}
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(content) == 0 {
		writeJSONError(w, "document is empty", http.StatusBadRequest)
		return
	}

	res, err := s.ingester.IngestDocument(r.Context(), name, content)
	if err != nil {
		s.metrics.uploadsTotal.WithLabelValues("error").Inc()
		status := uploadErrorStatus(err)
		log.Warn("upload: ingestion failed",
			slog.String("name", name),
			slog.Int("status", status),
			slog.Any("error", err),
		)
		writeJSONError(w, err.Error(), status)
		return
	}
	s.metrics.uploadsTotal.WithLabelValues(string(res.Status)).Inc()

	writeJSON(w, http.StatusOK, uploadResponse{
		Status:    res.Status,
		Fragments: res.Fragments,
		FirstID:   int(res.FirstID),
	})
}

// readUpload returns the document name and bytes from a multipart or raw
// request.
func readUpload(r *http.Request) (string, []byte, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		file, header, err := r.FormFile("file")
		if errors.Is(err, http.ErrMissingFile) {
			return "", nil, errors.New(`multipart field "file" is required`)
		}
		if err != nil {
			return "", nil, fmt.Errorf("reading multipart form: %w", err)
		}
		defer file.Close()
		content, err := io.ReadAll(file)
		if err != nil {
			return "", nil, err
		}
		return filepath.Base(header.Filename), content, nil
	}

	name := r.URL.Query().Get("name")
	if name == "" {
		name = "upload.txt"
	}
	content, err := io.ReadAll(r.Body)
	if err != nil {
		return "", nil, err
	}
	return filepath.Base(name), content, nil
}

// uploadErrorStatus maps ingestion failures onto HTTP status codes.
func uploadErrorStatus(err error) int {
	switch {
	case errors.Is(err, ingestion.ErrNoText),
		errors.Is(err, ingestion.ErrUnreadable),
		errors.Is(err, rag.ErrInvalidArgument),
		errors.Is(err, rag.ErrDegenerateVector):
		return http.StatusUnprocessableEntity
	case errors.Is(err, rag.ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, rag.ErrProviderError):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
