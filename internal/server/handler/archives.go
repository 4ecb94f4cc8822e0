package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

// ArchivesHandler serves the blob-storage archive listing and download
// endpoints.
type ArchivesHandler struct {
	blobs  domain.BlobReader
	logger *slog.Logger
}

// NewArchivesHandler creates an ArchivesHandler.
func NewArchivesHandler(blobs domain.BlobReader, logger *slog.Logger) *ArchivesHandler {
	return &ArchivesHandler{blobs: blobs, logger: logger}
}

// List enumerates stored archive objects.
// GET /api/archives?prefix=archive/executions/
func (h *ArchivesHandler) List(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	if prefix == "" {
		prefix = "archive/"
	}

	infos, err := h.blobs.List(r.Context(), prefix)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list archives failed",
			slog.String("prefix", prefix),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list archives")
		return
	}

	body := make([]map[string]any, 0, len(infos))
	for _, info := range infos {
		body = append(body, map[string]any{
			"path":          info.Path,
			"size":          info.Size,
			"content_type":  info.ContentType,
			"last_modified": info.LastModified.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"archives": body})
}

// Download streams one archive object.
// GET /api/archives/{path...}
func (h *ArchivesHandler) Download(w http.ResponseWriter, r *http.Request) {
	path := pathParam(r, "path")
	if path == "" || strings.Contains(path, "..") {
		writeError(w, http.StatusBadRequest, "invalid archive path")
		return
	}

	rc, err := h.blobs.Get(r.Context(), path)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "archive not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get archive failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get archive")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.WarnContext(r.Context(), "handler: archive stream interrupted",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}
