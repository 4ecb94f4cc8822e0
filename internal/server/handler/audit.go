package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

// AuditHandler serves the decision-audit log.
type AuditHandler struct {
	store  domain.AuditStore
	logger *slog.Logger
}

// NewAuditHandler creates an AuditHandler.
func NewAuditHandler(store domain.AuditStore, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{store: store, logger: logger}
}

// List returns audit entries, newest first.
// GET /api/audit?limit=50&offset=0&since=2026-01-01
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.ParseInLocation("2006-01-02", v, time.UTC)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be YYYY-MM-DD")
			return
		}
		opts.Since = &t
	}

	entries, err := h.store.List(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list audit entries failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list audit entries")
		return
	}

	body := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		body = append(body, map[string]any{
			"id":         e.ID,
			"event":      e.Event,
			"detail":     e.Detail,
			"created_at": e.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": body})
}
