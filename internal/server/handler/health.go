package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// IndexHead reports how far the chain projection has advanced.
type IndexHead interface {
	LatestIndexedBlock(ctx context.Context) (uint64, error)
}

// HealthHandler serves the liveness endpoint.
type HealthHandler struct {
	head   IndexHead
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(head IndexHead, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{head: head, logger: logger}
}

// Check responds with liveness and the latest indexed block. A failing
// index read degrades the report but still answers 200: the API can
// serve stored orders while the indexer catches up.
// GET /health
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if h.head != nil {
		block, err := h.head.LatestIndexedBlock(r.Context())
		if err != nil {
			h.logger.WarnContext(r.Context(), "health: index read failed",
				slog.String("error", err.Error()),
			)
			resp["indexer"] = "unavailable"
		} else {
			resp["latestIndexedBlock"] = block
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// VersionHandler serves the build version.
type VersionHandler struct {
	version string
}

// NewVersionHandler creates a VersionHandler.
func NewVersionHandler(version string) *VersionHandler {
	return &VersionHandler{version: version}
}

// Version returns the configured build version string.
// GET /api/v1/version
func (h *VersionHandler) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": h.version})
}
