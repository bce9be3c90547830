package handler

import (
	"log/slog"
	"net/http"
	"time"
)

// HealthHandler reports liveness plus which mode the engine is running in,
// so probes can tell a serve deployment from a local one.
type HealthHandler struct {
	mode      string
	logger    *slog.Logger
	startedAt time.Time
}

// NewHealthHandler creates a HealthHandler for the given run mode.
func NewHealthHandler(mode string, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		mode:      mode,
		logger:    logger,
		startedAt: time.Now().UTC(),
	}
}

// HealthCheck reports liveness.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"mode":           h.mode,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}
