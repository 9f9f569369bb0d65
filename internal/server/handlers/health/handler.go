// Package health serves the unauthenticated health endpoint.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lamina-storage/lamina/internal/storage"
)

// probeTimeout bounds the backend check so a stuck backend cannot hang the
// health endpoint.
const probeTimeout = 5 * time.Second

// Handler handles the health check endpoint
type Handler struct {
	logger  *logrus.Entry
	backend storage.Backend
	version string
}

// NewHandler creates a new health handler
func NewHandler(backend storage.Backend, version string, logger *logrus.Entry) *Handler {
	return &Handler{
		logger:  logger,
		backend: backend,
		version: version,
	}
}

// Health reports whether the server and its storage backend are usable. The
// backend is probed with a bucket listing; a failing backend turns the
// response into 503 so load balancers stop routing here.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	status := "healthy"
	backendStatus := "ok"
	code := http.StatusOK

	if _, err := h.backend.ListBuckets(ctx); err != nil {
		h.logger.WithError(err).Warn("Backend health probe failed")
		status = "degraded"
		backendStatus = "unreachable"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	response := map[string]string{
		"status":  status,
		"backend": backendStatus,
		"version": h.version,
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.WithError(err).Error("Failed to write health response")
	}
}
