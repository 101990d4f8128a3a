package handlers

import (
	"net/http"

	"github.com/marmos91/cnabflow/internal/logger"
	"github.com/marmos91/cnabflow/pkg/registry"
)

// HealthHandler serves the liveness and readiness probes.
type HealthHandler struct {
	registry *registry.GORMRegistry
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(reg *registry.GORMRegistry) *HealthHandler {
	return &HealthHandler{registry: reg}
}

type healthResponse struct {
	Status string `json:"status"`
}

// Liveness handles GET /health. It reports that the process is up and
// serving; it does not touch any dependency.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	WriteJSONOK(w, healthResponse{Status: "ok"})
}

// Readiness handles GET /health/ready. It pings the registry database
// and reports 503 when it is unreachable.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Ping(r.Context()); err != nil {
		logger.Warn("readiness probe failed", logger.KeyError, err)
		WriteJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unhealthy"})
		return
	}
	WriteJSONOK(w, healthResponse{Status: "ready"})
}
