package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"bridge/apps/bridge/internal/fallback"
)

type HealthReporter interface {
	HealthCheck() fallback.Health
	OperationNames() []string
	SetFallbackMode(enabled bool)
}

// HealthHandler exposes the fallback registry
type HealthHandler struct {
	registry  HealthReporter
	validator *validator.Validate
	logger    *zap.Logger
}

func NewHealthHandler(registry HealthReporter, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{registry: registry, validator: validator.New(), logger: logger}
}

// GetHealth handles GET /api/health. Only unhealthy answers 503.
func (h *HealthHandler) GetHealth(w http.ResponseWriter, r *http.Request) {
	health := h.registry.HealthCheck()

	status := http.StatusOK
	if health.Status == fallback.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, h.logger, status, HealthResponse{
		Health:               health,
		RegisteredOperations: h.registry.OperationNames(),
	})
}

// SetFallbackMode handles PUT /api/fallback-mode
func (h *HealthHandler) SetFallbackMode(w http.ResponseWriter, r *http.Request) {
	var req FallbackModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, h.logger, http.StatusBadRequest, "invalid_request_body", "Invalid JSON in request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		writeErrorResponse(w, h.logger, http.StatusBadRequest, "validation_error", validationMessage(err))
		return
	}

	h.registry.SetFallbackMode(*req.Enabled)
	h.logger.Warn("Fallback mode set through API",
		zap.Bool("fallback_mode", *req.Enabled),
		zap.String("remote_addr", r.RemoteAddr))

	writeJSONResponse(w, h.logger, http.StatusOK, HealthResponse{
		Health:               h.registry.HealthCheck(),
		RegisteredOperations: h.registry.OperationNames(),
	})
}
