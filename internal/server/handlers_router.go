package server

import (
	"errors"
	"net/http"

	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/routing"
)

// HandleGetRouterConfig handles GET /v1/router/config.
func (h *Handlers) HandleGetRouterConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.router.Config())
}

// HandleReplaceRouterConfig handles PUT /v1/router/config.
func (h *Handlers) HandleReplaceRouterConfig(w http.ResponseWriter, r *http.Request) {
	var cfg model.RoutingConfig
	if err := decodeJSON(w, r, &cfg, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := h.router.Replace(r.Context(), cfg); err != nil {
		h.writeRoutingError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, h.router.Config())
}

// HandleListDeployments handles GET /v1/router/deployments.
func (h *Handlers) HandleListDeployments(w http.ResponseWriter, r *http.Request) {
	deployments := h.router.ListDeployments()
	if name := r.URL.Query().Get("model_name"); name != "" {
		filtered := make([]model.Deployment, 0, len(deployments))
		for _, d := range deployments {
			if d.ModelName == name {
				filtered = append(filtered, d)
			}
		}
		deployments = filtered
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"deployments": deployments,
		"total":       len(deployments),
	})
}

// HandleAddDeployment handles POST /v1/router/deployments.
func (h *Handlers) HandleAddDeployment(w http.ResponseWriter, r *http.Request) {
	var d model.Deployment
	if err := decodeJSON(w, r, &d, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := h.router.AddDeployment(r.Context(), d); err != nil {
		h.writeRoutingError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, d)
}

// HandleRemoveDeployment handles DELETE /v1/router/deployments/{model}/{deployment_id}.
func (h *Handlers) HandleRemoveDeployment(w http.ResponseWriter, r *http.Request) {
	modelName := r.PathValue("model")
	deploymentID := r.PathValue("deployment_id")
	if err := h.router.RemoveDeployment(r.Context(), modelName, deploymentID); err != nil {
		h.writeRoutingError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"model_name":    modelName,
		"deployment_id": deploymentID,
		"removed":       true,
	})
}

// HandleRouterHealth handles GET /v1/router/health.
func (h *Handlers) HandleRouterHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.router.HealthInfo())
}

func (h *Handlers) writeRoutingError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, routing.ErrDeploymentNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
	case errors.Is(err, routing.ErrInvalidConfig):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	default:
		h.logger.Error("http: routing update failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to update routing config")
	}
}
