package server

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/michi/internal/execution"
	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/storage"
)

// HandleExecute handles POST /v1/execute/{kind}/{id}.
//
// The run is synchronous. A target that fails to resolve or raises still
// produces a 200 with a failed record; only requests that never reach the
// engine, or a record that cannot be persisted, are errors.
func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	kind, ok := model.ParseTargetKind(r.PathValue("kind"))
	if !ok {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "unknown target kind: "+r.PathValue("kind"))
		return
	}
	id, err := parseUUIDPath(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.ExecuteRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	run := execution.RunRequest{
		Kind:      kind,
		TargetID:  id,
		Input:     req.Content,
		SessionID: req.SessionID,
		Metadata:  req.Metadata,
	}
	if req.UserID != nil {
		uid, err := uuid.Parse(*req.UserID)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid user_id: "+*req.UserID)
			return
		}
		run.UserID = &uid
	}

	rec, err := h.executor.Run(r.Context(), run)
	if err != nil {
		h.logger.Error("http: execute failed", "kind", kind, "target_id", id, "error", err,
			"request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to execute")
		return
	}
	writeJSON(w, r, http.StatusOK, rec)
}

// HandleGetExecution handles GET /v1/executions/{id}.
func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDPath(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	rec, err := h.executor.Get(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "execution not found")
		return
	}
	if err != nil {
		h.logger.Error("http: get execution failed", "execution_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to read execution")
		return
	}
	writeJSON(w, r, http.StatusOK, rec)
}
