package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/opus/internal/interfaces"
	"github.com/ternarybob/opus/internal/models"
	"github.com/ternarybob/opus/internal/services/catalog"
	"github.com/ternarybob/opus/internal/services/workflow"
)

// WorkflowHandler serves workflow definitions and runs
type WorkflowHandler struct {
	catalog  *catalog.Service
	workflow *workflow.Service
	logger   arbor.ILogger
}

func NewWorkflowHandler(cat *catalog.Service, svc *workflow.Service, logger arbor.ILogger) *WorkflowHandler {
	return &WorkflowHandler{catalog: cat, workflow: svc, logger: logger}
}

// ListDefinitionsHandler lists workflow definitions
func (h *WorkflowHandler) ListDefinitionsHandler(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active_only") == "true"

	defs, err := h.catalog.ListWorkflows(r.Context(), activeOnly)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"workflows": defs})
}

// SaveDefinitionHandler registers or updates a workflow definition
func (h *WorkflowHandler) SaveDefinitionHandler(w http.ResponseWriter, r *http.Request) {
	var def models.WorkflowDefinition
	if !DecodeBody(w, r, &def) {
		return
	}

	if err := h.catalog.SaveWorkflowDefinition(r.Context(), &def); err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"workflow": def})
}

// GetDefinitionHandler returns one workflow definition by ID
func (h *WorkflowHandler) GetDefinitionHandler(w http.ResponseWriter, r *http.Request) {
	id := PathID(r, "/api/workflows/")
	if id == "" {
		WriteError(w, http.StatusBadRequest, models.NewValidationError("workflow ID is required"))
		return
	}

	def, err := h.catalog.GetWorkflowByID(r.Context(), id)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"workflow": def})
}

type startRunRequest struct {
	TenantID    string `json:"tenant_id"`
	WorkflowKey string `json:"workflow_key"`
	Payload     string `json:"payload,omitempty"`
	Priority    int    `json:"priority,omitempty"`
	CreatedBy   string `json:"created_by,omitempty"`
}

// StartRunHandler starts a workflow run
func (h *WorkflowHandler) StartRunHandler(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if !DecodeBody(w, r, &req) {
		return
	}

	run, err := h.workflow.StartRun(r.Context(), &workflow.StartRunRequest{
		TenantID:    req.TenantID,
		WorkflowKey: req.WorkflowKey,
		Payload:     req.Payload,
		Priority:    req.Priority,
		CreatedBy:   req.CreatedBy,
	})
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	h.logger.Info().Str("run_id", run.ID).Str("workflow", req.WorkflowKey).Msg("Workflow run started via API")
	WriteJSON(w, http.StatusCreated, map[string]interface{}{"run": run})
}

// ListRunsHandler lists workflow runs with filters and paging
func (h *WorkflowHandler) ListRunsHandler(w http.ResponseWriter, r *http.Request) {
	limit, offset := GetPaginationParams(r)
	q := r.URL.Query()

	runs, err := h.workflow.ListRuns(r.Context(), &interfaces.RunListOptions{
		TenantID: q.Get("tenant_id"),
		Status:   q.Get("status"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"runs":   runs,
		"limit":  limit,
		"offset": offset,
	})
}

// GetRunHandler returns a run with all its step rows
func (h *WorkflowHandler) GetRunHandler(w http.ResponseWriter, r *http.Request) {
	id := PathID(r, "/api/runs/")
	if id == "" {
		WriteError(w, http.StatusBadRequest, models.NewValidationError("run ID is required"))
		return
	}

	run, steps, err := h.workflow.GetRun(r.Context(), id)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"run":   run,
		"steps": steps,
	})
}

// CancelRunHandler cancels a run and its open steps
func (h *WorkflowHandler) CancelRunHandler(w http.ResponseWriter, r *http.Request) {
	id := PathID(r, "/api/runs/")
	if id == "" {
		WriteError(w, http.StatusBadRequest, models.NewValidationError("run ID is required"))
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if !DecodeBody(w, r, &body) {
			return
		}
	}

	run, err := h.workflow.CancelRun(r.Context(), id, body.Reason)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	h.logger.Info().Str("run_id", id).Msg("Workflow run canceled via API")
	WriteJSON(w, http.StatusOK, map[string]interface{}{"run": run})
}
