package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/opus/internal/models"
	"github.com/ternarybob/opus/internal/services/catalog"
)

// DefinitionHandler serves the job definition registry endpoints
type DefinitionHandler struct {
	catalog *catalog.Service
	logger  arbor.ILogger
}

func NewDefinitionHandler(cat *catalog.Service, logger arbor.ILogger) *DefinitionHandler {
	return &DefinitionHandler{catalog: cat, logger: logger}
}

// ListHandler lists job definitions. ?active_only=true restricts to active.
func (h *DefinitionHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active_only") == "true"

	defs, err := h.catalog.List(r.Context(), activeOnly)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"definitions": defs})
}

// SaveHandler registers or updates a job definition
func (h *DefinitionHandler) SaveHandler(w http.ResponseWriter, r *http.Request) {
	var def models.JobDefinition
	if !DecodeBody(w, r, &def) {
		return
	}

	if err := h.catalog.SaveDefinition(r.Context(), &def); err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"definition": def})
}

// GetHandler returns one definition by ID
func (h *DefinitionHandler) GetHandler(w http.ResponseWriter, r *http.Request) {
	id := PathID(r, "/api/definitions/")
	if id == "" {
		WriteError(w, http.StatusBadRequest, models.NewValidationError("definition ID is required"))
		return
	}

	def, err := h.catalog.GetByID(r.Context(), id)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"definition": def})
}

// ActivateHandler re-activates a definition
func (h *DefinitionHandler) ActivateHandler(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

// DeactivateHandler soft-deactivates a definition. Queued jobs keep running;
// new enqueues referencing it are rejected.
func (h *DefinitionHandler) DeactivateHandler(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

func (h *DefinitionHandler) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	id := PathID(r, "/api/definitions/")
	if id == "" {
		WriteError(w, http.StatusBadRequest, models.NewValidationError("definition ID is required"))
		return
	}

	if err := h.catalog.SetActive(r.Context(), id, active); err != nil {
		WriteServiceError(w, err)
		return
	}

	h.logger.Info().Str("definition_id", id).Bool("active", active).Msg("Definition active state changed")
	WriteJSON(w, http.StatusOK, map[string]interface{}{"id": id, "is_active": active})
}
