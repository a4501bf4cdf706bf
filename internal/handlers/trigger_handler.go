package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/opus/internal/models"
	"github.com/ternarybob/opus/internal/services/triggers"
)

// TriggerHandler serves trigger management and the tenant event intake
type TriggerHandler struct {
	triggers *triggers.Service
	logger   arbor.ILogger
}

func NewTriggerHandler(svc *triggers.Service, logger arbor.ILogger) *TriggerHandler {
	return &TriggerHandler{triggers: svc, logger: logger}
}

// ListHandler lists triggers, optionally filtered by ?tenant_id=
func (h *TriggerHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	list, err := h.triggers.ListTriggers(r.Context(), r.URL.Query().Get("tenant_id"))
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"triggers": list})
}

// SaveHandler creates or updates a trigger
func (h *TriggerHandler) SaveHandler(w http.ResponseWriter, r *http.Request) {
	var trigger models.JobTrigger
	if !DecodeBody(w, r, &trigger) {
		return
	}

	if err := h.triggers.SaveTrigger(r.Context(), &trigger); err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"trigger": trigger})
}

// GetHandler returns one trigger by ID
func (h *TriggerHandler) GetHandler(w http.ResponseWriter, r *http.Request) {
	id := PathID(r, "/api/triggers/")
	if id == "" {
		WriteError(w, http.StatusBadRequest, models.NewValidationError("trigger ID is required"))
		return
	}

	trigger, err := h.triggers.GetTrigger(r.Context(), id)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"trigger": trigger})
}

type publishEventRequest struct {
	TenantID  string                 `json:"tenant_id"`
	EventName string                 `json:"event_name"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// PublishEventHandler ingests a tenant domain event and fans it out to the
// matching event triggers. Returns the jobs enqueued by the fan-out; dedup
// suppressions are silent, so the list can be shorter than the trigger count.
func (h *TriggerHandler) PublishEventHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req publishEventRequest
	if !DecodeBody(w, r, &req) {
		return
	}
	if req.TenantID == "" || req.EventName == "" {
		WriteError(w, http.StatusBadRequest, models.NewValidationError("tenant_id and event_name are required"))
		return
	}

	jobs, err := h.triggers.PublishEvent(r.Context(), req.TenantID, req.EventName, req.Payload)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	if jobs == nil {
		jobs = []*models.Job{}
	}
	WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"jobs":     jobs,
		"enqueued": len(jobs),
	})
}
