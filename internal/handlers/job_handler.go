package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/opus/internal/interfaces"
	"github.com/ternarybob/opus/internal/models"
	"github.com/ternarybob/opus/internal/services/queue"
)

// JobHandler serves the job lifecycle endpoints
type JobHandler struct {
	queue  *queue.Service
	logger arbor.ILogger
}

func NewJobHandler(q *queue.Service, logger arbor.ILogger) *JobHandler {
	return &JobHandler{queue: q, logger: logger}
}

type enqueueRequest struct {
	TenantID      string `json:"tenant_id"`
	DefinitionKey string `json:"definition_key"`
	Payload       string `json:"payload"`
	Priority      int    `json:"priority,omitempty"`
	DedupeKey     string `json:"dedupe_key,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	ScheduledFor  string `json:"scheduled_for,omitempty"` // RFC3339
	CreatedBy     string `json:"created_by,omitempty"`
}

// EnqueueHandler accepts a new job. A dedup hit is not an error from the
// producer's view: the existing job comes back with deduplicated set.
func (h *JobHandler) EnqueueHandler(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !DecodeBody(w, r, &req) {
		return
	}

	serviceReq := &queue.EnqueueRequest{
		TenantID:      req.TenantID,
		DefinitionKey: req.DefinitionKey,
		Payload:       req.Payload,
		Source:        models.JobSourceManual,
		Priority:      req.Priority,
		DedupeKey:     req.DedupeKey,
		CorrelationID: req.CorrelationID,
		CreatedBy:     req.CreatedBy,
	}
	if req.ScheduledFor != "" {
		at, err := time.Parse(time.RFC3339, req.ScheduledFor)
		if err != nil {
			WriteError(w, http.StatusBadRequest, models.NewValidationError("invalid scheduled_for: %v", err))
			return
		}
		serviceReq.ScheduledFor = &at
	}

	job, err := h.queue.Enqueue(r.Context(), serviceReq)
	if errors.Is(err, models.ErrDedupConflict) {
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"job":          job,
			"deduplicated": true,
		})
		return
	}
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"job":          job,
		"deduplicated": false,
	})
}

// ListJobsHandler lists jobs with filters and paging
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	limit, offset := GetPaginationParams(r)
	q := r.URL.Query()

	opts := &interfaces.JobListOptions{
		TenantID:      q.Get("tenant_id"),
		Status:        q.Get("status"),
		DefinitionID:  q.Get("definition_id"),
		CorrelationID: q.Get("correlation_id"),
		Source:        q.Get("source"),
		Limit:         limit,
		Offset:        offset,
	}

	jobs, total, err := h.queue.ListJobs(r.Context(), opts)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":   jobs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// GetJobHandler returns one job with its latest attempt
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	id := PathID(r, "/api/jobs/")
	if id == "" {
		WriteError(w, http.StatusBadRequest, models.NewValidationError("job ID is required"))
		return
	}

	job, err := h.queue.GetJob(r.Context(), id)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	response := map[string]interface{}{"job": job}
	if attempt, err := h.queue.LatestAttempt(r.Context(), id); err == nil {
		response["latest_attempt"] = attempt
	}
	WriteJSON(w, http.StatusOK, response)
}

// GetAttemptsHandler returns a job's attempt history, newest first
func (h *JobHandler) GetAttemptsHandler(w http.ResponseWriter, r *http.Request) {
	id := PathID(r, "/api/jobs/")
	if id == "" {
		WriteError(w, http.StatusBadRequest, models.NewValidationError("job ID is required"))
		return
	}

	attempts, err := h.queue.GetAttempts(r.Context(), id)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"attempts": attempts})
}

// CancelJobHandler cancels a queued or running job
func (h *JobHandler) CancelJobHandler(w http.ResponseWriter, r *http.Request) {
	id := PathID(r, "/api/jobs/")
	if id == "" {
		WriteError(w, http.StatusBadRequest, models.NewValidationError("job ID is required"))
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

	job, err := h.queue.Cancel(r.Context(), id, body.Reason)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	h.logger.Info().Str("job_id", id).Msg("Job canceled via API")
	WriteJSON(w, http.StatusOK, map[string]interface{}{"job": job})
}
