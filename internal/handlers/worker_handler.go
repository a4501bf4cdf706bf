package handlers

import (
	"errors"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/opus/internal/interfaces"
	"github.com/ternarybob/opus/internal/models"
	"github.com/ternarybob/opus/internal/services/queue"
)

// WorkerHandler serves the worker registry and the remote claim protocol.
// Out-of-process workers drive the same queue service the embedded runtime
// uses; the protocol is claim, heartbeat, complete.
type WorkerHandler struct {
	queue  *queue.Service
	logger arbor.ILogger
}

func NewWorkerHandler(q *queue.Service, logger arbor.ILogger) *WorkerHandler {
	return &WorkerHandler{queue: q, logger: logger}
}

// ListHandler lists registered workers. ?active_only=true hides stale ones.
func (h *WorkerHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active_only") == "true"

	workers, err := h.queue.ListWorkers(r.Context(), activeOnly)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"workers": workers})
}

// RegisterHandler registers (or re-registers) a worker
func (h *WorkerHandler) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var worker models.Worker
	if !DecodeBody(w, r, &worker) {
		return
	}
	if err := worker.Validate(); err != nil {
		WriteError(w, http.StatusBadRequest, models.NewValidationError("%v", err))
		return
	}

	if err := h.queue.RegisterWorker(r.Context(), &worker); err != nil {
		WriteServiceError(w, err)
		return
	}

	h.logger.Info().Str("worker_id", worker.WorkerID).Strs("queues", worker.Queues).Msg("Worker registered via API")
	WriteJSON(w, http.StatusOK, map[string]interface{}{"worker": worker})
}

type workerHeartbeatRequest struct {
	RunningCount int `json:"running_count"`
}

// HeartbeatHandler refreshes a worker's registry row
func (h *WorkerHandler) HeartbeatHandler(w http.ResponseWriter, r *http.Request) {
	id := PathID(r, "/api/workers/")
	if id == "" {
		WriteError(w, http.StatusBadRequest, models.NewValidationError("worker ID is required"))
		return
	}

	var req workerHeartbeatRequest
	if r.Body != nil && r.ContentLength != 0 {
		if !DecodeBody(w, r, &req) {
			return
		}
	}

	if err := h.queue.WorkerHeartbeat(r.Context(), id, req.RunningCount); err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type claimRequest struct {
	WorkerID string   `json:"worker_id"`
	Queues   []string `json:"queues,omitempty"` // definition keys or globs, defaults to all
}

// ClaimHandler hands the next eligible job to a remote worker. An empty
// scan is 204, not an error.
func (h *WorkerHandler) ClaimHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req claimRequest
	if !DecodeBody(w, r, &req) {
		return
	}
	if req.WorkerID == "" {
		WriteError(w, http.StatusBadRequest, models.NewValidationError("worker_id is required"))
		return
	}
	if len(req.Queues) == 0 {
		req.Queues = []string{"*"}
	}

	job, attempt, err := h.queue.Claim(r.Context(), req.WorkerID, req.Queues)
	if errors.Is(err, models.ErrNoWork) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job":     job,
		"attempt": attempt,
	})
}

type leaseHeartbeatRequest struct {
	WorkerID string `json:"worker_id"`
}

// LeaseHeartbeatHandler extends a running job's lease for its holder
func (h *WorkerHandler) LeaseHeartbeatHandler(w http.ResponseWriter, r *http.Request) {
	id := PathID(r, "/api/jobs/")
	if id == "" {
		WriteError(w, http.StatusBadRequest, models.NewValidationError("job ID is required"))
		return
	}

	var req leaseHeartbeatRequest
	if !DecodeBody(w, r, &req) {
		return
	}
	if req.WorkerID == "" {
		WriteError(w, http.StatusBadRequest, models.NewValidationError("worker_id is required"))
		return
	}

	expiry, err := h.queue.Heartbeat(r.Context(), id, req.WorkerID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"lease_expires_at": expiry})
}

type completeRequest struct {
	WorkerID   string `json:"worker_id"`
	Status     string `json:"status"` // succeeded, failed, timeout or canceled
	ExitCode   *int   `json:"exit_code,omitempty"`
	StdoutTail string `json:"stdout_tail,omitempty"`
	StderrTail string `json:"stderr_tail,omitempty"`
	ErrorText  string `json:"error_text,omitempty"`
}

// CompleteHandler applies a remote worker's terminal attempt report
func (h *WorkerHandler) CompleteHandler(w http.ResponseWriter, r *http.Request) {
	id := PathID(r, "/api/jobs/")
	if id == "" {
		WriteError(w, http.StatusBadRequest, models.NewValidationError("job ID is required"))
		return
	}

	var req completeRequest
	if !DecodeBody(w, r, &req) {
		return
	}
	if req.WorkerID == "" {
		WriteError(w, http.StatusBadRequest, models.NewValidationError("worker_id is required"))
		return
	}

	job, err := h.queue.Complete(r.Context(), &interfaces.CompleteAttemptRequest{
		JobID:      id,
		WorkerID:   req.WorkerID,
		Status:     models.AttemptStatus(req.Status),
		ExitCode:   req.ExitCode,
		StdoutTail: models.TruncateTail(req.StdoutTail),
		StderrTail: models.TruncateTail(req.StderrTail),
		ErrorText:  req.ErrorText,
	})
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"job": job})
}
