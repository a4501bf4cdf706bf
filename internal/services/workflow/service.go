package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/opus/internal/common"
	"github.com/ternarybob/opus/internal/interfaces"
	"github.com/ternarybob/opus/internal/metrics"
	"github.com/ternarybob/opus/internal/models"
	"github.com/ternarybob/opus/internal/services/catalog"
	"github.com/ternarybob/opus/internal/services/queue"
)

// StartRunRequest carries everything a caller may set on a new workflow run
type StartRunRequest struct {
	TenantID    string
	WorkflowKey string
	Payload     string // JSON object overlaid onto every step payload
	Priority    int    // 0 means the default
	CreatedBy   string
}

// Service is the workflow orchestrator. It turns DAG definitions into runs,
// materializes ready steps as queue jobs, and mirrors child job transitions
// back into step state. All per-run mutation happens under a run lock.
type Service struct {
	storage   interfaces.StorageManager
	catalog   *catalog.Service
	queue     *queue.Service
	collector *metrics.Collector
	logger    arbor.ILogger

	locks *runLocks

	reconcileInterval time.Duration
	reconcileBatch    int
}

// NewService creates a new workflow orchestrator
func NewService(storage interfaces.StorageManager, cat *catalog.Service, q *queue.Service, collector *metrics.Collector, config *common.WorkflowConfig, logger arbor.ILogger) *Service {
	reconcileInterval := DefaultReconcileInterval
	reconcileBatch := DefaultReconcileBatch
	if config != nil {
		reconcileInterval = common.ParseDuration(config.ReconcileInterval, reconcileInterval)
		if config.ReconcileBatch > 0 {
			reconcileBatch = config.ReconcileBatch
		}
	}

	return &Service{
		storage:           storage,
		catalog:           cat,
		queue:             q,
		collector:         collector,
		logger:            logger,
		locks:             newRunLocks(),
		reconcileInterval: reconcileInterval,
		reconcileBatch:    reconcileBatch,
	}
}

// Register subscribes the orchestrator to job state changes so workflow-step
// jobs mirror into their runs
func (s *Service) Register(bus interfaces.EventService) error {
	return bus.Subscribe(interfaces.EventJobStateChanged, func(ctx context.Context, event interfaces.Event) error {
		job, ok := event.Payload.(*models.Job)
		if !ok {
			return nil
		}
		return s.OnChildStateChange(ctx, job)
	})
}

// StartRun validates a workflow and creates a running instance of it with
// its first wave of step jobs enqueued
func (s *Service) StartRun(ctx context.Context, req *StartRunRequest) (*models.WorkflowRun, error) {
	if req.TenantID == "" {
		return nil, models.NewValidationError("tenant_id is required")
	}

	def, err := s.catalog.GetWorkflowByKey(ctx, req.WorkflowKey)
	if err != nil {
		return nil, err
	}
	if !def.IsActive {
		return nil, models.NewValidationError("workflow %q is inactive", req.WorkflowKey)
	}

	// Definitions can change between save and start, so the DAG and every
	// step binding are checked again here
	if err := def.Validate(); err != nil {
		return nil, models.NewValidationError("workflow %q: %v", def.Key, err)
	}
	if err := s.catalog.CheckWorkflowSteps(ctx, def); err != nil {
		return nil, err
	}

	overrides, err := parseOverrides(req.Payload)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	run := &models.WorkflowRun{
		ID:                   uuid.New().String(),
		TenantID:             req.TenantID,
		WorkflowDefinitionID: def.ID,
		Status:               models.RunStatusRunning,
		Payload:              req.Payload,
		Priority:             models.DefaultPriority,
		MaxParallelSteps:     def.MaxParallelSteps,
		FailurePolicy:        def.FailurePolicy,
		QueuedAt:             now,
		StartedAt:            &now,
		CreatedBy:            req.CreatedBy,
	}
	if req.Priority != 0 {
		run.Priority = req.Priority
	}

	steps, err := s.buildStepRuns(ctx, run, def, overrides)
	if err != nil {
		return nil, err
	}

	if err := s.storage.Workflows().InsertRun(ctx, run, steps); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("run_id", run.ID).
		Str("workflow", def.Key).
		Int("steps", len(steps)).
		Msg("Workflow run started")

	s.locks.Lock(run.ID)
	defer s.locks.Unlock(run.ID)

	if err := s.enqueueReadySteps(ctx, run); err != nil {
		return run, err
	}
	if err := s.reconcileRunStatus(ctx, run); err != nil {
		return run, err
	}
	return run, nil
}

// buildStepRuns materializes the pending step rows for a new run. Run-level
// payload overrides overlay each step's template, then the merged payload is
// normalized against the step's definition.
func (s *Service) buildStepRuns(ctx context.Context, run *models.WorkflowRun, def *models.WorkflowDefinition, overrides map[string]interface{}) ([]*models.WorkflowStepRun, error) {
	steps := make([]*models.WorkflowStepRun, 0, len(def.Steps))
	for _, step := range def.Steps {
		jobDef, err := s.catalog.GetByKey(ctx, step.DefinitionKey)
		if err != nil {
			return nil, models.NewValidationError("step %q: unknown definition %q", step.StepKey, step.DefinitionKey)
		}

		merged := make(map[string]interface{}, len(step.Payload)+len(overrides))
		for k, v := range step.Payload {
			merged[k] = v
		}
		for k, v := range overrides {
			merged[k] = v
		}
		raw, err := json.Marshal(merged)
		if err != nil {
			return nil, fmt.Errorf("step %q: failed to serialize payload: %w", step.StepKey, err)
		}

		_, canonical, err := s.catalog.Normalize(ctx, step.DefinitionKey, string(raw))
		if err != nil {
			return nil, models.NewValidationError("step %q: %v", step.StepKey, err)
		}

		steps = append(steps, &models.WorkflowStepRun{
			ID:            uuid.New().String(),
			WorkflowRunID: run.ID,
			StepKey:       step.StepKey,
			DefinitionID:  jobDef.ID,
			Status:        models.StepStatusPending,
			Payload:       canonical,
			DependsOn:     step.DependsOn,
		})
	}
	return steps, nil
}

// GetRun returns a run and its step rows
func (s *Service) GetRun(ctx context.Context, runID string) (*models.WorkflowRun, []*models.WorkflowStepRun, error) {
	run, err := s.storage.Workflows().GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	steps, err := s.storage.Workflows().GetStepRuns(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	return run, steps, nil
}

// ListRuns lists runs with filters and paging
func (s *Service) ListRuns(ctx context.Context, opts *interfaces.RunListOptions) ([]*models.WorkflowRun, error) {
	return s.storage.Workflows().ListRuns(ctx, opts)
}

// CancelRun cancels a non-terminal run, its open steps and their live child
// jobs. Canceling a terminal run is a no-op returning the row as-is.
func (s *Service) CancelRun(ctx context.Context, runID, reason string) (*models.WorkflowRun, error) {
	if reason == "" {
		reason = "workflow canceled"
	}

	s.locks.Lock(runID)
	defer s.locks.Unlock(runID)

	run, err := s.storage.Workflows().GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return run, nil
	}

	now := time.Now().UTC()
	run.Status = models.RunStatusCanceled
	run.FinishedAt = &now
	run.LastError = reason
	if err := s.storage.Workflows().UpdateRun(ctx, run); err != nil {
		return nil, err
	}

	if err := s.cancelOpenSteps(ctx, run, reason); err != nil {
		return run, err
	}

	s.collector.RecordRunFinished(string(run.Status))
	s.logger.Info().Str("run_id", run.ID).Str("reason", reason).Msg("Workflow run canceled")
	return run, nil
}

// parseOverrides decodes the run-level payload overrides
func parseOverrides(payload string) (map[string]interface{}, error) {
	if payload == "" {
		return nil, nil
	}
	var overrides map[string]interface{}
	if err := json.Unmarshal([]byte(payload), &overrides); err != nil {
		return nil, models.NewValidationError("run payload must be a JSON object: %v", err)
	}
	return overrides, nil
}
