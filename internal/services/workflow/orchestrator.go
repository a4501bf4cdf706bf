package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/opus/internal/models"
	"github.com/ternarybob/opus/internal/services/queue"
)

const skippedDependencyError = "Skipped because dependency did not succeed"

// enqueueReadySteps is the only place step jobs are inserted. Callers must
// hold the run lock. It skip-cascades steps behind non-success dependencies,
// then fills the run's parallelism budget with ready steps in declared order.
func (s *Service) enqueueReadySteps(ctx context.Context, run *models.WorkflowRun) error {
	steps, err := s.storage.Workflows().GetStepRuns(ctx, run.ID)
	if err != nil {
		return err
	}
	steps, err = s.declaredOrder(ctx, run, steps)
	if err != nil {
		return err
	}

	byKey := make(map[string]*models.WorkflowStepRun, len(steps))
	for _, step := range steps {
		byKey[step.StepKey] = step
	}

	if err := s.skipCascade(ctx, steps, byKey); err != nil {
		return err
	}

	inFlight := 0
	for _, step := range steps {
		if step.Status.IsOpen() {
			inFlight++
		}
	}
	capacity := run.MaxParallelSteps
	if capacity < 1 {
		capacity = 1
	}
	capacity -= inFlight

	for _, step := range steps {
		if capacity <= 0 {
			return nil
		}
		if step.Status != models.StepStatusPending || !dependenciesSucceeded(step, byKey) {
			continue
		}

		stop, err := s.launchStep(ctx, run, step)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
		if step.Status == models.StepStatusQueued {
			capacity--
		}
	}
	return nil
}

// launchStep re-validates and enqueues one ready step. A validation failure
// fails the step; under fail_fast it also fails the whole run, reported via
// stop=true.
func (s *Service) launchStep(ctx context.Context, run *models.WorkflowRun, step *models.WorkflowStepRun) (stop bool, err error) {
	def, defErr := s.catalog.GetByID(ctx, step.DefinitionID)
	if defErr != nil {
		return s.failStep(ctx, run, step, fmt.Sprintf("step %q: definition no longer exists", step.StepKey))
	}
	if !def.IsActive {
		return s.failStep(ctx, run, step, fmt.Sprintf("step %q: definition %q is inactive", step.StepKey, def.Key))
	}

	_, canonical, normErr := s.catalog.Normalize(ctx, def.Key, step.Payload)
	if normErr != nil {
		return s.failStep(ctx, run, step, fmt.Sprintf("step %q: %v", step.StepKey, normErr))
	}

	job, enqErr := s.queue.Enqueue(ctx, &queue.EnqueueRequest{
		TenantID:      run.TenantID,
		DefinitionKey: def.Key,
		Payload:       canonical,
		Source:        models.JobSourceSystem,
		SourceRef:     models.WorkflowSourceRef(run.ID, step.StepKey),
		Priority:      run.Priority,
		DedupeKey:     models.WorkflowStepDedupeKey(run.ID, step.StepKey),
		CorrelationID: models.WorkflowCorrelationID(run.ID),
		CreatedBy:     run.CreatedBy,
	})
	if errors.Is(enqErr, models.ErrDedupConflict) {
		// A previous pass already inserted this step's job; adopt it
		enqErr = nil
	}
	if enqErr != nil {
		return false, enqErr
	}

	now := time.Now().UTC()
	step.Status = models.StepStatusQueued
	step.QueuedAt = &now
	step.ChildJobID = job.ID
	if err := s.storage.Workflows().UpdateStepRun(ctx, step); err != nil {
		return false, err
	}

	s.logger.Debug().
		Str("run_id", run.ID).
		Str("step_key", step.StepKey).
		Str("job_id", job.ID).
		Msg("Workflow step enqueued")
	return false, nil
}

// skipCascade marks pending steps skipped when any dependency ended without
// success, iterating until no new skips appear so chains collapse in one pass
func (s *Service) skipCascade(ctx context.Context, steps []*models.WorkflowStepRun, byKey map[string]*models.WorkflowStepRun) error {
	for {
		changed := false
		for _, step := range steps {
			if step.Status != models.StepStatusPending {
				continue
			}
			for _, dep := range step.DependsOn {
				parent, ok := byKey[dep]
				if !ok {
					continue
				}
				if parent.Status.IsTerminal() && parent.Status != models.StepStatusSucceeded {
					now := time.Now().UTC()
					step.Status = models.StepStatusSkipped
					step.FinishedAt = &now
					step.LastError = skippedDependencyError
					if err := s.storage.Workflows().UpdateStepRun(ctx, step); err != nil {
						return err
					}
					changed = true
					break
				}
			}
		}
		if !changed {
			return nil
		}
	}
}

// failStep records a step failure discovered at launch time and applies the
// run's failure policy
func (s *Service) failStep(ctx context.Context, run *models.WorkflowRun, step *models.WorkflowStepRun, msg string) (stop bool, err error) {
	now := time.Now().UTC()
	step.Status = models.StepStatusFailed
	step.FinishedAt = &now
	step.LastError = msg
	if err := s.storage.Workflows().UpdateStepRun(ctx, step); err != nil {
		return false, err
	}

	run.LastError = models.TruncateError(msg)
	s.logger.Warn().Str("run_id", run.ID).Str("step_key", step.StepKey).Msg(msg)

	if run.FailurePolicy == models.FailurePolicyFailFast {
		return true, s.finishRun(ctx, run, models.RunStatusFailed, msg)
	}
	return false, s.storage.Workflows().UpdateRun(ctx, run)
}

// OnChildStateChange mirrors a job transition into its workflow step, then
// advances the run. Jobs that are not workflow steps are ignored. Delivery
// is best-effort; the reconciler applies the same mapping on its sweep.
func (s *Service) OnChildStateChange(ctx context.Context, job *models.Job) error {
	runID, stepKey, ok := models.ParseWorkflowSourceRef(job.SourceRef)
	if !ok {
		return nil
	}

	s.locks.Lock(runID)
	defer s.locks.Unlock(runID)

	run, err := s.storage.Workflows().GetRun(ctx, runID)
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	steps, err := s.storage.Workflows().GetStepRuns(ctx, runID)
	if err != nil {
		return err
	}
	var step *models.WorkflowStepRun
	for _, candidate := range steps {
		if candidate.StepKey == stepKey {
			step = candidate
			break
		}
	}
	if step == nil {
		return nil
	}

	changed := mirrorJobIntoStep(step, job)
	if changed {
		if err := s.storage.Workflows().UpdateStepRun(ctx, step); err != nil {
			return err
		}
	}

	// Late arrivals still settle the mirror above, but a terminal run never
	// enqueues further work
	if run.Status.IsTerminal() {
		return nil
	}

	if changed && step.Status == models.StepStatusFailed {
		run.LastError = models.TruncateError(step.LastError)
		if run.FailurePolicy == models.FailurePolicyFailFast {
			return s.finishRun(ctx, run, models.RunStatusFailed, step.LastError)
		}
		if err := s.storage.Workflows().UpdateRun(ctx, run); err != nil {
			return err
		}
	}
	if changed && step.Status == models.StepStatusCanceled {
		if run.LastError == "" {
			run.LastError = models.TruncateError(step.LastError)
		}
		if run.FailurePolicy == models.FailurePolicyFailFast {
			return s.finishRun(ctx, run, models.RunStatusCanceled, run.LastError)
		}
		if err := s.storage.Workflows().UpdateRun(ctx, run); err != nil {
			return err
		}
	}

	if err := s.enqueueReadySteps(ctx, run); err != nil {
		return err
	}
	return s.reconcileRunStatus(ctx, run)
}

// mirrorJobIntoStep copies a job's authoritative status onto its step row.
// Returns whether the step changed. Shared by the event path and the
// reconciler so both apply identical mapping.
func mirrorJobIntoStep(step *models.WorkflowStepRun, job *models.Job) bool {
	now := time.Now().UTC()

	switch job.Status {
	case models.JobStatusQueued:
		if step.Status.IsTerminal() || step.Status == models.StepStatusQueued {
			return false
		}
		step.Status = models.StepStatusQueued
		if step.QueuedAt == nil {
			step.QueuedAt = &now
		}
		return true

	case models.JobStatusRunning:
		if step.Status.IsTerminal() || step.Status == models.StepStatusRunning {
			return false
		}
		step.Status = models.StepStatusRunning
		if step.StartedAt == nil {
			if job.StartedAt != nil {
				step.StartedAt = job.StartedAt
			} else {
				step.StartedAt = &now
			}
		}
		return true

	case models.JobStatusSucceeded:
		if step.Status == models.StepStatusSucceeded {
			return false
		}
		step.Status = models.StepStatusSucceeded
		step.FinishedAt = jobFinishedAt(job, now)
		step.LastError = ""
		return true

	case models.JobStatusFailed, models.JobStatusDeadLetter:
		if step.Status == models.StepStatusFailed {
			return false
		}
		step.Status = models.StepStatusFailed
		step.FinishedAt = jobFinishedAt(job, now)
		step.LastError = jobFailureText(job)
		return true

	case models.JobStatusCanceled:
		if step.Status == models.StepStatusCanceled {
			return false
		}
		step.Status = models.StepStatusCanceled
		step.FinishedAt = jobFinishedAt(job, now)
		step.LastError = jobFailureText(job)
		return true
	}
	return false
}

// reconcileRunStatus recomputes the run status from its step statuses.
// Callers must hold the run lock.
func (s *Service) reconcileRunStatus(ctx context.Context, run *models.WorkflowRun) error {
	steps, err := s.storage.Workflows().GetStepRuns(ctx, run.ID)
	if err != nil {
		return err
	}

	allTerminal := true
	anyOpen := false
	anyFailed := false
	anyCanceled := false
	for _, step := range steps {
		if !step.Status.IsTerminal() {
			allTerminal = false
		}
		if step.Status.IsOpen() {
			anyOpen = true
		}
		if step.Status == models.StepStatusFailed {
			anyFailed = true
		}
		if step.Status == models.StepStatusCanceled {
			anyCanceled = true
		}
	}

	if allTerminal {
		if run.Status.IsTerminal() {
			return nil
		}
		status := models.RunStatusSucceeded
		if anyFailed {
			status = models.RunStatusFailed
		} else if anyCanceled {
			status = models.RunStatusCanceled
		}
		return s.finishRun(ctx, run, status, run.LastError)
	}

	if anyOpen && !run.Status.IsTerminal() {
		changed := false
		if run.StartedAt == nil {
			now := time.Now().UTC()
			run.StartedAt = &now
			changed = true
		}
		if run.FinishedAt != nil {
			run.FinishedAt = nil
			changed = true
		}
		if changed {
			return s.storage.Workflows().UpdateRun(ctx, run)
		}
	}

	// Mixed terminal and pending with nothing open settles on a later pass
	return nil
}

// finishRun moves a run to a terminal status, cancels whatever is still
// open, and records the outcome
func (s *Service) finishRun(ctx context.Context, run *models.WorkflowRun, status models.RunStatus, reason string) error {
	now := time.Now().UTC()
	run.Status = status
	if run.FinishedAt == nil {
		run.FinishedAt = &now
	}
	if run.LastError == "" && status != models.RunStatusSucceeded {
		run.LastError = models.TruncateError(reason)
	}
	if err := s.storage.Workflows().UpdateRun(ctx, run); err != nil {
		return err
	}

	if status != models.RunStatusSucceeded {
		if err := s.cancelOpenSteps(ctx, run, run.LastError); err != nil {
			return err
		}
	}

	s.collector.RecordRunFinished(string(status))
	s.logger.Info().
		Str("run_id", run.ID).
		Str("status", string(status)).
		Msg("Workflow run finished")
	return nil
}

// cancelOpenSteps closes every non-terminal step and cancels its live child
// job. Workers observe the cancellation as LeaseLost on their next heartbeat.
func (s *Service) cancelOpenSteps(ctx context.Context, run *models.WorkflowRun, reason string) error {
	steps, err := s.storage.Workflows().GetStepRuns(ctx, run.ID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, step := range steps {
		if step.Status.IsTerminal() {
			continue
		}

		step.Status = models.StepStatusCanceled
		step.FinishedAt = &now
		if step.LastError == "" {
			step.LastError = reason
		}
		if err := s.storage.Workflows().UpdateStepRun(ctx, step); err != nil {
			return err
		}

		if step.ChildJobID == "" {
			continue
		}
		if _, err := s.queue.Cancel(ctx, step.ChildJobID, reason); err != nil && !errors.Is(err, models.ErrNotFound) {
			return err
		}
	}
	return nil
}

// declaredOrder reorders step rows to match the definition's declaration
// order, so ready steps launch the way the author wrote them
func (s *Service) declaredOrder(ctx context.Context, run *models.WorkflowRun, steps []*models.WorkflowStepRun) ([]*models.WorkflowStepRun, error) {
	def, err := s.storage.Workflows().GetWorkflowDefinitionByID(ctx, run.WorkflowDefinitionID)
	if errors.Is(err, models.ErrNotFound) {
		return steps, nil
	}
	if err != nil {
		return nil, err
	}

	rank := make(map[string]int, len(def.Steps))
	for i, step := range def.Steps {
		rank[step.StepKey] = i
	}

	ordered := make([]*models.WorkflowStepRun, len(steps))
	copy(ordered, steps)
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && rank[ordered[j].StepKey] < rank[ordered[j-1].StepKey]; j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}
	return ordered, nil
}

// dependenciesSucceeded reports whether every dependency of a step succeeded
func dependenciesSucceeded(step *models.WorkflowStepRun, byKey map[string]*models.WorkflowStepRun) bool {
	for _, dep := range step.DependsOn {
		parent, ok := byKey[dep]
		if !ok || parent.Status != models.StepStatusSucceeded {
			return false
		}
	}
	return true
}

func jobFinishedAt(job *models.Job, fallback time.Time) *time.Time {
	if job.FinishedAt != nil {
		return job.FinishedAt
	}
	return &fallback
}

func jobFailureText(job *models.Job) string {
	if job.LastError != "" {
		return job.LastError
	}
	return fmt.Sprintf("Job ended with %s", job.Status)
}
