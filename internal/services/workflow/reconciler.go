package workflow

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/ternarybob/opus/internal/models"
)

// Reconciler defaults when config omits the workflow section
const (
	DefaultReconcileInterval = 60 * time.Second
	DefaultReconcileBatch    = 20
)

// StartReconciler runs the repair loop until the context is canceled. The
// loop exists because on_child_state_change delivery is best-effort; the job
// table stays authoritative and this sweep copies it back into step state.
func (s *Service) StartReconciler(ctx context.Context) {
	s.logger.Info().
		Str("interval", s.reconcileInterval.String()).
		Int("batch", s.reconcileBatch).
		Msg("Workflow reconciler started")

	ticker := time.NewTicker(s.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Workflow reconciler stopped")
			return
		case <-ticker.C:
			if _, err := s.ReconcileOnce(ctx); err != nil {
				s.logger.Error().Err(err).Msg("Workflow reconcile sweep failed")
			}
		}
	}
}

// ReconcileOnce repairs up to one batch of running runs and returns how many
// runs it visited. Oldest runs go first; when more runs than the batch are
// running, the window start is randomized so parallel orchestrators do not
// all hammer the same head of the list.
func (s *Service) ReconcileOnce(ctx context.Context) (int, error) {
	total, err := s.storage.Workflows().CountRunningRuns(ctx)
	if err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, nil
	}

	offset := 0
	if total > s.reconcileBatch {
		offset = rand.Intn(total - s.reconcileBatch + 1)
	}

	runs, err := s.storage.Workflows().ListRunningRuns(ctx, s.reconcileBatch, offset)
	if err != nil {
		return 0, err
	}

	for _, run := range runs {
		if err := s.reconcileRun(ctx, run.ID); err != nil {
			s.logger.Error().Err(err).Str("run_id", run.ID).Msg("Failed to reconcile run")
		}
	}
	return len(runs), nil
}

// reconcileRun re-syncs one run's steps from the authoritative job rows,
// then advances the run. Idempotent: an in-sync run produces no writes.
func (s *Service) reconcileRun(ctx context.Context, runID string) error {
	s.locks.Lock(runID)
	defer s.locks.Unlock(runID)

	run, err := s.storage.Workflows().GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return nil
	}

	steps, err := s.storage.Workflows().GetStepRuns(ctx, runID)
	if err != nil {
		return err
	}

	for _, step := range steps {
		if step.ChildJobID == "" {
			continue
		}

		job, err := s.storage.Jobs().GetJob(ctx, step.ChildJobID)
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}

		if !mirrorJobIntoStep(step, job) {
			continue
		}
		if err := s.storage.Workflows().UpdateStepRun(ctx, step); err != nil {
			return err
		}

		if step.Status == models.StepStatusFailed {
			run.LastError = models.TruncateError(step.LastError)
			if run.FailurePolicy == models.FailurePolicyFailFast {
				return s.finishRun(ctx, run, models.RunStatusFailed, step.LastError)
			}
			if err := s.storage.Workflows().UpdateRun(ctx, run); err != nil {
				return err
			}
		}
		if step.Status == models.StepStatusCanceled {
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
	}

	if err := s.enqueueReadySteps(ctx, run); err != nil {
		return err
	}
	return s.reconcileRunStatus(ctx, run)
}
