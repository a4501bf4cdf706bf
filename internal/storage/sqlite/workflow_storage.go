package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/opus/internal/interfaces"
	"github.com/ternarybob/opus/internal/models"
)

const workflowDefColumns = `id, key, description, steps, max_parallel_steps, failure_policy,
	is_active, created_at, updated_at`

const runColumns = `id, tenant_id, workflow_definition_id, status, payload, priority,
	max_parallel_steps, failure_policy, queued_at, started_at, finished_at, last_error, created_by`

const stepRunColumns = `id, workflow_run_id, step_key, definition_id, status, payload,
	depends_on, child_job_id, queued_at, started_at, finished_at, last_error`

// WorkflowStorage implements SQLite storage for workflow definitions, runs
// and per-step progress
type WorkflowStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
}

// NewWorkflowStorage creates a new workflow storage instance
func NewWorkflowStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.WorkflowStorage {
	return &WorkflowStorage{
		db:     db,
		logger: logger,
	}
}

// SaveWorkflowDefinition creates or updates a workflow definition by key
func (s *WorkflowStorage) SaveWorkflowDefinition(ctx context.Context, def *models.WorkflowDefinition) error {
	if err := def.Validate(); err != nil {
		return models.NewValidationError("invalid workflow definition: %v", err)
	}

	steps, err := def.MarshalSteps()
	if err != nil {
		return err
	}

	_, err = s.db.db.ExecContext(ctx, `
		INSERT INTO workflow_definitions (`+workflowDefColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			description = excluded.description,
			steps = excluded.steps,
			max_parallel_steps = excluded.max_parallel_steps,
			failure_policy = excluded.failure_policy,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
	`,
		def.ID,
		def.Key,
		nullString(def.Description),
		steps,
		def.MaxParallelSteps,
		string(def.FailurePolicy),
		boolToInt(def.IsActive),
		toMillis(def.CreatedAt),
		toMillis(def.UpdatedAt),
	)
	if err != nil {
		s.logger.Error().Err(err).Str("key", def.Key).Msg("Failed to save workflow definition")
		return storeErr(err)
	}

	s.logger.Debug().Str("key", def.Key).Int("steps", len(def.Steps)).Msg("Workflow definition saved")
	return nil
}

// GetWorkflowDefinitionByID retrieves a workflow definition by ID
func (s *WorkflowStorage) GetWorkflowDefinitionByID(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	row := s.db.db.QueryRowContext(ctx, `SELECT `+workflowDefColumns+` FROM workflow_definitions WHERE id = ?`, id)
	return scanWorkflowDefinition(row)
}

// GetWorkflowDefinitionByKey retrieves a workflow definition by its unique key
func (s *WorkflowStorage) GetWorkflowDefinitionByKey(ctx context.Context, key string) (*models.WorkflowDefinition, error) {
	row := s.db.db.QueryRowContext(ctx, `SELECT `+workflowDefColumns+` FROM workflow_definitions WHERE key = ?`, key)
	return scanWorkflowDefinition(row)
}

// ListWorkflowDefinitions lists workflow definitions ordered by key
func (s *WorkflowStorage) ListWorkflowDefinitions(ctx context.Context, activeOnly bool) ([]*models.WorkflowDefinition, error) {
	query := `SELECT ` + workflowDefColumns + ` FROM workflow_definitions`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY key`

	rows, err := s.db.db.QueryContext(ctx, query)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	defs := make([]*models.WorkflowDefinition, 0)
	for rows.Next() {
		def, err := scanWorkflowDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// InsertRun inserts a run and all its step rows in one transaction
func (s *WorkflowStorage) InsertRun(ctx context.Context, run *models.WorkflowRun, steps []*models.WorkflowStepRun) error {
	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return storeErr(err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		run.TenantID,
		run.WorkflowDefinitionID,
		string(run.Status),
		run.Payload,
		run.Priority,
		run.MaxParallelSteps,
		string(run.FailurePolicy),
		toMillis(run.QueuedAt),
		nullMillis(run.StartedAt),
		nullMillis(run.FinishedAt),
		nullString(run.LastError),
		nullString(run.CreatedBy),
	)
	if err != nil {
		return storeErr(err)
	}

	for _, step := range steps {
		dependsOn, err := step.MarshalDependsOn()
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO workflow_step_runs (`+stepRunColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			step.ID,
			step.WorkflowRunID,
			step.StepKey,
			step.DefinitionID,
			string(step.Status),
			step.Payload,
			dependsOn,
			nullString(step.ChildJobID),
			nullMillis(step.QueuedAt),
			nullMillis(step.StartedAt),
			nullMillis(step.FinishedAt),
			nullString(step.LastError),
		)
		if err != nil {
			return storeErr(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storeErr(err)
	}

	s.logger.Info().Str("run_id", run.ID).Int("steps", len(steps)).Msg("Workflow run started")
	return nil
}

// GetRun retrieves a workflow run by ID
func (s *WorkflowStorage) GetRun(ctx context.Context, runID string) (*models.WorkflowRun, error) {
	row := s.db.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = ?`, runID)
	return scanRun(row)
}

// UpdateRun persists a run's mutable fields
func (s *WorkflowStorage) UpdateRun(ctx context.Context, run *models.WorkflowRun) error {
	res, err := s.db.db.ExecContext(ctx, `
		UPDATE workflow_runs
		SET status = ?, started_at = ?, finished_at = ?, last_error = ?
		WHERE id = ?
	`,
		string(run.Status),
		nullMillis(run.StartedAt),
		nullMillis(run.FinishedAt),
		nullString(run.LastError),
		run.ID,
	)
	if err != nil {
		return storeErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ListRuns lists workflow runs with pagination and filters
func (s *WorkflowStorage) ListRuns(ctx context.Context, opts *interfaces.RunListOptions) ([]*models.WorkflowRun, error) {
	query := `SELECT ` + runColumns + ` FROM workflow_runs WHERE 1=1`
	args := []interface{}{}

	limit, offset := 50, 0
	if opts != nil {
		if opts.TenantID != "" {
			query += " AND tenant_id = ?"
			args = append(args, opts.TenantID)
		}
		if opts.Status != "" {
			query += " AND status = ?"
			args = append(args, opts.Status)
		}
		if opts.Limit > 0 {
			limit = opts.Limit
		}
		if opts.Offset > 0 {
			offset = opts.Offset
		}
	}
	query += " ORDER BY queued_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	return s.queryRuns(ctx, query, args...)
}

// ListRunningRuns returns running runs ordered by oldest queued_at, for the
// reconciler sweep
func (s *WorkflowStorage) ListRunningRuns(ctx context.Context, limit, offset int) ([]*models.WorkflowRun, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryRuns(ctx, `
		SELECT `+runColumns+` FROM workflow_runs
		WHERE status = 'running'
		ORDER BY queued_at, id
		LIMIT ? OFFSET ?
	`, limit, offset)
}

// CountRunningRuns counts runs still in flight
func (s *WorkflowStorage) CountRunningRuns(ctx context.Context) (int, error) {
	var count int
	err := s.db.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workflow_runs WHERE status = 'running'`).Scan(&count)
	if err != nil {
		return 0, storeErr(err)
	}
	return count, nil
}

// queryRuns runs a workflow-run select and scans all rows
func (s *WorkflowStorage) queryRuns(ctx context.Context, query string, args ...interface{}) ([]*models.WorkflowRun, error) {
	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	runs := make([]*models.WorkflowRun, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// GetStepRuns returns all step rows for a run in a stable order
func (s *WorkflowStorage) GetStepRuns(ctx context.Context, runID string) ([]*models.WorkflowStepRun, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT `+stepRunColumns+` FROM workflow_step_runs
		WHERE workflow_run_id = ?
		ORDER BY step_key
	`, runID)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	steps := make([]*models.WorkflowStepRun, 0)
	for rows.Next() {
		step, err := scanStepRun(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// UpdateStepRun persists a step row's mutable fields
func (s *WorkflowStorage) UpdateStepRun(ctx context.Context, step *models.WorkflowStepRun) error {
	res, err := s.db.db.ExecContext(ctx, `
		UPDATE workflow_step_runs
		SET status = ?, child_job_id = ?, queued_at = ?, started_at = ?, finished_at = ?, last_error = ?
		WHERE id = ?
	`,
		string(step.Status),
		nullString(step.ChildJobID),
		nullMillis(step.QueuedAt),
		nullMillis(step.StartedAt),
		nullMillis(step.FinishedAt),
		nullString(step.LastError),
		step.ID,
	)
	if err != nil {
		return storeErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// scanWorkflowDefinition scans one workflow definition row into a model
func scanWorkflowDefinition(row scanner) (*models.WorkflowDefinition, error) {
	var def models.WorkflowDefinition
	var description sql.NullString
	var steps, failurePolicy string
	var isActive int
	var createdAt, updatedAt int64

	err := row.Scan(
		&def.ID,
		&def.Key,
		&description,
		&steps,
		&def.MaxParallelSteps,
		&failurePolicy,
		&isActive,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, storeErr(err)
	}

	def.Description = description.String
	def.FailurePolicy = models.FailurePolicy(failurePolicy)
	def.IsActive = isActive == 1
	def.CreatedAt = fromMillis(createdAt)
	def.UpdatedAt = fromMillis(updatedAt)
	if err := def.UnmarshalSteps(steps); err != nil {
		return nil, err
	}
	return &def, nil
}

// scanRun scans one workflow run row into a model
func scanRun(row scanner) (*models.WorkflowRun, error) {
	var run models.WorkflowRun
	var status, failurePolicy string
	var queuedAt int64
	var startedAt, finishedAt sql.NullInt64
	var lastError, createdBy sql.NullString

	err := row.Scan(
		&run.ID,
		&run.TenantID,
		&run.WorkflowDefinitionID,
		&status,
		&run.Payload,
		&run.Priority,
		&run.MaxParallelSteps,
		&failurePolicy,
		&queuedAt,
		&startedAt,
		&finishedAt,
		&lastError,
		&createdBy,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, storeErr(err)
	}

	run.Status = models.RunStatus(status)
	run.FailurePolicy = models.FailurePolicy(failurePolicy)
	run.QueuedAt = fromMillis(queuedAt)
	run.StartedAt = millisPtr(startedAt)
	run.FinishedAt = millisPtr(finishedAt)
	run.LastError = lastError.String
	run.CreatedBy = createdBy.String
	return &run, nil
}

// scanStepRun scans one step run row into a model
func scanStepRun(row scanner) (*models.WorkflowStepRun, error) {
	var step models.WorkflowStepRun
	var status, dependsOn string
	var childJobID, lastError sql.NullString
	var queuedAt, startedAt, finishedAt sql.NullInt64

	err := row.Scan(
		&step.ID,
		&step.WorkflowRunID,
		&step.StepKey,
		&step.DefinitionID,
		&status,
		&step.Payload,
		&dependsOn,
		&childJobID,
		&queuedAt,
		&startedAt,
		&finishedAt,
		&lastError,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, storeErr(err)
	}

	step.Status = models.StepStatus(status)
	step.ChildJobID = childJobID.String
	step.LastError = lastError.String
	step.QueuedAt = millisPtr(queuedAt)
	step.StartedAt = millisPtr(startedAt)
	step.FinishedAt = millisPtr(finishedAt)
	if err := step.UnmarshalDependsOn(dependsOn); err != nil {
		return nil, err
	}
	return &step, nil
}
