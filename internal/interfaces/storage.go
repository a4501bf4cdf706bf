package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/opus/internal/models"
)

// JobListOptions filters and pages job listings
type JobListOptions struct {
	TenantID      string
	Status        string // comma-separated status values, e.g. "queued,running"
	DefinitionID  string
	CorrelationID string
	Source        string
	Limit         int
	Offset        int
}

// CompleteAttemptRequest carries a worker's terminal report for one attempt
type CompleteAttemptRequest struct {
	JobID      string
	WorkerID   string
	Status     models.AttemptStatus // succeeded, failed, timeout or canceled
	ExitCode   *int
	StdoutTail string
	StderrTail string
	ErrorText  string
	Now        time.Time
}

// JobStorage persists jobs and attempts and owns the claim/lease/complete
// protocol. Every state transition is one transaction.
type JobStorage interface {
	// InsertJob inserts a queued job. On an active dedup conflict it returns
	// the existing row together with models.ErrDedupConflict.
	InsertJob(ctx context.Context, job *models.Job) (*models.Job, error)

	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	ListJobs(ctx context.Context, opts *JobListOptions) ([]*models.Job, error)
	CountJobs(ctx context.Context, opts *JobListOptions) (int, error)

	// ClaimNext atomically claims the next eligible job for a worker.
	// leases maps accepted definition IDs to the lease duration to grant.
	// Returns models.ErrNoWork when the scan comes up empty.
	ClaimNext(ctx context.Context, workerID string, leases map[string]time.Duration, now time.Time) (*models.Job, *models.JobAttempt, error)

	// HeartbeatLease extends a running job's lease. Returns
	// models.ErrLeaseLost when the caller no longer holds the job.
	HeartbeatLease(ctx context.Context, jobID, workerID string, newExpiry time.Time) error

	// CompleteAttempt applies the attempt outcome to the job: success,
	// retry with backoff, dead-letter on exhaustion, or cancel. Idempotent:
	// completing an already-terminal job is a no-op returning the row as-is.
	CompleteAttempt(ctx context.Context, req *CompleteAttemptRequest) (*models.Job, error)

	// CancelJob cancels a queued or running job, clearing its lease. The
	// worker observes the loss on its next heartbeat.
	CancelJob(ctx context.Context, jobID, reason string, now time.Time) (*models.Job, error)

	// ExpiredLeases returns running jobs whose lease_expires_at has passed
	ExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*models.Job, error)

	GetAttempts(ctx context.Context, jobID string) ([]*models.JobAttempt, error)
	LatestAttempt(ctx context.Context, jobID string) (*models.JobAttempt, error)
}

// DefinitionStorage persists the job definition registry
type DefinitionStorage interface {
	SaveDefinition(ctx context.Context, def *models.JobDefinition) error
	GetDefinitionByID(ctx context.Context, id string) (*models.JobDefinition, error)
	GetDefinitionByKey(ctx context.Context, key string) (*models.JobDefinition, error)
	ListDefinitions(ctx context.Context, activeOnly bool) ([]*models.JobDefinition, error)
	SetDefinitionActive(ctx context.Context, id string, active bool) error
}

// TriggerStorage persists job triggers and the schedule scanner's cursors
type TriggerStorage interface {
	SaveTrigger(ctx context.Context, trigger *models.JobTrigger) error
	GetTrigger(ctx context.Context, id string) (*models.JobTrigger, error)
	ListTriggers(ctx context.Context, tenantID string) ([]*models.JobTrigger, error)

	// ListEventTriggers returns enabled event triggers for (tenant, event)
	ListEventTriggers(ctx context.Context, tenantID, eventName string) ([]*models.JobTrigger, error)

	// ListDueScheduleTriggers returns enabled schedule triggers whose cursor
	// has passed (or was never initialized)
	ListDueScheduleTriggers(ctx context.Context, now time.Time) ([]*models.JobTrigger, error)

	// AdvanceTriggerCursor moves a schedule trigger's next_fire_at forward
	AdvanceTriggerCursor(ctx context.Context, id string, next time.Time) error
}

// WorkerStorage persists the ephemeral worker registry
type WorkerStorage interface {
	UpsertWorker(ctx context.Context, worker *models.Worker) error
	HeartbeatWorker(ctx context.Context, workerID string, now time.Time, runningCount int) error
	GetWorker(ctx context.Context, workerID string) (*models.Worker, error)
	ListWorkers(ctx context.Context, activeOnly bool) ([]*models.Worker, error)

	// MarkStaleWorkers flags workers whose last heartbeat predates cutoff.
	// Metadata only; job recovery happens through lease expiry.
	MarkStaleWorkers(ctx context.Context, cutoff time.Time) (int, error)
}

// RunListOptions pages workflow run listings
type RunListOptions struct {
	TenantID string
	Status   string
	Limit    int
	Offset   int
}

// WorkflowStorage persists workflow definitions, runs and step runs
type WorkflowStorage interface {
	SaveWorkflowDefinition(ctx context.Context, def *models.WorkflowDefinition) error
	GetWorkflowDefinitionByID(ctx context.Context, id string) (*models.WorkflowDefinition, error)
	GetWorkflowDefinitionByKey(ctx context.Context, key string) (*models.WorkflowDefinition, error)
	ListWorkflowDefinitions(ctx context.Context, activeOnly bool) ([]*models.WorkflowDefinition, error)

	// InsertRun inserts a run and all its step rows in one transaction
	InsertRun(ctx context.Context, run *models.WorkflowRun, steps []*models.WorkflowStepRun) error
	GetRun(ctx context.Context, runID string) (*models.WorkflowRun, error)
	UpdateRun(ctx context.Context, run *models.WorkflowRun) error
	ListRuns(ctx context.Context, opts *RunListOptions) ([]*models.WorkflowRun, error)

	// ListRunningRuns returns running runs ordered by oldest queued_at,
	// for the reconciler sweep
	ListRunningRuns(ctx context.Context, limit, offset int) ([]*models.WorkflowRun, error)
	CountRunningRuns(ctx context.Context) (int, error)

	GetStepRuns(ctx context.Context, runID string) ([]*models.WorkflowStepRun, error)
	UpdateStepRun(ctx context.Context, step *models.WorkflowStepRun) error
}

// StorageManager aggregates the typed repositories over one database
type StorageManager interface {
	Jobs() JobStorage
	Definitions() DefinitionStorage
	Triggers() TriggerStorage
	Workers() WorkerStorage
	Workflows() WorkflowStorage
	Close() error
}
