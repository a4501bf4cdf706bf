package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/opus/internal/common"
	"github.com/ternarybob/opus/internal/interfaces"
	"github.com/ternarybob/opus/internal/models"
)

const jobColumns = `id, tenant_id, definition_id, source, source_ref, status, priority, payload,
	dedupe_key, correlation_id, scheduled_for, queued_at, started_at, finished_at,
	attempt_count, max_attempts, lease_expires_at, claimed_by_worker, last_error, created_by`

// JobStorage implements the durable queue over SQLite. State transitions run
// in immediate transactions, which serializes competing claimers.
type JobStorage struct {
	db      *SQLiteDB
	backoff common.BackoffPolicy
	logger  arbor.ILogger
}

// NewJobStorage creates a new job storage instance
func NewJobStorage(db *SQLiteDB, backoff common.BackoffPolicy, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:      db,
		backoff: backoff,
		logger:  logger,
	}
}

// storeErr classifies a low-level database error. Lock contention is
// transient and safe to retry; everything else is surfaced as-is.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") {
		return models.Transient(err)
	}
	return err
}

// InsertJob inserts a queued job, enforcing the active dedup constraint
func (s *JobStorage) InsertJob(ctx context.Context, job *models.Job) (*models.Job, error) {
	if err := job.Validate(); err != nil {
		return nil, models.NewValidationError("invalid job: %v", err)
	}

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return nil, storeErr(err)
	}
	defer tx.Rollback()

	// Dedup check inside the write transaction; the partial unique index
	// backs this up at the schema level
	if job.DedupeKey != "" {
		row := tx.QueryRowContext(ctx, `
			SELECT `+jobColumns+` FROM jobs
			WHERE tenant_id = ? AND dedupe_key = ? AND status IN ('queued', 'running')
		`, job.TenantID, job.DedupeKey)
		existing, err := scanJob(row)
		if err == nil {
			return existing, models.ErrDedupConflict
		}
		if !errors.Is(err, models.ErrNotFound) {
			return nil, storeErr(err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID,
		job.TenantID,
		job.DefinitionID,
		string(job.Source),
		nullString(job.SourceRef),
		string(job.Status),
		job.Priority,
		job.Payload,
		nullString(job.DedupeKey),
		nullString(job.CorrelationID),
		toMillis(job.ScheduledFor),
		toMillis(job.QueuedAt),
		nullMillis(job.StartedAt),
		nullMillis(job.FinishedAt),
		job.AttemptCount,
		job.MaxAttempts,
		nullMillis(job.LeaseExpiresAt),
		nullString(job.ClaimedByWorker),
		nullString(job.LastError),
		nullString(job.CreatedBy),
	)
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to insert job")
		return nil, storeErr(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, storeErr(err)
	}

	s.logger.Debug().Str("job_id", job.ID).Str("definition_id", job.DefinitionID).Msg("Job enqueued")
	return job, nil
}

// GetJob retrieves a job by ID
func (s *JobStorage) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	row := s.db.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	return scanJob(row)
}

// ListJobs lists jobs with pagination and filters
func (s *JobStorage) ListJobs(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	query, args := appendJobFilters(query, nil, opts)
	query += " ORDER BY queued_at DESC, id"

	limit, offset := 50, 0
	if opts != nil {
		if opts.Limit > 0 {
			limit = opts.Limit
		}
		if opts.Offset > 0 {
			offset = opts.Offset
		}
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	jobs := make([]*models.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CountJobs counts jobs matching the filters
func (s *JobStorage) CountJobs(ctx context.Context, opts *interfaces.JobListOptions) (int, error) {
	query := `SELECT COUNT(*) FROM jobs WHERE 1=1`
	query, args := appendJobFilters(query, nil, opts)

	var count int
	if err := s.db.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, storeErr(err)
	}
	return count, nil
}

// appendJobFilters applies the shared list/count filter clauses
func appendJobFilters(query string, args []interface{}, opts *interfaces.JobListOptions) (string, []interface{}) {
	if opts == nil {
		return query, args
	}
	if opts.TenantID != "" {
		query += " AND tenant_id = ?"
		args = append(args, opts.TenantID)
	}
	if opts.DefinitionID != "" {
		query += " AND definition_id = ?"
		args = append(args, opts.DefinitionID)
	}
	if opts.CorrelationID != "" {
		query += " AND correlation_id = ?"
		args = append(args, opts.CorrelationID)
	}
	if opts.Source != "" {
		query += " AND source = ?"
		args = append(args, opts.Source)
	}
	if opts.Status != "" {
		statuses := splitAndTrim(opts.Status, ",")
		if len(statuses) == 1 {
			query += " AND status = ?"
			args = append(args, statuses[0])
		} else if len(statuses) > 1 {
			placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
			query += fmt.Sprintf(" AND status IN (%s)", placeholders)
			for _, st := range statuses {
				args = append(args, st)
			}
		}
	}
	return query, args
}

// ClaimNext atomically claims the next eligible job for a worker. The claim
// scan, the status flip and the attempt insert share one immediate
// transaction, so two workers can never claim the same row.
func (s *JobStorage) ClaimNext(ctx context.Context, workerID string, leases map[string]time.Duration, now time.Time) (*models.Job, *models.JobAttempt, error) {
	if len(leases) == 0 {
		return nil, nil, models.ErrNoWork
	}

	definitionIDs := make([]string, 0, len(leases))
	for id := range leases {
		definitionIDs = append(definitionIDs, id)
	}
	sort.Strings(definitionIDs)

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return nil, nil, storeErr(err)
	}
	defer tx.Rollback()

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(definitionIDs)), ", ")
	args := []interface{}{toMillis(now)}
	for _, id := range definitionIDs {
		args = append(args, id)
	}

	row := tx.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'queued' AND scheduled_for <= ? AND definition_id IN (`+placeholders+`)
		ORDER BY priority, scheduled_for, queued_at, id
		LIMIT 1
	`, args...)
	job, err := scanJob(row)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil, models.ErrNoWork
	}
	if err != nil {
		return nil, nil, err
	}

	leaseExpiry := now.Add(leases[job.DefinitionID])
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'running', attempt_count = attempt_count + 1, started_at = ?,
			lease_expires_at = ?, claimed_by_worker = ?
		WHERE id = ? AND status = 'queued'
	`, toMillis(now), toMillis(leaseExpiry), workerID, job.ID)
	if err != nil {
		return nil, nil, storeErr(err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, nil, models.ErrNoWork
	}

	job.Status = models.JobStatusRunning
	job.AttemptCount++
	started := now.UTC()
	job.StartedAt = &started
	expiry := leaseExpiry.UTC()
	job.LeaseExpiresAt = &expiry
	job.ClaimedByWorker = workerID

	attempt := models.NewJobAttempt(job.ID, workerID, job.AttemptCount, started)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO job_attempts (id, job_id, attempt_no, worker_id, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, attempt.ID, attempt.JobID, attempt.AttemptNo, attempt.WorkerID, string(attempt.Status), toMillis(attempt.StartedAt))
	if err != nil {
		return nil, nil, storeErr(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, storeErr(err)
	}

	s.logger.Debug().
		Str("job_id", job.ID).
		Str("worker_id", workerID).
		Int("attempt", job.AttemptCount).
		Msg("Job claimed")
	return job, attempt, nil
}

// HeartbeatLease extends a running job's lease for its current holder
func (s *JobStorage) HeartbeatLease(ctx context.Context, jobID, workerID string, newExpiry time.Time) error {
	res, err := s.db.db.ExecContext(ctx, `
		UPDATE jobs SET lease_expires_at = ?
		WHERE id = ? AND status = 'running' AND claimed_by_worker = ?
	`, toMillis(newExpiry), jobID, workerID)
	if err != nil {
		return storeErr(err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var exists int
	if err := s.db.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE id = ?`, jobID).Scan(&exists); err != nil {
		return storeErr(err)
	}
	if exists == 0 {
		return models.ErrNotFound
	}
	return models.ErrLeaseLost
}

// CompleteAttempt applies the attempt outcome to the job row and the attempt
// audit row in one transaction. Reports against terminal jobs are no-ops;
// reports from a worker that lost the lease fail with ErrLeaseLost.
func (s *JobStorage) CompleteAttempt(ctx context.Context, req *interfaces.CompleteAttemptRequest) (*models.Job, error) {
	if req.Status == models.AttemptStatusRunning || !models.IsValidAttemptStatus(req.Status) {
		return nil, models.NewValidationError("invalid attempt outcome: %s", req.Status)
	}

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return nil, storeErr(err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, req.JobID)
	job, err := scanJob(row)
	if err != nil {
		return nil, err
	}

	if job.Status.IsTerminal() {
		return job, nil
	}
	if job.Status != models.JobStatusRunning || job.ClaimedByWorker != req.WorkerID {
		return nil, models.ErrLeaseLost
	}

	now := req.Now.UTC()
	if err := s.finishAttemptRow(ctx, tx, job, req, now); err != nil {
		return nil, err
	}

	switch req.Status {
	case models.AttemptStatusSucceeded:
		job.Status = models.JobStatusSucceeded
		job.FinishedAt = &now
		job.LastError = ""
	case models.AttemptStatusCanceled:
		job.Status = models.JobStatusCanceled
		job.FinishedAt = &now
		job.LastError = models.TruncateError(req.ErrorText)
	default: // failed or timeout
		job.LastError = models.TruncateError(req.ErrorText)
		if job.AttemptCount >= job.MaxAttempts {
			job.Status = models.JobStatusDeadLetter
			job.FinishedAt = &now
		} else {
			job.Status = models.JobStatusQueued
			job.ScheduledFor = now.Add(s.backoff.Delay(job.AttemptCount))
			job.StartedAt = nil
		}
	}
	job.LeaseExpiresAt = nil
	job.ClaimedByWorker = ""

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, scheduled_for = ?, started_at = ?, finished_at = ?,
			lease_expires_at = NULL, claimed_by_worker = NULL, last_error = ?
		WHERE id = ? AND status = 'running' AND claimed_by_worker = ?
	`,
		string(job.Status),
		toMillis(job.ScheduledFor),
		nullMillis(job.StartedAt),
		nullMillis(job.FinishedAt),
		nullString(job.LastError),
		job.ID,
		req.WorkerID,
	)
	if err != nil {
		return nil, storeErr(err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, models.ErrLeaseLost
	}

	if err := tx.Commit(); err != nil {
		return nil, storeErr(err)
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("status", string(job.Status)).
		Int("attempt", job.AttemptCount).
		Msg("Attempt completed")
	return job, nil
}

// finishAttemptRow closes the current attempt's audit row
func (s *JobStorage) finishAttemptRow(ctx context.Context, tx *sql.Tx, job *models.Job, req *interfaces.CompleteAttemptRequest, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE job_attempts
		SET status = ?, finished_at = ?, exit_code = ?, stdout_tail = ?, stderr_tail = ?, error_text = ?
		WHERE job_id = ? AND attempt_no = ? AND status = 'running'
	`,
		string(req.Status),
		toMillis(now),
		nullInt(req.ExitCode),
		nullString(models.TruncateTail(req.StdoutTail)),
		nullString(models.TruncateTail(req.StderrTail)),
		nullString(req.ErrorText),
		job.ID,
		job.AttemptCount,
	)
	return storeErr(err)
}

// CancelJob cancels a queued or running job. Canceling a terminal job is a
// no-op returning the row unchanged.
func (s *JobStorage) CancelJob(ctx context.Context, jobID, reason string, now time.Time) (*models.Job, error) {
	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return nil, storeErr(err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	job, err := scanJob(row)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return job, nil
	}

	nowUTC := now.UTC()
	if job.Status == models.JobStatusRunning {
		// The running attempt is closed here; the worker discovers the
		// loss on its next heartbeat and abandons local work
		_, err = tx.ExecContext(ctx, `
			UPDATE job_attempts SET status = 'canceled', finished_at = ?, error_text = ?
			WHERE job_id = ? AND attempt_no = ? AND status = 'running'
		`, toMillis(nowUTC), nullString(reason), job.ID, job.AttemptCount)
		if err != nil {
			return nil, storeErr(err)
		}
	}

	job.Status = models.JobStatusCanceled
	job.FinishedAt = &nowUTC
	job.LeaseExpiresAt = nil
	job.ClaimedByWorker = ""
	job.LastError = models.TruncateError(reason)

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'canceled', finished_at = ?, lease_expires_at = NULL,
			claimed_by_worker = NULL, last_error = ?
		WHERE id = ?
	`, toMillis(nowUTC), nullString(job.LastError), job.ID)
	if err != nil {
		return nil, storeErr(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, storeErr(err)
	}

	s.logger.Info().Str("job_id", job.ID).Str("reason", reason).Msg("Job canceled")
	return job, nil
}

// ExpiredLeases returns running jobs whose lease has passed, oldest first
func (s *JobStorage) ExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'running' AND lease_expires_at < ?
		ORDER BY lease_expires_at
		LIMIT ?
	`, toMillis(now), limit)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	jobs := make([]*models.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// GetAttempts returns all attempts for a job, newest first
func (s *JobStorage) GetAttempts(ctx context.Context, jobID string) ([]*models.JobAttempt, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT id, job_id, attempt_no, worker_id, status, started_at, finished_at,
			exit_code, stdout_tail, stderr_tail, error_text
		FROM job_attempts
		WHERE job_id = ?
		ORDER BY attempt_no DESC
	`, jobID)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	attempts := make([]*models.JobAttempt, 0)
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, attempt)
	}
	return attempts, rows.Err()
}

// LatestAttempt returns the most recent attempt for a job
func (s *JobStorage) LatestAttempt(ctx context.Context, jobID string) (*models.JobAttempt, error) {
	row := s.db.db.QueryRowContext(ctx, `
		SELECT id, job_id, attempt_no, worker_id, status, started_at, finished_at,
			exit_code, stdout_tail, stderr_tail, error_text
		FROM job_attempts
		WHERE job_id = ?
		ORDER BY attempt_no DESC
		LIMIT 1
	`, jobID)
	return scanAttempt(row)
}

// scanner abstracts sql.Row and sql.Rows for the scan helpers
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanJob scans one job row into a model
func scanJob(row scanner) (*models.Job, error) {
	var job models.Job
	var source, status string
	var sourceRef, dedupeKey, correlationID, claimedBy, lastError, createdBy sql.NullString
	var scheduledFor, queuedAt int64
	var startedAt, finishedAt, leaseExpiresAt sql.NullInt64

	err := row.Scan(
		&job.ID,
		&job.TenantID,
		&job.DefinitionID,
		&source,
		&sourceRef,
		&status,
		&job.Priority,
		&job.Payload,
		&dedupeKey,
		&correlationID,
		&scheduledFor,
		&queuedAt,
		&startedAt,
		&finishedAt,
		&job.AttemptCount,
		&job.MaxAttempts,
		&leaseExpiresAt,
		&claimedBy,
		&lastError,
		&createdBy,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, storeErr(err)
	}

	job.Source = models.JobSource(source)
	job.Status = models.JobStatus(status)
	job.SourceRef = sourceRef.String
	job.DedupeKey = dedupeKey.String
	job.CorrelationID = correlationID.String
	job.ScheduledFor = fromMillis(scheduledFor)
	job.QueuedAt = fromMillis(queuedAt)
	job.StartedAt = millisPtr(startedAt)
	job.FinishedAt = millisPtr(finishedAt)
	job.LeaseExpiresAt = millisPtr(leaseExpiresAt)
	job.ClaimedByWorker = claimedBy.String
	job.LastError = lastError.String
	job.CreatedBy = createdBy.String
	return &job, nil
}

// scanAttempt scans one attempt row into a model
func scanAttempt(row scanner) (*models.JobAttempt, error) {
	var attempt models.JobAttempt
	var status string
	var startedAt int64
	var finishedAt, exitCode sql.NullInt64
	var stdoutTail, stderrTail, errorText sql.NullString

	err := row.Scan(
		&attempt.ID,
		&attempt.JobID,
		&attempt.AttemptNo,
		&attempt.WorkerID,
		&status,
		&startedAt,
		&finishedAt,
		&exitCode,
		&stdoutTail,
		&stderrTail,
		&errorText,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, storeErr(err)
	}

	attempt.Status = models.AttemptStatus(status)
	attempt.StartedAt = fromMillis(startedAt)
	attempt.FinishedAt = millisPtr(finishedAt)
	attempt.ExitCode = intPtr(exitCode)
	attempt.StdoutTail = stdoutTail.String
	attempt.StderrTail = stderrTail.String
	attempt.ErrorText = errorText.String
	return &attempt, nil
}
