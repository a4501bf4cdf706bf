// -----------------------------------------------------------------------
// Job - one unit of durable work on the queue
// -----------------------------------------------------------------------

package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the execution state of a job
type JobStatus string

// JobStatus constants
const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusRunning    JobStatus = "running"
	JobStatusSucceeded  JobStatus = "succeeded"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCanceled   JobStatus = "canceled"
	JobStatusDeadLetter JobStatus = "dead_letter"
)

// IsTerminal returns true for states a job never leaves
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCanceled, JobStatusDeadLetter:
		return true
	default:
		return false
	}
}

// IsActive returns true for states that occupy the dedup slot
func (s JobStatus) IsActive() bool {
	return s == JobStatusQueued || s == JobStatusRunning
}

// IsValidJobStatus checks if a given JobStatus is one of the valid constants
func IsValidJobStatus(status JobStatus) bool {
	switch status {
	case JobStatusQueued, JobStatusRunning, JobStatusSucceeded, JobStatusFailed, JobStatusCanceled, JobStatusDeadLetter:
		return true
	default:
		return false
	}
}

// JobSource classifies where a job came from
type JobSource string

// JobSource constants
const (
	JobSourceManual   JobSource = "manual"
	JobSourceEvent    JobSource = "event"
	JobSourceSchedule JobSource = "schedule"
	JobSourceSystem   JobSource = "system"
)

// IsValidJobSource checks if a given JobSource is one of the valid constants
func IsValidJobSource(source JobSource) bool {
	switch source {
	case JobSourceManual, JobSourceEvent, JobSourceSchedule, JobSourceSystem:
		return true
	default:
		return false
	}
}

// DefaultPriority is used when callers do not supply one. Lower runs earlier.
const DefaultPriority = 100

// MaxLastErrorBytes bounds last_error on job rows. Attempt rows keep the full tails.
const MaxLastErrorBytes = 2048

// Job represents one unit of durable work.
//
// Lifecycle: queued -> running -> {succeeded, failed -> queued (retry), canceled, dead_letter}.
// The lease fields (LeaseExpiresAt, ClaimedByWorker) are set exactly while running.
type Job struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	DefinitionID string    `json:"definition_id"`
	Source       JobSource `json:"source"`
	SourceRef    string    `json:"source_ref,omitempty"`

	Status        JobStatus `json:"status"`
	Priority      int       `json:"priority"`
	Payload       string    `json:"payload"` // canonical JSON object
	DedupeKey     string    `json:"dedupe_key,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`

	ScheduledFor time.Time  `json:"scheduled_for"`
	QueuedAt     time.Time  `json:"queued_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`

	AttemptCount int `json:"attempt_count"`
	MaxAttempts  int `json:"max_attempts"`

	LeaseExpiresAt  *time.Time `json:"lease_expires_at,omitempty"`
	ClaimedByWorker string     `json:"claimed_by_worker,omitempty"`

	LastError string `json:"last_error,omitempty"`
	CreatedBy string `json:"created_by,omitempty"`
}

// NewJob creates a queued job with defaults applied
func NewJob(tenantID, definitionID string, source JobSource, payload string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		DefinitionID: definitionID,
		Source:       source,
		Status:       JobStatusQueued,
		Priority:     DefaultPriority,
		Payload:      payload,
		ScheduledFor: now,
		QueuedAt:     now,
	}
}

// Validate checks the job's structural invariants before persistence
func (j *Job) Validate() error {
	if j.ID == "" {
		return errors.New("job ID is required")
	}
	if j.TenantID == "" {
		return errors.New("job tenant ID is required")
	}
	if j.DefinitionID == "" {
		return errors.New("job definition ID is required")
	}
	if !IsValidJobSource(j.Source) {
		return fmt.Errorf("invalid job source: %s", j.Source)
	}
	if !IsValidJobStatus(j.Status) {
		return fmt.Errorf("invalid job status: %s", j.Status)
	}
	if j.MaxAttempts < 1 {
		return errors.New("job max attempts must be at least 1")
	}
	switch j.Status {
	case JobStatusQueued:
		if j.LeaseExpiresAt != nil || j.ClaimedByWorker != "" || j.StartedAt != nil {
			return errors.New("queued job must not carry a lease")
		}
	case JobStatusRunning:
		if j.LeaseExpiresAt == nil || j.ClaimedByWorker == "" || j.StartedAt == nil {
			return errors.New("running job must carry a lease")
		}
	default:
		if j.FinishedAt == nil {
			return errors.New("terminal job must have finished_at set")
		}
	}
	return nil
}

// TruncateError bounds an error message for storage on the job row
func TruncateError(msg string) string {
	if len(msg) <= MaxLastErrorBytes {
		return msg
	}
	return msg[:MaxLastErrorBytes]
}
