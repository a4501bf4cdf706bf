package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// AttemptStatus represents the outcome of one execution pass
type AttemptStatus string

// AttemptStatus constants
const (
	AttemptStatusRunning   AttemptStatus = "running"
	AttemptStatusSucceeded AttemptStatus = "succeeded"
	AttemptStatusFailed    AttemptStatus = "failed"
	AttemptStatusTimeout   AttemptStatus = "timeout"
	AttemptStatusCanceled  AttemptStatus = "canceled"
)

// IsValidAttemptStatus checks if a given AttemptStatus is one of the valid constants
func IsValidAttemptStatus(status AttemptStatus) bool {
	switch status {
	case AttemptStatusRunning, AttemptStatusSucceeded, AttemptStatusFailed, AttemptStatusTimeout, AttemptStatusCanceled:
		return true
	default:
		return false
	}
}

// MaxTailBytes bounds the stdout/stderr tails stored per attempt (last 16 KiB each)
const MaxTailBytes = 16 * 1024

// JobAttempt is the audit trail of one execution pass of a job by one worker.
// AttemptNo is 1-indexed and unique per job.
type JobAttempt struct {
	ID         string        `json:"id"`
	JobID      string        `json:"job_id"`
	AttemptNo  int           `json:"attempt_no"`
	WorkerID   string        `json:"worker_id"`
	Status     AttemptStatus `json:"status"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	ExitCode   *int          `json:"exit_code,omitempty"`
	StdoutTail string        `json:"stdout_tail,omitempty"`
	StderrTail string        `json:"stderr_tail,omitempty"`
	ErrorText  string        `json:"error_text,omitempty"`
}

// NewJobAttempt creates a running attempt for a freshly claimed job
func NewJobAttempt(jobID, workerID string, attemptNo int, startedAt time.Time) *JobAttempt {
	return &JobAttempt{
		ID:        uuid.New().String(),
		JobID:     jobID,
		AttemptNo: attemptNo,
		WorkerID:  workerID,
		Status:    AttemptStatusRunning,
		StartedAt: startedAt,
	}
}

// Validate checks the attempt's structural invariants
func (a *JobAttempt) Validate() error {
	if a.ID == "" {
		return errors.New("attempt ID is required")
	}
	if a.JobID == "" {
		return errors.New("attempt job ID is required")
	}
	if a.AttemptNo < 1 {
		return errors.New("attempt number must be 1-indexed")
	}
	if !IsValidAttemptStatus(a.Status) {
		return errors.New("invalid attempt status")
	}
	return nil
}

// TruncateTail keeps the last MaxTailBytes of captured output
func TruncateTail(s string) string {
	if len(s) <= MaxTailBytes {
		return s
	}
	return s[len(s)-MaxTailBytes:]
}
