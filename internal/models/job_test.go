package models

import (
	"strings"
	"testing"
	"time"
)

// TestJobValidateLeaseInvariants verifies the status/lease coupling
func TestJobValidateLeaseInvariants(t *testing.T) {
	now := time.Now().UTC()
	lease := now.Add(time.Minute)

	tests := []struct {
		name        string
		mutate      func(*Job)
		expectError bool
	}{
		{
			name: "queued without lease",
		},
		{
			name: "queued with lease",
			mutate: func(j *Job) {
				j.LeaseExpiresAt = &lease
			},
			expectError: true,
		},
		{
			name: "running with lease",
			mutate: func(j *Job) {
				j.Status = JobStatusRunning
				j.StartedAt = &now
				j.LeaseExpiresAt = &lease
				j.ClaimedByWorker = "worker-1"
			},
		},
		{
			name: "running without worker",
			mutate: func(j *Job) {
				j.Status = JobStatusRunning
				j.StartedAt = &now
				j.LeaseExpiresAt = &lease
			},
			expectError: true,
		},
		{
			name: "terminal without finished_at",
			mutate: func(j *Job) {
				j.Status = JobStatusSucceeded
			},
			expectError: true,
		},
		{
			name: "terminal with finished_at",
			mutate: func(j *Job) {
				j.Status = JobStatusDeadLetter
				j.FinishedAt = &now
			},
		},
		{
			name: "bad source",
			mutate: func(j *Job) {
				j.Source = "cron"
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := NewJob("tenant-1", "def-1", JobSourceManual, "{}")
			job.MaxAttempts = DefaultMaxAttempts
			if tt.mutate != nil {
				tt.mutate(job)
			}

			err := job.Validate()
			if tt.expectError && err == nil {
				t.Error("expected validation error, got nil")
			}
			if !tt.expectError && err != nil {
				t.Errorf("expected no error, got %v", err)
			}
		})
	}
}

// TestTruncateBounds verifies the tail and error truncation limits
func TestTruncateBounds(t *testing.T) {
	long := strings.Repeat("x", MaxTailBytes+100)
	if got := TruncateTail(long); len(got) != MaxTailBytes {
		t.Errorf("expected tail of %d bytes, got %d", MaxTailBytes, len(got))
	}
	// Tails keep the end of the stream, errors keep the start
	tail := strings.Repeat("a", MaxTailBytes) + "tail"
	if got := TruncateTail(tail); !strings.HasSuffix(got, "tail") {
		t.Error("expected tail truncation to keep the end")
	}

	longErr := "head" + strings.Repeat("y", MaxLastErrorBytes)
	if got := TruncateError(longErr); len(got) != MaxLastErrorBytes || !strings.HasPrefix(got, "head") {
		t.Error("expected error truncation to keep the start, bounded to 2 KiB")
	}

	if got := TruncateTail("short"); got != "short" {
		t.Errorf("expected short tail unchanged, got %q", got)
	}
}
