package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"
)

// DefaultWorkerStaleThreshold is how long a worker may go without a heartbeat
// before the janitor marks it inactive.
const DefaultWorkerStaleThreshold = 90 * time.Second

// Worker is an ephemeral process registration. The worker_id is
// caller-supplied, typically host+pid+uuid. Rows are metadata only: job
// recovery happens through lease expiry, never by worker lookups.
type Worker struct {
	WorkerID     string            `json:"worker_id"`
	Hostname     string            `json:"hostname"`
	Version      string            `json:"version"`
	Queues       []string          `json:"queues"` // definition keys or globs this worker accepts
	LastSeenAt   time.Time         `json:"last_seen_at"`
	RunningCount int               `json:"running_count"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	IsActive     bool              `json:"is_active"`
}

// Validate validates the worker registration
func (w *Worker) Validate() error {
	if w.WorkerID == "" {
		return errors.New("worker ID is required")
	}
	if len(w.Queues) == 0 {
		return errors.New("worker must accept at least one definition key or glob")
	}
	for _, q := range w.Queues {
		if q == "" {
			return errors.New("worker queue entry cannot be empty")
		}
	}
	return nil
}

// AcceptsKey reports whether the worker accepts a definition key, matching
// explicit keys and path-style globs ("sync-*", "*").
func (w *Worker) AcceptsKey(key string) bool {
	for _, q := range w.Queues {
		if q == key {
			return true
		}
		if ok, err := path.Match(q, key); err == nil && ok {
			return true
		}
	}
	return false
}

// IsStale reports whether the worker has missed heartbeats past the threshold
func (w *Worker) IsStale(now time.Time, threshold time.Duration) bool {
	return now.Sub(w.LastSeenAt) > threshold
}

// MarshalQueues serializes the accepted queues for database storage
func (w *Worker) MarshalQueues() (string, error) {
	data, err := json.Marshal(w.Queues)
	if err != nil {
		return "", fmt.Errorf("failed to marshal worker queues: %w", err)
	}
	return string(data), nil
}

// UnmarshalQueues deserializes the accepted queues from database storage
func (w *Worker) UnmarshalQueues(data string) error {
	if data == "" {
		w.Queues = nil
		return nil
	}
	if err := json.Unmarshal([]byte(data), &w.Queues); err != nil {
		return fmt.Errorf("failed to unmarshal worker queues: %w", err)
	}
	return nil
}

// MarshalMetadata serializes the metadata map for database storage
func (w *Worker) MarshalMetadata() (string, error) {
	if w.Metadata == nil {
		return "{}", nil
	}
	data, err := json.Marshal(w.Metadata)
	if err != nil {
		return "", fmt.Errorf("failed to marshal worker metadata: %w", err)
	}
	return string(data), nil
}

// UnmarshalMetadata deserializes the metadata map from database storage
func (w *Worker) UnmarshalMetadata(data string) error {
	if data == "" || data == "{}" {
		w.Metadata = make(map[string]string)
		return nil
	}
	if err := json.Unmarshal([]byte(data), &w.Metadata); err != nil {
		return fmt.Errorf("failed to unmarshal worker metadata: %w", err)
	}
	return nil
}
