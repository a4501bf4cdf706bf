// -----------------------------------------------------------------------
// JobDefinition - immutable contract for a class of work
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job definition defaults
const (
	DefaultTimeoutSeconds = 3600
	DefaultMaxAttempts    = 3
)

// JobDefinition is the registry entry for a class of work. Definitions are
// immutable by key: operators create them and soft-deactivate them, but never
// hard-delete while jobs reference them.
type JobDefinition struct {
	ID            string    `json:"id" toml:"id" yaml:"id"`
	Key           string    `json:"key" toml:"key" yaml:"key"`
	Description   string    `json:"description,omitempty" toml:"description" yaml:"description"`
	PayloadSchema string    `json:"payload_schema" toml:"payload_schema" yaml:"payload_schema"`
	Command       []string  `json:"command,omitempty" toml:"command" yaml:"command"`
	TimeoutSeconds int      `json:"timeout_seconds" toml:"timeout_seconds" yaml:"timeout_seconds"`
	MaxAttempts   int       `json:"max_attempts" toml:"max_attempts" yaml:"max_attempts"`
	IsActive      bool      `json:"is_active" toml:"is_active" yaml:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NewJobDefinition creates an active definition with defaults applied
func NewJobDefinition(key, payloadSchema string) *JobDefinition {
	now := time.Now().UTC()
	return &JobDefinition{
		ID:             uuid.New().String(),
		Key:            key,
		PayloadSchema:  payloadSchema,
		TimeoutSeconds: DefaultTimeoutSeconds,
		MaxAttempts:    DefaultMaxAttempts,
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// ApplyDefaults fills zero-valued fields with the registry defaults
func (d *JobDefinition) ApplyDefaults() {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.TimeoutSeconds <= 0 {
		d.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if d.MaxAttempts <= 0 {
		d.MaxAttempts = DefaultMaxAttempts
	}
	if d.PayloadSchema == "" {
		d.PayloadSchema = `{"type":"object","additionalProperties":false}`
	}
}

// Validate validates the definition. The payload schema itself is validated
// by the payload validator, which is the single source of truth for the
// schema subset; the catalog rejects definitions the validator rejects.
func (d *JobDefinition) Validate() error {
	if d.ID == "" {
		return errors.New("job definition ID is required")
	}
	if d.Key == "" {
		return errors.New("job definition key is required")
	}
	if d.TimeoutSeconds < 1 {
		return fmt.Errorf("job definition timeout must be positive, got %d", d.TimeoutSeconds)
	}
	if d.MaxAttempts < 1 {
		return fmt.Errorf("job definition max attempts must be at least 1, got %d", d.MaxAttempts)
	}
	if d.PayloadSchema != "" && !json.Valid([]byte(d.PayloadSchema)) {
		return errors.New("job definition payload schema is not valid JSON")
	}
	return nil
}

// MarshalCommand serializes the command argv for database storage
func (d *JobDefinition) MarshalCommand() (string, error) {
	if len(d.Command) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(d.Command)
	if err != nil {
		return "", fmt.Errorf("failed to marshal command: %w", err)
	}
	return string(data), nil
}

// UnmarshalCommand deserializes the command argv from database storage
func (d *JobDefinition) UnmarshalCommand(data string) error {
	if data == "" || data == "[]" {
		d.Command = nil
		return nil
	}
	if err := json.Unmarshal([]byte(data), &d.Command); err != nil {
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}
	return nil
}
