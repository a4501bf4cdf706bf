// -----------------------------------------------------------------------
// Workflow - DAG template, run and per-step progress
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FailurePolicy controls how a run reacts to a failed or canceled step
type FailurePolicy string

// FailurePolicy constants
const (
	FailurePolicyFailFast FailurePolicy = "fail_fast"
	FailurePolicyContinue FailurePolicy = "continue"
)

// IsValidFailurePolicy checks if a given FailurePolicy is one of the valid constants
func IsValidFailurePolicy(p FailurePolicy) bool {
	return p == FailurePolicyFailFast || p == FailurePolicyContinue
}

// DefaultMaxParallelSteps bounds step fan-out when a definition does not set one
const DefaultMaxParallelSteps = 2

// WorkflowStep is one step descriptor inside a workflow definition
type WorkflowStep struct {
	StepKey       string                 `json:"step_key" toml:"step_key" yaml:"step_key"`
	DefinitionKey string                 `json:"definition_key" toml:"definition_key" yaml:"definition_key"`
	DependsOn     []string               `json:"depends_on,omitempty" toml:"depends_on" yaml:"depends_on"`
	Payload       map[string]interface{} `json:"payload,omitempty" toml:"payload" yaml:"payload"`
}

// WorkflowDefinition is the DAG template for a multi-step workflow
type WorkflowDefinition struct {
	ID               string         `json:"id" toml:"id" yaml:"id"`
	Key              string         `json:"key" toml:"key" yaml:"key"`
	Description      string         `json:"description,omitempty" toml:"description" yaml:"description"`
	Steps            []WorkflowStep `json:"steps" toml:"steps" yaml:"steps"`
	MaxParallelSteps int            `json:"max_parallel_steps" toml:"max_parallel_steps" yaml:"max_parallel_steps"`
	FailurePolicy    FailurePolicy  `json:"failure_policy" toml:"failure_policy" yaml:"failure_policy"`
	IsActive         bool           `json:"is_active" toml:"is_active" yaml:"is_active"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// ApplyDefaults fills zero-valued fields with the workflow defaults
func (d *WorkflowDefinition) ApplyDefaults() {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.MaxParallelSteps <= 0 {
		d.MaxParallelSteps = DefaultMaxParallelSteps
	}
	if d.FailurePolicy == "" {
		d.FailurePolicy = FailurePolicyFailFast
	}
	// New definitions start active; deactivation is an explicit update to an
	// already-persisted row
	if d.CreatedAt.IsZero() {
		d.IsActive = true
	}
}

// Validate checks the structural DAG invariants: unique step keys, sibling
// dependency references, no self-loops, no cycles. Definition-key resolution
// and payload normalization are re-checked against the catalog at run start.
func (d *WorkflowDefinition) Validate() error {
	if d.ID == "" {
		return errors.New("workflow definition ID is required")
	}
	if d.Key == "" {
		return errors.New("workflow definition key is required")
	}
	if len(d.Steps) == 0 {
		return errors.New("workflow definition must have at least one step")
	}
	if d.MaxParallelSteps < 1 {
		return fmt.Errorf("workflow max parallel steps must be at least 1, got %d", d.MaxParallelSteps)
	}
	if !IsValidFailurePolicy(d.FailurePolicy) {
		return fmt.Errorf("invalid failure policy: %s (must be one of: fail_fast, continue)", d.FailurePolicy)
	}

	keys := make(map[string]bool, len(d.Steps))
	for i, step := range d.Steps {
		if step.StepKey == "" {
			return fmt.Errorf("step %d: step key is required", i)
		}
		if strings.Contains(step.StepKey, ":") {
			return fmt.Errorf("step %q: step key cannot contain ':'", step.StepKey)
		}
		if step.DefinitionKey == "" {
			return fmt.Errorf("step %q: definition key is required", step.StepKey)
		}
		if keys[step.StepKey] {
			return fmt.Errorf("duplicate step key: %s", step.StepKey)
		}
		keys[step.StepKey] = true
	}

	for _, step := range d.Steps {
		for _, dep := range step.DependsOn {
			if dep == step.StepKey {
				return fmt.Errorf("step %q depends on itself", step.StepKey)
			}
			if !keys[dep] {
				return fmt.Errorf("step %q depends on unknown step %q", step.StepKey, dep)
			}
		}
	}

	if err := d.checkAcyclic(); err != nil {
		return err
	}

	return nil
}

// checkAcyclic runs Kahn's algorithm over the dependency edges
func (d *WorkflowDefinition) checkAcyclic() error {
	indegree := make(map[string]int, len(d.Steps))
	dependents := make(map[string][]string, len(d.Steps))
	for _, step := range d.Steps {
		indegree[step.StepKey] = len(step.DependsOn)
		for _, dep := range step.DependsOn {
			dependents[dep] = append(dependents[dep], step.StepKey)
		}
	}

	queue := make([]string, 0, len(d.Steps))
	for key, n := range indegree {
		if n == 0 {
			queue = append(queue, key)
		}
	}

	visited := 0
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[key] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(d.Steps) {
		return errors.New("workflow dependency graph contains a cycle")
	}
	return nil
}

// Step returns the step descriptor for a key, or nil
func (d *WorkflowDefinition) Step(stepKey string) *WorkflowStep {
	for i := range d.Steps {
		if d.Steps[i].StepKey == stepKey {
			return &d.Steps[i]
		}
	}
	return nil
}

// MarshalSteps serializes the steps array for database storage
func (d *WorkflowDefinition) MarshalSteps() (string, error) {
	data, err := json.Marshal(d.Steps)
	if err != nil {
		return "", fmt.Errorf("failed to marshal steps: %w", err)
	}
	return string(data), nil
}

// UnmarshalSteps deserializes the steps array from database storage
func (d *WorkflowDefinition) UnmarshalSteps(data string) error {
	if err := json.Unmarshal([]byte(data), &d.Steps); err != nil {
		return fmt.Errorf("failed to unmarshal steps: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------
// Workflow run
// -----------------------------------------------------------------------

// RunStatus represents the state of one workflow execution
type RunStatus string

// RunStatus constants
const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

// IsTerminal returns true for states a run never leaves
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCanceled
}

// WorkflowRun is one execution of a WorkflowDefinition. MaxParallelSteps and
// FailurePolicy are snapshotted from the definition at start so later edits
// do not change in-flight runs.
type WorkflowRun struct {
	ID                   string        `json:"id"`
	TenantID             string        `json:"tenant_id"`
	WorkflowDefinitionID string        `json:"workflow_definition_id"`
	Status               RunStatus     `json:"status"`
	Payload              string        `json:"payload"` // invocation overrides, JSON object
	Priority             int           `json:"priority"`
	MaxParallelSteps     int           `json:"max_parallel_steps"`
	FailurePolicy        FailurePolicy `json:"failure_policy"`
	QueuedAt             time.Time     `json:"queued_at"`
	StartedAt            *time.Time    `json:"started_at,omitempty"`
	FinishedAt           *time.Time    `json:"finished_at,omitempty"`
	LastError            string        `json:"last_error,omitempty"`
	CreatedBy            string        `json:"created_by,omitempty"`
}

// StepStatus represents per-step progress inside a run
type StepStatus string

// StepStatus constants
const (
	StepStatusPending   StepStatus = "pending"
	StepStatusQueued    StepStatus = "queued"
	StepStatusRunning   StepStatus = "running"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
	StepStatusCanceled  StepStatus = "canceled"
	StepStatusSkipped   StepStatus = "skipped"
)

// IsTerminal returns true for states a step never leaves
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepStatusSucceeded, StepStatusFailed, StepStatusCanceled, StepStatusSkipped:
		return true
	default:
		return false
	}
}

// IsOpen returns true for steps that count against run parallelism
func (s StepStatus) IsOpen() bool {
	return s == StepStatusQueued || s == StepStatusRunning
}

// WorkflowStepRun tracks one step of one run. ChildJobID is set when the step
// enters queued and is unique across the table; the child job points back via
// its source_ref only.
type WorkflowStepRun struct {
	ID            string     `json:"id"`
	WorkflowRunID string     `json:"workflow_run_id"`
	StepKey       string     `json:"step_key"`
	DefinitionID  string     `json:"definition_id"`
	Status        StepStatus `json:"status"`
	Payload       string     `json:"payload"` // validated canonical JSON
	DependsOn     []string   `json:"depends_on,omitempty"`
	ChildJobID    string     `json:"child_job_id,omitempty"`
	QueuedAt      *time.Time `json:"queued_at,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// MarshalDependsOn serializes the dependency list for database storage
func (s *WorkflowStepRun) MarshalDependsOn() (string, error) {
	if len(s.DependsOn) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(s.DependsOn)
	if err != nil {
		return "", fmt.Errorf("failed to marshal depends_on: %w", err)
	}
	return string(data), nil
}

// UnmarshalDependsOn deserializes the dependency list from database storage
func (s *WorkflowStepRun) UnmarshalDependsOn(data string) error {
	if data == "" || data == "[]" {
		s.DependsOn = nil
		return nil
	}
	if err := json.Unmarshal([]byte(data), &s.DependsOn); err != nil {
		return fmt.Errorf("failed to unmarshal depends_on: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------
// Source-ref codec for workflow-spawned jobs
// -----------------------------------------------------------------------

const workflowRefPrefix = "workflow"

// WorkflowSourceRef encodes the provenance string for a step's child job:
// "workflow:{run_id}:{step_key}".
func WorkflowSourceRef(runID, stepKey string) string {
	return fmt.Sprintf("%s:%s:%s", workflowRefPrefix, runID, stepKey)
}

// ParseWorkflowSourceRef decodes a source_ref. Returns ok=false for refs that
// are not workflow step pointers; callers treat those as a no-op.
func ParseWorkflowSourceRef(ref string) (runID, stepKey string, ok bool) {
	parts := strings.SplitN(ref, ":", 3)
	if len(parts) != 3 {
		return "", "", false
	}
	if parts[0] != workflowRefPrefix {
		return "", "", false
	}
	if _, err := uuid.Parse(parts[1]); err != nil {
		return "", "", false
	}
	if parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// WorkflowStepDedupeKey suppresses duplicate child-job inserts for a step
func WorkflowStepDedupeKey(runID, stepKey string) string {
	return fmt.Sprintf("workflow-step:%s:%s", runID, stepKey)
}

// WorkflowCorrelationID groups all child jobs of a run
func WorkflowCorrelationID(runID string) string {
	return fmt.Sprintf("workflow:%s", runID)
}
