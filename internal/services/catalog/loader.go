// -----------------------------------------------------------------------
// Definition seed files - TOML/YAML/JSON job and workflow definitions
// -----------------------------------------------------------------------

package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/ternarybob/opus/internal/models"
	"gopkg.in/yaml.v3"
)

// seedFile represents one definition file. A file may declare any mix of
// job and workflow definitions.
type seedFile struct {
	Jobs      []seedJob      `toml:"jobs" yaml:"jobs" json:"jobs"`
	Workflows []seedWorkflow `toml:"workflows" yaml:"workflows" json:"workflows"`
}

// seedJob mirrors models.JobDefinition for file unmarshaling. The payload
// schema may be written inline as a structured value instead of a JSON
// string, which reads better in TOML and YAML.
type seedJob struct {
	Key            string      `toml:"key" yaml:"key" json:"key"`
	Description    string      `toml:"description" yaml:"description" json:"description"`
	PayloadSchema  interface{} `toml:"payload_schema" yaml:"payload_schema" json:"payload_schema"`
	Command        []string    `toml:"command" yaml:"command" json:"command"`
	TimeoutSeconds int         `toml:"timeout_seconds" yaml:"timeout_seconds" json:"timeout_seconds"`
	MaxAttempts    int         `toml:"max_attempts" yaml:"max_attempts" json:"max_attempts"`
}

// seedWorkflow mirrors models.WorkflowDefinition for file unmarshaling
type seedWorkflow struct {
	Key              string     `toml:"key" yaml:"key" json:"key"`
	Description      string     `toml:"description" yaml:"description" json:"description"`
	Steps            []seedStep `toml:"steps" yaml:"steps" json:"steps"`
	MaxParallelSteps int        `toml:"max_parallel_steps" yaml:"max_parallel_steps" json:"max_parallel_steps"`
	FailurePolicy    string     `toml:"failure_policy" yaml:"failure_policy" json:"failure_policy"`
}

type seedStep struct {
	StepKey       string                 `toml:"step_key" yaml:"step_key" json:"step_key"`
	DefinitionKey string                 `toml:"definition_key" yaml:"definition_key" json:"definition_key"`
	DependsOn     []string               `toml:"depends_on" yaml:"depends_on" json:"depends_on"`
	Payload       map[string]interface{} `toml:"payload" yaml:"payload" json:"payload"`
}

// toModel converts a seed job entry into a registry model
func (j seedJob) toModel() (*models.JobDefinition, error) {
	schema, err := schemaText(j.PayloadSchema)
	if err != nil {
		return nil, fmt.Errorf("definition %q: %w", j.Key, err)
	}

	def := &models.JobDefinition{
		Key:            j.Key,
		Description:    j.Description,
		PayloadSchema:  schema,
		Command:        j.Command,
		TimeoutSeconds: j.TimeoutSeconds,
		MaxAttempts:    j.MaxAttempts,
		IsActive:       true,
	}
	def.ApplyDefaults()
	return def, nil
}

// toModel converts a seed workflow entry into a registry model
func (w seedWorkflow) toModel() *models.WorkflowDefinition {
	steps := make([]models.WorkflowStep, 0, len(w.Steps))
	for _, s := range w.Steps {
		steps = append(steps, models.WorkflowStep{
			StepKey:       s.StepKey,
			DefinitionKey: s.DefinitionKey,
			DependsOn:     s.DependsOn,
			Payload:       s.Payload,
		})
	}

	def := &models.WorkflowDefinition{
		Key:              w.Key,
		Description:      w.Description,
		Steps:            steps,
		MaxParallelSteps: w.MaxParallelSteps,
		FailurePolicy:    models.FailurePolicy(w.FailurePolicy),
		IsActive:         true,
	}
	def.ApplyDefaults()
	return def
}

// schemaText renders a seed payload schema as JSON text. Inline structured
// schemas are re-serialized; string schemas pass through untouched.
func schemaText(raw interface{}) (string, error) {
	switch v := raw.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("failed to serialize payload schema: %w", err)
		}
		return string(data), nil
	}
}

// LoadFromDir loads definition seed files from a directory. Existing
// definitions are updated by key; unknown extensions are skipped. A missing
// directory is not an error so fresh installs start empty.
func (s *Service) LoadFromDir(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		s.logger.Debug().Str("dir", dir).Msg("No definitions directory, skipping seed load")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read definitions directory: %w", err)
	}

	loadedJobs, loadedWorkflows := 0, 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())

		seed, err := parseSeedFile(path)
		if err != nil {
			s.logger.Error().Err(err).Str("file", entry.Name()).Msg("Failed to parse definition file")
			return err
		}
		if seed == nil {
			continue
		}

		for _, job := range seed.Jobs {
			def, err := job.toModel()
			if err != nil {
				return fmt.Errorf("%s: %w", entry.Name(), err)
			}
			if err := s.SaveDefinition(ctx, def); err != nil {
				return fmt.Errorf("%s: %w", entry.Name(), err)
			}
			loadedJobs++
		}

		// Workflows load after jobs within a file so steps can reference
		// definitions declared alongside them
		for _, workflow := range seed.Workflows {
			if err := s.SaveWorkflowDefinition(ctx, workflow.toModel()); err != nil {
				return fmt.Errorf("%s: %w", entry.Name(), err)
			}
			loadedWorkflows++
		}
	}

	s.logger.Info().
		Str("dir", dir).
		Int("jobs", loadedJobs).
		Int("workflows", loadedWorkflows).
		Msg("Definition seed files loaded")
	return nil
}

// parseSeedFile parses one seed file by extension. Returns nil for
// unsupported extensions.
func parseSeedFile(path string) (*seedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var seed seedFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, &seed); err != nil {
			return nil, fmt.Errorf("failed to parse TOML: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &seed); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &seed); err != nil {
			return nil, fmt.Errorf("failed to parse JSON: %w", err)
		}
	default:
		return nil, nil
	}

	return &seed, nil
}
