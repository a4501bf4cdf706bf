package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/opus/internal/interfaces"
	"github.com/ternarybob/opus/internal/models"
	"github.com/ternarybob/opus/internal/services/validation"
)

// DefaultCacheTTL bounds how stale a cached definition read may be. Writes
// invalidate immediately; the authoritative check happens at the store.
const DefaultCacheTTL = 60 * time.Second

type cacheEntry struct {
	def     *models.JobDefinition
	expires time.Time
}

// Service is the registry for job and workflow definitions. Reads are hot
// paths (every enqueue and claim resolves a definition), so they go through
// a short-TTL in-process cache.
type Service struct {
	definitions interfaces.DefinitionStorage
	workflows   interfaces.WorkflowStorage
	validator   *validation.Service
	logger      arbor.ILogger

	mu    sync.RWMutex
	byKey map[string]cacheEntry
	byID  map[string]cacheEntry
	ttl   time.Duration
	nowFn func() time.Time
}

// NewService creates a new catalog service
func NewService(definitions interfaces.DefinitionStorage, workflows interfaces.WorkflowStorage, validator *validation.Service, logger arbor.ILogger) *Service {
	return &Service{
		definitions: definitions,
		workflows:   workflows,
		validator:   validator,
		logger:      logger,
		byKey:       make(map[string]cacheEntry),
		byID:        make(map[string]cacheEntry),
		ttl:         DefaultCacheTTL,
		nowFn:       time.Now,
	}
}

// GetByKey resolves a job definition by its unique key
func (s *Service) GetByKey(ctx context.Context, key string) (*models.JobDefinition, error) {
	if def := s.cached(false, key); def != nil {
		return def, nil
	}

	def, err := s.definitions.GetDefinitionByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	s.remember(def)
	return def, nil
}

// GetByID resolves a job definition by ID
func (s *Service) GetByID(ctx context.Context, id string) (*models.JobDefinition, error) {
	if def := s.cached(true, id); def != nil {
		return def, nil
	}

	def, err := s.definitions.GetDefinitionByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.remember(def)
	return def, nil
}

// ListActive returns all active job definitions, bypassing the cache
func (s *Service) ListActive(ctx context.Context) ([]*models.JobDefinition, error) {
	return s.definitions.ListDefinitions(ctx, true)
}

// List returns job definitions, optionally restricted to active ones
func (s *Service) List(ctx context.Context, activeOnly bool) ([]*models.JobDefinition, error) {
	return s.definitions.ListDefinitions(ctx, activeOnly)
}

// SaveDefinition validates and persists a job definition. The payload schema
// must parse under the validator; schemas it rejects never enter the catalog.
func (s *Service) SaveDefinition(ctx context.Context, def *models.JobDefinition) error {
	def.ApplyDefaults()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = s.nowFn().UTC()
	}
	def.UpdatedAt = s.nowFn().UTC()

	if err := s.validator.CheckSchema(def.PayloadSchema); err != nil {
		return models.NewValidationError("definition %q: %v", def.Key, err)
	}
	if err := s.definitions.SaveDefinition(ctx, def); err != nil {
		return err
	}

	s.invalidate(def)
	s.logger.Info().Str("key", def.Key).Msg("Job definition registered")
	return nil
}

// SetActive soft-activates or deactivates a definition by ID
func (s *Service) SetActive(ctx context.Context, id string, active bool) error {
	if err := s.definitions.SetDefinitionActive(ctx, id, active); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.byID, id)
	// Key entry may be stale too; cheapest correct move is a full reset
	s.byKey = make(map[string]cacheEntry)
	s.mu.Unlock()
	return nil
}

// Normalize validates a payload against a definition's schema and returns
// the canonical payload
func (s *Service) Normalize(ctx context.Context, definitionKey, payload string) (*models.JobDefinition, string, error) {
	def, err := s.GetByKey(ctx, definitionKey)
	if err != nil {
		return nil, "", err
	}
	if !def.IsActive {
		return nil, "", models.NewValidationError("definition %q is inactive", definitionKey)
	}

	canonical, err := s.validator.Normalize(def.PayloadSchema, payload)
	if err != nil {
		return nil, "", err
	}
	return def, canonical, nil
}

// GetWorkflowByKey resolves a workflow definition by its unique key
func (s *Service) GetWorkflowByKey(ctx context.Context, key string) (*models.WorkflowDefinition, error) {
	return s.workflows.GetWorkflowDefinitionByKey(ctx, key)
}

// GetWorkflowByID resolves a workflow definition by ID
func (s *Service) GetWorkflowByID(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	return s.workflows.GetWorkflowDefinitionByID(ctx, id)
}

// ListActiveWorkflows returns all active workflow definitions
func (s *Service) ListActiveWorkflows(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	return s.workflows.ListWorkflowDefinitions(ctx, true)
}

// ListWorkflows returns workflow definitions, optionally active only
func (s *Service) ListWorkflows(ctx context.Context, activeOnly bool) ([]*models.WorkflowDefinition, error) {
	return s.workflows.ListWorkflowDefinitions(ctx, activeOnly)
}

// SaveWorkflowDefinition validates and persists a workflow definition. On
// top of the structural DAG checks, every step must reference an active job
// definition and carry a payload that definition accepts.
func (s *Service) SaveWorkflowDefinition(ctx context.Context, def *models.WorkflowDefinition) error {
	def.ApplyDefaults()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = s.nowFn().UTC()
	}
	def.UpdatedAt = s.nowFn().UTC()

	if err := def.Validate(); err != nil {
		return models.NewValidationError("workflow %q: %v", def.Key, err)
	}
	if err := s.CheckWorkflowSteps(ctx, def); err != nil {
		return err
	}
	if err := s.workflows.SaveWorkflowDefinition(ctx, def); err != nil {
		return err
	}

	s.logger.Info().Str("key", def.Key).Int("steps", len(def.Steps)).Msg("Workflow definition registered")
	return nil
}

// CheckWorkflowSteps verifies every step resolves to an active job
// definition and normalizes its payload. Called at workflow save and again
// at run start, because definitions can deactivate in between.
func (s *Service) CheckWorkflowSteps(ctx context.Context, def *models.WorkflowDefinition) error {
	for _, step := range def.Steps {
		jobDef, err := s.GetByKey(ctx, step.DefinitionKey)
		if err != nil {
			return models.NewValidationError("step %q: unknown definition %q", step.StepKey, step.DefinitionKey)
		}
		if !jobDef.IsActive {
			return models.NewValidationError("step %q: definition %q is inactive", step.StepKey, step.DefinitionKey)
		}

		payload, err := marshalStepPayload(step.Payload)
		if err != nil {
			return err
		}
		if _, err := s.validator.Normalize(jobDef.PayloadSchema, payload); err != nil {
			return models.NewValidationError("step %q: %v", step.StepKey, err)
		}
	}
	return nil
}

// cached returns a live cache entry's definition, or nil. The map field is
// read under the lock; SetActive swaps byKey wholesale.
func (s *Service) cached(byID bool, key string) *models.JobDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cache := s.byKey
	if byID {
		cache = s.byID
	}
	entry, ok := cache[key]
	if !ok || s.nowFn().After(entry.expires) {
		return nil
	}
	return entry.def
}

// remember stores a definition in both cache maps
func (s *Service) remember(def *models.JobDefinition) {
	entry := cacheEntry{def: def, expires: s.nowFn().Add(s.ttl)}

	s.mu.Lock()
	s.byKey[def.Key] = entry
	s.byID[def.ID] = entry
	s.mu.Unlock()
}

// invalidate drops a definition from both cache maps
func (s *Service) invalidate(def *models.JobDefinition) {
	s.mu.Lock()
	delete(s.byKey, def.Key)
	delete(s.byID, def.ID)
	s.mu.Unlock()
}

// marshalStepPayload serializes a step's template payload for validation
func marshalStepPayload(payload map[string]interface{}) (string, error) {
	if len(payload) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to serialize step payload: %w", err)
	}
	return string(data), nil
}
