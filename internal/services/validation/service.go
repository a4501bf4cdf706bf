package validation

import (
	"sync"

	"github.com/ternarybob/arbor"
)

// Service caches parsed schemas by their raw text. Definitions are immutable
// by key, so a schema string parses the same way for its whole lifetime.
type Service struct {
	schemas map[string]*Schema
	mu      sync.RWMutex
	logger  arbor.ILogger
}

// NewService creates a new validation service
func NewService(logger arbor.ILogger) *Service {
	return &Service{
		schemas: make(map[string]*Schema),
		logger:  logger,
	}
}

// CheckSchema parses a schema, caching the result. The catalog rejects any
// definition whose schema fails here.
func (s *Service) CheckSchema(raw string) error {
	_, err := s.schema(raw)
	return err
}

// Normalize validates a payload against a schema and returns the canonical
// payload, or a ValidationError
func (s *Service) Normalize(schemaRaw, payload string) (string, error) {
	schema, err := s.schema(schemaRaw)
	if err != nil {
		return "", err
	}
	return schema.Normalize(payload)
}

// schema returns the parsed form of a raw schema, parsing on first use
func (s *Service) schema(raw string) (*Schema, error) {
	s.mu.RLock()
	cached := s.schemas[raw]
	s.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	parsed, err := ParseSchema(raw)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.schemas[raw] = parsed
	s.mu.Unlock()
	return parsed, nil
}
