package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/opus/internal/interfaces"
	"github.com/ternarybob/opus/internal/models"
)

const definitionColumns = `id, key, description, payload_schema, command, timeout_seconds,
	max_attempts, is_active, created_at, updated_at`

// DefinitionStorage implements SQLite storage for the job definition registry
type DefinitionStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
}

// NewDefinitionStorage creates a new definition storage instance
func NewDefinitionStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.DefinitionStorage {
	return &DefinitionStorage{
		db:     db,
		logger: logger,
	}
}

// SaveDefinition creates or updates a definition, keyed by its unique key
func (s *DefinitionStorage) SaveDefinition(ctx context.Context, def *models.JobDefinition) error {
	if err := def.Validate(); err != nil {
		return models.NewValidationError("invalid job definition: %v", err)
	}

	command, err := def.MarshalCommand()
	if err != nil {
		return err
	}

	_, err = s.db.db.ExecContext(ctx, `
		INSERT INTO job_definitions (`+definitionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			description = excluded.description,
			payload_schema = excluded.payload_schema,
			command = excluded.command,
			timeout_seconds = excluded.timeout_seconds,
			max_attempts = excluded.max_attempts,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
	`,
		def.ID,
		def.Key,
		nullString(def.Description),
		def.PayloadSchema,
		command,
		def.TimeoutSeconds,
		def.MaxAttempts,
		boolToInt(def.IsActive),
		toMillis(def.CreatedAt),
		toMillis(def.UpdatedAt),
	)
	if err != nil {
		s.logger.Error().Err(err).Str("key", def.Key).Msg("Failed to save job definition")
		return storeErr(err)
	}

	s.logger.Debug().Str("key", def.Key).Msg("Job definition saved")
	return nil
}

// GetDefinitionByID retrieves a definition by ID
func (s *DefinitionStorage) GetDefinitionByID(ctx context.Context, id string) (*models.JobDefinition, error) {
	row := s.db.db.QueryRowContext(ctx, `SELECT `+definitionColumns+` FROM job_definitions WHERE id = ?`, id)
	return scanDefinition(row)
}

// GetDefinitionByKey retrieves a definition by its unique key
func (s *DefinitionStorage) GetDefinitionByKey(ctx context.Context, key string) (*models.JobDefinition, error) {
	row := s.db.db.QueryRowContext(ctx, `SELECT `+definitionColumns+` FROM job_definitions WHERE key = ?`, key)
	return scanDefinition(row)
}

// ListDefinitions lists definitions ordered by key
func (s *DefinitionStorage) ListDefinitions(ctx context.Context, activeOnly bool) ([]*models.JobDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM job_definitions`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY key`

	rows, err := s.db.db.QueryContext(ctx, query)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	defs := make([]*models.JobDefinition, 0)
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// SetDefinitionActive soft-activates or deactivates a definition. Existing
// jobs keep running; deactivation only stops new enqueues.
func (s *DefinitionStorage) SetDefinitionActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.db.ExecContext(ctx, `
		UPDATE job_definitions SET is_active = ?, updated_at = ? WHERE id = ?
	`, boolToInt(active), toMillis(time.Now().UTC()), id)
	if err != nil {
		return storeErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// scanDefinition scans one definition row into a model
func scanDefinition(row scanner) (*models.JobDefinition, error) {
	var def models.JobDefinition
	var description sql.NullString
	var command string
	var isActive int
	var createdAt, updatedAt int64

	err := row.Scan(
		&def.ID,
		&def.Key,
		&description,
		&def.PayloadSchema,
		&command,
		&def.TimeoutSeconds,
		&def.MaxAttempts,
		&isActive,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, storeErr(err)
	}

	def.Description = description.String
	def.IsActive = isActive == 1
	def.CreatedAt = fromMillis(createdAt)
	def.UpdatedAt = fromMillis(updatedAt)
	if err := def.UnmarshalCommand(command); err != nil {
		return nil, err
	}
	return &def, nil
}
