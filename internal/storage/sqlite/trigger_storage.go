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

const triggerColumns = `id, tenant_id, label, is_enabled, trigger_type, event_name, cron_expr,
	timezone, definition_id, payload_template, dedupe_window_seconds, next_fire_at,
	created_at, updated_at`

// TriggerStorage implements SQLite storage for job triggers
type TriggerStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
}

// NewTriggerStorage creates a new trigger storage instance
func NewTriggerStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.TriggerStorage {
	return &TriggerStorage{
		db:     db,
		logger: logger,
	}
}

// SaveTrigger creates or updates a trigger
func (s *TriggerStorage) SaveTrigger(ctx context.Context, trigger *models.JobTrigger) error {
	if err := trigger.Validate(); err != nil {
		return models.NewValidationError("invalid trigger: %v", err)
	}

	template, err := trigger.MarshalTemplate()
	if err != nil {
		return err
	}

	_, err = s.db.db.ExecContext(ctx, `
		INSERT INTO job_triggers (`+triggerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			label = excluded.label,
			is_enabled = excluded.is_enabled,
			event_name = excluded.event_name,
			cron_expr = excluded.cron_expr,
			timezone = excluded.timezone,
			definition_id = excluded.definition_id,
			payload_template = excluded.payload_template,
			dedupe_window_seconds = excluded.dedupe_window_seconds,
			next_fire_at = excluded.next_fire_at,
			updated_at = excluded.updated_at
	`,
		trigger.ID,
		trigger.TenantID,
		trigger.Label,
		boolToInt(trigger.IsEnabled),
		string(trigger.Type),
		nullString(trigger.EventName),
		nullString(trigger.CronExpr),
		nullString(trigger.Timezone),
		trigger.DefinitionID,
		template,
		trigger.DedupeWindowSeconds,
		nullMillis(trigger.NextFireAt),
		toMillis(trigger.CreatedAt),
		toMillis(trigger.UpdatedAt),
	)
	if err != nil {
		s.logger.Error().Err(err).Str("trigger_id", trigger.ID).Msg("Failed to save trigger")
		return storeErr(err)
	}

	s.logger.Debug().Str("trigger_id", trigger.ID).Str("type", string(trigger.Type)).Msg("Trigger saved")
	return nil
}

// GetTrigger retrieves a trigger by ID
func (s *TriggerStorage) GetTrigger(ctx context.Context, id string) (*models.JobTrigger, error) {
	row := s.db.db.QueryRowContext(ctx, `SELECT `+triggerColumns+` FROM job_triggers WHERE id = ?`, id)
	return scanTrigger(row)
}

// ListTriggers lists triggers, optionally filtered by tenant
func (s *TriggerStorage) ListTriggers(ctx context.Context, tenantID string) ([]*models.JobTrigger, error) {
	query := `SELECT ` + triggerColumns + ` FROM job_triggers`
	args := []interface{}{}
	if tenantID != "" {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY created_at`

	return s.queryTriggers(ctx, query, args...)
}

// ListEventTriggers returns enabled event triggers for a tenant and event name
func (s *TriggerStorage) ListEventTriggers(ctx context.Context, tenantID, eventName string) ([]*models.JobTrigger, error) {
	return s.queryTriggers(ctx, `
		SELECT `+triggerColumns+` FROM job_triggers
		WHERE trigger_type = 'event' AND is_enabled = 1 AND tenant_id = ? AND event_name = ?
		ORDER BY created_at
	`, tenantID, eventName)
}

// ListDueScheduleTriggers returns enabled schedule triggers whose cursor has
// passed. A NULL cursor means the trigger was never evaluated and is due.
func (s *TriggerStorage) ListDueScheduleTriggers(ctx context.Context, now time.Time) ([]*models.JobTrigger, error) {
	return s.queryTriggers(ctx, `
		SELECT `+triggerColumns+` FROM job_triggers
		WHERE trigger_type = 'schedule' AND is_enabled = 1
			AND (next_fire_at IS NULL OR next_fire_at <= ?)
		ORDER BY next_fire_at
	`, toMillis(now))
}

// AdvanceTriggerCursor moves a schedule trigger's next_fire_at forward
func (s *TriggerStorage) AdvanceTriggerCursor(ctx context.Context, id string, next time.Time) error {
	res, err := s.db.db.ExecContext(ctx, `
		UPDATE job_triggers SET next_fire_at = ?, updated_at = ? WHERE id = ?
	`, toMillis(next), toMillis(time.Now().UTC()), id)
	if err != nil {
		return storeErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// queryTriggers runs a trigger select and scans all rows
func (s *TriggerStorage) queryTriggers(ctx context.Context, query string, args ...interface{}) ([]*models.JobTrigger, error) {
	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	triggers := make([]*models.JobTrigger, 0)
	for rows.Next() {
		trigger, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		triggers = append(triggers, trigger)
	}
	return triggers, rows.Err()
}

// scanTrigger scans one trigger row into a model
func scanTrigger(row scanner) (*models.JobTrigger, error) {
	var trigger models.JobTrigger
	var triggerType string
	var isEnabled int
	var eventName, cronExpr, timezone sql.NullString
	var template string
	var nextFireAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&trigger.ID,
		&trigger.TenantID,
		&trigger.Label,
		&isEnabled,
		&triggerType,
		&eventName,
		&cronExpr,
		&timezone,
		&trigger.DefinitionID,
		&template,
		&trigger.DedupeWindowSeconds,
		&nextFireAt,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, storeErr(err)
	}

	trigger.IsEnabled = isEnabled == 1
	trigger.Type = models.TriggerType(triggerType)
	trigger.EventName = eventName.String
	trigger.CronExpr = cronExpr.String
	trigger.Timezone = timezone.String
	trigger.NextFireAt = millisPtr(nextFireAt)
	trigger.CreatedAt = fromMillis(createdAt)
	trigger.UpdatedAt = fromMillis(updatedAt)
	if err := trigger.UnmarshalTemplate(template); err != nil {
		return nil, err
	}
	return &trigger, nil
}
