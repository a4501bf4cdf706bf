package triggers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/opus/internal/common"
	"github.com/ternarybob/opus/internal/interfaces"
	"github.com/ternarybob/opus/internal/metrics"
	"github.com/ternarybob/opus/internal/models"
	"github.com/ternarybob/opus/internal/services/catalog"
	"github.com/ternarybob/opus/internal/services/queue"
)

// DefaultScanInterval is how often the schedule scanner wakes when config
// omits it
const DefaultScanInterval = 15 * time.Second

// Service is the trigger engine. Event triggers materialize jobs when
// domain events are published; schedule triggers materialize jobs from a
// cron cursor the scanner advances.
type Service struct {
	storage   interfaces.StorageManager
	catalog   *catalog.Service
	queue     *queue.Service
	collector *metrics.Collector
	logger    arbor.ILogger

	scanInterval time.Duration
}

// NewService creates a new trigger service
func NewService(storage interfaces.StorageManager, cat *catalog.Service, q *queue.Service, collector *metrics.Collector, config *common.TriggersConfig, logger arbor.ILogger) *Service {
	scanInterval := DefaultScanInterval
	if config != nil {
		scanInterval = common.ParseDuration(config.ScanInterval, scanInterval)
	}

	return &Service{
		storage:      storage,
		catalog:      cat,
		queue:        q,
		collector:    collector,
		logger:       logger,
		scanInterval: scanInterval,
	}
}

// SaveTrigger validates and persists a trigger. The referenced definition
// must exist and be active.
func (s *Service) SaveTrigger(ctx context.Context, trigger *models.JobTrigger) error {
	if err := trigger.Validate(); err != nil {
		return models.NewValidationError("trigger: %v", err)
	}

	def, err := s.catalog.GetByID(ctx, trigger.DefinitionID)
	if err != nil {
		return models.NewValidationError("trigger references unknown definition %q", trigger.DefinitionID)
	}
	if !def.IsActive {
		return models.NewValidationError("trigger references inactive definition %q", def.Key)
	}

	trigger.UpdatedAt = time.Now().UTC()
	if err := s.storage.Triggers().SaveTrigger(ctx, trigger); err != nil {
		return err
	}

	s.logger.Info().
		Str("trigger_id", trigger.ID).
		Str("type", string(trigger.Type)).
		Str("definition", def.Key).
		Msg("Trigger registered")
	return nil
}

// GetTrigger returns a trigger by ID
func (s *Service) GetTrigger(ctx context.Context, id string) (*models.JobTrigger, error) {
	return s.storage.Triggers().GetTrigger(ctx, id)
}

// ListTriggers lists a tenant's triggers
func (s *Service) ListTriggers(ctx context.Context, tenantID string) ([]*models.JobTrigger, error) {
	return s.storage.Triggers().ListTriggers(ctx, tenantID)
}

// PublishEvent fires every enabled event trigger matching (tenant, event).
// The event payload overlays the trigger's template, then goes through the
// definition's normal validation. Returns the jobs that were enqueued;
// dedup-suppressed firings are skipped silently.
func (s *Service) PublishEvent(ctx context.Context, tenantID, eventName string, eventPayload map[string]interface{}) ([]*models.Job, error) {
	if tenantID == "" {
		return nil, models.NewValidationError("tenant_id is required")
	}
	if eventName == "" {
		return nil, models.NewValidationError("event name is required")
	}

	matched, err := s.storage.Triggers().ListEventTriggers(ctx, tenantID, eventName)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	jobs := make([]*models.Job, 0, len(matched))
	for _, trigger := range matched {
		job, err := s.fireEventTrigger(ctx, trigger, eventName, eventPayload, now)
		if err != nil {
			// One bad trigger must not block the rest of the fan-out
			s.logger.Error().Err(err).
				Str("trigger_id", trigger.ID).
				Str("event", eventName).
				Msg("Event trigger failed to fire")
			continue
		}
		if job != nil {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

// fireEventTrigger materializes one job from an event trigger. Returns
// (nil, nil) when the firing was suppressed by the dedup window.
func (s *Service) fireEventTrigger(ctx context.Context, trigger *models.JobTrigger, eventName string, eventPayload map[string]interface{}, now time.Time) (*models.Job, error) {
	def, err := s.catalog.GetByID(ctx, trigger.DefinitionID)
	if err != nil {
		return nil, err
	}

	payload, err := mergePayload(trigger.PayloadTemplate, eventPayload)
	if err != nil {
		return nil, err
	}

	// The dedup key hashes the canonical payload so equivalent events
	// collapse regardless of field order in the published JSON
	_, canonical, err := s.catalog.Normalize(ctx, def.Key, payload)
	if err != nil {
		return nil, err
	}

	job, err := s.queue.Enqueue(ctx, &queue.EnqueueRequest{
		TenantID:      trigger.TenantID,
		DefinitionKey: def.Key,
		Payload:       canonical,
		Source:        models.JobSourceEvent,
		SourceRef:     fmt.Sprintf("%s:%s", trigger.ID, eventName),
		DedupeKey:     eventDedupeKey(trigger, canonical, now),
		CreatedBy:     "trigger:" + trigger.ID,
	})
	if errors.Is(err, models.ErrDedupConflict) {
		s.logger.Debug().
			Str("trigger_id", trigger.ID).
			Str("job_id", job.ID).
			Msg("Trigger firing suppressed by dedup window")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	s.collector.RecordTriggerFired(string(models.TriggerTypeEvent))
	s.logger.Info().
		Str("trigger_id", trigger.ID).
		Str("event", eventName).
		Str("job_id", job.ID).
		Msg("Event trigger fired")
	return job, nil
}

// Scan runs one schedule scanner pass: fire every due cron trigger once and
// advance its cursor past now. Returns the number of firings.
func (s *Service) Scan(ctx context.Context, now time.Time) (int, error) {
	due, err := s.storage.Triggers().ListDueScheduleTriggers(ctx, now)
	if err != nil {
		return 0, err
	}

	fired := 0
	for _, trigger := range due {
		didFire, err := s.fireScheduleTrigger(ctx, trigger, now)
		if err != nil {
			s.logger.Error().Err(err).
				Str("trigger_id", trigger.ID).
				Msg("Schedule trigger failed to fire")
			continue
		}
		if didFire {
			fired++
		}
	}
	return fired, nil
}

// fireScheduleTrigger handles one due cron trigger. A trigger with no cursor
// yet only gets its cursor initialized; missed windows collapse into a
// single firing stamped with the cursor time.
func (s *Service) fireScheduleTrigger(ctx context.Context, trigger *models.JobTrigger, now time.Time) (bool, error) {
	next, err := trigger.NextFire(now)
	if err != nil {
		return false, err
	}

	if trigger.NextFireAt == nil {
		return false, s.storage.Triggers().AdvanceTriggerCursor(ctx, trigger.ID, next)
	}

	fireAt := trigger.NextFireAt.UTC()
	def, err := s.catalog.GetByID(ctx, trigger.DefinitionID)
	if err != nil {
		return false, err
	}

	payload, err := mergePayload(trigger.PayloadTemplate, nil)
	if err != nil {
		return false, err
	}

	job, err := s.queue.Enqueue(ctx, &queue.EnqueueRequest{
		TenantID:      trigger.TenantID,
		DefinitionKey: def.Key,
		Payload:       payload,
		Source:        models.JobSourceSchedule,
		SourceRef:     fmt.Sprintf("%s:%d", trigger.ID, fireAt.Unix()),
		DedupeKey:     fmt.Sprintf("trigger:%s:%d", trigger.ID, fireAt.Unix()),
		CreatedBy:     "trigger:" + trigger.ID,
	})
	if err != nil && !errors.Is(err, models.ErrDedupConflict) {
		return false, err
	}

	if err := s.storage.Triggers().AdvanceTriggerCursor(ctx, trigger.ID, next); err != nil {
		return false, err
	}
	if errors.Is(err, models.ErrDedupConflict) {
		return false, nil
	}

	s.collector.RecordTriggerFired(string(models.TriggerTypeSchedule))
	s.logger.Info().
		Str("trigger_id", trigger.ID).
		Str("job_id", job.ID).
		Str("fire_at", fireAt.Format(time.RFC3339)).
		Msg("Schedule trigger fired")
	return true, nil
}

// Start runs the schedule scanner loop until the context is canceled
func (s *Service) Start(ctx context.Context) {
	s.logger.Info().Str("scan_interval", s.scanInterval.String()).Msg("Schedule scanner started")

	ticker := time.NewTicker(s.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Schedule scanner stopped")
			return
		case <-ticker.C:
			if _, err := s.Scan(ctx, time.Now().UTC()); err != nil {
				s.logger.Error().Err(err).Msg("Schedule scan failed")
			}
		}
	}
}

// mergePayload overlays event fields onto the trigger template and renders
// the result as JSON. Event fields win on key collisions.
func mergePayload(template, event map[string]interface{}) (string, error) {
	merged := make(map[string]interface{}, len(template)+len(event))
	for k, v := range template {
		merged[k] = v
	}
	for k, v := range event {
		merged[k] = v
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return "", fmt.Errorf("failed to serialize trigger payload: %w", err)
	}
	return string(data), nil
}

// eventDedupeKey builds the suppression key for an event firing. With a
// dedup window the key carries the window bucket so identical events pass
// again once the window rolls over, even after the earlier job finished.
func eventDedupeKey(trigger *models.JobTrigger, canonical string, now time.Time) string {
	sum := sha256.Sum256([]byte(canonical))
	hash := hex.EncodeToString(sum[:8])

	if trigger.DedupeWindowSeconds > 0 {
		bucket := now.Unix() / int64(trigger.DedupeWindowSeconds)
		return fmt.Sprintf("trigger:%s:%s:%d", trigger.ID, hash, bucket)
	}
	return fmt.Sprintf("trigger:%s:%s", trigger.ID, hash)
}
