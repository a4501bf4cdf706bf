package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// TriggerType represents the kind of automatic work source
type TriggerType string

// TriggerType constants
const (
	TriggerTypeEvent    TriggerType = "event"
	TriggerTypeSchedule TriggerType = "schedule"
)

// DefaultDedupeWindowSeconds is the default suppression window for trigger-born jobs
const DefaultDedupeWindowSeconds = 300

// CronParser is the shared cron parser for schedule triggers (standard five fields)
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// JobTrigger materializes jobs automatically from events or a cron schedule.
//
// Invariant: exactly one of EventName or (CronExpr and Timezone) is set,
// consistent with TriggerType.
type JobTrigger struct {
	ID        string      `json:"id"`
	TenantID  string      `json:"tenant_id"`
	Label     string      `json:"label"`
	IsEnabled bool        `json:"is_enabled"`
	Type      TriggerType `json:"trigger_type"`

	EventName string `json:"event_name,omitempty"`
	CronExpr  string `json:"cron_expr,omitempty"`
	Timezone  string `json:"timezone,omitempty"`

	DefinitionID        string                 `json:"definition_id"`
	PayloadTemplate     map[string]interface{} `json:"payload_template"`
	DedupeWindowSeconds int                    `json:"dedupe_window_seconds"`

	// NextFireAt is the schedule scanner's cursor. Nil until first evaluation.
	NextFireAt *time.Time `json:"next_fire_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewEventTrigger creates an enabled event trigger
func NewEventTrigger(tenantID, label, eventName, definitionID string, template map[string]interface{}) *JobTrigger {
	now := time.Now().UTC()
	return &JobTrigger{
		ID:                  uuid.New().String(),
		TenantID:            tenantID,
		Label:               label,
		IsEnabled:           true,
		Type:                TriggerTypeEvent,
		EventName:           eventName,
		DefinitionID:        definitionID,
		PayloadTemplate:     template,
		DedupeWindowSeconds: DefaultDedupeWindowSeconds,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

// NewScheduleTrigger creates an enabled cron trigger
func NewScheduleTrigger(tenantID, label, cronExpr, timezone, definitionID string, template map[string]interface{}) *JobTrigger {
	now := time.Now().UTC()
	return &JobTrigger{
		ID:                  uuid.New().String(),
		TenantID:            tenantID,
		Label:               label,
		IsEnabled:           true,
		Type:                TriggerTypeSchedule,
		CronExpr:            cronExpr,
		Timezone:            timezone,
		DefinitionID:        definitionID,
		PayloadTemplate:     template,
		DedupeWindowSeconds: DefaultDedupeWindowSeconds,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

// Validate validates the trigger, including the event/schedule exclusivity invariant
func (t *JobTrigger) Validate() error {
	if t.ID == "" {
		return errors.New("trigger ID is required")
	}
	if t.TenantID == "" {
		return errors.New("trigger tenant ID is required")
	}
	if t.DefinitionID == "" {
		return errors.New("trigger definition ID is required")
	}
	if t.DedupeWindowSeconds < 0 {
		return errors.New("trigger dedupe window cannot be negative")
	}

	switch t.Type {
	case TriggerTypeEvent:
		if t.EventName == "" {
			return errors.New("event trigger requires event_name")
		}
		if t.CronExpr != "" || t.Timezone != "" {
			return errors.New("event trigger must not set cron_expr or timezone")
		}
	case TriggerTypeSchedule:
		if t.EventName != "" {
			return errors.New("schedule trigger must not set event_name")
		}
		if t.CronExpr == "" || t.Timezone == "" {
			return errors.New("schedule trigger requires cron_expr and timezone")
		}
		if _, err := CronParser.Parse(t.CronExpr); err != nil {
			return fmt.Errorf("invalid cron expression '%s': %w", t.CronExpr, err)
		}
		if _, err := time.LoadLocation(t.Timezone); err != nil {
			return fmt.Errorf("invalid timezone '%s': %w", t.Timezone, err)
		}
	default:
		return fmt.Errorf("invalid trigger type: %s", t.Type)
	}

	return nil
}

// NextFire computes the next fire time strictly after the given instant,
// evaluated in the trigger's timezone. Only valid for schedule triggers.
func (t *JobTrigger) NextFire(after time.Time) (time.Time, error) {
	sched, err := CronParser.Parse(t.CronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression '%s': %w", t.CronExpr, err)
	}
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timezone '%s': %w", t.Timezone, err)
	}
	return sched.Next(after.In(loc)), nil
}

// MarshalTemplate serializes the payload template for database storage
func (t *JobTrigger) MarshalTemplate() (string, error) {
	if t.PayloadTemplate == nil {
		return "{}", nil
	}
	data, err := json.Marshal(t.PayloadTemplate)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload template: %w", err)
	}
	return string(data), nil
}

// UnmarshalTemplate deserializes the payload template from database storage
func (t *JobTrigger) UnmarshalTemplate(data string) error {
	if data == "" || data == "{}" {
		t.PayloadTemplate = make(map[string]interface{})
		return nil
	}
	if err := json.Unmarshal([]byte(data), &t.PayloadTemplate); err != nil {
		return fmt.Errorf("failed to unmarshal payload template: %w", err)
	}
	return nil
}
