package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/opus/internal/models"
)

func TestTriggerStorage_EventTriggers(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	storage := NewTriggerStorage(db, arbor.NewLogger())
	ctx := context.Background()

	trigger := models.NewEventTrigger("tenant-a", "on-upload", "media.uploaded", "def-1",
		map[string]interface{}{"quality": "high"})
	require.NoError(t, storage.SaveTrigger(ctx, trigger))

	disabled := models.NewEventTrigger("tenant-a", "off", "media.uploaded", "def-2", nil)
	disabled.IsEnabled = false
	require.NoError(t, storage.SaveTrigger(ctx, disabled))

	otherEvent := models.NewEventTrigger("tenant-a", "on-delete", "media.deleted", "def-3", nil)
	require.NoError(t, storage.SaveTrigger(ctx, otherEvent))

	matches, err := storage.ListEventTriggers(ctx, "tenant-a", "media.uploaded")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, trigger.ID, matches[0].ID)
	assert.Equal(t, "high", matches[0].PayloadTemplate["quality"])

	// Events never cross tenants
	matches, err = storage.ListEventTriggers(ctx, "tenant-b", "media.uploaded")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestTriggerStorage_ScheduleCursor(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	storage := NewTriggerStorage(db, arbor.NewLogger())
	ctx := context.Background()
	now := time.Now().UTC()

	trigger := models.NewScheduleTrigger("tenant-a", "nightly", "0 2 * * *", "UTC", "def-1", nil)
	require.NoError(t, storage.SaveTrigger(ctx, trigger))

	// A fresh trigger has no cursor and is due for evaluation
	due, err := storage.ListDueScheduleTriggers(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Nil(t, due[0].NextFireAt)

	next, err := trigger.NextFire(now)
	require.NoError(t, err)
	require.NoError(t, storage.AdvanceTriggerCursor(ctx, trigger.ID, next))

	// Not due again until the cursor passes
	due, err = storage.ListDueScheduleTriggers(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = storage.ListDueScheduleTriggers(ctx, next.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.NotNil(t, due[0].NextFireAt)
	assert.Equal(t, next.UnixMilli(), due[0].NextFireAt.UnixMilli())

	err = storage.AdvanceTriggerCursor(ctx, "missing", next)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestWorkerStorage_RegistryLifecycle(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	storage := NewWorkerStorage(db, arbor.NewLogger())
	ctx := context.Background()
	now := time.Now().UTC()

	worker := &models.Worker{
		WorkerID:   "host-1-1234",
		Hostname:   "host-1",
		Version:    "0.1.0",
		Queues:     []string{"tag-*", "extract-frames"},
		LastSeenAt: now,
		Metadata:   map[string]string{"zone": "us-east"},
		IsActive:   true,
	}
	require.NoError(t, storage.UpsertWorker(ctx, worker))

	got, err := storage.GetWorker(ctx, "host-1-1234")
	require.NoError(t, err)
	assert.Equal(t, []string{"tag-*", "extract-frames"}, got.Queues)
	assert.Equal(t, "us-east", got.Metadata["zone"])
	assert.True(t, got.AcceptsKey("tag-assets"))
	assert.False(t, got.AcceptsKey("publish-tags"))

	require.NoError(t, storage.HeartbeatWorker(ctx, "host-1-1234", now.Add(time.Minute), 2))
	got, err = storage.GetWorker(ctx, "host-1-1234")
	require.NoError(t, err)
	assert.Equal(t, 2, got.RunningCount)

	err = storage.HeartbeatWorker(ctx, "missing", now, 0)
	assert.ErrorIs(t, err, models.ErrNotFound)

	// Stale sweep flips the worker inactive but keeps the row
	marked, err := storage.MarkStaleWorkers(ctx, now.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, marked)

	active, err := storage.ListWorkers(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := storage.ListWorkers(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.False(t, all[0].IsActive)
}
