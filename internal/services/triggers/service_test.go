package triggers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/opus/internal/common"
	"github.com/ternarybob/opus/internal/interfaces"
	"github.com/ternarybob/opus/internal/metrics"
	"github.com/ternarybob/opus/internal/models"
	"github.com/ternarybob/opus/internal/services/catalog"
	"github.com/ternarybob/opus/internal/services/events"
	"github.com/ternarybob/opus/internal/services/queue"
	"github.com/ternarybob/opus/internal/services/validation"
	"github.com/ternarybob/opus/internal/storage/sqlite"
)

const ingestSchema = `{"type":"object","additionalProperties":false,"properties":{"media_id":{"type":"string"},"profile":{"type":"string","default":"standard"}},"required":["media_id"]}`

type testEnv struct {
	triggers *Service
	queue    *queue.Service
	catalog  *catalog.Service
	storage  interfaces.StorageManager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := arbor.NewLogger()
	config := common.NewDefaultConfig()
	config.Storage.SQLite.Path = t.TempDir() + "/test.db"

	storage, err := sqlite.NewManager(logger, config)
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	cat := catalog.NewService(storage.Definitions(), storage.Workflows(), validation.NewService(logger), logger)
	collector := metrics.NewCollector()
	q := queue.NewService(storage, cat, events.NewService(logger), collector, &config.Queue, logger)

	return &testEnv{
		triggers: NewService(storage, cat, q, collector, &config.Triggers, logger),
		queue:    q,
		catalog:  cat,
		storage:  storage,
	}
}

func (e *testEnv) registerDefinition(t *testing.T, key string) *models.JobDefinition {
	t.Helper()
	def := models.NewJobDefinition(key, ingestSchema)
	require.NoError(t, e.catalog.SaveDefinition(context.Background(), def))
	return def
}

func TestTriggers_SaveValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	def := env.registerDefinition(t, "ingest-media")

	good := models.NewEventTrigger("acme", "on upload", "media.uploaded", def.ID, nil)
	require.NoError(t, env.triggers.SaveTrigger(ctx, good))

	got, err := env.triggers.GetTrigger(ctx, good.ID)
	require.NoError(t, err)
	assert.Equal(t, "media.uploaded", got.EventName)

	// Unknown definition is rejected
	orphan := models.NewEventTrigger("acme", "orphan", "media.uploaded", "no-such-id", nil)
	err = env.triggers.SaveTrigger(ctx, orphan)
	assert.True(t, models.IsValidationError(err))

	// Structural invariants are enforced
	malformed := models.NewScheduleTrigger("acme", "bad cron", "not-cron", "UTC", def.ID, nil)
	err = env.triggers.SaveTrigger(ctx, malformed)
	assert.True(t, models.IsValidationError(err))
}

func TestTriggers_EventFanOut(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	def := env.registerDefinition(t, "ingest-media")

	trigger := models.NewEventTrigger("acme", "on upload", "media.uploaded", def.ID,
		map[string]interface{}{"profile": "hq"})
	require.NoError(t, env.triggers.SaveTrigger(ctx, trigger))

	jobs, err := env.triggers.PublishEvent(ctx, "acme", "media.uploaded",
		map[string]interface{}{"media_id": "m-1"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	job := jobs[0]
	assert.Equal(t, models.JobSourceEvent, job.Source)
	assert.Equal(t, def.ID, job.DefinitionID)
	assert.Equal(t, trigger.ID+":media.uploaded", job.SourceRef)
	assert.Equal(t, `{"media_id":"m-1","profile":"hq"}`, job.Payload)

	// No trigger listens on this event
	jobs, err = env.triggers.PublishEvent(ctx, "acme", "media.deleted", nil)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	// Another tenant's event does not cross over
	jobs, err = env.triggers.PublishEvent(ctx, "globex", "media.uploaded",
		map[string]interface{}{"media_id": "m-1"})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestTriggers_EventPayloadOverridesTemplate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	def := env.registerDefinition(t, "ingest-media")

	trigger := models.NewEventTrigger("acme", "on upload", "media.uploaded", def.ID,
		map[string]interface{}{"media_id": "template-default", "profile": "hq"})
	require.NoError(t, env.triggers.SaveTrigger(ctx, trigger))

	jobs, err := env.triggers.PublishEvent(ctx, "acme", "media.uploaded",
		map[string]interface{}{"media_id": "m-2"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, `{"media_id":"m-2","profile":"hq"}`, jobs[0].Payload)
}

func TestTriggers_EventDedupWindow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	def := env.registerDefinition(t, "ingest-media")

	trigger := models.NewEventTrigger("acme", "on upload", "media.uploaded", def.ID, nil)
	require.NoError(t, env.triggers.SaveTrigger(ctx, trigger))

	payload := map[string]interface{}{"media_id": "m-1"}

	jobs, err := env.triggers.PublishEvent(ctx, "acme", "media.uploaded", payload)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	// The identical event inside the window is suppressed, not an error
	jobs, err = env.triggers.PublishEvent(ctx, "acme", "media.uploaded", payload)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	// A different payload is distinct work
	jobs, err = env.triggers.PublishEvent(ctx, "acme", "media.uploaded",
		map[string]interface{}{"media_id": "m-2"})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestTriggers_ScheduleCursorLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	def := env.registerDefinition(t, "ingest-media")

	trigger := models.NewScheduleTrigger("acme", "hourly sweep", "0 * * * *", "UTC", def.ID,
		map[string]interface{}{"media_id": "sweep"})
	require.NoError(t, env.triggers.SaveTrigger(ctx, trigger))

	// First scan only plants the cursor
	now := time.Now().UTC()
	fired, err := env.triggers.Scan(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 0, fired)

	planted, err := env.triggers.GetTrigger(ctx, trigger.ID)
	require.NoError(t, err)
	require.NotNil(t, planted.NextFireAt)
	assert.True(t, planted.NextFireAt.After(now))

	// Once the cursor passes, the trigger fires exactly once and advances
	later := planted.NextFireAt.Add(time.Second)
	fired, err = env.triggers.Scan(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	jobs, _, err := env.queue.ListJobs(ctx, &interfaces.JobListOptions{TenantID: "acme"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.JobSourceSchedule, jobs[0].Source)

	fired, err = env.triggers.Scan(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, 0, fired)

	advanced, err := env.triggers.GetTrigger(ctx, trigger.ID)
	require.NoError(t, err)
	assert.True(t, advanced.NextFireAt.After(later))
}

func TestTriggers_DisabledTriggerNeverFires(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	def := env.registerDefinition(t, "ingest-media")

	trigger := models.NewEventTrigger("acme", "off", "media.uploaded", def.ID, nil)
	trigger.IsEnabled = false
	require.NoError(t, env.triggers.SaveTrigger(ctx, trigger))

	jobs, err := env.triggers.PublishEvent(ctx, "acme", "media.uploaded",
		map[string]interface{}{"media_id": "m-1"})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}
