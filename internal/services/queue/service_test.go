package queue

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
	"github.com/ternarybob/opus/internal/services/validation"
	"github.com/ternarybob/opus/internal/storage/sqlite"
)

const tagSchema = `{"type":"object","additionalProperties":false,"properties":{"media_id":{"type":"string"},"limit":{"type":"integer","minimum":1,"maximum":100,"default":10}},"required":["media_id"]}`

type testEnv struct {
	queue   *Service
	catalog *catalog.Service
	storage interfaces.StorageManager
	events  interfaces.EventService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := arbor.NewLogger()
	config := common.NewDefaultConfig()
	config.Storage.SQLite.Path = t.TempDir() + "/test.db"
	config.Queue.BackoffBase = "1ms"
	config.Queue.BackoffCap = "2ms"

	storage, err := sqlite.NewManager(logger, config)
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	cat := catalog.NewService(storage.Definitions(), storage.Workflows(), validation.NewService(logger), logger)
	bus := events.NewService(logger)

	return &testEnv{
		queue:   NewService(storage, cat, bus, metrics.NewCollector(), &config.Queue, logger),
		catalog: cat,
		storage: storage,
		events:  bus,
	}
}

func (e *testEnv) registerDefinition(t *testing.T, key string) *models.JobDefinition {
	t.Helper()

	def := models.NewJobDefinition(key, tagSchema)
	def.MaxAttempts = 2
	require.NoError(t, e.catalog.SaveDefinition(context.Background(), def))
	return def
}

func TestQueue_EnqueueAppliesDefinitionDefaults(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	def := env.registerDefinition(t, "tag-assets")

	job, err := env.queue.Enqueue(ctx, &EnqueueRequest{
		TenantID:      "acme",
		DefinitionKey: "tag-assets",
		Payload:       `{"media_id":"m-1"}`,
	})
	require.NoError(t, err)
	assert.Equal(t, def.ID, job.DefinitionID)
	assert.Equal(t, models.JobStatusQueued, job.Status)
	assert.Equal(t, models.JobSourceManual, job.Source)
	assert.Equal(t, models.DefaultPriority, job.Priority)
	assert.Equal(t, def.MaxAttempts, job.MaxAttempts)
	assert.Equal(t, `{"media_id":"m-1","limit":10}`, job.Payload)

	_, err = env.queue.Enqueue(ctx, &EnqueueRequest{
		TenantID:      "acme",
		DefinitionKey: "tag-assets",
		Payload:       `{"media_id":"m-1","extra":true}`,
	})
	assert.True(t, models.IsValidationError(err))

	_, err = env.queue.Enqueue(ctx, &EnqueueRequest{
		DefinitionKey: "tag-assets",
		Payload:       `{"media_id":"m-1"}`,
	})
	assert.True(t, models.IsValidationError(err))
}

func TestQueue_EnqueueDedup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerDefinition(t, "tag-assets")

	first, err := env.queue.Enqueue(ctx, &EnqueueRequest{
		TenantID:      "acme",
		DefinitionKey: "tag-assets",
		Payload:       `{"media_id":"m-1"}`,
		DedupeKey:     "asset-m-1",
	})
	require.NoError(t, err)

	dup, err := env.queue.Enqueue(ctx, &EnqueueRequest{
		TenantID:      "acme",
		DefinitionKey: "tag-assets",
		Payload:       `{"media_id":"m-1"}`,
		DedupeKey:     "asset-m-1",
	})
	require.ErrorIs(t, err, models.ErrDedupConflict)
	require.NotNil(t, dup)
	assert.Equal(t, first.ID, dup.ID)
}

func TestQueue_EnqueuePublishesEvent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerDefinition(t, "tag-assets")

	received := make(chan *models.Job, 1)
	require.NoError(t, env.events.Subscribe(interfaces.EventJobEnqueued, func(_ context.Context, event interfaces.Event) error {
		if job, ok := event.Payload.(*models.Job); ok {
			received <- job
		}
		return nil
	}))

	job, err := env.queue.Enqueue(ctx, &EnqueueRequest{
		TenantID:      "acme",
		DefinitionKey: "tag-assets",
		Payload:       `{"media_id":"m-1"}`,
	})
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.Equal(t, job.ID, got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("job_enqueued event was not delivered")
	}
}

func TestQueue_ClaimMatchesAcceptedKeys(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerDefinition(t, "tag-assets")
	env.registerDefinition(t, "extract-frames")

	tagJob, err := env.queue.Enqueue(ctx, &EnqueueRequest{
		TenantID:      "acme",
		DefinitionKey: "tag-assets",
		Payload:       `{"media_id":"m-1"}`,
	})
	require.NoError(t, err)

	// A worker accepting only extract-* never sees the tag job
	_, _, err = env.queue.Claim(ctx, "worker-1", []string{"extract-*"})
	assert.ErrorIs(t, err, models.ErrNoWork)

	claimed, attempt, err := env.queue.Claim(ctx, "worker-1", []string{"tag-*"})
	require.NoError(t, err)
	assert.Equal(t, tagJob.ID, claimed.ID)
	assert.Equal(t, models.JobStatusRunning, claimed.Status)
	assert.Equal(t, 1, attempt.AttemptNo)
	require.NotNil(t, claimed.LeaseExpiresAt)

	_, _, err = env.queue.Claim(ctx, "worker-2", []string{"*"})
	assert.ErrorIs(t, err, models.ErrNoWork)
}

func TestQueue_LeaseForCapsTimeout(t *testing.T) {
	env := newTestEnv(t)

	short := &models.JobDefinition{TimeoutSeconds: 60}
	assert.Equal(t, 60*time.Second+DefaultLeaseGrace, env.queue.LeaseFor(short))

	long := &models.JobDefinition{TimeoutSeconds: 7200}
	assert.Equal(t, DefaultMaxLease+DefaultLeaseGrace, env.queue.LeaseFor(long))
}

func TestQueue_HeartbeatExtendsLease(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerDefinition(t, "tag-assets")

	_, err := env.queue.Enqueue(ctx, &EnqueueRequest{
		TenantID:      "acme",
		DefinitionKey: "tag-assets",
		Payload:       `{"media_id":"m-1"}`,
	})
	require.NoError(t, err)

	claimed, _, err := env.queue.Claim(ctx, "worker-1", []string{"*"})
	require.NoError(t, err)

	expiry, err := env.queue.Heartbeat(ctx, claimed.ID, "worker-1")
	require.NoError(t, err)
	assert.True(t, expiry.After(time.Now()))

	_, err = env.queue.Heartbeat(ctx, claimed.ID, "impostor")
	assert.ErrorIs(t, err, models.ErrLeaseLost)
}

func TestQueue_CompleteAndStateEvent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerDefinition(t, "tag-assets")

	_, err := env.queue.Enqueue(ctx, &EnqueueRequest{
		TenantID:      "acme",
		DefinitionKey: "tag-assets",
		Payload:       `{"media_id":"m-1"}`,
	})
	require.NoError(t, err)

	claimed, _, err := env.queue.Claim(ctx, "worker-1", []string{"*"})
	require.NoError(t, err)

	changes := make(chan *models.Job, 4)
	require.NoError(t, env.events.Subscribe(interfaces.EventJobStateChanged, func(_ context.Context, event interfaces.Event) error {
		if job, ok := event.Payload.(*models.Job); ok {
			changes <- job
		}
		return nil
	}))

	exitCode := 0
	done, err := env.queue.Complete(ctx, &interfaces.CompleteAttemptRequest{
		JobID:    claimed.ID,
		WorkerID: "worker-1",
		Status:   models.AttemptStatusSucceeded,
		ExitCode: &exitCode,
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSucceeded, done.Status)

	select {
	case got := <-changes:
		assert.Equal(t, models.JobStatusSucceeded, got.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("job_state_changed event was not delivered")
	}

	// A duplicate completion report is idempotent and publishes nothing
	again, err := env.queue.Complete(ctx, &interfaces.CompleteAttemptRequest{
		JobID:    claimed.ID,
		WorkerID: "worker-1",
		Status:   models.AttemptStatusSucceeded,
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSucceeded, again.Status)
}

func TestQueue_CancelQueuedJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerDefinition(t, "tag-assets")

	job, err := env.queue.Enqueue(ctx, &EnqueueRequest{
		TenantID:      "acme",
		DefinitionKey: "tag-assets",
		Payload:       `{"media_id":"m-1"}`,
	})
	require.NoError(t, err)

	canceled, err := env.queue.Cancel(ctx, job.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCanceled, canceled.Status)
	assert.Equal(t, "canceled by operator", canceled.LastError)
}

func TestQueue_WorkerRegistry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	worker := &models.Worker{
		WorkerID: "host-1:100:abc",
		Hostname: "host-1",
		Queues:   []string{"tag-*"},
	}
	require.NoError(t, env.queue.RegisterWorker(ctx, worker))
	require.NoError(t, env.queue.WorkerHeartbeat(ctx, worker.WorkerID, 1))

	workers, err := env.queue.ListWorkers(ctx, true)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, 1, workers[0].RunningCount)
}
