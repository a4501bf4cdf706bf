package janitor

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

const mediaSchema = `{"type":"object","additionalProperties":false,"properties":{"media_id":{"type":"string"}},"required":["media_id"]}`

type testEnv struct {
	janitor *Service
	queue   *queue.Service
	catalog *catalog.Service
	storage interfaces.StorageManager
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
	collector := metrics.NewCollector()
	q := queue.NewService(storage, cat, events.NewService(logger), collector, &config.Queue, logger)

	return &testEnv{
		janitor: NewService(q, storage, collector, &config.Janitor, logger),
		queue:   q,
		catalog: cat,
		storage: storage,
	}
}

// runSilentJob enqueues and claims a job for a worker that then goes silent
func (e *testEnv) runSilentJob(t *testing.T, key string, maxAttempts int) *models.Job {
	t.Helper()
	ctx := context.Background()

	def := models.NewJobDefinition(key, mediaSchema)
	def.MaxAttempts = maxAttempts
	require.NoError(t, e.catalog.SaveDefinition(ctx, def))

	_, err := e.queue.Enqueue(ctx, &queue.EnqueueRequest{
		TenantID:      "acme",
		DefinitionKey: key,
		Payload:       `{"media_id":"m-1"}`,
	})
	require.NoError(t, err)

	job, _, err := e.queue.Claim(ctx, "dead-worker", []string{"*"})
	require.NoError(t, err)
	return job
}

// expireLease rewinds a running job's lease into the past
func (e *testEnv) expireLease(t *testing.T, job *models.Job) {
	t.Helper()
	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, e.storage.Jobs().HeartbeatLease(context.Background(), job.ID, job.ClaimedByWorker, past))
}

func TestJanitor_RequeuesExpiredLease(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.runSilentJob(t, "tag-assets", 2)

	// Before the lease lapses the sweep leaves the job alone
	recovered, _, err := env.janitor.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, recovered)

	env.expireLease(t, job)

	recovered, _, err = env.janitor.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	// Attempts remain, so the job goes back on the queue
	requeued, err := env.queue.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, requeued.Status)
	assert.Equal(t, "lease expired", requeued.LastError)
	assert.Nil(t, requeued.LeaseExpiresAt)

	attempt, err := env.queue.LatestAttempt(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AttemptStatusFailed, attempt.Status)
	assert.Equal(t, "lease expired", attempt.ErrorText)
}

func TestJanitor_DeadLettersAtMaxAttempts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.runSilentJob(t, "tag-assets", 1)

	env.expireLease(t, job)

	recovered, _, err := env.janitor.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	dead, err := env.queue.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusDeadLetter, dead.Status)

	// A second sweep finds nothing left to recover
	recovered, _, err = env.janitor.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, recovered)
}

func TestJanitor_MarksStaleWorkers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	worker := &models.Worker{
		WorkerID:   "host-1:100:abc",
		Hostname:   "host-1",
		Queues:     []string{"*"},
		LastSeenAt: time.Now().UTC().Add(-10 * time.Minute),
	}
	require.NoError(t, env.queue.RegisterWorker(ctx, worker))

	_, stale, err := env.janitor.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stale)

	active, err := env.queue.ListWorkers(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, active)
}
