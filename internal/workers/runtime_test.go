package workers

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/opus/internal/common"
	"github.com/ternarybob/opus/internal/metrics"
	"github.com/ternarybob/opus/internal/models"
	"github.com/ternarybob/opus/internal/services/catalog"
	"github.com/ternarybob/opus/internal/services/events"
	"github.com/ternarybob/opus/internal/services/queue"
	"github.com/ternarybob/opus/internal/services/validation"
	"github.com/ternarybob/opus/internal/storage/sqlite"
)

const taskSchema = `{"type":"object","additionalProperties":false,"properties":{"media_id":{"type":"string"}},"required":["media_id"]}`

type testEnv struct {
	runtime *Runtime
	queue   *queue.Service
	catalog *catalog.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := arbor.NewLogger()
	config := common.NewDefaultConfig()
	config.Storage.SQLite.Path = t.TempDir() + "/test.db"
	config.Queue.BackoffBase = "1ms"
	config.Queue.BackoffCap = "2ms"
	config.Workers.Concurrency = 1
	config.Workers.PollInterval = "10ms"
	config.Workers.DrainGrace = "1s"

	storage, err := sqlite.NewManager(logger, config)
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	cat := catalog.NewService(storage.Definitions(), storage.Workflows(), validation.NewService(logger), logger)
	q := queue.NewService(storage, cat, events.NewService(logger), metrics.NewCollector(), &config.Queue, logger)

	return &testEnv{
		runtime: NewRuntime(q, cat, &config.Workers, "test", logger),
		queue:   q,
		catalog: cat,
	}
}

func (e *testEnv) registerDefinition(t *testing.T, key string, maxAttempts int, command []string) *models.JobDefinition {
	t.Helper()
	def := models.NewJobDefinition(key, taskSchema)
	def.MaxAttempts = maxAttempts
	def.Command = command
	require.NoError(t, e.catalog.SaveDefinition(context.Background(), def))
	return def
}

// runUntil starts the runtime and blocks until the condition holds, then
// shuts the runtime down
func (e *testEnv) runUntil(t *testing.T, condition func() bool) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.runtime.Start(ctx) }()

	require.Eventually(t, condition, 10*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func (e *testEnv) jobStatus(t *testing.T, jobID string) models.JobStatus {
	t.Helper()
	job, err := e.queue.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	return job.Status
}

func TestTailBuffer_KeepsLastBytes(t *testing.T) {
	buf := newTailBuffer()

	_, err := buf.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = buf.Write([]byte("world"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", buf.String())

	big := strings.Repeat("x", models.MaxTailBytes)
	_, err = buf.Write([]byte(big + "TAIL"))
	require.NoError(t, err)

	got := buf.String()
	assert.Len(t, got, models.MaxTailBytes)
	assert.True(t, strings.HasSuffix(got, "TAIL"))
}

func TestRuntime_ExecutesHandlerJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerDefinition(t, "tag-assets", 3, nil)

	env.runtime.RegisterHandler("tag-assets", func(_ context.Context, job *models.Job, stdout, _ io.Writer) error {
		fmt.Fprintf(stdout, "tagged %s", job.TenantID)
		return nil
	})

	job, err := env.queue.Enqueue(ctx, &queue.EnqueueRequest{
		TenantID:      "acme",
		DefinitionKey: "tag-assets",
		Payload:       `{"media_id":"m-1"}`,
	})
	require.NoError(t, err)

	env.runUntil(t, func() bool {
		return env.jobStatus(t, job.ID) == models.JobStatusSucceeded
	})

	attempt, err := env.queue.LatestAttempt(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AttemptStatusSucceeded, attempt.Status)
	assert.Equal(t, "tagged acme", attempt.StdoutTail)
	require.NotNil(t, attempt.ExitCode)
	assert.Equal(t, 0, *attempt.ExitCode)
	assert.Equal(t, env.runtime.WorkerID(), attempt.WorkerID)

	// The runtime registered itself on startup
	workers, err := env.queue.ListWorkers(ctx, false)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, env.runtime.WorkerID(), workers[0].WorkerID)
}

func TestRuntime_FailingHandlerExhaustsRetries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerDefinition(t, "tag-assets", 2, nil)

	env.runtime.RegisterHandler("tag-assets", func(_ context.Context, _ *models.Job, _, stderr io.Writer) error {
		fmt.Fprint(stderr, "model unavailable")
		return fmt.Errorf("tagging backend down")
	})

	job, err := env.queue.Enqueue(ctx, &queue.EnqueueRequest{
		TenantID:      "acme",
		DefinitionKey: "tag-assets",
		Payload:       `{"media_id":"m-1"}`,
	})
	require.NoError(t, err)

	env.runUntil(t, func() bool {
		return env.jobStatus(t, job.ID) == models.JobStatusDeadLetter
	})

	attempts, err := env.queue.GetAttempts(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)

	latest := attempts[0]
	assert.Equal(t, models.AttemptStatusFailed, latest.Status)
	assert.Equal(t, "tagging backend down", latest.ErrorText)
	assert.Equal(t, "model unavailable", latest.StderrTail)
}

func TestRuntime_RunsSubprocessCommand(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerDefinition(t, "extract-frames", 1, []string{"/bin/sh", "-c", "cat; echo done"})

	job, err := env.queue.Enqueue(ctx, &queue.EnqueueRequest{
		TenantID:      "acme",
		DefinitionKey: "extract-frames",
		Payload:       `{"media_id":"m-9"}`,
	})
	require.NoError(t, err)

	env.runUntil(t, func() bool {
		return env.jobStatus(t, job.ID) == models.JobStatusSucceeded
	})

	// The payload arrives on stdin and the output tail is captured
	attempt, err := env.queue.LatestAttempt(ctx, job.ID)
	require.NoError(t, err)
	assert.Contains(t, attempt.StdoutTail, `{"media_id":"m-9"}`)
	assert.Contains(t, attempt.StdoutTail, "done")
}

func TestRuntime_QueueFilterLeavesForeignJobs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerDefinition(t, "tag-assets", 1, nil)
	env.registerDefinition(t, "publish-tags", 1, nil)

	env.runtime.queues = []string{"tag-*"}
	env.runtime.RegisterHandler("tag-assets", func(_ context.Context, _ *models.Job, _, _ io.Writer) error {
		return nil
	})

	tagJob, err := env.queue.Enqueue(ctx, &queue.EnqueueRequest{
		TenantID: "acme", DefinitionKey: "tag-assets", Payload: `{"media_id":"m-1"}`,
	})
	require.NoError(t, err)
	otherJob, err := env.queue.Enqueue(ctx, &queue.EnqueueRequest{
		TenantID: "acme", DefinitionKey: "publish-tags", Payload: `{"media_id":"m-1"}`,
	})
	require.NoError(t, err)

	env.runUntil(t, func() bool {
		return env.jobStatus(t, tagJob.ID) == models.JobStatusSucceeded
	})

	assert.Equal(t, models.JobStatusQueued, env.jobStatus(t, otherJob.ID))
}
