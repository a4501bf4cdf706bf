package catalog

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/opus/internal/common"
	"github.com/ternarybob/opus/internal/models"
	"github.com/ternarybob/opus/internal/services/validation"
	"github.com/ternarybob/opus/internal/storage/sqlite"
)

func newTestCatalog(t *testing.T) *Service {
	t.Helper()

	logger := arbor.NewLogger()
	db, err := sqlite.NewSQLiteDB(logger, &common.SQLiteConfig{Path: t.TempDir() + "/test.db"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewService(
		sqlite.NewDefinitionStorage(db, logger),
		sqlite.NewWorkflowStorage(db, logger),
		validation.NewService(logger),
		logger,
	)
}

const frameSchema = `{"type":"object","additionalProperties":false,"properties":{"media_id":{"type":"string"}},"required":["media_id"]}`

func TestCatalog_SaveAndResolve(t *testing.T) {
	svc := newTestCatalog(t)
	ctx := context.Background()

	def := models.NewJobDefinition("extract-frames", frameSchema)
	require.NoError(t, svc.SaveDefinition(ctx, def))

	got, err := svc.GetByKey(ctx, "extract-frames")
	require.NoError(t, err)
	assert.Equal(t, def.ID, got.ID)
	assert.Equal(t, models.DefaultTimeoutSeconds, got.TimeoutSeconds)

	byID, err := svc.GetByID(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, "extract-frames", byID.Key)

	_, err = svc.GetByKey(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestCatalog_RejectsBadSchema(t *testing.T) {
	svc := newTestCatalog(t)
	ctx := context.Background()

	def := models.NewJobDefinition("bad", `{"type":"object","properties":{"x":{"type":"map"}}}`)
	err := svc.SaveDefinition(ctx, def)
	require.Error(t, err)
	assert.True(t, models.IsValidationError(err))
}

func TestCatalog_CacheHonorsTTL(t *testing.T) {
	svc := newTestCatalog(t)
	ctx := context.Background()

	now := time.Now()
	svc.nowFn = func() time.Time { return now }

	def := models.NewJobDefinition("tag-assets", frameSchema)
	require.NoError(t, svc.SaveDefinition(ctx, def))

	first, err := svc.GetByKey(ctx, "tag-assets")
	require.NoError(t, err)

	// Within the TTL the same pointer comes back without a store read
	second, err := svc.GetByKey(ctx, "tag-assets")
	require.NoError(t, err)
	assert.Same(t, first, second)

	// Past the TTL the entry is refetched
	now = now.Add(DefaultCacheTTL + time.Second)
	third, err := svc.GetByKey(ctx, "tag-assets")
	require.NoError(t, err)
	assert.NotSame(t, first, third)
	assert.Equal(t, first.ID, third.ID)
}

func TestCatalog_ConcurrentReadsAndActivation(t *testing.T) {
	svc := newTestCatalog(t)
	ctx := context.Background()

	def := models.NewJobDefinition("extract-frames", frameSchema)
	require.NoError(t, svc.SaveDefinition(ctx, def))
	_, err := svc.GetByKey(ctx, "extract-frames")
	require.NoError(t, err)

	// Readers race SetActive, which resets the key cache wholesale
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if _, err := svc.GetByKey(ctx, "extract-frames"); err != nil {
					t.Errorf("GetByKey: %v", err)
					return
				}
				if _, err := svc.GetByID(ctx, def.ID); err != nil {
					t.Errorf("GetByID: %v", err)
					return
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 50; j++ {
			if err := svc.SetActive(ctx, def.ID, j%2 == 0); err != nil {
				t.Errorf("SetActive: %v", err)
				return
			}
		}
	}()
	wg.Wait()

	got, err := svc.GetByKey(ctx, "extract-frames")
	require.NoError(t, err)
	assert.Equal(t, def.ID, got.ID)
}

func TestCatalog_NormalizeThroughDefinition(t *testing.T) {
	svc := newTestCatalog(t)
	ctx := context.Background()

	def := models.NewJobDefinition("tag-assets", frameSchema)
	require.NoError(t, svc.SaveDefinition(ctx, def))

	resolved, canonical, err := svc.Normalize(ctx, "tag-assets", `{"media_id":"m-1"}`)
	require.NoError(t, err)
	assert.Equal(t, def.ID, resolved.ID)
	assert.Equal(t, `{"media_id":"m-1"}`, canonical)

	_, _, err = svc.Normalize(ctx, "tag-assets", `{"media_id":"m-1","extra":true}`)
	assert.True(t, models.IsValidationError(err))

	// Inactive definitions reject new work
	require.NoError(t, svc.SetActive(ctx, def.ID, false))
	_, _, err = svc.Normalize(ctx, "tag-assets", `{"media_id":"m-1"}`)
	assert.True(t, models.IsValidationError(err))
}

func TestCatalog_WorkflowStepChecks(t *testing.T) {
	svc := newTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, svc.SaveDefinition(ctx, models.NewJobDefinition("extract-frames", frameSchema)))

	workflow := &models.WorkflowDefinition{
		Key: "media-ingest",
		Steps: []models.WorkflowStep{
			{StepKey: "extract", DefinitionKey: "extract-frames", Payload: map[string]interface{}{"media_id": "m-1"}},
		},
	}
	require.NoError(t, svc.SaveWorkflowDefinition(ctx, workflow))

	// Steps referencing unknown definitions are rejected
	broken := &models.WorkflowDefinition{
		Key: "broken",
		Steps: []models.WorkflowStep{
			{StepKey: "extract", DefinitionKey: "no-such-definition"},
		},
	}
	err := svc.SaveWorkflowDefinition(ctx, broken)
	assert.True(t, models.IsValidationError(err))

	// Steps whose payload fails the definition schema are rejected
	badPayload := &models.WorkflowDefinition{
		Key: "bad-payload",
		Steps: []models.WorkflowStep{
			{StepKey: "extract", DefinitionKey: "extract-frames", Payload: map[string]interface{}{"unknown": 1}},
		},
	}
	err = svc.SaveWorkflowDefinition(ctx, badPayload)
	assert.True(t, models.IsValidationError(err))
}

func TestCatalog_LoadFromDir(t *testing.T) {
	svc := newTestCatalog(t)
	ctx := context.Background()
	dir := t.TempDir()

	tomlSeed := `
[[jobs]]
key = "extract-frames"
description = "Extract key frames from uploaded media"
command = ["opus-extract", "--frames"]
timeout_seconds = 600
payload_schema = '{"type":"object","additionalProperties":false,"properties":{"media_id":{"type":"string"}},"required":["media_id"]}'

[[jobs]]
key = "tag-assets"
payload_schema = '{"type":"object","additionalProperties":false,"properties":{"media_id":{"type":"string"}},"required":["media_id"]}'

[[workflows]]
key = "media-ingest"
[[workflows.steps]]
step_key = "extract"
definition_key = "extract-frames"
payload = { media_id = "placeholder" }
[[workflows.steps]]
step_key = "tag"
definition_key = "tag-assets"
depends_on = ["extract"]
payload = { media_id = "placeholder" }
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "media.toml"), []byte(tomlSeed), 0644))

	yamlSeed := `
jobs:
  - key: publish-tags
    payload_schema: '{"type":"object","additionalProperties":false,"properties":{"media_id":{"type":"string"}}}'
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "publish.yaml"), []byte(yamlSeed), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644))

	require.NoError(t, svc.LoadFromDir(ctx, dir))

	defs, err := svc.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, defs, 3)

	def, err := svc.GetByKey(ctx, "extract-frames")
	require.NoError(t, err)
	assert.Equal(t, []string{"opus-extract", "--frames"}, def.Command)
	assert.Equal(t, 600, def.TimeoutSeconds)

	workflows, err := svc.ListActiveWorkflows(ctx)
	require.NoError(t, err)
	require.Len(t, workflows, 1)
	assert.Equal(t, "media-ingest", workflows[0].Key)
	assert.Len(t, workflows[0].Steps, 2)

	// Reloading the same directory is idempotent
	require.NoError(t, svc.LoadFromDir(ctx, dir))
	defs, err = svc.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, defs, 3)

	// A missing directory is not an error
	require.NoError(t, svc.LoadFromDir(ctx, filepath.Join(dir, "nope")))
}
