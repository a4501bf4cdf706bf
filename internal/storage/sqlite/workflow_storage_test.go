package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/opus/internal/interfaces"
	"github.com/ternarybob/opus/internal/models"
)

func testWorkflowDefinition(key string) *models.WorkflowDefinition {
	def := &models.WorkflowDefinition{
		Key: key,
		Steps: []models.WorkflowStep{
			{StepKey: "extract", DefinitionKey: "extract-frames"},
			{StepKey: "tag", DefinitionKey: "tag-assets", DependsOn: []string{"extract"}},
			{StepKey: "publish", DefinitionKey: "publish-tags", DependsOn: []string{"tag"}},
		},
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	def.ApplyDefaults()
	return def
}

func TestWorkflowStorage_DefinitionRoundTrip(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	storage := NewWorkflowStorage(db, arbor.NewLogger())
	ctx := context.Background()

	def := testWorkflowDefinition("media-ingest")
	require.NoError(t, storage.SaveWorkflowDefinition(ctx, def))

	got, err := storage.GetWorkflowDefinitionByKey(ctx, "media-ingest")
	require.NoError(t, err)
	assert.Equal(t, def.ID, got.ID)
	require.Len(t, got.Steps, 3)
	assert.Equal(t, []string{"extract"}, got.Steps[1].DependsOn)
	assert.Equal(t, models.FailurePolicyFailFast, got.FailurePolicy)
	assert.Equal(t, models.DefaultMaxParallelSteps, got.MaxParallelSteps)

	// Save by key updates in place
	def.Description = "frame extraction and auto-tagging"
	def.FailurePolicy = models.FailurePolicyContinue
	require.NoError(t, storage.SaveWorkflowDefinition(ctx, def))

	got, err = storage.GetWorkflowDefinitionByKey(ctx, "media-ingest")
	require.NoError(t, err)
	assert.Equal(t, models.FailurePolicyContinue, got.FailurePolicy)
	assert.Equal(t, "frame extraction and auto-tagging", got.Description)

	// Cyclic definitions are rejected
	bad := testWorkflowDefinition("bad")
	bad.Steps[0].DependsOn = []string{"publish"}
	err = storage.SaveWorkflowDefinition(ctx, bad)
	assert.True(t, models.IsValidationError(err))
}

func TestWorkflowStorage_RunAndSteps(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	storage := NewWorkflowStorage(db, arbor.NewLogger())
	ctx := context.Background()
	now := time.Now().UTC()

	def := testWorkflowDefinition("media-ingest")
	require.NoError(t, storage.SaveWorkflowDefinition(ctx, def))

	run := &models.WorkflowRun{
		ID:                   uuid.New().String(),
		TenantID:             "tenant-a",
		WorkflowDefinitionID: def.ID,
		Status:               models.RunStatusRunning,
		Payload:              `{"media_id":"m-9"}`,
		Priority:             models.DefaultPriority,
		MaxParallelSteps:     def.MaxParallelSteps,
		FailurePolicy:        def.FailurePolicy,
		QueuedAt:             now,
		StartedAt:            &now,
	}

	steps := make([]*models.WorkflowStepRun, 0, len(def.Steps))
	for _, s := range def.Steps {
		steps = append(steps, &models.WorkflowStepRun{
			ID:            uuid.New().String(),
			WorkflowRunID: run.ID,
			StepKey:       s.StepKey,
			DefinitionID:  "def-" + s.DefinitionKey,
			Status:        models.StepStatusPending,
			Payload:       `{}`,
			DependsOn:     s.DependsOn,
		})
	}

	require.NoError(t, storage.InsertRun(ctx, run, steps))

	got, err := storage.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, got.Status)

	gotSteps, err := storage.GetStepRuns(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, gotSteps, 3)

	// Advance one step through queued
	var extract *models.WorkflowStepRun
	for _, s := range gotSteps {
		if s.StepKey == "extract" {
			extract = s
		}
	}
	require.NotNil(t, extract)
	extract.Status = models.StepStatusQueued
	extract.ChildJobID = uuid.New().String()
	extract.QueuedAt = &now
	require.NoError(t, storage.UpdateStepRun(ctx, extract))

	gotSteps, err = storage.GetStepRuns(ctx, run.ID)
	require.NoError(t, err)
	for _, s := range gotSteps {
		if s.StepKey == "extract" {
			assert.Equal(t, models.StepStatusQueued, s.Status)
			assert.Equal(t, extract.ChildJobID, s.ChildJobID)
			assert.Equal(t, []string(nil), s.DependsOn)
		}
		if s.StepKey == "tag" {
			assert.Equal(t, models.StepStatusPending, s.Status)
			assert.Equal(t, []string{"extract"}, s.DependsOn)
		}
	}

	running, err := storage.ListRunningRuns(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, running, 1)

	count, err := storage.CountRunningRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Finish the run
	finished := now.Add(time.Minute)
	got.Status = models.RunStatusSucceeded
	got.FinishedAt = &finished
	require.NoError(t, storage.UpdateRun(ctx, got))

	running, err = storage.ListRunningRuns(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, running)

	runs, err := storage.ListRuns(ctx, &interfaces.RunListOptions{TenantID: "tenant-a", Status: "succeeded"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
}
