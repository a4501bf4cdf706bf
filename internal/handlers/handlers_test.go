package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

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

const assetSchema = `{"type":"object","additionalProperties":false,"properties":{"media_id":{"type":"string"}},"required":["media_id"]}`

type testEnv struct {
	jobs    *JobHandler
	workers *WorkerHandler
	defs    *DefinitionHandler
	queue   *queue.Service
	catalog *catalog.Service
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
	q := queue.NewService(storage, cat, events.NewService(logger), metrics.NewCollector(), &config.Queue, logger)

	return &testEnv{
		jobs:    NewJobHandler(q, logger),
		workers: NewWorkerHandler(q, logger),
		defs:    NewDefinitionHandler(cat, logger),
		queue:   q,
		catalog: cat,
	}
}

func (e *testEnv) registerDefinition(t *testing.T, key string) *models.JobDefinition {
	t.Helper()
	def := models.NewJobDefinition(key, assetSchema)
	require.NoError(t, e.catalog.SaveDefinition(context.Background(), def))
	return def
}

func postJSON(t *testing.T, handler http.HandlerFunc, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func get(t *testing.T, handler http.HandlerFunc, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestEnqueueHandler_CreatesJob(t *testing.T) {
	env := newTestEnv(t)
	env.registerDefinition(t, "tag-assets")

	rec := postJSON(t, env.jobs.EnqueueHandler, "/api/jobs",
		`{"tenant_id":"acme","definition_key":"tag-assets","payload":"{\"media_id\":\"m-1\"}"}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, false, body["deduplicated"])

	job := body["job"].(map[string]interface{})
	assert.Equal(t, "acme", job["tenant_id"])
	assert.Equal(t, string(models.JobStatusQueued), job["status"])
}

func TestEnqueueHandler_DedupHitReturns200(t *testing.T) {
	env := newTestEnv(t)
	env.registerDefinition(t, "tag-assets")

	body := `{"tenant_id":"acme","definition_key":"tag-assets","payload":"{\"media_id\":\"m-1\"}","dedupe_key":"asset-m-1"}`

	first := postJSON(t, env.jobs.EnqueueHandler, "/api/jobs", body)
	require.Equal(t, http.StatusCreated, first.Code)
	firstJob := decode(t, first)["job"].(map[string]interface{})

	second := postJSON(t, env.jobs.EnqueueHandler, "/api/jobs", body)
	require.Equal(t, http.StatusOK, second.Code)
	secondBody := decode(t, second)
	assert.Equal(t, true, secondBody["deduplicated"])
	assert.Equal(t, firstJob["id"], secondBody["job"].(map[string]interface{})["id"])
}

func TestEnqueueHandler_ValidationError(t *testing.T) {
	env := newTestEnv(t)
	env.registerDefinition(t, "tag-assets")

	rec := postJSON(t, env.jobs.EnqueueHandler, "/api/jobs",
		`{"tenant_id":"acme","definition_key":"tag-assets","payload":"{\"wrong\":true}"}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", decode(t, rec)["kind"])
}

func TestGetJobHandler_NotFound(t *testing.T) {
	env := newTestEnv(t)

	rec := get(t, env.jobs.GetJobHandler, "/api/jobs/no-such-job")

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode(t, rec)["kind"])
}

func TestCancelJobHandler(t *testing.T) {
	env := newTestEnv(t)
	env.registerDefinition(t, "tag-assets")

	rec := postJSON(t, env.jobs.EnqueueHandler, "/api/jobs",
		`{"tenant_id":"acme","definition_key":"tag-assets","payload":"{\"media_id\":\"m-1\"}"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	jobID := decode(t, rec)["job"].(map[string]interface{})["id"].(string)

	cancelRec := postJSON(t, env.jobs.CancelJobHandler, "/api/jobs/"+jobID+"/cancel",
		`{"reason":"operator request"}`)

	require.Equal(t, http.StatusOK, cancelRec.Code)
	job := decode(t, cancelRec)["job"].(map[string]interface{})
	assert.Equal(t, string(models.JobStatusCanceled), job["status"])
}

func TestClaimHandler_EmptyQueueReturns204(t *testing.T) {
	env := newTestEnv(t)

	rec := postJSON(t, env.workers.ClaimHandler, "/api/workers/claim",
		`{"worker_id":"w-1"}`)

	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestClaimAndCompleteViaHandlers(t *testing.T) {
	env := newTestEnv(t)
	env.registerDefinition(t, "tag-assets")

	rec := postJSON(t, env.jobs.EnqueueHandler, "/api/jobs",
		`{"tenant_id":"acme","definition_key":"tag-assets","payload":"{\"media_id\":\"m-1\"}"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	jobID := decode(t, rec)["job"].(map[string]interface{})["id"].(string)

	claim := postJSON(t, env.workers.ClaimHandler, "/api/workers/claim",
		`{"worker_id":"w-1","queues":["tag-*"]}`)
	require.Equal(t, http.StatusOK, claim.Code)
	claimed := decode(t, claim)["job"].(map[string]interface{})
	require.Equal(t, jobID, claimed["id"])

	complete := postJSON(t, env.workers.CompleteHandler, "/api/jobs/"+jobID+"/complete",
		`{"worker_id":"w-1","status":"succeeded","exit_code":0}`)
	require.Equal(t, http.StatusOK, complete.Code)
	job := decode(t, complete)["job"].(map[string]interface{})
	assert.Equal(t, string(models.JobStatusSucceeded), job["status"])
}

func TestDefinitionHandlers_SaveAndDeactivate(t *testing.T) {
	env := newTestEnv(t)

	rec := postJSON(t, env.defs.SaveHandler, "/api/definitions",
		`{"key":"tag-assets","payload_schema":`+jsonString(assetSchema)+`}`)
	require.Equal(t, http.StatusOK, rec.Code)
	def := decode(t, rec)["definition"].(map[string]interface{})
	id := def["id"].(string)
	require.NotEmpty(t, id)

	deact := postJSON(t, env.defs.DeactivateHandler, "/api/definitions/"+id+"/deactivate", "")
	require.Equal(t, http.StatusOK, deact.Code)

	// Enqueues against a deactivated definition are rejected
	enq := postJSON(t, env.jobs.EnqueueHandler, "/api/jobs",
		`{"tenant_id":"acme","definition_key":"tag-assets","payload":"{\"media_id\":\"m-1\"}"}`)
	assert.Equal(t, http.StatusBadRequest, enq.Code)
}

// jsonString JSON-encodes a string for embedding in a request body literal
func jsonString(s string) string {
	data, _ := json.Marshal(s)
	return string(data)
}
