package queue

import (
	"context"
	"path"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/opus/internal/common"
	"github.com/ternarybob/opus/internal/interfaces"
	"github.com/ternarybob/opus/internal/metrics"
	"github.com/ternarybob/opus/internal/models"
	"github.com/ternarybob/opus/internal/services/catalog"
)

// Defaults for the lease window when config omits them
const (
	DefaultMaxLease   = 15 * time.Minute
	DefaultLeaseGrace = 30 * time.Second
)

// EnqueueRequest carries everything an API caller may set on a new job
type EnqueueRequest struct {
	TenantID      string
	DefinitionKey string
	Payload       string
	Source        models.JobSource
	SourceRef     string
	Priority      int // 0 means the default
	DedupeKey     string
	CorrelationID string
	ScheduledFor  *time.Time
	CreatedBy     string
}

// Service is the queue facade: it validates and enqueues jobs, runs the
// claim/heartbeat/complete protocol for workers, and mirrors every job state
// change onto the event bus for the orchestrator.
type Service struct {
	storage   interfaces.StorageManager
	catalog   *catalog.Service
	events    interfaces.EventService
	collector *metrics.Collector
	logger    arbor.ILogger

	maxLease   time.Duration
	leaseGrace time.Duration
}

// NewService creates a new queue service
func NewService(storage interfaces.StorageManager, cat *catalog.Service, events interfaces.EventService, collector *metrics.Collector, config *common.QueueConfig, logger arbor.ILogger) *Service {
	maxLease := DefaultMaxLease
	leaseGrace := DefaultLeaseGrace
	if config != nil {
		maxLease = common.ParseDuration(config.MaxLeaseDuration, maxLease)
		leaseGrace = common.ParseDuration(config.LeaseGrace, leaseGrace)
	}

	return &Service{
		storage:    storage,
		catalog:    cat,
		events:     events,
		collector:  collector,
		logger:     logger,
		maxLease:   maxLease,
		leaseGrace: leaseGrace,
	}
}

// Enqueue validates a payload against its definition and inserts the job.
// On an active dedup conflict the existing job is returned together with
// models.ErrDedupConflict; callers surface that as a non-error result.
func (s *Service) Enqueue(ctx context.Context, req *EnqueueRequest) (*models.Job, error) {
	if req.TenantID == "" {
		return nil, models.NewValidationError("tenant_id is required")
	}

	def, canonical, err := s.catalog.Normalize(ctx, req.DefinitionKey, req.Payload)
	if err != nil {
		return nil, err
	}

	source := req.Source
	if source == "" {
		source = models.JobSourceManual
	}

	job := models.NewJob(req.TenantID, def.ID, source, canonical)
	job.SourceRef = req.SourceRef
	job.DedupeKey = req.DedupeKey
	job.CorrelationID = req.CorrelationID
	job.CreatedBy = req.CreatedBy
	job.MaxAttempts = def.MaxAttempts
	if req.Priority != 0 {
		job.Priority = req.Priority
	}
	if req.ScheduledFor != nil {
		job.ScheduledFor = req.ScheduledFor.UTC()
	}

	inserted, err := s.storage.Jobs().InsertJob(ctx, job)
	if err != nil {
		return inserted, err
	}

	s.collector.RecordEnqueue(string(source))
	s.events.Publish(ctx, interfaces.Event{Type: interfaces.EventJobEnqueued, Payload: inserted})
	return inserted, nil
}

// GetJob returns a job by ID
func (s *Service) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	return s.storage.Jobs().GetJob(ctx, jobID)
}

// GetAttempts returns a job's attempt history, newest first
func (s *Service) GetAttempts(ctx context.Context, jobID string) ([]*models.JobAttempt, error) {
	return s.storage.Jobs().GetAttempts(ctx, jobID)
}

// LatestAttempt returns a job's most recent attempt
func (s *Service) LatestAttempt(ctx context.Context, jobID string) (*models.JobAttempt, error) {
	return s.storage.Jobs().LatestAttempt(ctx, jobID)
}

// ListJobs lists jobs with filters and paging
func (s *Service) ListJobs(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.Job, int, error) {
	jobs, err := s.storage.Jobs().ListJobs(ctx, opts)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.storage.Jobs().CountJobs(ctx, opts)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// Cancel cancels a queued or running job
func (s *Service) Cancel(ctx context.Context, jobID, reason string) (*models.Job, error) {
	if reason == "" {
		reason = "canceled by operator"
	}
	job, err := s.storage.Jobs().CancelJob(ctx, jobID, reason, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	s.publishStateChange(ctx, job)
	return job, nil
}

// Claim claims the next eligible job for a worker. acceptedKeys narrows the
// scan to definitions the worker handles (explicit keys or globs).
func (s *Service) Claim(ctx context.Context, workerID string, acceptedKeys []string) (*models.Job, *models.JobAttempt, error) {
	leases, err := s.leasesFor(ctx, acceptedKeys)
	if err != nil {
		return nil, nil, err
	}

	job, attempt, err := s.storage.Jobs().ClaimNext(ctx, workerID, leases, time.Now().UTC())
	if err != nil {
		return nil, nil, err
	}

	s.collector.RecordClaim()
	s.publishStateChange(ctx, job)
	return job, attempt, nil
}

// Heartbeat extends the lease of a running job held by a worker and returns
// the new expiry
func (s *Service) Heartbeat(ctx context.Context, jobID, workerID string) (time.Time, error) {
	job, err := s.storage.Jobs().GetJob(ctx, jobID)
	if err != nil {
		return time.Time{}, err
	}

	def, err := s.catalog.GetByID(ctx, job.DefinitionID)
	if err != nil {
		return time.Time{}, err
	}

	newExpiry := time.Now().UTC().Add(s.LeaseFor(def))
	if err := s.storage.Jobs().HeartbeatLease(ctx, jobID, workerID, newExpiry); err != nil {
		return time.Time{}, err
	}
	return newExpiry, nil
}

// Complete applies a worker's attempt outcome and notifies subscribers of
// the resulting job state
func (s *Service) Complete(ctx context.Context, req *interfaces.CompleteAttemptRequest) (*models.Job, error) {
	if req.Now.IsZero() {
		req.Now = time.Now().UTC()
	}

	before, err := s.storage.Jobs().GetJob(ctx, req.JobID)
	if err != nil {
		return nil, err
	}

	job, err := s.storage.Jobs().CompleteAttempt(ctx, req)
	if err != nil {
		return nil, err
	}

	// An already-terminal job means a duplicate report; nothing changed
	if before.Status.IsTerminal() {
		return job, nil
	}

	s.collector.RecordCompletion(string(job.Status), attemptSeconds(before, req.Now))
	s.publishStateChange(ctx, job)
	return job, nil
}

// LeaseFor computes the lease granted when claiming a job of a definition:
// min(timeout, max_lease) plus a grace window for GC and scheduler pauses
func (s *Service) LeaseFor(def *models.JobDefinition) time.Duration {
	lease := time.Duration(def.TimeoutSeconds) * time.Second
	if lease > s.maxLease {
		lease = s.maxLease
	}
	return lease + s.leaseGrace
}

// leasesFor resolves the accepted key patterns to a definition-id lease map
func (s *Service) leasesFor(ctx context.Context, acceptedKeys []string) (map[string]time.Duration, error) {
	defs, err := s.catalog.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	leases := make(map[string]time.Duration)
	for _, def := range defs {
		if matchesAny(acceptedKeys, def.Key) {
			leases[def.ID] = s.LeaseFor(def)
		}
	}
	return leases, nil
}

// RefreshDepthGauges updates the queued/running gauges from the store
func (s *Service) RefreshDepthGauges(ctx context.Context) {
	queued, err := s.storage.Jobs().CountJobs(ctx, &interfaces.JobListOptions{Status: string(models.JobStatusQueued)})
	if err != nil {
		return
	}
	running, err := s.storage.Jobs().CountJobs(ctx, &interfaces.JobListOptions{Status: string(models.JobStatusRunning)})
	if err != nil {
		return
	}
	s.collector.UpdateQueueDepth(queued, running)
}

// RegisterWorker registers or refreshes a worker in the registry
func (s *Service) RegisterWorker(ctx context.Context, worker *models.Worker) error {
	if worker.LastSeenAt.IsZero() {
		worker.LastSeenAt = time.Now().UTC()
	}
	worker.IsActive = true
	return s.storage.Workers().UpsertWorker(ctx, worker)
}

// WorkerHeartbeat refreshes a worker's liveness in the registry
func (s *Service) WorkerHeartbeat(ctx context.Context, workerID string, runningCount int) error {
	return s.storage.Workers().HeartbeatWorker(ctx, workerID, time.Now().UTC(), runningCount)
}

// ListWorkers lists registered workers
func (s *Service) ListWorkers(ctx context.Context, activeOnly bool) ([]*models.Worker, error) {
	return s.storage.Workers().ListWorkers(ctx, activeOnly)
}

// publishStateChange mirrors a job transition onto the event bus. Delivery
// is best-effort; the reconciler repairs missed notifications.
func (s *Service) publishStateChange(ctx context.Context, job *models.Job) {
	if err := s.events.Publish(ctx, interfaces.Event{Type: interfaces.EventJobStateChanged, Payload: job}); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to publish job state change")
	}
}

// attemptSeconds derives the attempt duration for the latency histogram
func attemptSeconds(before *models.Job, now time.Time) float64 {
	if before.StartedAt == nil {
		return 0
	}
	return now.Sub(*before.StartedAt).Seconds()
}

// matchesAny reports whether a definition key matches any accepted pattern
func matchesAny(patterns []string, key string) bool {
	for _, pattern := range patterns {
		if pattern == key {
			return true
		}
		if ok, err := path.Match(pattern, key); err == nil && ok {
			return true
		}
	}
	return false
}
