package janitor

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/opus/internal/common"
	"github.com/ternarybob/opus/internal/interfaces"
	"github.com/ternarybob/opus/internal/metrics"
	"github.com/ternarybob/opus/internal/models"
	"github.com/ternarybob/opus/internal/services/queue"
)

// Defaults when config omits the janitor section
const (
	DefaultInterval   = 30 * time.Second
	expiredBatchLimit = 100
)

// Service is the lease janitor. It recovers jobs whose workers died by
// failing the expired attempt, which puts the job back through the normal
// retry ladder, and it marks silent workers inactive in the registry.
type Service struct {
	queue     *queue.Service
	storage   interfaces.StorageManager
	collector *metrics.Collector
	logger    arbor.ILogger

	interval       time.Duration
	staleThreshold time.Duration
}

// NewService creates a new janitor service
func NewService(q *queue.Service, storage interfaces.StorageManager, collector *metrics.Collector, config *common.JanitorConfig, logger arbor.ILogger) *Service {
	interval := DefaultInterval
	staleThreshold := models.DefaultWorkerStaleThreshold
	if config != nil {
		interval = common.ParseDuration(config.Interval, interval)
		staleThreshold = common.ParseDuration(config.StaleThreshold, staleThreshold)
	}

	return &Service{
		queue:          q,
		storage:        storage,
		collector:      collector,
		logger:         logger,
		interval:       interval,
		staleThreshold: staleThreshold,
	}
}

// Start runs the sweep loop until the context is canceled
func (s *Service) Start(ctx context.Context) {
	s.logger.Info().
		Str("interval", s.interval.String()).
		Str("stale_threshold", s.staleThreshold.String()).
		Msg("Janitor started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Janitor stopped")
			return
		case <-ticker.C:
			if _, _, err := s.Sweep(ctx); err != nil {
				s.logger.Error().Err(err).Msg("Janitor sweep failed")
			}
		}
	}
}

// Sweep runs one janitor pass and returns how many leases were recovered and
// how many workers were marked stale
func (s *Service) Sweep(ctx context.Context) (int, int, error) {
	now := time.Now().UTC()

	recovered, err := s.recoverExpiredLeases(ctx, now)
	if err != nil {
		return recovered, 0, err
	}

	stale, err := s.storage.Workers().MarkStaleWorkers(ctx, now.Add(-s.staleThreshold))
	if err != nil {
		return recovered, 0, err
	}
	if stale > 0 {
		s.logger.Warn().Int("count", stale).Msg("Workers marked inactive after missed heartbeats")
	}

	s.queue.RefreshDepthGauges(ctx)
	return recovered, stale, nil
}

// recoverExpiredLeases fails every attempt whose lease has lapsed. Completion
// goes through the queue service so retry scheduling, dead-lettering and
// state-change events follow the same path a worker report does.
func (s *Service) recoverExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	recovered := 0
	for {
		expired, err := s.storage.Jobs().ExpiredLeases(ctx, now, expiredBatchLimit)
		if err != nil {
			return recovered, err
		}
		if len(expired) == 0 {
			return recovered, nil
		}

		for _, job := range expired {
			result, err := s.queue.Complete(ctx, &interfaces.CompleteAttemptRequest{
				JobID:     job.ID,
				WorkerID:  job.ClaimedByWorker,
				Status:    models.AttemptStatusFailed,
				ErrorText: "lease expired",
				Now:       now,
			})
			if err != nil {
				// The worker may have reported in the same instant; skip and
				// let the next sweep settle it
				s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to recover expired lease")
				continue
			}

			s.collector.RecordLeaseExpiry()
			recovered++
			s.logger.Warn().
				Str("job_id", job.ID).
				Str("worker_id", job.ClaimedByWorker).
				Str("status", string(result.Status)).
				Msg("Expired lease recovered")
		}

		if len(expired) < expiredBatchLimit {
			return recovered, nil
		}
	}
}
