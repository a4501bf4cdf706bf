package workers

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/opus/internal/common"
	"github.com/ternarybob/opus/internal/interfaces"
	"github.com/ternarybob/opus/internal/models"
	"github.com/ternarybob/opus/internal/services/catalog"
	"github.com/ternarybob/opus/internal/services/queue"
	"golang.org/x/time/rate"
)

// Defaults when config omits the workers section
const (
	DefaultConcurrency  = 2
	DefaultPollInterval = time.Second
	DefaultDrainGrace   = 30 * time.Second

	registryHeartbeatInterval = 15 * time.Second
)

// Runtime is the embedded worker: a pool of claim loops that execute jobs,
// heartbeat their leases, and report attempt outcomes. Safe to run alongside
// runtimes on other machines; coordination happens entirely through the
// queue protocol.
type Runtime struct {
	queue   *queue.Service
	catalog *catalog.Service
	logger  arbor.ILogger

	workerID     string
	hostname     string
	version      string
	queues       []string
	concurrency  int
	pollInterval time.Duration
	drainGrace   time.Duration

	limiter  *rate.Limiter
	handlers map[string]TaskHandler
	running  atomic.Int32
}

// NewRuntime creates a worker runtime. The worker ID is derived from
// hostname, pid and a random suffix so restarts register as new workers.
func NewRuntime(q *queue.Service, cat *catalog.Service, config *common.WorkersConfig, version string, logger arbor.ILogger) *Runtime {
	concurrency := DefaultConcurrency
	pollInterval := DefaultPollInterval
	drainGrace := DefaultDrainGrace
	queues := []string{"*"}
	if config != nil {
		if config.Concurrency > 0 {
			concurrency = config.Concurrency
		}
		pollInterval = common.ParseDuration(config.PollInterval, pollInterval)
		drainGrace = common.ParseDuration(config.DrainGrace, drainGrace)
		if len(config.Queues) > 0 {
			queues = config.Queues
		}
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	return &Runtime{
		queue:        q,
		catalog:      cat,
		logger:       logger,
		workerID:     fmt.Sprintf("%s:%d:%s", hostname, os.Getpid(), uuid.New().String()[:8]),
		hostname:     hostname,
		version:      version,
		queues:       queues,
		concurrency:  concurrency,
		pollInterval: pollInterval,
		drainGrace:   drainGrace,
		limiter:      rate.NewLimiter(rate.Every(pollInterval), concurrency),
		handlers:     make(map[string]TaskHandler),
	}
}

// WorkerID returns the runtime's registered worker ID
func (r *Runtime) WorkerID() string {
	return r.workerID
}

// RegisterHandler binds an in-process task to a definition key. Must be
// called before Start.
func (r *Runtime) RegisterHandler(definitionKey string, handler TaskHandler) {
	r.handlers[definitionKey] = handler
}

// Start registers the worker and runs the claim loops until ctx is
// canceled, then drains: no new claims, in-flight jobs get drainGrace to
// finish before they are killed and reported canceled.
func (r *Runtime) Start(ctx context.Context) error {
	worker := &models.Worker{
		WorkerID: r.workerID,
		Hostname: r.hostname,
		Version:  r.version,
		Queues:   r.queues,
	}
	if err := worker.Validate(); err != nil {
		return err
	}
	if err := r.queue.RegisterWorker(ctx, worker); err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}

	r.logger.Info().
		Str("worker_id", r.workerID).
		Int("concurrency", r.concurrency).
		Strs("queues", r.queues).
		Msg("Worker runtime started")

	// Tasks outlive ctx during the drain window; killCtx is their hard stop
	killCtx, kill := context.WithCancel(context.Background())
	defer kill()

	var wg sync.WaitGroup
	for i := 0; i < r.concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			r.slotLoop(ctx, killCtx, slot)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.registryHeartbeatLoop(ctx)
	}()

	<-ctx.Done()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(r.drainGrace):
		r.logger.Warn().Msg("Drain grace expired, killing in-flight jobs")
		kill()
		<-done
	}

	r.logger.Info().Str("worker_id", r.workerID).Msg("Worker runtime stopped")
	return nil
}

// slotLoop is one claim-execute loop. Claims are paced by the shared rate
// limiter; empty polls back off with jitter.
func (r *Runtime) slotLoop(ctx, killCtx context.Context, slot int) {
	for {
		if err := r.limiter.Wait(ctx); err != nil {
			return
		}

		job, attempt, err := r.queue.Claim(ctx, r.workerID, r.queues)
		if errors.Is(err, models.ErrNoWork) {
			if !sleepCtx(ctx, withJitter(r.pollInterval)) {
				return
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error().Err(err).Int("slot", slot).Msg("Claim failed")
			if !sleepCtx(ctx, withJitter(r.pollInterval)) {
				return
			}
			continue
		}

		r.runJob(killCtx, job, attempt)

		if ctx.Err() != nil {
			return
		}
	}
}

// runJob executes one claimed job end to end: lease heartbeats, timeout
// enforcement, output capture and the final attempt report
func (r *Runtime) runJob(killCtx context.Context, job *models.Job, attempt *models.JobAttempt) {
	r.running.Add(1)
	defer r.running.Add(-1)

	r.logger.Info().
		Str("job_id", job.ID).
		Str("definition_id", job.DefinitionID).
		Int("attempt", attempt.AttemptNo).
		Msg("Job claimed")

	def, err := r.catalog.GetByID(killCtx, job.DefinitionID)
	if err != nil {
		r.complete(job, models.AttemptStatusFailed, nil, "", "", fmt.Sprintf("definition %s not found", job.DefinitionID))
		return
	}

	// Defense in depth: the payload was validated at enqueue, but the schema
	// may have changed since
	if _, _, err := r.catalog.Normalize(killCtx, def.Key, job.Payload); err != nil {
		r.complete(job, models.AttemptStatusFailed, nil, "", "", fmt.Sprintf("payload rejected at execution: %v", err))
		return
	}

	runCtx, cancelRun := context.WithCancel(killCtx)
	defer cancelRun()

	var leaseLost atomic.Bool
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		r.heartbeatLoop(runCtx, job, def, &leaseLost, cancelRun)
	}()

	timeout := time.Duration(def.TimeoutSeconds) * time.Second
	execCtx, cancelExec := context.WithTimeout(runCtx, timeout)
	defer cancelExec()

	stdout := newTailBuffer()
	stderr := newTailBuffer()
	started := time.Now()
	result := r.execute(execCtx, def, job, stdout, stderr)

	cancelRun()
	<-heartbeatDone

	// The job was canceled or re-leased out from under us; whoever took it
	// owns the state now
	if leaseLost.Load() {
		r.logger.Warn().Str("job_id", job.ID).Msg("Lease lost, discarding attempt result")
		return
	}

	status := models.AttemptStatusSucceeded
	errorText := ""
	switch {
	case execCtx.Err() == context.DeadlineExceeded:
		status = models.AttemptStatusTimeout
		errorText = fmt.Sprintf("killed after exceeding timeout of %ds", def.TimeoutSeconds)
	case killCtx.Err() != nil && result.err != nil:
		status = models.AttemptStatusCanceled
		errorText = "worker shut down during execution"
	case result.err != nil:
		status = models.AttemptStatusFailed
		errorText = result.err.Error()
	}

	exitCode := result.exitCode
	r.complete(job, status, &exitCode, stdout.String(), stderr.String(), errorText)

	r.logger.Info().
		Str("job_id", job.ID).
		Str("status", string(status)).
		Int("exit_code", exitCode).
		Str("duration", time.Since(started).String()).
		Msg("Job finished")
}

// heartbeatLoop extends the job lease at a third of its duration until the
// run context ends. A LeaseLost answer kills the task.
func (r *Runtime) heartbeatLoop(ctx context.Context, job *models.Job, def *models.JobDefinition, leaseLost *atomic.Bool, cancelRun context.CancelFunc) {
	interval := r.queue.LeaseFor(def) / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.queue.Heartbeat(context.Background(), job.ID, r.workerID); err != nil {
				if errors.Is(err, models.ErrLeaseLost) || errors.Is(err, models.ErrNotFound) {
					leaseLost.Store(true)
					cancelRun()
					return
				}
				r.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Lease heartbeat failed")
			}
		}
	}
}

// complete reports the attempt outcome. Runs on a background context so a
// shutdown cannot strand a finished attempt unreported.
func (r *Runtime) complete(job *models.Job, status models.AttemptStatus, exitCode *int, stdoutTail, stderrTail, errorText string) {
	_, err := r.queue.Complete(context.Background(), &interfaces.CompleteAttemptRequest{
		JobID:      job.ID,
		WorkerID:   r.workerID,
		Status:     status,
		ExitCode:   exitCode,
		StdoutTail: models.TruncateTail(stdoutTail),
		StderrTail: models.TruncateTail(stderrTail),
		ErrorText:  errorText,
	})
	if err != nil && !errors.Is(err, models.ErrLeaseLost) {
		r.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to report attempt completion")
	}
}

// registryHeartbeatLoop keeps the worker's registry row fresh
func (r *Runtime) registryHeartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(registryHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.queue.WorkerHeartbeat(ctx, r.workerID, int(r.running.Load())); err != nil {
				r.logger.Warn().Err(err).Msg("Worker registry heartbeat failed")
			}
		}
	}
}

// withJitter spreads poll wakeups by up to 25% so idle workers do not
// synchronize their scans
func withJitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}

// sleepCtx sleeps unless the context ends first
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
