package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/opus/internal/interfaces"
	"github.com/ternarybob/opus/internal/models"
)

const workerColumns = `worker_id, hostname, version, queues, last_seen_at, running_count, metadata, is_active`

// WorkerStorage implements SQLite storage for the ephemeral worker registry
type WorkerStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
}

// NewWorkerStorage creates a new worker storage instance
func NewWorkerStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.WorkerStorage {
	return &WorkerStorage{
		db:     db,
		logger: logger,
	}
}

// UpsertWorker registers a worker or refreshes an existing registration
func (s *WorkerStorage) UpsertWorker(ctx context.Context, worker *models.Worker) error {
	if err := worker.Validate(); err != nil {
		return models.NewValidationError("invalid worker registration: %v", err)
	}

	queues, err := worker.MarshalQueues()
	if err != nil {
		return err
	}
	metadata, err := worker.MarshalMetadata()
	if err != nil {
		return err
	}

	_, err = s.db.db.ExecContext(ctx, `
		INSERT INTO workers (`+workerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(worker_id) DO UPDATE SET
			hostname = excluded.hostname,
			version = excluded.version,
			queues = excluded.queues,
			last_seen_at = excluded.last_seen_at,
			running_count = excluded.running_count,
			metadata = excluded.metadata,
			is_active = excluded.is_active
	`,
		worker.WorkerID,
		worker.Hostname,
		nullString(worker.Version),
		queues,
		toMillis(worker.LastSeenAt),
		worker.RunningCount,
		metadata,
		boolToInt(worker.IsActive),
	)
	if err != nil {
		s.logger.Error().Err(err).Str("worker_id", worker.WorkerID).Msg("Failed to register worker")
		return storeErr(err)
	}

	s.logger.Debug().Str("worker_id", worker.WorkerID).Msg("Worker registered")
	return nil
}

// HeartbeatWorker refreshes a worker's liveness and load
func (s *WorkerStorage) HeartbeatWorker(ctx context.Context, workerID string, now time.Time, runningCount int) error {
	res, err := s.db.db.ExecContext(ctx, `
		UPDATE workers SET last_seen_at = ?, running_count = ?, is_active = 1
		WHERE worker_id = ?
	`, toMillis(now), runningCount, workerID)
	if err != nil {
		return storeErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// GetWorker retrieves a worker registration by ID
func (s *WorkerStorage) GetWorker(ctx context.Context, workerID string) (*models.Worker, error) {
	row := s.db.db.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE worker_id = ?`, workerID)
	return scanWorker(row)
}

// ListWorkers lists worker registrations, most recently seen first
func (s *WorkerStorage) ListWorkers(ctx context.Context, activeOnly bool) ([]*models.Worker, error) {
	query := `SELECT ` + workerColumns + ` FROM workers`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY last_seen_at DESC`

	rows, err := s.db.db.QueryContext(ctx, query)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	workers := make([]*models.Worker, 0)
	for rows.Next() {
		worker, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, worker)
	}
	return workers, rows.Err()
}

// MarkStaleWorkers flags workers whose last heartbeat predates cutoff.
// Their leased jobs are recovered separately through lease expiry.
func (s *WorkerStorage) MarkStaleWorkers(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.db.ExecContext(ctx, `
		UPDATE workers SET is_active = 0
		WHERE is_active = 1 AND last_seen_at < ?
	`, toMillis(cutoff))
	if err != nil {
		return 0, storeErr(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// scanWorker scans one worker row into a model
func scanWorker(row scanner) (*models.Worker, error) {
	var worker models.Worker
	var version sql.NullString
	var queues, metadata string
	var lastSeenAt int64
	var isActive int

	err := row.Scan(
		&worker.WorkerID,
		&worker.Hostname,
		&version,
		&queues,
		&lastSeenAt,
		&worker.RunningCount,
		&metadata,
		&isActive,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, storeErr(err)
	}

	worker.Version = version.String
	worker.LastSeenAt = fromMillis(lastSeenAt)
	worker.IsActive = isActive == 1
	if err := worker.UnmarshalQueues(queues); err != nil {
		return nil, err
	}
	if err := worker.UnmarshalMetadata(metadata); err != nil {
		return nil, err
	}
	return &worker, nil
}
