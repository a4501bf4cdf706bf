package sqlite

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/opus/internal/common"
	"github.com/ternarybob/opus/internal/interfaces"
)

// Manager implements the StorageManager interface
type Manager struct {
	db          *SQLiteDB
	jobs        interfaces.JobStorage
	definitions interfaces.DefinitionStorage
	triggers    interfaces.TriggerStorage
	workers     interfaces.WorkerStorage
	workflows   interfaces.WorkflowStorage
	logger      arbor.ILogger
}

// NewManager creates a new SQLite storage manager
func NewManager(logger arbor.ILogger, config *common.Config) (interfaces.StorageManager, error) {
	db, err := NewSQLiteDB(logger, &config.Storage.SQLite)
	if err != nil {
		return nil, err
	}

	backoff := common.BackoffPolicy{
		Base: common.ParseDuration(config.Queue.BackoffBase, common.DefaultBackoffPolicy().Base),
		Cap:  common.ParseDuration(config.Queue.BackoffCap, common.DefaultBackoffPolicy().Cap),
	}

	return &Manager{
		db:          db,
		jobs:        NewJobStorage(db, backoff, logger),
		definitions: NewDefinitionStorage(db, logger),
		triggers:    NewTriggerStorage(db, logger),
		workers:     NewWorkerStorage(db, logger),
		workflows:   NewWorkflowStorage(db, logger),
		logger:      logger,
	}, nil
}

// Jobs returns the job storage interface
func (m *Manager) Jobs() interfaces.JobStorage {
	return m.jobs
}

// Definitions returns the definition storage interface
func (m *Manager) Definitions() interfaces.DefinitionStorage {
	return m.definitions
}

// Triggers returns the trigger storage interface
func (m *Manager) Triggers() interfaces.TriggerStorage {
	return m.triggers
}

// Workers returns the worker storage interface
func (m *Manager) Workers() interfaces.WorkerStorage {
	return m.workers
}

// Workflows returns the workflow storage interface
func (m *Manager) Workflows() interfaces.WorkflowStorage {
	return m.workflows
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
