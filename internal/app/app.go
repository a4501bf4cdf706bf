package app

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/opus/internal/common"
	"github.com/ternarybob/opus/internal/handlers"
	"github.com/ternarybob/opus/internal/interfaces"
	"github.com/ternarybob/opus/internal/metrics"
	"github.com/ternarybob/opus/internal/services/catalog"
	"github.com/ternarybob/opus/internal/services/events"
	"github.com/ternarybob/opus/internal/services/janitor"
	"github.com/ternarybob/opus/internal/services/queue"
	"github.com/ternarybob/opus/internal/services/triggers"
	"github.com/ternarybob/opus/internal/services/validation"
	"github.com/ternarybob/opus/internal/services/workflow"
	"github.com/ternarybob/opus/internal/storage/sqlite"
	"github.com/ternarybob/opus/internal/workers"
)

// App holds the application state and all initialized services
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	ctx    context.Context
	cancel context.CancelFunc

	// Storage and event bus
	Storage interfaces.StorageManager
	Events  interfaces.EventService

	// Services
	Collector *metrics.Collector
	Catalog   *catalog.Service
	Queue     *queue.Service
	Janitor   *janitor.Service
	Triggers  *triggers.Service
	Workflow  *workflow.Service
	Runtime   *workers.Runtime

	// HTTP handlers
	APIHandler        *handlers.APIHandler
	JobHandler        *handlers.JobHandler
	DefinitionHandler *handlers.DefinitionHandler
	TriggerHandler    *handlers.TriggerHandler
	WorkflowHandler   *handlers.WorkflowHandler
	WorkerHandler     *handlers.WorkerHandler
}

// New creates the application: storage, event bus, services and handlers,
// wired in dependency order
func New(config *common.Config, logger arbor.ILogger) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())

	storage, err := sqlite.NewManager(logger, config)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	bus := events.NewService(logger)
	collector := metrics.NewCollector()
	validator := validation.NewService(logger)

	cat := catalog.NewService(storage.Definitions(), storage.Workflows(), validator, logger)
	q := queue.NewService(storage, cat, bus, collector, &config.Queue, logger)
	jan := janitor.NewService(q, storage, collector, &config.Janitor, logger)
	trig := triggers.NewService(storage, cat, q, collector, &config.Triggers, logger)
	wf := workflow.NewService(storage, cat, q, collector, &config.Workflow, logger)

	// The orchestrator mirrors workflow-step jobs through the bus
	if err := wf.Register(bus); err != nil {
		cancel()
		storage.Close()
		return nil, fmt.Errorf("failed to register workflow orchestrator: %w", err)
	}

	runtime := workers.NewRuntime(q, cat, &config.Workers, common.GetVersion(), logger)

	app := &App{
		Config:    config,
		Logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		Storage:   storage,
		Events:    bus,
		Collector: collector,
		Catalog:   cat,
		Queue:     q,
		Janitor:   jan,
		Triggers:  trig,
		Workflow:  wf,
		Runtime:   runtime,

		APIHandler:        handlers.NewAPIHandler(logger),
		JobHandler:        handlers.NewJobHandler(q, logger),
		DefinitionHandler: handlers.NewDefinitionHandler(cat, logger),
		TriggerHandler:    handlers.NewTriggerHandler(trig, logger),
		WorkflowHandler:   handlers.NewWorkflowHandler(cat, wf, logger),
		WorkerHandler:     handlers.NewWorkerHandler(q, logger),
	}

	// Seed the catalog from definition files before anything can enqueue
	if config.Definitions.Dir != "" {
		if err := cat.LoadFromDir(ctx, config.Definitions.Dir); err != nil {
			logger.Warn().Err(err).Str("dir", config.Definitions.Dir).Msg("Definition seed load failed")
		}
	}

	return app, nil
}

// Start launches the background loops enabled by configuration
func (a *App) Start() {
	if a.Config.Janitor.Enabled {
		go a.Janitor.Start(a.ctx)
	}
	if a.Config.Triggers.Enabled {
		go a.Triggers.Start(a.ctx)
	}
	if a.Config.Workflow.ReconcileEnabled {
		go a.Workflow.StartReconciler(a.ctx)
	}
	if a.Config.Workers.Enabled {
		go func() {
			if err := a.Runtime.Start(a.ctx); err != nil {
				a.Logger.Error().Err(err).Msg("Worker runtime exited with error")
			}
		}()
	}

	a.Logger.Info().
		Bool("janitor", a.Config.Janitor.Enabled).
		Bool("triggers", a.Config.Triggers.Enabled).
		Bool("reconciler", a.Config.Workflow.ReconcileEnabled).
		Bool("workers", a.Config.Workers.Enabled).
		Msg("Background services started")
}

// Close stops background loops and releases resources
func (a *App) Close() error {
	a.cancel()

	if err := a.Events.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Event bus close failed")
	}
	if err := a.Storage.Close(); err != nil {
		return fmt.Errorf("storage close failed: %w", err)
	}

	a.Logger.Info().Msg("Application closed")
	return nil
}
