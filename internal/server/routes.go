package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// API routes - Jobs (enqueue, inspect, cancel, worker protocol)
	mux.HandleFunc("/api/jobs", s.handleJobsRoute)
	mux.HandleFunc("/api/jobs/", s.handleJobRoutes) // Handles /api/jobs/{id} and subpaths

	// API routes - Definition registry
	mux.HandleFunc("/api/definitions", s.handleDefinitionsRoute)
	mux.HandleFunc("/api/definitions/", s.handleDefinitionRoutes)

	// API routes - Triggers and event intake
	mux.HandleFunc("/api/triggers", s.handleTriggersRoute)
	mux.HandleFunc("/api/triggers/", s.handleTriggerRoutes)
	mux.HandleFunc("/api/events", s.app.TriggerHandler.PublishEventHandler)

	// API routes - Workflows and runs
	mux.HandleFunc("/api/workflows", s.handleWorkflowsRoute)
	mux.HandleFunc("/api/workflows/", s.handleWorkflowRoutes)
	mux.HandleFunc("/api/runs", s.handleRunsRoute)
	mux.HandleFunc("/api/runs/", s.handleRunRoutes)

	// API routes - Worker registry and remote claim
	mux.HandleFunc("/api/workers", s.handleWorkersRoute)
	mux.HandleFunc("/api/workers/claim", s.app.WorkerHandler.ClaimHandler)
	mux.HandleFunc("/api/workers/", s.handleWorkerRoutes)

	// API routes - System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)
	mux.HandleFunc("/healthz", s.app.APIHandler.HealthHandler)

	if s.app.Config.Metrics.Enabled {
		mux.Handle("/metrics", s.app.Collector.Handler())
	}

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleJobsRoute routes /api/jobs (list and enqueue)
func (s *Server) handleJobsRoute(w http.ResponseWriter, r *http.Request) {
	RouteResourceCollection(w, r, s.app.JobHandler.ListJobsHandler, s.app.JobHandler.EnqueueHandler)
}

// handleJobRoutes routes /api/jobs/{id} and its subpaths
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	if r.Method == "POST" {
		switch {
		case strings.HasSuffix(path, "/cancel"):
			s.app.JobHandler.CancelJobHandler(w, r)
		case strings.HasSuffix(path, "/heartbeat"):
			s.app.WorkerHandler.LeaseHeartbeatHandler(w, r)
		case strings.HasSuffix(path, "/complete"):
			s.app.WorkerHandler.CompleteHandler(w, r)
		default:
			http.Error(w, "Not found", http.StatusNotFound)
		}
		return
	}

	if r.Method == "GET" {
		if strings.HasSuffix(path, "/attempts") {
			s.app.JobHandler.GetAttemptsHandler(w, r)
			return
		}
		s.app.JobHandler.GetJobHandler(w, r)
		return
	}

	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}

// handleDefinitionsRoute routes /api/definitions (list and register)
func (s *Server) handleDefinitionsRoute(w http.ResponseWriter, r *http.Request) {
	RouteResourceCollection(w, r, s.app.DefinitionHandler.ListHandler, s.app.DefinitionHandler.SaveHandler)
}

// handleDefinitionRoutes routes /api/definitions/{id} and its subpaths
func (s *Server) handleDefinitionRoutes(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	if r.Method == "POST" {
		switch {
		case strings.HasSuffix(path, "/activate"):
			s.app.DefinitionHandler.ActivateHandler(w, r)
		case strings.HasSuffix(path, "/deactivate"):
			s.app.DefinitionHandler.DeactivateHandler(w, r)
		default:
			http.Error(w, "Not found", http.StatusNotFound)
		}
		return
	}

	if r.Method == "GET" {
		s.app.DefinitionHandler.GetHandler(w, r)
		return
	}

	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}

// handleTriggersRoute routes /api/triggers (list and save)
func (s *Server) handleTriggersRoute(w http.ResponseWriter, r *http.Request) {
	RouteResourceCollection(w, r, s.app.TriggerHandler.ListHandler, s.app.TriggerHandler.SaveHandler)
}

// handleTriggerRoutes routes /api/triggers/{id}
func (s *Server) handleTriggerRoutes(w http.ResponseWriter, r *http.Request) {
	RouteByMethod(w, r, MethodRouter{"GET": s.app.TriggerHandler.GetHandler})
}

// handleWorkflowRoutes routes /api/workflows/{id}
func (s *Server) handleWorkflowRoutes(w http.ResponseWriter, r *http.Request) {
	RouteByMethod(w, r, MethodRouter{"GET": s.app.WorkflowHandler.GetDefinitionHandler})
}

// handleWorkflowsRoute routes /api/workflows (list and save)
func (s *Server) handleWorkflowsRoute(w http.ResponseWriter, r *http.Request) {
	RouteResourceCollection(w, r, s.app.WorkflowHandler.ListDefinitionsHandler, s.app.WorkflowHandler.SaveDefinitionHandler)
}

// handleRunsRoute routes /api/runs (list and start)
func (s *Server) handleRunsRoute(w http.ResponseWriter, r *http.Request) {
	RouteResourceCollection(w, r, s.app.WorkflowHandler.ListRunsHandler, s.app.WorkflowHandler.StartRunHandler)
}

// handleRunRoutes routes /api/runs/{id} and its subpaths
func (s *Server) handleRunRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method == "POST" && strings.HasSuffix(r.URL.Path, "/cancel") {
		s.app.WorkflowHandler.CancelRunHandler(w, r)
		return
	}

	if r.Method == "GET" {
		s.app.WorkflowHandler.GetRunHandler(w, r)
		return
	}

	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}

// handleWorkersRoute routes /api/workers (list and register)
func (s *Server) handleWorkersRoute(w http.ResponseWriter, r *http.Request) {
	RouteResourceCollection(w, r, s.app.WorkerHandler.ListHandler, s.app.WorkerHandler.RegisterHandler)
}

// handleWorkerRoutes routes /api/workers/{id}/heartbeat
func (s *Server) handleWorkerRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method == "POST" && strings.HasSuffix(r.URL.Path, "/heartbeat") {
		s.app.WorkerHandler.HeartbeatHandler(w, r)
		return
	}

	http.Error(w, "Not found", http.StatusNotFound)
}
