// Package api exposes the pipeline over HTTP: workflow management,
// synchronous execution, batch coordination, live event streams, and
// Prometheus metrics.
package api

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaypoint/draftpipe/internal/engine"
	"github.com/relaypoint/draftpipe/internal/store"
	"github.com/relaypoint/draftpipe/internal/streaming"
	"github.com/relaypoint/draftpipe/internal/validation"
)

// Deps holds the collaborators the API server needs.
type Deps struct {
	Store       store.Store
	Executor    *engine.Executor
	Coordinator *engine.Coordinator
	Validator   validation.Validator
	Hub         streaming.EventHub
	Logger      *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	deps Deps
}

// NewServer creates a Server from its dependencies.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler with all routes registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Workflow definitions.
	mux.HandleFunc("POST /v1/workflows", s.handleCreateWorkflow)
	mux.HandleFunc("GET /v1/workflows", s.handleListWorkflows)
	mux.HandleFunc("GET /v1/workflows/{id}", s.handleGetWorkflow)
	mux.HandleFunc("DELETE /v1/workflows/{id}", s.handleDeleteWorkflow)

	// Executions.
	mux.HandleFunc("POST /v1/executions", s.handleInvoke)
	mux.HandleFunc("GET /v1/executions", s.handleListExecutions)
	mux.HandleFunc("GET /v1/executions/{id}", s.handleGetExecution)
	mux.HandleFunc("POST /v1/executions/{id}/cancel", s.handleCancelExecution)
	mux.HandleFunc("GET /v1/executions/{id}/events", s.handleExecutionEvents)
	mux.HandleFunc("GET /v1/executions/{id}/stream", s.handleSSEExecution)

	// Batches.
	mux.HandleFunc("POST /v1/batches", s.handleStartBatch)
	mux.HandleFunc("GET /v1/batches/{id}", s.handleGetBatch)
	mux.HandleFunc("POST /v1/batches/{id}/cancel", s.handleCancelBatch)

	// Operational.
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealth)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
