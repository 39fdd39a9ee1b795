package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/relaypoint/draftpipe/internal/store"
	"github.com/relaypoint/draftpipe/pkg/schema"
)

// handleCreateWorkflow validates and persists a workflow definition.
func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body struct {
		Name       string                    `json:"name"`
		Definition schema.WorkflowDefinition `json:"definition"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, schema.NewErrorf(schema.ErrCodeValidation, "invalid JSON: %s", err.Error()))
		return
	}

	if err := s.deps.Validator.ValidateDefinition(&body.Definition); err != nil {
		writeError(w, err)
		return
	}

	now := time.Now().UTC()
	record := &store.WorkflowRecord{
		ID:         body.Definition.ID,
		Name:       body.Name,
		Definition: body.Definition,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if record.Name == "" {
		record.Name = body.Definition.Name
	}

	if err := s.deps.Store.CreateWorkflow(ctx, record); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, record)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows, err := s.deps.Store.ListWorkflows(r.Context(), store.WorkflowFilter{
		Name:   r.URL.Query().Get("name"),
		Limit:  queryInt(r, "limit", 100),
		Offset: queryInt(r, "offset", 0),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": workflows})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Store.GetWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteWorkflow(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleInvoke runs one workflow synchronously and returns the finished
// execution record, message payload included.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body struct {
		WorkflowID string         `json:"workflow_id"`
		InputData  map[string]any `json:"input_data"`
		Force      bool           `json:"force,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, schema.NewErrorf(schema.ErrCodeValidation, "invalid JSON: %s", err.Error()))
		return
	}
	if body.WorkflowID == "" {
		writeError(w, schema.NewError(schema.ErrCodeValidation, "workflow_id is required"))
		return
	}

	wf, err := s.deps.Store.GetWorkflow(ctx, body.WorkflowID)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.deps.Validator.ValidateInput(body.InputData, wf.Definition.Settings.InputSchema); err != nil {
		writeError(w, err)
		return
	}

	exec, err := s.deps.Executor.Execute(ctx, wf, body.InputData, body.Force, "")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	filter := store.ExecutionFilter{
		WorkflowID: r.URL.Query().Get("workflow_id"),
		BatchID:    r.URL.Query().Get("batch_id"),
		Limit:      queryInt(r, "limit", 100),
		Offset:     queryInt(r, "offset", 0),
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := schema.ExecutionStatus(raw)
		filter.Status = &status
	}

	executions, err := s.deps.Store.ListExecutions(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": executions})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.deps.Executor.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	executionID := r.PathValue("id")

	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "cancelled via api"
	}

	if err := s.deps.Executor.Cancel(r.Context(), executionID, body.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"execution_id": executionID, "status": "cancelled"})
}

// handleExecutionEvents returns the durable event log, optionally after a
// given sequence number (?since=N).
func (s *Server) handleExecutionEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.deps.Executor.Events(r.Context(), r.PathValue("id"), queryInt64(r, "since", 0))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleStartBatch launches an asynchronous batch and returns 202 with its
// initial state. Progress is polled via GET /v1/batches/{id}.
func (s *Server) handleStartBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body struct {
		Name        string           `json:"name"`
		WorkflowID  string           `json:"workflow_id"`
		Inputs      []map[string]any `json:"inputs"`
		Concurrency int              `json:"concurrency,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, schema.NewErrorf(schema.ErrCodeValidation, "invalid JSON: %s", err.Error()))
		return
	}
	if body.WorkflowID == "" {
		writeError(w, schema.NewError(schema.ErrCodeValidation, "workflow_id is required"))
		return
	}

	wf, err := s.deps.Store.GetWorkflow(ctx, body.WorkflowID)
	if err != nil {
		writeError(w, err)
		return
	}

	for i, input := range body.Inputs {
		if err := s.deps.Validator.ValidateInput(input, wf.Definition.Settings.InputSchema); err != nil {
			writeError(w, schema.NewErrorf(schema.ErrCodeValidation,
				"inputs[%d]: %s", i, err.Error()).WithCause(err))
			return
		}
	}

	batch, err := s.deps.Coordinator.Start(ctx, wf, body.Name, body.Inputs, body.Concurrency)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, batch)
}

// handleGetBatch returns the batch record plus live progress and items.
func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	batchID := r.PathValue("id")

	batch, err := s.deps.Store.GetBatch(ctx, batchID)
	if err != nil {
		writeError(w, err)
		return
	}
	progress, err := s.deps.Coordinator.Progress(ctx, batchID)
	if err != nil {
		writeError(w, err)
		return
	}
	items, err := s.deps.Store.ListBatchItems(ctx, batchID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"batch":    batch,
		"progress": progress,
		"items":    items,
	})
}

func (s *Server) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	batchID := r.PathValue("id")
	if err := s.deps.Coordinator.Cancel(r.Context(), batchID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"batch_id": batchID, "status": "cancelled"})
}
