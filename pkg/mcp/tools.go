package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/relaypoint/draftpipe/internal/store"
	"github.com/relaypoint/draftpipe/pkg/schema"
)

// handleDefine validates and registers a workflow definition.
func (s *PipelineServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	defBytes, marshalErr := json.Marshal(defRaw)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", marshalErr)), nil
	}
	var def schema.WorkflowDefinition
	if unmarshalErr := json.Unmarshal(defBytes, &def); unmarshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", unmarshalErr)), nil
	}

	if err := s.validator.ValidateDefinition(&def); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("definition rejected: %v", err)), nil
	}

	now := time.Now().UTC()
	record := &store.WorkflowRecord{
		ID:         def.ID,
		Name:       req.GetString("name", def.Name),
		Definition: def,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if createErr := s.store.CreateWorkflow(ctx, record); createErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to store workflow: %v", createErr)), nil
	}

	return marshalResult(map[string]any{
		"workflow_id": record.ID,
		"name":        record.Name,
	})
}

// handleRun executes a workflow synchronously and returns the finished
// execution, generated message included.
func (s *PipelineServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	input := mcp.ParseStringMap(req, "input", nil)
	force := req.GetString("force", "") == "true"

	wf, wfErr := s.store.GetWorkflow(ctx, workflowID)
	if wfErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow lookup failed: %v", wfErr)), nil
	}

	if valErr := s.validator.ValidateInput(input, wf.Definition.Settings.InputSchema); valErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("input rejected: %v", valErr)), nil
	}

	exec, runErr := s.executor.Execute(ctx, wf, input, force, "")
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("execution failed: %v", runErr)), nil
	}

	return marshalResult(exec)
}

// handleBatch starts an asynchronous batch and returns its initial state.
// The caller's session is remembered so batch completion can be pushed back.
func (s *PipelineServer) handleBatch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	inputsRaw, ok := req.GetArguments()["inputs"].([]any)
	if !ok {
		return mcp.NewToolResultError("inputs is required and must be an array of objects"), nil
	}
	inputs := make([]map[string]any, 0, len(inputsRaw))
	for i, item := range inputsRaw {
		m, ok := item.(map[string]any)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("inputs[%d] must be an object", i)), nil
		}
		inputs = append(inputs, m)
	}

	concurrency := 0
	if raw := req.GetString("concurrency", ""); raw != "" {
		n, convErr := strconv.Atoi(raw)
		if convErr != nil {
			return mcp.NewToolResultError("concurrency must be an integer"), nil
		}
		concurrency = n
	}

	wf, wfErr := s.store.GetWorkflow(ctx, workflowID)
	if wfErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow lookup failed: %v", wfErr)), nil
	}

	for i, input := range inputs {
		if valErr := s.validator.ValidateInput(input, wf.Definition.Settings.InputSchema); valErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("inputs[%d] rejected: %v", i, valErr)), nil
		}
	}

	batch, startErr := s.coordinator.Start(ctx, wf, req.GetString("name", ""), inputs, concurrency)
	if startErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to start batch: %v", startErr)), nil
	}

	s.captureSession(ctx, batch.ID)

	return marshalResult(batch)
}

// handleStatus reports the state of an execution or a batch.
func (s *PipelineServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID := req.GetString("execution_id", "")
	batchID := req.GetString("batch_id", "")

	switch {
	case executionID != "":
		exec, err := s.executor.Get(ctx, executionID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
		}
		return marshalResult(exec)
	case batchID != "":
		batch, err := s.store.GetBatch(ctx, batchID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
		}
		progress, err := s.coordinator.Progress(ctx, batchID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
		}
		items, err := s.store.ListBatchItems(ctx, batchID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{
			"batch":    batch,
			"progress": progress,
			"items":    items,
		})
	default:
		return mcp.NewToolResultError("either execution_id or batch_id is required"), nil
	}
}

// handleCancel stops a running execution or batch.
func (s *PipelineServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID := req.GetString("execution_id", "")
	batchID := req.GetString("batch_id", "")
	reason := req.GetString("reason", "cancelled via mcp")

	switch {
	case executionID != "":
		if err := s.executor.Cancel(ctx, executionID, reason); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"execution_id": executionID, "status": "cancelled"})
	case batchID != "":
		if err := s.coordinator.Cancel(ctx, batchID); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"batch_id": batchID, "status": "cancelled"})
	default:
		return mcp.NewToolResultError("either execution_id or batch_id is required"), nil
	}
}

// captureSession maps a batch ID to the caller's MCP session so completion
// notifications can be routed back.
func (s *PipelineServer) captureSession(ctx context.Context, batchID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(batchID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
