package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/relaypoint/draftpipe/internal/engine"
	"github.com/relaypoint/draftpipe/internal/store"
	"github.com/relaypoint/draftpipe/internal/validation"
)

// ExecutionRunner runs single workflow executions. Implemented by
// *engine.Executor.
type ExecutionRunner interface {
	Execute(ctx context.Context, wf *store.WorkflowRecord, input map[string]any, force bool, batchID string) (*store.Execution, error)
	Get(ctx context.Context, executionID string) (*store.Execution, error)
	Cancel(ctx context.Context, executionID string, reason string) error
}

// BatchRunner launches and tracks batch runs. Implemented by
// *engine.Coordinator.
type BatchRunner interface {
	Start(ctx context.Context, wf *store.WorkflowRecord, name string, inputs []map[string]any, concurrency int) (*store.Batch, error)
	Progress(ctx context.Context, batchID string) (*engine.BatchProgress, error)
	Cancel(ctx context.Context, batchID string) error
}

// PipelineServerDeps holds the dependencies for creating a PipelineServer.
type PipelineServerDeps struct {
	Executor    ExecutionRunner
	Coordinator BatchRunner
	Store       store.Store
	Validator   validation.Validator
	Logger      *slog.Logger
}

// PipelineServer wraps an MCP server with draftpipe-specific tool handlers.
type PipelineServer struct {
	executor    ExecutionRunner
	coordinator BatchRunner
	store       store.Store
	validator   validation.Validator
	logger      *slog.Logger
	sessions    *SessionRegistry
	mcpServer   *server.MCPServer
}

// NewPipelineServer creates a PipelineServer with all 5 tools registered.
func NewPipelineServer(deps PipelineServerDeps) *PipelineServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &PipelineServer{
		executor:    deps.Executor,
		coordinator: deps.Coordinator,
		store:       deps.Store,
		validator:   deps.Validator,
		logger:      logger,
		sessions:    NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"draftpipe",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Draftpipe generates outreach messages through workflow pipelines. Use pipeline.define to register a workflow, pipeline.run to generate one message, pipeline.batch to generate many, pipeline.status to check progress, and pipeline.cancel to stop a run."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *PipelineServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *PipelineServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the batch→session registry, used by the notifier.
func (s *PipelineServer) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *PipelineServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: batchTool(), Handler: s.handleBatch},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("pipeline.define",
		mcp.WithDescription("Register a workflow definition after validating it"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object (id, steps, settings)")),
		mcp.WithString("name", mcp.Description("Human-readable workflow name")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("pipeline.run",
		mcp.WithDescription("Execute a workflow once and return the generated message with its quality assessment"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to execute")),
		mcp.WithObject("input", mcp.Description("Input data for the pipeline (prospect name, company, ...)")),
		mcp.WithString("force", mcp.Description("Set to 'true' to bypass duplicate detection")),
	)
}

func batchTool() mcp.Tool {
	return mcp.NewTool("pipeline.batch",
		mcp.WithDescription("Start an asynchronous batch run over many inputs. Returns immediately; poll with pipeline.status"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to execute")),
		mcp.WithString("name", mcp.Description("Human-readable batch name")),
		mcp.WithArray("inputs", mcp.Required(), mcp.Description("Array of input objects, one per message")),
		mcp.WithString("concurrency", mcp.Description("Parallel worker count (clamped to server limits)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("pipeline.status",
		mcp.WithDescription("Get the state of an execution or a batch"),
		mcp.WithString("execution_id", mcp.Description("Execution ID to query")),
		mcp.WithString("batch_id", mcp.Description("Batch ID to query (returns progress counters and items)")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("pipeline.cancel",
		mcp.WithDescription("Cancel a running execution or batch"),
		mcp.WithString("execution_id", mcp.Description("Execution ID to cancel")),
		mcp.WithString("batch_id", mcp.Description("Batch ID to cancel (queued items are skipped)")),
		mcp.WithString("reason", mcp.Description("Cancellation reason recorded on the execution")),
	)
}
