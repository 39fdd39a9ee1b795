package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflow definitions
	CreateWorkflow(ctx context.Context, wf *WorkflowRecord) error
	GetWorkflow(ctx context.Context, id string) (*WorkflowRecord, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*WorkflowRecord, error)
	DeleteWorkflow(ctx context.Context, id string) error

	// Executions
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)
	// FindRecentByFingerprint returns the newest execution sharing the
	// fingerprint whose created_at falls inside the duplicate window.
	FindRecentByFingerprint(ctx context.Context, workflowID, fingerprint string, windowSeconds int64) (*Execution, error)

	// Batches
	CreateBatch(ctx context.Context, batch *Batch, items []*BatchItem) error
	GetBatch(ctx context.Context, id string) (*Batch, error)
	UpdateBatch(ctx context.Context, id string, update BatchUpdate) error
	UpdateBatchItem(ctx context.Context, batchID string, index int, update BatchItemUpdate) error
	ListBatchItems(ctx context.Context, batchID string) ([]*BatchItem, error)

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error
	// ReapStaleExecutions marks executions stuck in a non-terminal state
	// older than the cutoff as failed. Returns the number updated.
	ReapStaleExecutions(ctx context.Context, olderThanSeconds int64) (int64, error)

	// Lifecycle
	Close() error
}
