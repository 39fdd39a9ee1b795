package store

import (
	"encoding/json"
	"time"

	"github.com/relaypoint/draftpipe/pkg/schema"
)

// WorkflowRecord is the persisted representation of a workflow definition.
type WorkflowRecord struct {
	ID         string                    `json:"id"`
	Name       string                    `json:"name,omitempty"`
	Definition schema.WorkflowDefinition `json:"definition"`
	CreatedAt  time.Time                 `json:"created_at"`
	UpdatedAt  time.Time                 `json:"updated_at"`
}

// Execution is the persisted record of a single pipeline run.
type Execution struct {
	ID          string                 `json:"id"`
	WorkflowID  string                 `json:"workflow_id"`
	BatchID     string                 `json:"batch_id,omitempty"`
	Status      schema.ExecutionStatus `json:"status"`
	InputData   map[string]any         `json:"input_data,omitempty"`
	Output      json.RawMessage        `json:"output,omitempty"`
	Error       json.RawMessage        `json:"error,omitempty"`
	Fingerprint string                 `json:"fingerprint,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	DurationMs  int64                  `json:"duration_ms,omitempty"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// Batch is the persisted record of a batch job over many inputs.
type Batch struct {
	ID            string             `json:"id"`
	Name          string             `json:"name,omitempty"`
	WorkflowID    string             `json:"workflow_id"`
	Status        schema.BatchStatus `json:"status"`
	TotalJobs     int                `json:"total_jobs"`
	CompletedJobs int                `json:"completed_jobs"`
	FailedJobs    int                `json:"failed_jobs"`
	Concurrency   int                `json:"concurrency"`
	CreatedAt     time.Time          `json:"created_at"`
	StartedAt     *time.Time         `json:"started_at,omitempty"`
	CompletedAt   *time.Time         `json:"completed_at,omitempty"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// BatchItem is one input of a batch and its per-item outcome.
type BatchItem struct {
	BatchID     string            `json:"batch_id"`
	ItemIndex   int               `json:"item_index"`
	ExecutionID string            `json:"execution_id,omitempty"`
	Status      schema.ItemStatus `json:"status"`
	InputData   map[string]any    `json:"input_data,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
}

// Event is an immutable entry in the execution event log.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	StepID      string          `json:"step_id,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// --- Filter and update types ---

// WorkflowFilter specifies criteria for listing workflow definitions.
type WorkflowFilter struct {
	Name   string `json:"name,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// ExecutionUpdate specifies mutable fields of an execution.
type ExecutionUpdate struct {
	Status      *schema.ExecutionStatus `json:"status,omitempty"`
	Output      json.RawMessage         `json:"output,omitempty"`
	Error       json.RawMessage         `json:"error,omitempty"`
	StartedAt   *time.Time              `json:"started_at,omitempty"`
	CompletedAt *time.Time              `json:"completed_at,omitempty"`
	DurationMs  *int64                  `json:"duration_ms,omitempty"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	WorkflowID string                  `json:"workflow_id,omitempty"`
	BatchID    string                  `json:"batch_id,omitempty"`
	Status     *schema.ExecutionStatus `json:"status,omitempty"`
	Since      *time.Time              `json:"since,omitempty"`
	Limit      int                     `json:"limit,omitempty"`
	Offset     int                     `json:"offset,omitempty"`
}

// BatchUpdate specifies mutable fields of a batch.
type BatchUpdate struct {
	Status        *schema.BatchStatus `json:"status,omitempty"`
	CompletedJobs *int                `json:"completed_jobs,omitempty"`
	FailedJobs    *int                `json:"failed_jobs,omitempty"`
	StartedAt     *time.Time          `json:"started_at,omitempty"`
	CompletedAt   *time.Time          `json:"completed_at,omitempty"`
}

// BatchItemUpdate specifies mutable fields of a batch item.
type BatchItemUpdate struct {
	Status      *schema.ItemStatus `json:"status,omitempty"`
	ExecutionID string             `json:"execution_id,omitempty"`
	Error       json.RawMessage    `json:"error,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	ExecutionID string     `json:"execution_id,omitempty"`
	StepID      string     `json:"step_id,omitempty"`
	Since       *time.Time `json:"since,omitempty"`
	Limit       int        `json:"limit,omitempty"`
}
