package engine

import (
	"context"
	"sync"

	"github.com/relaypoint/draftpipe/internal/store"
	"github.com/relaypoint/draftpipe/pkg/schema"
)

// EventAppender is satisfied by the Store and EventLog; FSMs emit lifecycle
// events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// ValidExecutionTransitions defines the allowed execution state transitions.
// completed_at is set exactly when a terminal state is entered.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusPending:   {schema.ExecutionStatusRunning, schema.ExecutionStatusCancelled},
	schema.ExecutionStatusRunning:   {schema.ExecutionStatusCompleted, schema.ExecutionStatusFailed, schema.ExecutionStatusCancelled},
	schema.ExecutionStatusCompleted: {},
	schema.ExecutionStatusFailed:    {},
	schema.ExecutionStatusCancelled: {},
}

// ValidBatchTransitions defines the allowed batch state transitions. A batch
// whose items all failed still completes; failure is per-item.
var ValidBatchTransitions = map[schema.BatchStatus][]schema.BatchStatus{
	schema.BatchStatusPending:   {schema.BatchStatusRunning, schema.BatchStatusCancelled},
	schema.BatchStatusRunning:   {schema.BatchStatusCompleted, schema.BatchStatusCancelled},
	schema.BatchStatusCompleted: {},
	schema.BatchStatusCancelled: {},
}

// ExecutionFSM validates and records execution lifecycle transitions.
type ExecutionFSM struct {
	mu       sync.Mutex
	appender EventAppender
}

// NewExecutionFSM creates an ExecutionFSM that emits events via the appender.
func NewExecutionFSM(appender EventAppender) *ExecutionFSM {
	return &ExecutionFSM{appender: appender}
}

// Transition validates and executes an execution state transition, emitting
// the corresponding event. The caller persists the new status to the store.
func (f *ExecutionFSM) Transition(ctx context.Context, executionID string, from, to schema.ExecutionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidExecutionTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}

	if eventType := executionEventType(to); eventType != "" {
		event := &store.Event{
			ExecutionID: executionID,
			Type:        eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit execution event: %s", err.Error()).WithCause(err)
		}
	}
	return nil
}

func isValidExecutionTransition(from, to schema.ExecutionStatus) bool {
	for _, a := range ValidExecutionTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func executionEventType(to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionStatusRunning:
		return schema.EventExecutionStarted
	case schema.ExecutionStatusCompleted:
		return schema.EventExecutionCompleted
	case schema.ExecutionStatusFailed:
		return schema.EventExecutionFailed
	case schema.ExecutionStatusCancelled:
		return schema.EventExecutionCancelled
	default:
		return ""
	}
}

// BatchFSM validates and records batch lifecycle transitions. Batch events
// are logged under the batch ID.
type BatchFSM struct {
	mu       sync.Mutex
	appender EventAppender
}

// NewBatchFSM creates a BatchFSM that emits events via the appender.
func NewBatchFSM(appender EventAppender) *BatchFSM {
	return &BatchFSM{appender: appender}
}

// Transition validates and executes a batch state transition.
func (f *BatchFSM) Transition(ctx context.Context, batchID string, from, to schema.BatchStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidBatchTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid batch transition: %s -> %s", from, to).
			WithDetails(map[string]any{"batch_id": batchID, "from": string(from), "to": string(to)})
	}

	if eventType := batchEventType(to); eventType != "" {
		event := &store.Event{
			ExecutionID: batchID,
			Type:        eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit batch event: %s", err.Error()).WithCause(err)
		}
	}
	return nil
}

func isValidBatchTransition(from, to schema.BatchStatus) bool {
	for _, a := range ValidBatchTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func batchEventType(to schema.BatchStatus) string {
	switch to {
	case schema.BatchStatusRunning:
		return schema.EventBatchStarted
	case schema.BatchStatusCompleted:
		return schema.EventBatchCompleted
	case schema.BatchStatusCancelled:
		return schema.EventBatchCancelled
	default:
		return ""
	}
}
