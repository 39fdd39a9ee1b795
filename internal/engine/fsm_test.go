package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypoint/draftpipe/pkg/schema"
)

func TestExecutionFSM_ValidTransitions(t *testing.T) {
	s := newMemStore()
	fsm := NewExecutionFSM(s)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "e1", schema.ExecutionStatusPending, schema.ExecutionStatusRunning))
	require.NoError(t, fsm.Transition(ctx, "e1", schema.ExecutionStatusRunning, schema.ExecutionStatusCompleted))

	types := s.eventTypes("e1")
	assert.Equal(t, []string{schema.EventExecutionStarted, schema.EventExecutionCompleted}, types)
}

func TestExecutionFSM_InvalidTransitions(t *testing.T) {
	s := newMemStore()
	fsm := NewExecutionFSM(s)
	ctx := context.Background()

	invalid := []struct {
		from, to schema.ExecutionStatus
	}{
		{schema.ExecutionStatusPending, schema.ExecutionStatusCompleted},
		{schema.ExecutionStatusPending, schema.ExecutionStatusFailed},
		{schema.ExecutionStatusCompleted, schema.ExecutionStatusRunning},
		{schema.ExecutionStatusFailed, schema.ExecutionStatusRunning},
		{schema.ExecutionStatusCancelled, schema.ExecutionStatusRunning},
		{schema.ExecutionStatusCompleted, schema.ExecutionStatusCancelled},
	}
	for _, tc := range invalid {
		err := fsm.Transition(ctx, "e1", tc.from, tc.to)
		require.Error(t, err, "%s -> %s should be rejected", tc.from, tc.to)
		perr, ok := err.(*schema.PipelineError)
		require.True(t, ok)
		assert.Equal(t, schema.ErrCodeInvalidTransition, perr.Code)
	}

	// Rejected transitions emit nothing.
	assert.Empty(t, s.eventTypes("e1"))
}

func TestExecutionFSM_CancelPaths(t *testing.T) {
	s := newMemStore()
	fsm := NewExecutionFSM(s)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "a", schema.ExecutionStatusPending, schema.ExecutionStatusCancelled))
	require.NoError(t, fsm.Transition(ctx, "b", schema.ExecutionStatusRunning, schema.ExecutionStatusCancelled))
	assert.Equal(t, []string{schema.EventExecutionCancelled}, s.eventTypes("a"))
	assert.Equal(t, []string{schema.EventExecutionCancelled}, s.eventTypes("b"))
}

func TestBatchFSM_Transitions(t *testing.T) {
	s := newMemStore()
	fsm := NewBatchFSM(s)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "b1", schema.BatchStatusPending, schema.BatchStatusRunning))
	require.NoError(t, fsm.Transition(ctx, "b1", schema.BatchStatusRunning, schema.BatchStatusCompleted))
	assert.Equal(t, []string{schema.EventBatchStarted, schema.EventBatchCompleted}, s.eventTypes("b1"))

	err := fsm.Transition(ctx, "b1", schema.BatchStatusCompleted, schema.BatchStatusRunning)
	require.Error(t, err)

	// A batch never becomes "failed"; failure is per-item.
	_, hasFailed := ValidBatchTransitions[schema.BatchStatus("failed")]
	assert.False(t, hasFailed)
}
