package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextIDs_RoundTrip(t *testing.T) {
	ctx := context.Background()
	ctx = WithExecutionID(ctx, "exec-1")
	ctx = WithStepID(ctx, "generate")
	ctx = WithBatchID(ctx, "batch-9")

	assert.Equal(t, "exec-1", ExecutionID(ctx))
	assert.Equal(t, "generate", StepID(ctx))
	assert.Equal(t, "batch-9", BatchID(ctx))
}

func TestContextIDs_AbsentReturnsEmpty(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, ExecutionID(ctx))
	assert.Empty(t, StepID(ctx))
	assert.Empty(t, BatchID(ctx))
}

func TestCorrelationHandler_InjectsIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithExecutionID(context.Background(), "exec-42")
	ctx = WithStepID(ctx, "enrich")
	logger.InfoContext(ctx, "step started")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "exec-42", record["execution_id"])
	assert.Equal(t, "enrich", record["step_id"])
	_, hasBatch := record["batch_id"]
	assert.False(t, hasBatch, "empty batch_id should not be injected")
}
