package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCEL_ConditionAgainstInput(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	assert.Equal(t, "cel", e.Name())

	data := map[string]any{
		"input": map[string]any{"channel": "direct"},
	}
	out, err := e.EvaluateBool(context.Background(), `input.channel == "direct"`, data)
	require.NoError(t, err)
	assert.True(t, out)
}

func TestCEL_ConditionAgainstStepOutput(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{
		"steps": map[string]any{
			"enrich": map[string]any{"score": 75.0},
		},
	}
	out, err := e.EvaluateBool(context.Background(), "steps.enrich.score > 50.0", data)
	require.NoError(t, err)
	assert.True(t, out)
}

func TestCEL_MissingNamespacesDefaultEmpty(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.EvaluateBool(context.Background(), `"x" in input`, nil)
	require.NoError(t, err)
	assert.False(t, out)
}

func TestCEL_NonBooleanConditionRejected(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.EvaluateBool(context.Background(), "1 + 1", nil)
	assert.Error(t, err)
}

func TestCEL_CompileErrorSurfaced(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), "input ==", nil)
	assert.Error(t, err)
}
