package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypoint/draftpipe/internal/cache"
	"github.com/relaypoint/draftpipe/internal/gateway"
	"github.com/relaypoint/draftpipe/pkg/schema"
)

// oneHotEmbedder assigns each distinct text its own basis vector: identical
// prompts are identical, different prompts are orthogonal.
type oneHotEmbedder struct {
	mu      sync.Mutex
	indexes map[string]int
}

func newOneHotEmbedder() *oneHotEmbedder {
	return &oneHotEmbedder{indexes: make(map[string]int)}
}

func (e *oneHotEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx, ok := e.indexes[text]
	if !ok {
		idx = len(e.indexes) % 64
		e.indexes[text] = idx
	}
	vec := make([]float64, 64)
	vec[idx] = 1
	return vec, nil
}

func newCachedRunner(t *testing.T, gen gateway.TextGenerator, s *memStore) *StepRunner {
	t.Helper()
	c := cache.New(newOneHotEmbedder(), cache.Config{}, nil)
	return NewStepRunner(gen, c, nil, s, nil)
}

func agentStep(id, template string) schema.StepDefinition {
	return schema.StepDefinition{
		ID: id, Type: schema.StepTypeAgentCall, Enabled: true, Order: 1,
		AgentCall: &schema.AgentCallSpec{PromptTemplate: template},
	}
}

func TestStepRunner_CacheHitSkipsGateway(t *testing.T) {
	s := newMemStore()
	gen := &fakeGenerator{}
	runner := newCachedRunner(t, gen, s)
	ctx := context.Background()

	step := agentStep("draft", "Write to ${{ input.name }}")
	settings := schema.WorkflowSettings{}
	execCtx := NewExecutionContext(map[string]any{"name": "Jordan"})

	first, err := runner.Run(ctx, "e1", step, execCtx, settings)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)
	assert.Equal(t, 1, gen.callCount())

	second, err := runner.Run(ctx, "e2", step, execCtx, settings)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Output, second.Output)
	assert.Equal(t, 1, gen.callCount(), "cache hit must not invoke the gateway")
}

func TestStepRunner_CacheMissOnDifferentPrompt(t *testing.T) {
	s := newMemStore()
	gen := &fakeGenerator{}
	runner := newCachedRunner(t, gen, s)
	ctx := context.Background()

	settings := schema.WorkflowSettings{}

	_, err := runner.Run(ctx, "e1", agentStep("draft", "Write to ${{ input.name }}"),
		NewExecutionContext(map[string]any{"name": "Jordan from Acme Corp in Berlin"}), settings)
	require.NoError(t, err)

	out, err := runner.Run(ctx, "e2", agentStep("draft", "Write to ${{ input.name }}"),
		NewExecutionContext(map[string]any{"name": "A completely different lead profile entirely"}), settings)
	require.NoError(t, err)
	assert.False(t, out.CacheHit)
	assert.Equal(t, 2, gen.callCount())
}

func TestStepRunner_JQTransform(t *testing.T) {
	s := newMemStore()
	runner := NewStepRunner(&fakeGenerator{}, nil, nil, s, nil)
	ctx := context.Background()

	step := schema.StepDefinition{
		ID: "extract", Type: schema.StepTypeTransform, Enabled: true, Order: 1,
		Transform: &schema.TransformSpec{
			Engine: "jq",
			Code:   `.input.company | ascii_upcase`,
			Inputs: []string{InputKey},
		},
	}
	execCtx := NewExecutionContext(map[string]any{"company": "acme"})

	out, err := runner.Run(ctx, "e1", step, execCtx, schema.WorkflowSettings{})
	require.NoError(t, err)
	assert.Equal(t, "ACME", out.Output)
}

func TestStepRunner_UnknownTransformEngine(t *testing.T) {
	s := newMemStore()
	runner := NewStepRunner(&fakeGenerator{}, nil, nil, s, nil)

	step := schema.StepDefinition{
		ID: "bad", Type: schema.StepTypeTransform, Enabled: true, Order: 1,
		Transform: &schema.TransformSpec{Engine: "lua", Code: "return 1", Inputs: []string{}},
	}

	_, err := runner.Run(context.Background(), "e1", step, NewExecutionContext(nil), schema.WorkflowSettings{})
	require.Error(t, err)
	perr, ok := err.(*schema.PipelineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, perr.Code)
}

func TestStepRunner_TransformCannotReadUndeclaredKeys(t *testing.T) {
	s := newMemStore()
	runner := NewStepRunner(&fakeGenerator{}, nil, nil, s, nil)

	step := schema.StepDefinition{
		ID: "narrow", Type: schema.StepTypeTransform, Enabled: true, Order: 2,
		Transform: &schema.TransformSpec{
			Engine: "expr",
			Code:   `prior_step`,
			Inputs: []string{"prior_step"},
		},
	}
	// prior_step never ran.
	_, err := runner.Run(context.Background(), "e1", step, NewExecutionContext(nil), schema.WorkflowSettings{})
	require.Error(t, err)
	perr, ok := err.(*schema.PipelineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, perr.Code)
}

func TestStepRunner_PerCallTimeout(t *testing.T) {
	s := newMemStore()
	gen := &fakeGenerator{block: make(chan struct{})}
	runner := NewStepRunner(gen, nil, nil, s, nil)

	step := agentStep("slow", "Write something")
	step.Timeout = "10ms"

	start := time.Now()
	_, err := runner.Run(context.Background(), "e1", step, NewExecutionContext(nil), schema.WorkflowSettings{})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	perr, ok := err.(*schema.PipelineError)
	require.True(t, ok)
	// Per-call timeouts are retried under the default policy until the
	// budget runs out.
	assert.Equal(t, schema.ErrCodeRetryExhausted, perr.Code)
	assert.Equal(t, DefaultRetryPolicy.Max+1, gen.callCount())
}

func TestStepRunner_SettingsRetryFallback(t *testing.T) {
	s := newMemStore()
	gen := &fakeGenerator{failures: 1}
	runner := NewStepRunner(gen, nil, nil, s, nil)

	// The step declares no policy; the workflow default applies.
	settings := schema.WorkflowSettings{Retry: &schema.RetryPolicy{Max: 2, Backoff: "constant", Delay: "1ms"}}

	out, err := runner.Run(context.Background(), "e1", agentStep("draft", "hello"), NewExecutionContext(nil), settings)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Retries)
	assert.Equal(t, 2, gen.callCount())
}

func TestStepRunner_DefaultRetryPolicy(t *testing.T) {
	s := newMemStore()
	gen := &fakeGenerator{failures: 1}
	runner := NewStepRunner(gen, nil, nil, s, nil)

	// Neither the step nor the workflow declares a policy; the engine
	// default still absorbs a transient gateway failure.
	out, err := runner.Run(context.Background(), "e1", agentStep("draft", "hello"), NewExecutionContext(nil), schema.WorkflowSettings{})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Retries)
	assert.Equal(t, 2, gen.callCount())
}
