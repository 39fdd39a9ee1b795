package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypoint/draftpipe/internal/expressions"
	"github.com/relaypoint/draftpipe/internal/gateway"
	"github.com/relaypoint/draftpipe/internal/store"
	"github.com/relaypoint/draftpipe/pkg/schema"
)

// --- In-memory fakes ---

// memStore is a minimal in-memory Store for engine tests.
type memStore struct {
	mu         sync.Mutex
	workflows  map[string]*store.WorkflowRecord
	executions map[string]*store.Execution
	batches    map[string]*store.Batch
	items      map[string][]*store.BatchItem
	events     []*store.Event
	seq        map[string]int64
}

func newMemStore() *memStore {
	return &memStore{
		workflows:  make(map[string]*store.WorkflowRecord),
		executions: make(map[string]*store.Execution),
		batches:    make(map[string]*store.Batch),
		items:      make(map[string][]*store.BatchItem),
		seq:        make(map[string]int64),
	}
}

func (m *memStore) CreateWorkflow(_ context.Context, wf *store.WorkflowRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[wf.ID] = wf
	return nil
}

func (m *memStore) GetWorkflow(_ context.Context, id string) (*store.WorkflowRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	cp := *wf
	return &cp, nil
}

func (m *memStore) ListWorkflows(_ context.Context, _ store.WorkflowFilter) ([]*store.WorkflowRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.WorkflowRecord
	for _, wf := range m.workflows {
		cp := *wf
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) DeleteWorkflow(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workflows, id)
	return nil
}

func (m *memStore) CreateExecution(_ context.Context, exec *store.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now().UTC()
	}
	cp := *exec
	m.executions[exec.ID] = &cp
	return nil
}

func (m *memStore) GetExecution(_ context.Context, id string) (*store.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)
	}
	cp := *e
	return &cp, nil
}

func (m *memStore) UpdateExecution(_ context.Context, id string, update store.ExecutionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)
	}
	if update.Status != nil {
		e.Status = *update.Status
	}
	if update.Output != nil {
		e.Output = update.Output
	}
	if update.Error != nil {
		e.Error = update.Error
	}
	if update.StartedAt != nil {
		e.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		e.CompletedAt = update.CompletedAt
	}
	if update.DurationMs != nil {
		e.DurationMs = *update.DurationMs
	}
	return nil
}

func (m *memStore) ListExecutions(_ context.Context, filter store.ExecutionFilter) ([]*store.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Execution
	for _, e := range m.executions {
		if filter.WorkflowID != "" && e.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.BatchID != "" && e.BatchID != filter.BatchID {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) FindRecentByFingerprint(_ context.Context, workflowID, fingerprint string, windowSeconds int64) (*store.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().UTC().Add(-time.Duration(windowSeconds) * time.Second)
	var best *store.Execution
	for _, e := range m.executions {
		if e.WorkflowID != workflowID || e.Fingerprint != fingerprint {
			continue
		}
		if e.Status == schema.ExecutionStatusCancelled || e.CreatedAt.Before(cutoff) {
			continue
		}
		if best == nil || e.CreatedAt.After(best.CreatedAt) {
			best = e
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (m *memStore) CreateBatch(_ context.Context, batch *store.Batch, items []*store.BatchItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *batch
	m.batches[batch.ID] = &cp
	for _, item := range items {
		ic := *item
		m.items[batch.ID] = append(m.items[batch.ID], &ic)
	}
	return nil
}

func (m *memStore) GetBatch(_ context.Context, id string) (*store.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "batch %q not found", id)
	}
	cp := *b
	return &cp, nil
}

func (m *memStore) UpdateBatch(_ context.Context, id string, update store.BatchUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "batch %q not found", id)
	}
	if update.Status != nil {
		b.Status = *update.Status
	}
	if update.CompletedJobs != nil {
		b.CompletedJobs = *update.CompletedJobs
	}
	if update.FailedJobs != nil {
		b.FailedJobs = *update.FailedJobs
	}
	if update.StartedAt != nil {
		b.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		b.CompletedAt = update.CompletedAt
	}
	return nil
}

func (m *memStore) UpdateBatchItem(_ context.Context, batchID string, index int, update store.BatchItemUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range m.items[batchID] {
		if item.ItemIndex != index {
			continue
		}
		if update.Status != nil {
			item.Status = *update.Status
		}
		if update.ExecutionID != "" {
			item.ExecutionID = update.ExecutionID
		}
		if update.Error != nil {
			item.Error = update.Error
		}
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeNotFound, "batch_item %s/%d not found", batchID, index)
}

func (m *memStore) ListBatchItems(_ context.Context, batchID string) ([]*store.BatchItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.BatchItem
	for _, item := range m.items[batchID] {
		ic := *item
		out = append(out, &ic)
	}
	return out, nil
}

func (m *memStore) AppendEvent(_ context.Context, event *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq[event.ExecutionID]++
	event.Sequence = m.seq[event.ExecutionID]
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	cp := *event
	m.events = append(m.events, &cp)
	return nil
}

func (m *memStore) GetEvents(_ context.Context, executionID string, since int64) ([]*store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Event
	for _, e := range m.events {
		if e.ExecutionID == executionID && e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) GetEventsByType(_ context.Context, eventType string, filter store.EventFilter) ([]*store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Event
	for _, e := range m.events {
		if e.Type != eventType {
			continue
		}
		if filter.ExecutionID != "" && e.ExecutionID != filter.ExecutionID {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) Migrate(context.Context) error { return nil }
func (m *memStore) Vacuum(context.Context) error  { return nil }
func (m *memStore) ReapStaleExecutions(context.Context, int64) (int64, error) {
	return 0, nil
}
func (m *memStore) Close() error { return nil }

func (m *memStore) eventTypes(executionID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		if e.ExecutionID == executionID {
			out = append(out, e.Type)
		}
	}
	return out
}

// fakeGenerator scripts gateway responses. failures counts down transient
// errors before the first success.
type fakeGenerator struct {
	mu       sync.Mutex
	calls    int
	failures int
	respond  func(req gateway.GenerateRequest) string
	block    chan struct{} // when set, Generate waits for ctx or the channel
}

func (g *fakeGenerator) Generate(ctx context.Context, req gateway.GenerateRequest) (*gateway.GenerateResponse, error) {
	g.mu.Lock()
	g.calls++
	shouldFail := g.failures > 0
	if shouldFail {
		g.failures--
	}
	block := g.block
	g.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if shouldFail {
		return nil, fmt.Errorf("%w: upstream overloaded", gateway.ErrTransient)
	}
	text := "Generated: " + req.Prompt
	if g.respond != nil {
		text = g.respond(req)
	}
	return &gateway.GenerateResponse{Text: text, TokensUsed: len(text)}, nil
}

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// --- Test fixtures ---

func testWorkflow() *store.WorkflowRecord {
	return &store.WorkflowRecord{
		ID:   "wf-outreach",
		Name: "outreach",
		Definition: schema.WorkflowDefinition{
			ID: "wf-outreach",
			Steps: []schema.StepDefinition{
				{
					ID: "enrich", Type: schema.StepTypeTransform, Enabled: true, Order: 1,
					Transform: &schema.TransformSpec{
						Engine: "expr",
						Code:   `upper(input.company)`,
						Inputs: []string{"input"},
					},
				},
				{
					ID: "generate", Type: schema.StepTypeAgentCall, Enabled: true, Order: 2,
					AgentCall: &schema.AgentCallSpec{
						PromptTemplate: "Write a short note to ${{ input.name }} at ${{ steps.enrich }}",
					},
				},
			},
			Settings: schema.WorkflowSettings{Channel: schema.ChannelDirect},
		},
	}
}

func newTestExecutor(t *testing.T, s *memStore, gen gateway.TextGenerator) *Executor {
	t.Helper()
	celEng, err := expressions.NewCELEngine()
	require.NoError(t, err)
	runner := NewStepRunner(gen, nil, celEng, s, nil)
	return NewExecutor(s, s, runner, nil)
}

// --- Executor tests ---

func TestExecute_Success(t *testing.T) {
	s := newMemStore()
	gen := &fakeGenerator{}
	ex := newTestExecutor(t, s, gen)
	ctx := context.Background()

	wf := testWorkflow()
	exec, err := ex.Execute(ctx, wf, map[string]any{"name": "Jordan", "company": "acme"}, false, "")
	require.NoError(t, err)
	require.NotNil(t, exec)

	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
	require.NotNil(t, exec.CompletedAt)
	require.NotNil(t, exec.StartedAt)

	var payload schema.MessagePayload
	require.NoError(t, json.Unmarshal(exec.Output, &payload))
	// The prompt saw both the input and the prior transform output.
	assert.Contains(t, payload.ImmediateResponse.Text, "Jordan")
	assert.Contains(t, payload.ImmediateResponse.Text, "ACME")
	assert.Equal(t, schema.CountWords(payload.ImmediateResponse.Text), payload.ImmediateResponse.WordCount)
	assert.Equal(t, schema.ChannelDirect, payload.Channel)
	require.NotNil(t, payload.QualityAssessment)
	assert.GreaterOrEqual(t, payload.QualityAssessment.OverallScore, 0.0)

	types := s.eventTypes(exec.ID)
	assert.Equal(t, []string{
		schema.EventExecutionStarted,
		schema.EventStepStarted, schema.EventStepCompleted,
		schema.EventStepStarted, schema.EventStepCompleted,
		schema.EventExecutionCompleted,
	}, types)
}

func TestExecute_StepFailureStopsPipeline(t *testing.T) {
	s := newMemStore()
	gen := &fakeGenerator{}
	ex := newTestExecutor(t, s, gen)
	ctx := context.Background()

	wf := testWorkflow()
	// Break the transform so enrich fails deterministically.
	wf.Definition.Steps[0].Transform.Code = `upper(missing_fn(input))`

	exec, err := ex.Execute(ctx, wf, map[string]any{"name": "Jordan", "company": "acme"}, false, "")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	require.NotNil(t, exec.Error)

	var perr schema.PipelineError
	require.NoError(t, json.Unmarshal(exec.Error, &perr))
	assert.Equal(t, "enrich", perr.StepID)
	assert.NotNil(t, perr.Details["completed_steps"])
	assert.NotNil(t, perr.Details["partial_context"])

	// The gateway was never reached.
	assert.Equal(t, 0, gen.callCount())

	types := s.eventTypes(exec.ID)
	assert.Contains(t, types, schema.EventStepFailed)
	assert.Contains(t, types, schema.EventExecutionFailed)
	assert.NotContains(t, types, schema.EventExecutionCompleted)
}

func TestExecute_FailureCarriesPartialContext(t *testing.T) {
	s := newMemStore()
	// Every gateway call fails with a permanent error, so enrich succeeds
	// and generate fails.
	gen := &countingGenerator{failAll: true}
	ex := newTestExecutor(t, s, gen)

	exec, err := ex.Execute(context.Background(), testWorkflow(), map[string]any{"name": "Jordan", "company": "acme"}, false, "")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)

	var perr schema.PipelineError
	require.NoError(t, json.Unmarshal(exec.Error, &perr))
	assert.Equal(t, "generate", perr.StepID)
	assert.Contains(t, perr.Details["completed_steps"], "enrich")

	partial, ok := perr.Details["partial_context"].(map[string]any)
	require.True(t, ok, "failed record should carry the partial context")
	assert.Equal(t, "ACME", partial["enrich"])
	assert.NotContains(t, partial, InputKey)
}

func TestExecute_DisabledStepsAndOrder(t *testing.T) {
	s := newMemStore()
	gen := &fakeGenerator{}
	ex := newTestExecutor(t, s, gen)

	wf := testWorkflow()
	wf.Definition.Steps = append(wf.Definition.Steps, schema.StepDefinition{
		ID: "never", Type: schema.StepTypeTransform, Enabled: false, Order: 0,
		Transform: &schema.TransformSpec{Engine: "expr", Code: `1/0`, Inputs: []string{}},
	})

	exec, err := ex.Execute(context.Background(), wf, map[string]any{"name": "A", "company": "b"}, false, "")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)

	types := s.eventTypes(exec.ID)
	// Four step events: two steps, started+completed each. The disabled
	// step never appears.
	assert.Len(t, types, 6)
}

func TestExecute_ConditionSkips(t *testing.T) {
	s := newMemStore()
	gen := &fakeGenerator{}
	ex := newTestExecutor(t, s, gen)

	wf := testWorkflow()
	wf.Definition.Steps[0].Condition = `input.tier == "vip"`

	exec, err := ex.Execute(context.Background(), wf, map[string]any{"name": "A", "company": "b", "tier": "standard"}, false, "")
	require.NoError(t, err)
	// The generate step's template references steps.enrich which is absent
	// after the skip, so the execution fails at the template.
	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	assert.Contains(t, s.eventTypes(exec.ID), schema.EventStepSkipped)
}

func TestExecute_ConditionSkipContinues(t *testing.T) {
	s := newMemStore()
	gen := &fakeGenerator{}
	ex := newTestExecutor(t, s, gen)

	wf := testWorkflow()
	wf.Definition.Steps[0].Condition = `input.tier == "vip"`
	wf.Definition.Steps[1].AgentCall.PromptTemplate = "Write a short note to ${{ input.name }}"

	exec, err := ex.Execute(context.Background(), wf, map[string]any{"name": "A", "company": "b", "tier": "standard"}, false, "")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
	assert.Contains(t, s.eventTypes(exec.ID), schema.EventStepSkipped)
}

func TestExecute_DuplicateRejected(t *testing.T) {
	s := newMemStore()
	gen := &fakeGenerator{}
	ex := newTestExecutor(t, s, gen)
	ctx := context.Background()
	wf := testWorkflow()

	input := map[string]any{"name": "Jordan", "company": "acme", "profile": map[string]any{"title": "VP"}}
	first, err := ex.Execute(ctx, wf, input, false, "")
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusCompleted, first.Status)

	_, err = ex.Execute(ctx, wf, input, false, "")
	require.Error(t, err)
	perr, ok := err.(*schema.PipelineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeDuplicate, perr.Code)
	assert.Equal(t, first.ID, perr.Details["prior_execution_id"])

	// The full prior record rides along, output included.
	prior, ok := perr.Details["prior_execution"].(*store.Execution)
	require.True(t, ok)
	assert.Equal(t, first.ID, prior.ID)
	assert.Equal(t, schema.ExecutionStatusCompleted, prior.Status)
	assert.NotEmpty(t, prior.Output)

	// force bypasses detection.
	again, err := ex.Execute(ctx, wf, input, true, "")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, again.Status)
}

func TestExecute_RetryThenSuccess(t *testing.T) {
	s := newMemStore()
	gen := &fakeGenerator{failures: 2}
	ex := newTestExecutor(t, s, gen)

	wf := testWorkflow()
	wf.Definition.Steps[1].Retry = &schema.RetryPolicy{Max: 3, Backoff: "constant", Delay: "1ms"}

	exec, err := ex.Execute(context.Background(), wf, map[string]any{"name": "A", "company": "b"}, false, "")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, 3, gen.callCount())

	retrying, err := s.GetEventsByType(context.Background(), schema.EventStepRetrying, store.EventFilter{ExecutionID: exec.ID})
	require.NoError(t, err)
	assert.Len(t, retrying, 2)
}

func TestExecute_RetryExhausted(t *testing.T) {
	s := newMemStore()
	gen := &fakeGenerator{failures: 10}
	ex := newTestExecutor(t, s, gen)

	wf := testWorkflow()
	wf.Definition.Steps[1].Retry = &schema.RetryPolicy{Max: 2, Backoff: "constant", Delay: "1ms"}

	exec, err := ex.Execute(context.Background(), wf, map[string]any{"name": "A", "company": "b"}, false, "")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	assert.Equal(t, 3, gen.callCount()) // initial + 2 retries

	var perr schema.PipelineError
	require.NoError(t, json.Unmarshal(exec.Error, &perr))
	assert.Equal(t, schema.ErrCodeRetryExhausted, perr.Code)
}

func TestCancel_RunningExecution(t *testing.T) {
	s := newMemStore()
	gen := &fakeGenerator{block: make(chan struct{})}
	ex := newTestExecutor(t, s, gen)
	ctx := context.Background()
	wf := testWorkflow()

	done := make(chan *store.Execution, 1)
	go func() {
		exec, err := ex.Execute(ctx, wf, map[string]any{"name": "A", "company": "b"}, false, "")
		if err == nil {
			done <- exec
		}
		close(done)
	}()

	// Wait until the execution reaches the blocking gateway call.
	var execID string
	require.Eventually(t, func() bool {
		execs, _ := s.ListExecutions(ctx, store.ExecutionFilter{WorkflowID: wf.ID})
		for _, e := range execs {
			if e.Status == schema.ExecutionStatusRunning {
				execID = e.ID
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, ex.Cancel(ctx, execID, "operator request"))

	exec := <-done
	require.NotNil(t, exec)
	assert.Equal(t, schema.ExecutionStatusCancelled, exec.Status)

	got, err := s.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCancelled, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestCancel_TerminalConflict(t *testing.T) {
	s := newMemStore()
	gen := &fakeGenerator{}
	ex := newTestExecutor(t, s, gen)
	ctx := context.Background()
	wf := testWorkflow()

	exec, err := ex.Execute(ctx, wf, map[string]any{"name": "A", "company": "b"}, false, "")
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusCompleted, exec.Status)

	err = ex.Cancel(ctx, exec.ID, "too late")
	require.Error(t, err)
	perr, ok := err.(*schema.PipelineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeConflict, perr.Code)
}

func TestExecute_FollowUpSequence(t *testing.T) {
	s := newMemStore()
	gen := &fakeGenerator{}
	ex := newTestExecutor(t, s, gen)

	wf := testWorkflow()
	wf.Definition.Steps = append(wf.Definition.Steps, schema.StepDefinition{
		ID: "follow_ups", Type: schema.StepTypeTransform, Enabled: true, Order: 3,
		Transform: &schema.TransformSpec{
			Engine: "expr",
			Code:   `[{"text": "Just checking in on my note", "timing": "day_3"}]`,
			Inputs: []string{"generate"},
		},
	})

	exec, err := ex.Execute(context.Background(), wf, map[string]any{"name": "A", "company": "b"}, false, "")
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusCompleted, exec.Status)

	var payload schema.MessagePayload
	require.NoError(t, json.Unmarshal(exec.Output, &payload))
	require.Len(t, payload.FollowUpSequence, 1)
	assert.Equal(t, "day_3", payload.FollowUpSequence[0].Timing)
	assert.Equal(t, 6, payload.FollowUpSequence[0].WordCount)
}

// Length-constrained channel, 85-word message, three follow-ups.
func TestExecute_OutreachScenario(t *testing.T) {
	s := newMemStore()
	words := make([]string, 85)
	for i := range words {
		words[i] = fmt.Sprintf("word%d", i)
	}
	gen := &fakeGenerator{
		respond: func(gateway.GenerateRequest) string { return strings.Join(words, " ") },
	}
	ex := newTestExecutor(t, s, gen)

	wf := testWorkflow()
	wf.Definition.Steps = append(wf.Definition.Steps, schema.StepDefinition{
		ID: "follow_ups", Type: schema.StepTypeTransform, Enabled: true, Order: 3,
		Transform: &schema.TransformSpec{
			Engine: "expr",
			Code: `[{"text": "Just floating this back up", "timing": "day_3"}, {"text": "Any thoughts on my note", "timing": "week_1"}, {"text": "Closing the loop here", "timing": "week_2"}]`,
			Inputs: []string{"generate"},
		},
	})

	exec, err := ex.Execute(context.Background(), wf, map[string]any{"name": "Jordan", "company": "acme"}, false, "")
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusCompleted, exec.Status)

	var payload schema.MessagePayload
	require.NoError(t, json.Unmarshal(exec.Output, &payload))
	assert.Equal(t, 85, payload.ImmediateResponse.WordCount)
	require.Len(t, payload.FollowUpSequence, 3)
	assert.Equal(t, "week_2", payload.FollowUpSequence[2].Timing)

	require.NotNil(t, payload.QualityAssessment)
	assert.GreaterOrEqual(t, payload.QualityAssessment.OverallScore, 0.0)
	assert.LessOrEqual(t, payload.QualityAssessment.OverallScore, 100.0)
}

func TestExecute_NonRetryableGatewayError(t *testing.T) {
	s := newMemStore()
	gen := &brokenGenerator{}
	runner := NewStepRunner(gen, nil, nil, s, nil)
	ex := NewExecutor(s, s, runner, nil)

	wf := testWorkflow()
	wf.Definition.Steps[1].Retry = &schema.RetryPolicy{Max: 3, Delay: "1ms"}

	exec, err := ex.Execute(context.Background(), wf, map[string]any{"name": "A", "company": "b"}, false, "")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	assert.Equal(t, 1, gen.calls) // not retried

	var perr schema.PipelineError
	require.NoError(t, json.Unmarshal(exec.Error, &perr))
	assert.Equal(t, schema.ErrCodeStepFailed, perr.Code)
}

// brokenGenerator always fails with a permanent error.
type brokenGenerator struct {
	calls int
}

func (g *brokenGenerator) Generate(context.Context, gateway.GenerateRequest) (*gateway.GenerateResponse, error) {
	g.calls++
	return nil, errors.New("invalid api key")
}

func TestExecute_EmailChannelAssessment(t *testing.T) {
	s := newMemStore()
	gen := &fakeGenerator{}
	ex := newTestExecutor(t, s, gen)

	wf := testWorkflow()
	wf.Definition.Settings.Channel = schema.ChannelEmail

	exec, err := ex.Execute(context.Background(), wf, map[string]any{"name": "A", "company": "b"}, false, "")
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusCompleted, exec.Status)

	var payload schema.MessagePayload
	require.NoError(t, json.Unmarshal(exec.Output, &payload))
	assert.Equal(t, schema.ChannelEmail, payload.Channel)
	// Email channel scores the extended criteria set.
	assert.Contains(t, payload.QualityAssessment.Criteria, schema.CriterionClarity)
	assert.True(t, strings.HasPrefix(payload.ImmediateResponse.Text, "Generated:"))
}
