package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypoint/draftpipe/internal/gateway"
	"github.com/relaypoint/draftpipe/internal/store"
	"github.com/relaypoint/draftpipe/pkg/schema"
)

// countingGenerator tracks peak concurrent Generate calls.
type countingGenerator struct {
	mu      sync.Mutex
	active  int
	peak    int
	delay   time.Duration
	failAll bool
}

func (g *countingGenerator) Generate(ctx context.Context, req gateway.GenerateRequest) (*gateway.GenerateResponse, error) {
	g.mu.Lock()
	g.active++
	if g.active > g.peak {
		g.peak = g.active
	}
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.active--
		g.mu.Unlock()
	}()

	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if g.failAll {
		return nil, fmt.Errorf("invalid request payload")
	}
	return &gateway.GenerateResponse{Text: "Generated: " + req.Prompt}, nil
}

func (g *countingGenerator) peakConcurrency() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak
}

func newTestCoordinator(t *testing.T, s *memStore, gen gateway.TextGenerator) (*Coordinator, *Executor) {
	t.Helper()
	ex := newTestExecutor(t, s, gen)
	return NewCoordinator(context.Background(), s, ex, s, nil), ex
}

func batchInputs(n int) []map[string]any {
	inputs := make([]map[string]any, n)
	for i := range inputs {
		inputs[i] = map[string]any{"name": fmt.Sprintf("Lead %d", i), "company": fmt.Sprintf("company-%d", i)}
	}
	return inputs
}

func TestBatch_AllComplete(t *testing.T) {
	s := newMemStore()
	gen := &countingGenerator{}
	coord, _ := newTestCoordinator(t, s, gen)
	ctx := context.Background()
	wf := testWorkflow()

	batch, err := coord.Start(ctx, wf, "spring push", batchInputs(5), 2)
	require.NoError(t, err)
	coord.Wait(batch.ID)

	got, err := s.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, "spring push", got.Name)
	assert.Equal(t, schema.BatchStatusCompleted, got.Status)
	assert.Equal(t, 5, got.CompletedJobs)
	assert.Equal(t, 0, got.FailedJobs)
	require.NotNil(t, got.CompletedAt)

	items, err := s.ListBatchItems(ctx, batch.ID)
	require.NoError(t, err)
	require.Len(t, items, 5)
	for _, item := range items {
		assert.Equal(t, schema.ItemStatusCompleted, item.Status)
		assert.NotEmpty(t, item.ExecutionID)
	}
}

func TestBatch_AllFailedStillCompletes(t *testing.T) {
	s := newMemStore()
	gen := &countingGenerator{failAll: true}
	coord, _ := newTestCoordinator(t, s, gen)
	ctx := context.Background()
	wf := testWorkflow()

	batch, err := coord.Start(ctx, wf, "", batchInputs(3), 2)
	require.NoError(t, err)
	coord.Wait(batch.ID)

	got, err := s.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	// A batch where every job failed is still a completed batch.
	assert.Equal(t, schema.BatchStatusCompleted, got.Status)
	assert.Equal(t, 0, got.CompletedJobs)
	assert.Equal(t, 3, got.FailedJobs)

	items, err := s.ListBatchItems(ctx, batch.ID)
	require.NoError(t, err)
	for _, item := range items {
		assert.Equal(t, schema.ItemStatusFailed, item.Status)
		require.NotNil(t, item.Error)
		var perr schema.PipelineError
		require.NoError(t, json.Unmarshal(item.Error, &perr))
		assert.Equal(t, schema.ErrCodeStepFailed, perr.Code)
	}
}

func TestBatch_ConcurrencyBounded(t *testing.T) {
	s := newMemStore()
	gen := &countingGenerator{delay: 20 * time.Millisecond}
	coord, _ := newTestCoordinator(t, s, gen)
	wf := testWorkflow()

	batch, err := coord.Start(context.Background(), wf, "", batchInputs(8), 2)
	require.NoError(t, err)
	coord.Wait(batch.ID)

	assert.LessOrEqual(t, gen.peakConcurrency(), 2)
	assert.GreaterOrEqual(t, gen.peakConcurrency(), 1)
}

func TestBatch_ConcurrencyDefaultsAndClamp(t *testing.T) {
	s := newMemStore()
	gen := &countingGenerator{}
	coord, _ := newTestCoordinator(t, s, gen)
	wf := testWorkflow()

	batch, err := coord.Start(context.Background(), wf, "", batchInputs(1), 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultBatchConcurrency, batch.Concurrency)
	coord.Wait(batch.ID)

	batch, err = coord.Start(context.Background(), wf, "", batchInputs(1), 1000)
	require.NoError(t, err)
	assert.Equal(t, MaxBatchConcurrency, batch.Concurrency)
	coord.Wait(batch.ID)
}

func TestBatch_EmptyInputsRejected(t *testing.T) {
	s := newMemStore()
	coord, _ := newTestCoordinator(t, s, &countingGenerator{})

	_, err := coord.Start(context.Background(), testWorkflow(), "", nil, 2)
	require.Error(t, err)
	perr, ok := err.(*schema.PipelineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, perr.Code)
}

func TestBatch_CancelSkipsQueued(t *testing.T) {
	s := newMemStore()
	gen := &countingGenerator{delay: 50 * time.Millisecond}
	coord, _ := newTestCoordinator(t, s, gen)
	ctx := context.Background()
	wf := testWorkflow()

	batch, err := coord.Start(ctx, wf, "", batchInputs(10), 1)
	require.NoError(t, err)

	// Let the first item reach the gateway, then cancel.
	require.Eventually(t, func() bool {
		items, _ := s.ListBatchItems(ctx, batch.ID)
		for _, item := range items {
			if item.Status == schema.ItemStatusRunning {
				return true
			}
		}
		return false
	}, 2*time.Second, 2*time.Millisecond)

	require.NoError(t, coord.Cancel(ctx, batch.ID))
	coord.Wait(batch.ID)

	got, err := s.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.BatchStatusCancelled, got.Status)

	items, err := s.ListBatchItems(ctx, batch.ID)
	require.NoError(t, err)
	var skipped int
	for _, item := range items {
		if item.Status == schema.ItemStatusSkipped {
			skipped++
		}
	}
	assert.Greater(t, skipped, 0, "queued items should be skipped after cancel")
}

func TestBatch_CancelLetsInFlightFinish(t *testing.T) {
	s := newMemStore()
	gen := &countingGenerator{delay: 300 * time.Millisecond}
	coord, _ := newTestCoordinator(t, s, gen)
	ctx := context.Background()
	wf := testWorkflow()

	batch, err := coord.Start(ctx, wf, "", batchInputs(10), 2)
	require.NoError(t, err)

	// Wait until both workers hold an item, then cancel mid-flight.
	require.Eventually(t, func() bool {
		items, _ := s.ListBatchItems(ctx, batch.ID)
		running := 0
		for _, item := range items {
			if item.Status == schema.ItemStatusRunning {
				running++
			}
		}
		return running == 2
	}, 2*time.Second, 2*time.Millisecond)

	require.NoError(t, coord.Cancel(ctx, batch.ID))
	coord.Wait(batch.ID)

	got, err := s.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.BatchStatusCancelled, got.Status)
	assert.Equal(t, 2, got.CompletedJobs, "in-flight items must run to completion")
	assert.Equal(t, 0, got.FailedJobs, "cancel must not fail in-flight items")

	items, err := s.ListBatchItems(ctx, batch.ID)
	require.NoError(t, err)
	var completed, skipped int
	for _, item := range items {
		switch item.Status {
		case schema.ItemStatusCompleted:
			completed++
			exec, err := s.GetExecution(ctx, item.ExecutionID)
			require.NoError(t, err)
			assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
		case schema.ItemStatusSkipped:
			skipped++
		}
	}
	assert.Equal(t, 2, completed)
	assert.Equal(t, 8, skipped)
}

func TestBatch_CancelTerminalConflict(t *testing.T) {
	s := newMemStore()
	coord, _ := newTestCoordinator(t, s, &countingGenerator{})
	ctx := context.Background()

	batch, err := coord.Start(ctx, testWorkflow(), "", batchInputs(1), 1)
	require.NoError(t, err)
	coord.Wait(batch.ID)

	err = coord.Cancel(ctx, batch.ID)
	require.Error(t, err)
	perr, ok := err.(*schema.PipelineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeConflict, perr.Code)
}

func TestBatch_Progress(t *testing.T) {
	s := newMemStore()
	gen := &countingGenerator{}
	coord, _ := newTestCoordinator(t, s, gen)
	ctx := context.Background()

	batch, err := coord.Start(ctx, testWorkflow(), "", batchInputs(4), 2)
	require.NoError(t, err)
	coord.Wait(batch.ID)

	progress, err := coord.Progress(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, batch.ID, progress.BatchID)
	assert.Equal(t, 4, progress.TotalJobs)
	assert.Equal(t, 4, progress.CompletedJobs+progress.FailedJobs)
	assert.InDelta(t, 100.0, progress.Percent, 0.001)
}

func TestBatch_ExecutionsLinkedToBatch(t *testing.T) {
	s := newMemStore()
	gen := &countingGenerator{}
	coord, _ := newTestCoordinator(t, s, gen)
	ctx := context.Background()
	wf := testWorkflow()

	batch, err := coord.Start(ctx, wf, "", batchInputs(3), 2)
	require.NoError(t, err)
	coord.Wait(batch.ID)

	execs, err := s.ListExecutions(ctx, store.ExecutionFilter{BatchID: batch.ID})
	require.NoError(t, err)
	assert.Len(t, execs, 3)
	for _, e := range execs {
		assert.Equal(t, batch.ID, e.BatchID)
	}
}

func TestBatch_DuplicateItemsCollapse(t *testing.T) {
	s := newMemStore()
	gen := &countingGenerator{}
	coord, _ := newTestCoordinator(t, s, gen)
	ctx := context.Background()
	wf := testWorkflow()

	// Two identical rows: the second is rejected by duplicate detection.
	same := map[string]any{"name": "Jordan", "company": "acme"}
	batch, err := coord.Start(ctx, wf, "", []map[string]any{same, same}, 1)
	require.NoError(t, err)
	coord.Wait(batch.ID)

	got, err := s.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.BatchStatusCompleted, got.Status)
	assert.Equal(t, 1, got.CompletedJobs)
	assert.Equal(t, 1, got.FailedJobs)

	items, err := s.ListBatchItems(ctx, batch.ID)
	require.NoError(t, err)
	var duplicates int
	for _, item := range items {
		if item.Status != schema.ItemStatusFailed {
			continue
		}
		var perr schema.PipelineError
		require.NoError(t, json.Unmarshal(item.Error, &perr))
		if perr.Code == schema.ErrCodeDuplicate {
			duplicates++
		}
	}
	assert.Equal(t, 1, duplicates)
}

func TestBatch_EventsLogged(t *testing.T) {
	s := newMemStore()
	coord, _ := newTestCoordinator(t, s, &countingGenerator{})
	ctx := context.Background()

	batch, err := coord.Start(ctx, testWorkflow(), "", batchInputs(2), 2)
	require.NoError(t, err)
	coord.Wait(batch.ID)

	types := s.eventTypes(batch.ID)
	assert.Contains(t, types, schema.EventBatchStarted)
	assert.Contains(t, types, schema.EventBatchCompleted)
}

func TestBatch_ProgressWhileRunning(t *testing.T) {
	s := newMemStore()
	gen := &countingGenerator{delay: 30 * time.Millisecond}
	coord, _ := newTestCoordinator(t, s, gen)
	ctx := context.Background()

	batch, err := coord.Start(ctx, testWorkflow(), "", batchInputs(6), 2)
	require.NoError(t, err)

	var sawPartial atomic.Bool
	require.Eventually(t, func() bool {
		p, err := coord.Progress(ctx, batch.ID)
		if err != nil {
			return false
		}
		done := p.CompletedJobs + p.FailedJobs
		if done > 0 && done < p.TotalJobs {
			sawPartial.Store(true)
		}
		return done == p.TotalJobs
	}, 5*time.Second, 2*time.Millisecond)
	coord.Wait(batch.ID)

	assert.True(t, sawPartial.Load(), "progress should report partial completion mid-run")
}
