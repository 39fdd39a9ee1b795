package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/relaypoint/draftpipe/internal/logging"
	"github.com/relaypoint/draftpipe/internal/metrics"
	"github.com/relaypoint/draftpipe/internal/store"
	"github.com/relaypoint/draftpipe/pkg/schema"
)

// DefaultBatchConcurrency bounds simultaneous executions per batch when the
// request does not specify one.
const DefaultBatchConcurrency = 4

// MaxBatchConcurrency caps the per-batch worker count regardless of request.
const MaxBatchConcurrency = 32

// BatchProgress is a live snapshot of a batch's progress.
type BatchProgress struct {
	BatchID       string             `json:"batch_id"`
	Status        schema.BatchStatus `json:"status"`
	TotalJobs     int                `json:"total_jobs"`
	CompletedJobs int                `json:"completed_jobs"`
	FailedJobs    int                `json:"failed_jobs"`
	Percent       float64            `json:"percent"`
}

// batchRun tracks one in-flight batch. cancel tears down the whole run on
// process shutdown; stopQueue only stops queued items from starting, so a
// cooperative Cancel never interrupts executions already in flight.
type batchRun struct {
	batchID   string
	total     int
	completed atomic.Int64
	failed    atomic.Int64
	cancel    context.CancelFunc
	stopQueue context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}
}

// Coordinator fans a batch of inputs across a bounded worker pool, one
// execution per input, and aggregates progress atomically.
type Coordinator struct {
	store    store.Store
	executor *Executor
	fsm      *BatchFSM
	logger   *slog.Logger

	// baseCtx parents all batch runs so shutdown cancels them.
	baseCtx context.Context

	mu      sync.Mutex
	running map[string]*batchRun
}

// NewCoordinator wires a batch coordinator. baseCtx should be the process
// lifetime context.
func NewCoordinator(baseCtx context.Context, s store.Store, exec *Executor, el EventAppender, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:    s,
		executor: exec,
		fsm:      NewBatchFSM(el),
		logger:   logger,
		baseCtx:  baseCtx,
		running:  make(map[string]*batchRun),
	}
}

// Start creates the batch record and launches processing in the background,
// returning immediately with the pending/running batch.
func (c *Coordinator) Start(ctx context.Context, wf *store.WorkflowRecord, name string, inputs []map[string]any, concurrency int) (*store.Batch, error) {
	if wf == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}
	if len(inputs) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "batch has no inputs")
	}
	if concurrency <= 0 {
		concurrency = DefaultBatchConcurrency
	}
	if concurrency > MaxBatchConcurrency {
		concurrency = MaxBatchConcurrency
	}

	batch := &store.Batch{
		ID:          uuid.Must(uuid.NewV7()).String(),
		Name:        name,
		WorkflowID:  wf.ID,
		Status:      schema.BatchStatusPending,
		TotalJobs:   len(inputs),
		Concurrency: concurrency,
		CreatedAt:   time.Now().UTC(),
	}
	items := make([]*store.BatchItem, len(inputs))
	for i, input := range inputs {
		items[i] = &store.BatchItem{
			BatchID:   batch.ID,
			ItemIndex: i,
			Status:    schema.ItemStatusQueued,
			InputData: input,
		}
	}
	if err := c.store.CreateBatch(ctx, batch, items); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create batch: %s", err.Error()).WithCause(err)
	}

	runCtx, cancel := context.WithCancel(c.baseCtx)
	queueCtx, stopQueue := context.WithCancel(runCtx)
	run := &batchRun{
		batchID:   batch.ID,
		total:     len(inputs),
		cancel:    cancel,
		stopQueue: stopQueue,
		done:      make(chan struct{}),
	}
	c.mu.Lock()
	c.running[batch.ID] = run
	c.mu.Unlock()

	go c.process(runCtx, queueCtx, run, wf, batch, items)

	return batch, nil
}

// process drives a batch to a terminal state. Item failures never abort the
// batch; only Cancel does, and cancellation is cooperative: queued items
// are skipped while in-flight executions run to their own terminal state.
// queueCtx gates item starts only; ctx stays live until process shutdown.
func (c *Coordinator) process(ctx, queueCtx context.Context, run *batchRun, wf *store.WorkflowRecord, batch *store.Batch, items []*store.BatchItem) {
	defer close(run.done)
	defer func() {
		run.cancel()
		c.mu.Lock()
		delete(c.running, run.batchID)
		c.mu.Unlock()
	}()

	ctx = logging.WithBatchID(ctx, batch.ID)

	if err := c.fsm.Transition(ctx, batch.ID, schema.BatchStatusPending, schema.BatchStatusRunning); err != nil {
		c.logger.ErrorContext(ctx, "batch start transition failed", "error", err)
		return
	}
	now := time.Now().UTC()
	running := schema.BatchStatusRunning
	_ = c.store.UpdateBatch(ctx, batch.ID, store.BatchUpdate{Status: &running, StartedAt: &now})

	pool := NewWorkerPool(batch.Concurrency)
	for _, item := range items {
		item := item
		if queueCtx.Err() != nil {
			c.skipItem(item)
			continue
		}
		// Submit waits for a pool slot under queueCtx so a cancelled batch
		// stops feeding the pool, but the item itself runs under ctx: once
		// an execution starts it is never interrupted by Cancel.
		err := pool.Submit(queueCtx, func(context.Context) error {
			c.runItem(ctx, run, wf, item)
			return nil
		})
		if err != nil {
			// Pool rejected the item: batch was cancelled while queuing.
			c.skipItem(item)
		}
	}
	pool.Wait()
	pool.Shutdown()

	completed := int(run.completed.Load())
	failed := int(run.failed.Load())
	finishedAt := time.Now().UTC()

	final := schema.BatchStatusCompleted
	if run.cancelled.Load() {
		final = schema.BatchStatusCancelled
	}
	// Cancel already emitted the batch.cancelled event and transition.
	if final == schema.BatchStatusCompleted {
		if err := c.fsm.Transition(context.Background(), batch.ID, schema.BatchStatusRunning, final); err != nil {
			c.logger.WarnContext(ctx, "batch completion transition rejected", "error", err)
		}
	}
	_ = c.store.UpdateBatch(context.Background(), batch.ID, store.BatchUpdate{
		Status:        &final,
		CompletedJobs: &completed,
		FailedJobs:    &failed,
		CompletedAt:   &finishedAt,
	})
	c.logger.InfoContext(ctx, "batch finished",
		"batch_id", batch.ID, "status", final, "completed", completed, "failed", failed)
}

// runItem runs one batch input through the executor and records the outcome.
func (c *Coordinator) runItem(ctx context.Context, run *batchRun, wf *store.WorkflowRecord, item *store.BatchItem) {
	if ctx.Err() != nil || run.cancelled.Load() {
		c.skipItem(item)
		return
	}

	itemRunning := schema.ItemStatusRunning
	_ = c.store.UpdateBatchItem(ctx, item.BatchID, item.ItemIndex, store.BatchItemUpdate{Status: &itemRunning})

	// Batch items go through the same duplicate detection as direct
	// invocations, so two identical rows in one batch collapse to one send.
	exec, err := c.executor.Execute(ctx, wf, item.InputData, false, item.BatchID)

	switch {
	case err != nil:
		run.failed.Add(1)
		metrics.BatchJobs.WithLabelValues("failed").Inc()
		failed := schema.ItemStatusFailed
		errJSON := marshalItemError(err)
		_ = c.store.UpdateBatchItem(context.Background(), item.BatchID, item.ItemIndex, store.BatchItemUpdate{
			Status: &failed,
			Error:  errJSON,
		})

	case exec.Status == schema.ExecutionStatusCompleted:
		run.completed.Add(1)
		metrics.BatchJobs.WithLabelValues("completed").Inc()
		done := schema.ItemStatusCompleted
		_ = c.store.UpdateBatchItem(context.Background(), item.BatchID, item.ItemIndex, store.BatchItemUpdate{
			Status:      &done,
			ExecutionID: exec.ID,
		})

	default:
		// Failed or cancelled execution record.
		run.failed.Add(1)
		metrics.BatchJobs.WithLabelValues("failed").Inc()
		failed := schema.ItemStatusFailed
		_ = c.store.UpdateBatchItem(context.Background(), item.BatchID, item.ItemIndex, store.BatchItemUpdate{
			Status:      &failed,
			ExecutionID: exec.ID,
			Error:       exec.Error,
		})
	}

	// Persist rolling counters so progress survives a restart.
	completedN := int(run.completed.Load())
	failedN := int(run.failed.Load())
	_ = c.store.UpdateBatch(context.Background(), item.BatchID, store.BatchUpdate{
		CompletedJobs: &completedN,
		FailedJobs:    &failedN,
	})
}

func (c *Coordinator) skipItem(item *store.BatchItem) {
	skipped := schema.ItemStatusSkipped
	metrics.BatchJobs.WithLabelValues("skipped").Inc()
	_ = c.store.UpdateBatchItem(context.Background(), item.BatchID, item.ItemIndex, store.BatchItemUpdate{Status: &skipped})
}

// Cancel requests cooperative cancellation of a running batch. Queued items
// are skipped; in-flight executions are allowed to finish.
func (c *Coordinator) Cancel(ctx context.Context, batchID string) error {
	batch, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if batch.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "batch %s already %s", batchID, batch.Status)
	}

	if err := c.fsm.Transition(ctx, batchID, batch.Status, schema.BatchStatusCancelled); err != nil {
		return err
	}
	cancelled := schema.BatchStatusCancelled
	now := time.Now().UTC()
	if err := c.store.UpdateBatch(ctx, batchID, store.BatchUpdate{Status: &cancelled, CompletedAt: &now}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "update batch status: %s", err.Error()).WithCause(err)
	}

	c.mu.Lock()
	run, ok := c.running[batchID]
	c.mu.Unlock()
	if ok {
		run.cancelled.Store(true)
		run.stopQueue()
	}
	return nil
}

// Progress returns a snapshot of batch progress. For running batches the
// counters come from the in-memory atomics; otherwise from the store.
func (c *Coordinator) Progress(ctx context.Context, batchID string) (*BatchProgress, error) {
	batch, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	completed := batch.CompletedJobs
	failed := batch.FailedJobs

	c.mu.Lock()
	if run, ok := c.running[batchID]; ok {
		completed = int(run.completed.Load())
		failed = int(run.failed.Load())
	}
	c.mu.Unlock()

	percent := 0.0
	if batch.TotalJobs > 0 {
		percent = float64(completed+failed) / float64(batch.TotalJobs) * 100
	}
	return &BatchProgress{
		BatchID:       batchID,
		Status:        batch.Status,
		TotalJobs:     batch.TotalJobs,
		CompletedJobs: completed,
		FailedJobs:    failed,
		Percent:       percent,
	}, nil
}

// Wait blocks until the batch's background processing finishes. Used by
// tests and graceful shutdown.
func (c *Coordinator) Wait(batchID string) {
	c.mu.Lock()
	run, ok := c.running[batchID]
	c.mu.Unlock()
	if ok {
		<-run.done
	}
}

func marshalItemError(err error) json.RawMessage {
	if perr, ok := err.(*schema.PipelineError); ok {
		raw, _ := json.Marshal(perr)
		return raw
	}
	raw, _ := json.Marshal(map[string]string{"code": schema.ErrCodeExecution, "message": err.Error()})
	return raw
}
