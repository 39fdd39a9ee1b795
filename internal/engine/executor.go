package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaypoint/draftpipe/internal/evaluator"
	"github.com/relaypoint/draftpipe/internal/logging"
	"github.com/relaypoint/draftpipe/internal/metrics"
	"github.com/relaypoint/draftpipe/internal/store"
	"github.com/relaypoint/draftpipe/pkg/schema"
)

// EventLogger abstracts the event log operations needed by the executor.
// Satisfied by *store.EventLog and test fakes.
type EventLogger interface {
	EventAppender
	GetEvents(ctx context.Context, executionID string, since int64) ([]*store.Event, error)
}

// FollowUpsKey is the context key whose value, when a step produces it,
// becomes the payload's follow-up sequence. Workflows typically populate it
// with a transform step named "follow_ups".
const FollowUpsKey = "follow_ups"

// Executor runs workflow pipelines to completion, one execution at a time
// per call. It owns the execution lifecycle and the persisted record.
type Executor struct {
	store    store.Store
	eventLog EventLogger
	fsm      *ExecutionFSM
	runner   *StepRunner
	eval     *evaluator.Evaluator
	dedup    *DuplicateDetector
	logger   *slog.Logger

	// mu guards running.
	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewExecutor wires an executor from its collaborators.
func NewExecutor(s store.Store, el EventLogger, runner *StepRunner, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:    s,
		eventLog: el,
		fsm:      NewExecutionFSM(el),
		runner:   runner,
		eval:     evaluator.New(),
		dedup:    NewDuplicateDetector(s),
		logger:   logger,
		running:  make(map[string]context.CancelFunc),
	}
}

// Execute runs the workflow pipeline against input and returns the terminal
// execution record. force bypasses duplicate detection. batchID is empty
// for direct invocations.
func (e *Executor) Execute(ctx context.Context, wf *store.WorkflowRecord, input map[string]any, force bool, batchID string) (*store.Execution, error) {
	if wf == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}

	fingerprint := Fingerprint(wf.Definition.Settings.Channel, input)

	// Duplicate check happens before any record is created: a rejected
	// duplicate leaves no trace besides the metric.
	if !force {
		prior, err := e.dedup.Check(ctx, wf, fingerprint)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			metrics.DuplicatesRejected.Inc()
			// The caller gets the prior record back in full, so a duplicate
			// response is as useful as the original one.
			return nil, schema.NewErrorf(schema.ErrCodeDuplicate,
				"equivalent invocation %s ran %s ago", prior.ID,
				time.Since(prior.CreatedAt).Round(time.Second)).
				WithDetails(map[string]any{
					"prior_execution_id": prior.ID,
					"prior_status":       string(prior.Status),
					"prior_execution":    prior,
				})
		}
	}

	exec := &store.Execution{
		ID:          uuid.Must(uuid.NewV7()).String(),
		WorkflowID:  wf.ID,
		BatchID:     batchID,
		Status:      schema.ExecutionStatusPending,
		InputData:   input,
		Fingerprint: fingerprint,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create execution: %s", err.Error()).WithCause(err)
	}

	ctx = logging.WithExecutionID(ctx, exec.ID)

	// pending → running.
	if err := e.fsm.Transition(ctx, exec.ID, schema.ExecutionStatusPending, schema.ExecutionStatusRunning); err != nil {
		return nil, err
	}
	started := time.Now().UTC()
	running := schema.ExecutionStatusRunning
	if err := e.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		Status:    &running,
		StartedAt: &started,
	}); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "update execution status: %s", err.Error()).WithCause(err)
	}
	exec.Status = running
	exec.StartedAt = &started
	metrics.ActiveExecutions.Inc()
	defer metrics.ActiveExecutions.Dec()

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.running[exec.ID] = cancel
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.running, exec.ID)
		e.mu.Unlock()
	}()

	execCtx := NewExecutionContext(input)
	finalErr := e.runSteps(runCtx, wf, exec, execCtx)

	completed := time.Now().UTC()
	duration := completed.Sub(started).Milliseconds()

	// A cancelled run context means Cancel won the race; the cancelled
	// status was already persisted there.
	if runCtx.Err() == context.Canceled && ctx.Err() == nil {
		exec.Status = schema.ExecutionStatusCancelled
		got, err := e.store.GetExecution(context.Background(), exec.ID)
		if err == nil {
			return got, nil
		}
		return exec, nil
	}

	if finalErr != nil {
		errJSON, _ := json.Marshal(finalErr)
		failed := schema.ExecutionStatusFailed
		e.transition(ctx, exec.ID, schema.ExecutionStatusRunning, failed)
		_ = e.store.UpdateExecution(context.Background(), exec.ID, store.ExecutionUpdate{
			Status:      &failed,
			Error:       errJSON,
			CompletedAt: &completed,
			DurationMs:  &duration,
		})
		exec.Status = failed
		exec.Error = errJSON
		exec.CompletedAt = &completed
		exec.DurationMs = duration
		metrics.ExecutionsTotal.WithLabelValues(string(failed)).Inc()
		e.logger.ErrorContext(ctx, "execution failed", "workflow_id", wf.ID, "error", finalErr)
		return exec, nil
	}

	payload, perr := e.assemblePayload(wf, execCtx)
	if perr != nil {
		errJSON, _ := json.Marshal(perr)
		failed := schema.ExecutionStatusFailed
		e.transition(ctx, exec.ID, schema.ExecutionStatusRunning, failed)
		_ = e.store.UpdateExecution(context.Background(), exec.ID, store.ExecutionUpdate{
			Status:      &failed,
			Error:       errJSON,
			CompletedAt: &completed,
			DurationMs:  &duration,
		})
		exec.Status = failed
		exec.Error = errJSON
		exec.CompletedAt = &completed
		metrics.ExecutionsTotal.WithLabelValues(string(failed)).Inc()
		return exec, nil
	}

	output, _ := json.Marshal(payload)
	done := schema.ExecutionStatusCompleted
	e.transition(ctx, exec.ID, schema.ExecutionStatusRunning, done)
	_ = e.store.UpdateExecution(context.Background(), exec.ID, store.ExecutionUpdate{
		Status:      &done,
		Output:      output,
		CompletedAt: &completed,
		DurationMs:  &duration,
	})
	exec.Status = done
	exec.Output = output
	exec.CompletedAt = &completed
	exec.DurationMs = duration
	metrics.ExecutionsTotal.WithLabelValues(string(done)).Inc()
	e.logger.InfoContext(ctx, "execution completed",
		"workflow_id", wf.ID, "duration_ms", duration)
	return exec, nil
}

// runSteps walks the enabled steps in ascending order. The first failure
// stops the pipeline; the context keeps only outputs of steps that
// succeeded before it.
func (e *Executor) runSteps(ctx context.Context, wf *store.WorkflowRecord, exec *store.Execution, execCtx *ExecutionContext) *schema.PipelineError {
	for _, step := range wf.Definition.EnabledSteps() {
		if ctx.Err() != nil {
			if ctx.Err() == context.Canceled {
				return schema.NewError(schema.ErrCodeCancelled, "execution cancelled").WithStep(step.ID)
			}
			return schema.NewError(schema.ErrCodeTimeout, "execution deadline exceeded").WithStep(step.ID)
		}

		stepCtx := logging.WithStepID(ctx, step.ID)
		stepStart := time.Now()

		e.emitStep(stepCtx, exec.ID, step.ID, schema.EventStepStarted, nil)

		outcome, err := e.runner.Run(stepCtx, exec.ID, step, execCtx, wf.Definition.Settings)
		if err != nil {
			perr, ok := err.(*schema.PipelineError)
			if !ok {
				perr = schema.NewErrorf(schema.ErrCodeStepFailed, "step %s: %s", step.ID, err.Error()).WithStep(step.ID)
			}
			// Attach the partial context as a diagnostic: which steps
			// produced output before the failure, and what they produced.
			if perr.Details == nil {
				perr.Details = map[string]any{}
			}
			perr.Details["completed_steps"] = execCtx.Keys()
			perr.Details["partial_context"] = diagnosticContext(execCtx)
			e.emitStep(stepCtx, exec.ID, step.ID, schema.EventStepFailed, &schema.StepEventPayload{
				ExecutionID: exec.ID,
				StepID:      step.ID,
				DurationMs:  time.Since(stepStart).Milliseconds(),
				Error:       perr.Error(),
			})
			return perr
		}

		if outcome.Skipped {
			e.emitStep(stepCtx, exec.ID, step.ID, schema.EventStepSkipped, nil)
			continue
		}

		execCtx.Set(step.ID, outcome.Output)

		payload := &schema.StepEventPayload{
			ExecutionID: exec.ID,
			StepID:      step.ID,
			DurationMs:  time.Since(stepStart).Milliseconds(),
			CacheHit:    outcome.CacheHit,
		}
		if s, ok := outcome.Output.(string); ok {
			payload.OutputBytes = len(s)
		}
		e.emitStep(stepCtx, exec.ID, step.ID, schema.EventStepCompleted, payload)
	}
	return nil
}

// diagnosticValueLimit caps per-value diagnostic text on failed records.
const diagnosticValueLimit = 4096

// diagnosticContext copies prior step outputs for a failed record's error
// details. The input key is dropped (the record already stores input_data)
// and long string outputs are truncated so the details stay bounded.
func diagnosticContext(execCtx *ExecutionContext) map[string]any {
	out := execCtx.Snapshot()
	delete(out, InputKey)
	for k, v := range out {
		if s, ok := v.(string); ok && len(s) > diagnosticValueLimit {
			out[k] = s[:diagnosticValueLimit] + "..."
		}
	}
	return out
}

// assemblePayload builds the channel-specific message payload from the final
// generation step's text, the optional follow-up sequence, and the quality
// assessment.
func (e *Executor) assemblePayload(wf *store.WorkflowRecord, execCtx *ExecutionContext) (*schema.MessagePayload, *schema.PipelineError) {
	final := wf.Definition.FinalGenerationStep()
	if final == nil {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"workflow has no enabled agent_call step to produce a message")
	}
	raw, ok := execCtx.Get(final.ID)
	if !ok {
		// The final generation step was skipped by its condition.
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"final generation step %q produced no output", final.ID).WithStep(final.ID)
	}
	text, ok := raw.(string)
	if !ok {
		rendered, _ := json.Marshal(raw)
		text = string(rendered)
	}

	channel := wf.Definition.Settings.Channel
	if channel == "" {
		channel = schema.ChannelDirect
	}

	payload := &schema.MessagePayload{
		ImmediateResponse: schema.NewMessage(text),
		Channel:           channel,
		QualityAssessment: e.eval.Evaluate(text, channel),
	}
	payload.FollowUpSequence = collectFollowUps(execCtx)
	return payload, nil
}

// collectFollowUps coerces the follow_ups context value, when present, into
// the payload's sequence. Entries that are not {text, timing} objects are
// dropped.
func collectFollowUps(execCtx *ExecutionContext) []schema.FollowUp {
	raw, ok := execCtx.Get(FollowUpsKey)
	if !ok {
		return nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	var seq []schema.FollowUp
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		text, _ := m["text"].(string)
		if text == "" {
			continue
		}
		timing, _ := m["timing"].(string)
		seq = append(seq, schema.FollowUp{
			Text:      text,
			Timing:    timing,
			WordCount: schema.CountWords(text),
		})
	}
	return seq
}

// Cancel terminates an execution. Pending and running executions cancel;
// terminal ones return a conflict.
func (e *Executor) Cancel(ctx context.Context, executionID string, reason string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"execution %s already %s", executionID, exec.Status)
	}

	if err := e.fsm.Transition(ctx, executionID, exec.Status, schema.ExecutionStatusCancelled); err != nil {
		return err
	}

	now := time.Now().UTC()
	cancelled := schema.ExecutionStatusCancelled
	errJSON, _ := json.Marshal(schema.NewErrorf(schema.ErrCodeCancelled, "cancelled: %s", reason))
	if err := e.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{
		Status:      &cancelled,
		Error:       errJSON,
		CompletedAt: &now,
	}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "update execution status: %s", err.Error()).WithCause(err)
	}
	metrics.ExecutionsTotal.WithLabelValues(string(cancelled)).Inc()

	// Interrupt the in-flight run, if any. The running goroutine observes
	// the cancelled context at the next step boundary.
	e.mu.Lock()
	if cancel, ok := e.running[executionID]; ok {
		cancel()
	}
	e.mu.Unlock()
	return nil
}

// Get returns an execution record.
func (e *Executor) Get(ctx context.Context, executionID string) (*store.Execution, error) {
	return e.store.GetExecution(ctx, executionID)
}

// Events returns the execution's event log entries after the given sequence.
func (e *Executor) Events(ctx context.Context, executionID string, since int64) ([]*store.Event, error) {
	return e.eventLog.GetEvents(ctx, executionID, since)
}

func (e *Executor) transition(ctx context.Context, executionID string, from, to schema.ExecutionStatus) {
	transCtx := ctx
	if ctx.Err() != nil {
		transCtx = context.Background()
	}
	if err := e.fsm.Transition(transCtx, executionID, from, to); err != nil {
		e.logger.WarnContext(transCtx, "execution transition rejected",
			"execution_id", executionID, "from", from, "to", to, "error", err)
	}
}

func (e *Executor) emitStep(ctx context.Context, executionID, stepID, eventType string, payload *schema.StepEventPayload) {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	// Best effort: event emission never gates the pipeline.
	_ = e.eventLog.AppendEvent(ctx, &store.Event{
		ExecutionID: executionID,
		StepID:      stepID,
		Type:        eventType,
		Payload:     raw,
	})
}
