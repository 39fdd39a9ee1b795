package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/relaypoint/draftpipe/internal/cache"
	"github.com/relaypoint/draftpipe/internal/expressions"
	"github.com/relaypoint/draftpipe/internal/gateway"
	"github.com/relaypoint/draftpipe/internal/metrics"
	"github.com/relaypoint/draftpipe/internal/store"
	"github.com/relaypoint/draftpipe/pkg/schema"
)

// StepOutcome is the result of running one step.
type StepOutcome struct {
	Output   any
	CacheHit bool
	Skipped  bool
	Retries  int
}

// StepRunner executes individual pipeline steps. It is stateless; all
// per-execution state lives in the ExecutionContext.
type StepRunner struct {
	generator gateway.TextGenerator
	cache     *cache.SemanticCache
	exprEng   *expressions.ExprEngine
	jqEng     *expressions.GoJQEngine
	celEng    *expressions.CELEngine
	eventLog  EventAppender
	logger    *slog.Logger
}

// NewStepRunner wires a runner from its collaborators. celEng may come from
// expressions.NewCELEngine; a nil cache disables semantic caching.
func NewStepRunner(gen gateway.TextGenerator, c *cache.SemanticCache, celEng *expressions.CELEngine, eventLog EventAppender, logger *slog.Logger) *StepRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &StepRunner{
		generator: gen,
		cache:     c,
		exprEng:   expressions.NewExprEngine(),
		jqEng:     expressions.NewGoJQEngine(),
		celEng:    celEng,
		eventLog:  eventLog,
		logger:    logger,
	}
}

// Run executes one step against the execution context. The context is not
// mutated here; the orchestrator records the output only on success.
func (r *StepRunner) Run(ctx context.Context, executionID string, step schema.StepDefinition, execCtx *ExecutionContext, settings schema.WorkflowSettings) (*StepOutcome, error) {
	// Condition guard: a false condition skips the step, it never fails it.
	if step.Condition != "" && r.celEng != nil {
		pass, err := r.celEng.EvaluateBool(ctx, step.Condition, execCtx.Scope())
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"condition evaluation: %s", err.Error()).WithStep(step.ID).WithCause(err)
		}
		if !pass {
			return &StepOutcome{Skipped: true}, nil
		}
	}

	start := time.Now()
	var outcome *StepOutcome
	var err error

	switch step.Type {
	case schema.StepTypeTransform:
		outcome, err = r.runTransform(ctx, step, execCtx)
	case schema.StepTypeAgentCall:
		outcome, err = r.runAgentCall(ctx, executionID, step, execCtx, settings)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown step type %q", step.Type).WithStep(step.ID)
	}

	if err == nil {
		metrics.StepDuration.WithLabelValues(string(step.Type)).Observe(time.Since(start).Seconds())
	}
	return outcome, err
}

// runTransform evaluates the step's code over its declared inputs only.
func (r *StepRunner) runTransform(ctx context.Context, step schema.StepDefinition, execCtx *ExecutionContext) (*StepOutcome, error) {
	spec := step.Transform
	if spec == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "transform step missing transform spec").WithStep(step.ID)
	}

	env, err := execCtx.SubsetFor(spec.Inputs)
	if err != nil {
		if perr, ok := err.(*schema.PipelineError); ok {
			return nil, perr.WithStep(step.ID)
		}
		return nil, err
	}

	var engine expressions.Engine
	switch spec.Engine {
	case "jq":
		engine = r.jqEng
	case "expr", "":
		engine = r.exprEng
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown transform engine %q", spec.Engine).WithStep(step.ID)
	}

	out, err := engine.Evaluate(ctx, spec.Code, env)
	if err != nil {
		// Transform failures are deterministic: same code, same inputs,
		// same failure. Never retried.
		return nil, schema.NewErrorf(schema.ErrCodeStepFailed,
			"transform (%s): %s", engine.Name(), err.Error()).WithStep(step.ID).WithCause(err)
	}
	return &StepOutcome{Output: out}, nil
}

// runAgentCall renders the prompt, consults the semantic cache, and on a
// miss calls the gateway with the step's retry policy.
func (r *StepRunner) runAgentCall(ctx context.Context, executionID string, step schema.StepDefinition, execCtx *ExecutionContext, settings schema.WorkflowSettings) (*StepOutcome, error) {
	spec := step.AgentCall
	if spec == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "agent_call step missing agent_call spec").WithStep(step.ID)
	}

	prompt, err := expressions.RenderTemplate(spec.PromptTemplate, execCtx.Scope())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"render prompt template: %s", err.Error()).WithStep(step.ID).WithCause(err)
	}

	// Cache lookup. An unavailable cache (embedder down) forces a miss —
	// the execution proceeds uncached rather than failing.
	if r.cache != nil {
		var cached string
		var hit bool
		var cacheErr error
		if settings.SimilarityThreshold > 0 {
			cached, hit, cacheErr = r.cache.GetWithThreshold(ctx, step.ID, prompt, settings.SimilarityThreshold)
		} else {
			cached, hit, cacheErr = r.cache.Get(ctx, step.ID, prompt)
		}
		if cacheErr != nil {
			r.logger.WarnContext(ctx, "semantic cache unavailable, forcing miss",
				"step_id", step.ID, "error", cacheErr)
		}
		if hit {
			metrics.CacheHits.Inc()
			return &StepOutcome{Output: cached, CacheHit: true}, nil
		}
		metrics.CacheMisses.Inc()
	}

	policy := step.Retry
	if policy == nil {
		policy = settings.Retry
	}
	if policy == nil {
		policy = DefaultRetryPolicy
	}
	maxRetries := policy.Max

	req := gateway.GenerateRequest{
		Prompt:      prompt,
		Role:        spec.Role,
		Temperature: spec.Temperature,
		MaxTokens:   spec.MaxTokens,
	}

	var text string
	var lastErr error
	retries := 0
	for attempt := 0; ; attempt++ {
		text, lastErr = r.generateOnce(ctx, step, req)
		if lastErr == nil {
			break
		}
		if !IsRetryableError(lastErr) {
			return nil, schema.NewErrorf(schema.ErrCodeStepFailed,
				"gateway call: %s", lastErr.Error()).WithStep(step.ID).WithCause(lastErr)
		}
		if attempt >= maxRetries {
			if maxRetries == 0 {
				return nil, schema.NewErrorf(schema.ErrCodeStepFailed,
					"gateway call: %s", lastErr.Error()).WithStep(step.ID).WithCause(lastErr)
			}
			return nil, schema.NewErrorf(schema.ErrCodeRetryExhausted,
				"gateway call failed after %d attempts: %s", attempt+1, lastErr.Error()).
				WithStep(step.ID).WithCause(lastErr)
		}

		retries++
		metrics.GatewayRetries.Inc()
		r.emitRetry(ctx, executionID, step.ID, attempt+1, maxRetries, lastErr)

		if err := WaitForBackoff(ctx, ComputeBackoff(policy, attempt)); err != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "cancelled during retry backoff").
				WithStep(step.ID).WithCause(err)
		}
	}

	// Populate the cache with the fresh result (best effort).
	if r.cache != nil {
		ttl := time.Duration(0)
		if spec.CacheTTL != "" {
			if dur, err := time.ParseDuration(spec.CacheTTL); err == nil {
				ttl = dur
			}
		}
		if err := r.cache.Put(ctx, step.ID, prompt, text, ttl); err != nil {
			r.logger.WarnContext(ctx, "semantic cache put failed", "step_id", step.ID, "error", err)
		}
	}

	return &StepOutcome{Output: text, Retries: retries}, nil
}

// generateOnce performs a single gateway call under the step's per-call timeout.
func (r *StepRunner) generateOnce(ctx context.Context, step schema.StepDefinition, req gateway.GenerateRequest) (string, error) {
	callCtx := ctx
	if step.Timeout != "" {
		if dur, err := time.ParseDuration(step.Timeout); err == nil && dur > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, dur)
			defer cancel()
		}
	}

	resp, err := r.generator.Generate(callCtx, req)
	if err != nil {
		// A deadline on the call context with the parent still live is a
		// per-call timeout, which is retryable.
		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return "", schema.NewErrorf(schema.ErrCodeTimeout, "gateway call timed out").WithCause(err)
		}
		return "", err
	}
	return resp.Text, nil
}

func (r *StepRunner) emitRetry(ctx context.Context, executionID, stepID string, attempt, max int, cause error) {
	if r.eventLog == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"attempt":      attempt,
		"max_attempts": max,
		"error":        cause.Error(),
	})
	_ = r.eventLog.AppendEvent(ctx, &store.Event{
		ExecutionID: executionID,
		StepID:      stepID,
		Type:        schema.EventStepRetrying,
		Payload:     payload,
	})
}
