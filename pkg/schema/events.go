package schema

// Event types emitted to the observability sink. The sink is append-only;
// consumers aggregate independently and emission never gates completion.
const (
	EventExecutionStarted   = "execution.started"
	EventExecutionCompleted = "execution.completed"
	EventExecutionFailed    = "execution.failed"
	EventExecutionCancelled = "execution.cancelled"

	EventStepStarted   = "step.started"
	EventStepCompleted = "step.completed"
	EventStepFailed    = "step.failed"
	EventStepSkipped   = "step.skipped"
	EventStepRetrying  = "step.retrying"

	EventBatchStarted   = "batch.started"
	EventBatchCompleted = "batch.completed"
	EventBatchCancelled = "batch.cancelled"
)

// StepEventPayload is the per-step observability record: one is emitted at
// every step boundary.
type StepEventPayload struct {
	ExecutionID string `json:"execution_id"`
	StepID      string `json:"step_id"`
	DurationMs  int64  `json:"duration_ms"`
	CacheHit    bool   `json:"cache_hit"`
	OutputBytes int    `json:"output_bytes,omitempty"`
	Error       string `json:"error,omitempty"`
}
