package schema

import "encoding/json"

// Channel is the output format and length policy for generated messages.
type Channel string

const (
	// ChannelDirect is the length-constrained messaging channel (short-form
	// direct messages with a word-count policy window).
	ChannelDirect Channel = "direct"
	// ChannelEmail is the free-length channel.
	ChannelEmail Channel = "email"
)

// LengthConstrained reports whether the channel enforces a word-count policy.
func (c Channel) LengthConstrained() bool {
	return c == ChannelDirect
}

// WorkflowDefinition is the JSON-serializable pipeline format. Definitions
// are owned by the configuration collaborator and are immutable at
// execution time; the engine only reads them.
type WorkflowDefinition struct {
	ID       string           `json:"id"`
	Name     string           `json:"name,omitempty"`
	Steps    []StepDefinition `json:"steps"`
	Settings WorkflowSettings `json:"settings"`
}

// WorkflowSettings carries per-workflow execution policy.
type WorkflowSettings struct {
	Channel Channel `json:"channel,omitempty"` // default: direct

	// AllowParallelSteps is advisory: the orchestrator runs steps strictly
	// in ascending order because each step may read prior outputs.
	AllowParallelSteps bool `json:"allow_parallel_steps,omitempty"`

	// DuplicateWindow overrides the default 5m duplicate-detection window.
	DuplicateWindow string `json:"duplicate_window,omitempty"`

	// SimilarityThreshold overrides the default cache similarity threshold.
	// Zero means the engine default.
	SimilarityThreshold float64 `json:"similarity_threshold,omitempty"`

	// Retry is the default retry policy for agent-call steps that do not
	// declare their own.
	Retry *RetryPolicy `json:"retry,omitempty"`

	// InputSchema is an optional JSON Schema validated against input_data
	// before any execution record is created.
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// StepType enumerates the kinds of steps in a workflow.
type StepType string

const (
	StepTypeAgentCall StepType = "agent_call"
	StepTypeTransform StepType = "transform"
)

// StepDefinition describes a single pipeline step. Exactly one of AgentCall
// or Transform is set, matching Type. Order values are unique within a
// workflow; only enabled steps execute.
type StepDefinition struct {
	ID      string   `json:"id"`
	Type    StepType `json:"type"`
	Enabled bool     `json:"enabled"`
	Order   int      `json:"order"`

	// Condition is an optional CEL expression evaluated against the
	// execution context before the step runs; false skips the step.
	Condition string `json:"condition,omitempty"`

	AgentCall *AgentCallSpec `json:"agent_call,omitempty"`
	Transform *TransformSpec `json:"transform,omitempty"`

	Retry   *RetryPolicy `json:"retry,omitempty"`
	Timeout string       `json:"timeout,omitempty"` // per gateway call (e.g. "30s")
}

// AgentCallSpec configures an LLM-backed step.
type AgentCallSpec struct {
	// PromptTemplate is rendered against the execution context using
	// ${{...}} references (e.g. "${{ input.company }}", "${{ enrich }}").
	PromptTemplate string  `json:"prompt_template"`
	Role           string  `json:"role,omitempty"`
	Temperature    float64 `json:"temperature,omitempty"`
	MaxTokens      int     `json:"max_tokens,omitempty"`

	// CacheTTL is the semantic-cache TTL for this step's results
	// (e.g. "1h"). Empty means the engine default.
	CacheTTL string `json:"cache_ttl,omitempty"`
}

// TransformSpec configures a custom transform step.
type TransformSpec struct {
	Engine string `json:"engine"` // expr | jq
	Code   string `json:"code"`

	// Inputs declares the context keys visible to the transform. The step
	// must not read or mutate anything outside this list.
	Inputs []string `json:"inputs"`
}

// RetryPolicy configures retry behavior for gateway calls within a step.
type RetryPolicy struct {
	Max      int    `json:"max"`                 // max retry attempts
	Backoff  string `json:"backoff,omitempty"`   // none | constant | linear | exponential
	Delay    string `json:"delay,omitempty"`     // initial delay (e.g. "1s", "500ms")
	MaxDelay string `json:"max_delay,omitempty"` // cap on computed delay
}

// EnabledSteps returns the workflow's enabled steps sorted by ascending Order.
func (d *WorkflowDefinition) EnabledSteps() []StepDefinition {
	steps := make([]StepDefinition, 0, len(d.Steps))
	for _, s := range d.Steps {
		if s.Enabled {
			steps = append(steps, s)
		}
	}
	for i := 1; i < len(steps); i++ {
		for j := i; j > 0 && steps[j-1].Order > steps[j].Order; j-- {
			steps[j-1], steps[j] = steps[j], steps[j-1]
		}
	}
	return steps
}

// FinalGenerationStep returns the last enabled agent-call step, or nil.
// Its output is the text the quality evaluator scores.
func (d *WorkflowDefinition) FinalGenerationStep() *StepDefinition {
	steps := d.EnabledSteps()
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].Type == StepTypeAgentCall {
			return &steps[i]
		}
	}
	return nil
}
