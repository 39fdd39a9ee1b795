package engine

import (
	"sync"

	"github.com/relaypoint/draftpipe/pkg/schema"
)

// InputKey is the reserved context key holding the invocation's input_data.
const InputKey = "input"

// ExecutionContext is the flat key-value state threaded through a pipeline
// run. The "input" key holds the invocation data; each completed step's
// output is stored under the step's ID. A failed step writes nothing, so
// the context never holds partial results.
type ExecutionContext struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewExecutionContext creates a context seeded with the invocation input.
func NewExecutionContext(input map[string]any) *ExecutionContext {
	if input == nil {
		input = map[string]any{}
	}
	return &ExecutionContext{
		values: map[string]any{InputKey: input},
	}
}

// Set records a step's output under its ID. Called only after the step
// succeeds.
func (c *ExecutionContext) Set(key string, value any) {
	c.mu.Lock()
	c.values[key] = value
	c.mu.Unlock()
}

// Get returns the value stored under key.
func (c *ExecutionContext) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// Input returns the invocation input map.
func (c *ExecutionContext) Input() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	input, _ := c.values[InputKey].(map[string]any)
	return input
}

// Keys returns the step IDs that have recorded output, in no particular order.
func (c *ExecutionContext) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.values)-1)
	for k := range c.values {
		if k != InputKey {
			keys = append(keys, k)
		}
	}
	return keys
}

// Snapshot returns a shallow copy of the full context map.
func (c *ExecutionContext) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// Scope builds the namespaced view used by prompt templates and condition
// guards: input.* resolves into the invocation data, steps.* into prior
// step outputs.
func (c *ExecutionContext) Scope() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	steps := make(map[string]any, len(c.values)-1)
	for k, v := range c.values {
		if k != InputKey {
			steps[k] = v
		}
	}
	input, _ := c.values[InputKey].(map[string]any)
	if input == nil {
		input = map[string]any{}
	}
	return map[string]any{
		"input": input,
		"steps": steps,
	}
}

// SubsetFor builds the data environment for a transform step: only the
// declared input keys are visible. An undeclared key resolves to a
// validation error so misconfigured transforms fail loudly instead of
// reading stale state.
func (c *ExecutionContext) SubsetFor(inputs []string) (map[string]any, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	env := make(map[string]any, len(inputs))
	for _, key := range inputs {
		v, ok := c.values[key]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"transform input %q is not present in the execution context", key)
		}
		env[key] = v
	}
	return env, nil
}
