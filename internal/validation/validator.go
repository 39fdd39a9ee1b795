// Package validation checks workflow definitions and invocation inputs
// before anything reaches the engine. JSON Schema covers shape; semantic
// analysis covers what a schema cannot express.
package validation

import "github.com/relaypoint/draftpipe/pkg/schema"

// Validator checks workflow definitions for correctness before execution.
// Uses JSON Schema Draft 2020-12 for definition and input validation.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}
