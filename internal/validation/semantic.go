package validation

import (
	"fmt"

	"github.com/relaypoint/draftpipe/pkg/schema"
)

// validateSemantic performs semantic analysis on the workflow definition.
// Checks: unique step IDs and orders, exactly one spec variant per step
// type, at least one enabled agent call to produce the final message, and
// reserved context keys.
func validateSemantic(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	seenIDs := make(map[string]bool, len(def.Steps))
	seenOrders := make(map[int]string, len(def.Steps))
	enabledAgentCalls := 0

	for i := range def.Steps {
		step := &def.Steps[i]
		path := fmt.Sprintf("steps[%d]", i)

		if seenIDs[step.ID] {
			result.AddError(path+".id", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step id %q", step.ID))
		}
		seenIDs[step.ID] = true

		if step.ID == "input" || step.ID == "steps" {
			result.AddError(path+".id", schema.ErrCodeValidation,
				fmt.Sprintf("step id %q collides with a reserved context key", step.ID))
		}

		if prior, dup := seenOrders[step.Order]; dup {
			result.AddError(path+".order", schema.ErrCodeValidation,
				fmt.Sprintf("order %d already used by step %q", step.Order, prior))
		}
		seenOrders[step.Order] = step.ID

		validateStepVariant(step, path, result)

		if step.Enabled && step.Type == schema.StepTypeAgentCall {
			enabledAgentCalls++
		}

		if step.Retry != nil && step.Retry.Max > 10 {
			result.AddWarning(path+".retry.max", schema.ErrCodeValidation,
				fmt.Sprintf("high retry count (%d) may cause excessive delays", step.Retry.Max))
		}
	}

	if enabledAgentCalls == 0 {
		result.AddError("steps", schema.ErrCodeValidation,
			"workflow has no enabled agent_call step to produce the final message")
	}

	return result
}

// validateStepVariant checks that each step carries exactly the config
// block its type requires.
func validateStepVariant(step *schema.StepDefinition, path string, result *schema.ValidationResult) {
	switch step.Type {
	case schema.StepTypeAgentCall:
		if step.AgentCall == nil {
			result.AddError(path+".agent_call", schema.ErrCodeValidation,
				fmt.Sprintf("step %q has type agent_call but no agent_call spec", step.ID))
		}
		if step.Transform != nil {
			result.AddError(path+".transform", schema.ErrCodeValidation,
				fmt.Sprintf("step %q has type agent_call but carries a transform spec", step.ID))
		}
	case schema.StepTypeTransform:
		if step.Transform == nil {
			result.AddError(path+".transform", schema.ErrCodeValidation,
				fmt.Sprintf("step %q has type transform but no transform spec", step.ID))
		}
		if step.AgentCall != nil {
			result.AddError(path+".agent_call", schema.ErrCodeValidation,
				fmt.Sprintf("step %q has type transform but carries an agent_call spec", step.ID))
		}
		if step.Transform != nil && len(step.Transform.Inputs) == 0 {
			result.AddWarning(path+".transform.inputs", schema.ErrCodeValidation,
				fmt.Sprintf("step %q declares no inputs; it cannot read the execution context", step.ID))
		}
	}
}
