package flow

import (
	"encoding/json"
	"fmt"
)

// DefaultMaxDepth bounds conditional/loop nesting when no limit is
// configured.
const DefaultMaxDepth = 10

// ValidateDefinition parses and validates a flow document, returning both
// errors and warnings. maxDepth <= 0 selects the default nesting limit.
func ValidateDefinition(raw json.RawMessage, maxDepth int) (*Definition, ValidationResult, error) {
	var result ValidationResult
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	def, err := ParseDefinition(raw)
	if err != nil {
		result.Errors = append(result.Errors, ValidationIssue{
			Code:    "INVALID_DEFINITION",
			Path:    "/",
			Message: fmt.Sprintf("Failed to parse flow definition: %v", err),
			Hint:    "Ensure the definition is a JSON object with a 'steps' array.",
		})
		return nil, result, ErrDefinition
	}

	if len(def.Steps) == 0 {
		result.Errors = append(result.Errors, ValidationIssue{
			Code:    "MISSING_STEPS",
			Path:    "/steps",
			Message: "At least one step is required",
			Hint:    "Add a 'steps' array with message, delay, conditional, or loop steps.",
		})
		return def, result, ErrDefinition
	}

	validateSteps(def.Steps, "/steps", 1, maxDepth, &result)

	if len(result.Errors) > 0 {
		return def, result, ErrDefinition
	}
	return def, result, nil
}

// ValidateFlow is the convenience form used by sessions: it surfaces the
// first validation failure as the error message.
func ValidateFlow(raw json.RawMessage, maxDepth int) (*Definition, error) {
	def, result, err := ValidateDefinition(raw, maxDepth)
	if err != nil {
		if len(result.Errors) > 0 {
			first := result.Errors[0]
			return nil, fmt.Errorf("%w: %s at %s: %s", ErrDefinition, first.Code, first.Path, first.Message)
		}
		return nil, err
	}
	return def, nil
}

func validateSteps(steps []Step, path string, depth, maxDepth int, result *ValidationResult) {
	if len(steps) == 0 {
		return
	}
	if depth > maxDepth {
		result.Errors = append(result.Errors, ValidationIssue{
			Code:    "MAX_DEPTH_EXCEEDED",
			Path:    path,
			Message: fmt.Sprintf("Nesting depth %d exceeds the limit of %d", depth, maxDepth),
			Hint:    "Flatten deeply nested conditionals/loops or raise max_depth.",
		})
		return
	}

	// First pass: capture ids and detect duplicates within this list.
	// Jump targets are scoped to the list containing the step.
	stepIDs := make(map[string]int)
	for i, step := range steps {
		if step.ID == "" {
			continue
		}
		if prev, exists := stepIDs[step.ID]; exists {
			result.Errors = append(result.Errors, ValidationIssue{
				Code:    "DUPLICATE_STEP_ID",
				Path:    fmt.Sprintf("%s/%d", path, i),
				Message: fmt.Sprintf("Step id '%s' is already used at %s/%d", step.ID, path, prev),
				Hint:    "Ensure every step id is unique within its step list.",
			})
			continue
		}
		stepIDs[step.ID] = i
	}

	// Second pass: per-step semantics.
	for i, step := range steps {
		stepPath := fmt.Sprintf("%s/%d", path, i)

		switch step.Type {
		case StepMessage:
			if step.Content == "" {
				result.Errors = append(result.Errors, ValidationIssue{
					Code:    "MISSING_CONTENT",
					Path:    stepPath + "/content",
					Message: "Message steps require content",
					Hint:    "Set 'content' to the outbound message text or template.",
				})
			}
		case StepDelay:
			if step.DelayMs < 0 {
				result.Errors = append(result.Errors, ValidationIssue{
					Code:    "INVALID_DELAY",
					Path:    stepPath + "/delay_ms",
					Message: fmt.Sprintf("Delay must not be negative, got %d", step.DelayMs),
				})
			}
		case StepConditional:
			if step.Condition == "" {
				result.Errors = append(result.Errors, ValidationIssue{
					Code:    "MISSING_CONDITION",
					Path:    stepPath + "/condition",
					Message: "Conditional steps require a condition expression",
					Hint:    "Use one of: contains:, matches:, equals:, length>, length<.",
				})
			} else if _, err := ParseCondition(step.Condition); err != nil {
				result.Errors = append(result.Errors, ValidationIssue{
					Code:    "INVALID_CONDITION",
					Path:    stepPath + "/condition",
					Message: fmt.Sprintf("Cannot parse condition '%s': %v", step.Condition, err),
					Hint:    "Use one of: contains:, matches:, equals:, length>, length<.",
				})
			}
			if len(step.Then) == 0 {
				result.Errors = append(result.Errors, ValidationIssue{
					Code:    "MISSING_THEN",
					Path:    stepPath + "/then",
					Message: "Conditional steps require a non-empty 'then' branch",
				})
			}
			validateSteps(step.Then, stepPath+"/then", depth+1, maxDepth, result)
			validateSteps(step.Else, stepPath+"/else", depth+1, maxDepth, result)
		case StepLoop:
			if step.Iterations < 1 {
				result.Errors = append(result.Errors, ValidationIssue{
					Code:    "INVALID_ITERATIONS",
					Path:    stepPath + "/iterations",
					Message: fmt.Sprintf("Loop iterations must be at least 1, got %d", step.Iterations),
				})
			}
			if len(step.Body) == 0 {
				result.Errors = append(result.Errors, ValidationIssue{
					Code:    "MISSING_BODY",
					Path:    stepPath + "/body",
					Message: "Loop steps require a non-empty body",
				})
			}
			validateSteps(step.Body, stepPath+"/body", depth+1, maxDepth, result)
		default:
			result.Errors = append(result.Errors, ValidationIssue{
				Code:    "UNKNOWN_STEP_TYPE",
				Path:    stepPath + "/type",
				Message: fmt.Sprintf("Unknown step type '%s'", step.Type),
				Hint:    "Supported types: message, delay, conditional, loop.",
			})
		}

		if step.Next != "" {
			if _, ok := stepIDs[step.Next]; !ok {
				result.Errors = append(result.Errors, ValidationIssue{
					Code:    "UNKNOWN_NEXT_TARGET",
					Path:    stepPath + "/next",
					Message: fmt.Sprintf("Step jumps to unknown target '%s'", step.Next),
					Hint:    "Ensure 'next' references a step id in the same list.",
				})
			}
		}
	}

	checkWalk(steps, path, stepIDs, result)
}

// checkWalk simulates the list walk from its first step. Every step has
// exactly one successor (explicit next or fallthrough), so revisiting a
// step means the walk can never terminate.
func checkWalk(steps []Step, path string, stepIDs map[string]int, result *ValidationResult) {
	if len(steps) == 0 {
		return
	}

	visited := make(map[int]bool)
	i := 0
	for i < len(steps) {
		if visited[i] {
			result.Errors = append(result.Errors, ValidationIssue{
				Code:    "CIRCULAR_NEXT",
				Path:    fmt.Sprintf("%s/%d", path, i),
				Message: fmt.Sprintf("Step at %s/%d is revisited; 'next' jumps form a cycle", path, i),
				Hint:    "Use a loop step for repetition instead of a backward jump.",
			})
			return
		}
		visited[i] = true

		next := steps[i].Next
		if next == "" {
			i++
			continue
		}
		target, ok := stepIDs[next]
		if !ok {
			return // already reported as UNKNOWN_NEXT_TARGET
		}
		i = target
	}

	for i := range steps {
		if !visited[i] {
			result.Warnings = append(result.Warnings, ValidationIssue{
				Code:    "UNREACHABLE_STEP",
				Path:    fmt.Sprintf("%s/%d", path, i),
				Message: fmt.Sprintf("Step at %s/%d is never reached by the walk", path, i),
				Hint:    "Remove the step or fix the 'next' jump that skips it.",
			})
		}
	}
}
