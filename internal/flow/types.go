// Package flow parses, validates and executes scenario step graphs.
package flow

import (
	"encoding/json"
	"errors"
	"fmt"
)

// StepType tags the variant of a step.
type StepType string

const (
	StepMessage     StepType = "message"
	StepDelay       StepType = "delay"
	StepConditional StepType = "conditional"
	StepLoop        StepType = "loop"
)

// Step is one node of the flow graph. Exactly the fields for its type are
// set; conditional and loop steps carry fully nested sub-flows. An
// optional Next jumps to a sibling step id instead of falling through.
type Step struct {
	ID         string   `json:"id,omitempty"`
	Type       StepType `json:"type"`
	Content    string   `json:"content,omitempty"`
	DelayMs    int      `json:"delay_ms,omitempty"`
	Condition  string   `json:"condition,omitempty"`
	Then       []Step   `json:"then,omitempty"`
	Else       []Step   `json:"else,omitempty"`
	Iterations int      `json:"iterations,omitempty"`
	Body       []Step   `json:"body,omitempty"`
	Next       string   `json:"next,omitempty"`
}

// Definition is a parsed flow document.
type Definition struct {
	Steps []Step `json:"steps"`
}

// ValidationIssue is a structured validation error or warning.
type ValidationIssue struct {
	Code    string `json:"code"`
	Path    string `json:"path"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

// ValidationResult aggregates validation errors and warnings.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors"`
	Warnings []ValidationIssue `json:"warnings"`
}

// ErrDefinition indicates the flow document failed validation. Sessions
// hitting it fail before they ever reach RUNNING.
var ErrDefinition = errors.New("flow definition invalid")

// ParseDefinition decodes a raw flow document without validating its
// semantics.
func ParseDefinition(raw json.RawMessage) (*Definition, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrDefinition)
	}
	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDefinition, err)
	}
	return &def, nil
}

// MessagesFromList builds a definition from an ad hoc message list, used
// when a session runs custom messages instead of a scenario.
func MessagesFromList(messages []string) *Definition {
	def := &Definition{Steps: make([]Step, 0, len(messages))}
	for _, msg := range messages {
		def.Steps = append(def.Steps, Step{Type: StepMessage, Content: msg})
	}
	return def
}
