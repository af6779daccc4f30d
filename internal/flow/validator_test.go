package flow

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func issueCodes(issues []ValidationIssue) []string {
	codes := make([]string, 0, len(issues))
	for _, issue := range issues {
		codes = append(codes, issue.Code)
	}
	return codes
}

func TestValidateDefinitionAcceptsWellFormedFlow(t *testing.T) {
	raw := json.RawMessage(`{
		"steps": [
			{"id": "greet", "type": "message", "content": "hello"},
			{"type": "delay", "delay_ms": 250},
			{
				"type": "conditional",
				"condition": "contains:help",
				"then": [{"type": "message", "content": "what do you need?"}],
				"else": [{"type": "message", "content": "ok"}]
			},
			{
				"type": "loop",
				"iterations": 2,
				"body": [{"type": "message", "content": "ping {{message_index}}"}]
			}
		]
	}`)

	def, result, err := ValidateDefinition(raw, 0)
	require.NoError(t, err)
	require.NotNil(t, def)
	assert.Empty(t, result.Errors)
	assert.Empty(t, result.Warnings)
	assert.Len(t, def.Steps, 4)
}

func TestValidateDefinitionEmptyDocument(t *testing.T) {
	_, result, err := ValidateDefinition(nil, 0)
	require.ErrorIs(t, err, ErrDefinition)
	assert.Contains(t, issueCodes(result.Errors), "INVALID_DEFINITION")

	_, result, err = ValidateDefinition(json.RawMessage(`{"steps": []}`), 0)
	require.ErrorIs(t, err, ErrDefinition)
	assert.Contains(t, issueCodes(result.Errors), "MISSING_STEPS")
}

func TestValidateDefinitionStepErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		code string
	}{
		{
			"unknown step type",
			`{"steps": [{"type": "teleport"}]}`,
			"UNKNOWN_STEP_TYPE",
		},
		{
			"message without content",
			`{"steps": [{"type": "message"}]}`,
			"MISSING_CONTENT",
		},
		{
			"negative delay",
			`{"steps": [{"type": "delay", "delay_ms": -5}]}`,
			"INVALID_DELAY",
		},
		{
			"conditional without condition",
			`{"steps": [{"type": "conditional", "then": [{"type": "message", "content": "x"}]}]}`,
			"MISSING_CONDITION",
		},
		{
			"conditional with bad condition",
			`{"steps": [{"type": "conditional", "condition": "sounds_like:x", "then": [{"type": "message", "content": "x"}]}]}`,
			"INVALID_CONDITION",
		},
		{
			"conditional without then",
			`{"steps": [{"type": "conditional", "condition": "contains:x"}]}`,
			"MISSING_THEN",
		},
		{
			"loop with zero iterations",
			`{"steps": [{"type": "loop", "iterations": 0, "body": [{"type": "message", "content": "x"}]}]}`,
			"INVALID_ITERATIONS",
		},
		{
			"loop without body",
			`{"steps": [{"type": "loop", "iterations": 3}]}`,
			"MISSING_BODY",
		},
		{
			"duplicate ids",
			`{"steps": [{"id": "a", "type": "message", "content": "x"}, {"id": "a", "type": "message", "content": "y"}]}`,
			"DUPLICATE_STEP_ID",
		},
		{
			"unknown next target",
			`{"steps": [{"type": "message", "content": "x", "next": "nowhere"}]}`,
			"UNKNOWN_NEXT_TARGET",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, result, err := ValidateDefinition(json.RawMessage(tt.doc), 0)
			require.ErrorIs(t, err, ErrDefinition)
			assert.Contains(t, issueCodes(result.Errors), tt.code)
		})
	}
}

func TestValidateDefinitionDetectsCycle(t *testing.T) {
	raw := json.RawMessage(`{
		"steps": [
			{"id": "a", "type": "message", "content": "first"},
			{"id": "b", "type": "message", "content": "second", "next": "a"}
		]
	}`)

	_, result, err := ValidateDefinition(raw, 0)
	require.ErrorIs(t, err, ErrDefinition)
	assert.Contains(t, issueCodes(result.Errors), "CIRCULAR_NEXT")
}

func TestValidateDefinitionWarnsUnreachable(t *testing.T) {
	raw := json.RawMessage(`{
		"steps": [
			{"id": "a", "type": "message", "content": "first", "next": "c"},
			{"id": "b", "type": "message", "content": "skipped"},
			{"id": "c", "type": "message", "content": "third"}
		]
	}`)

	_, result, err := ValidateDefinition(raw, 0)
	require.NoError(t, err)
	assert.Contains(t, issueCodes(result.Warnings), "UNREACHABLE_STEP")
}

func TestValidateDefinitionDepthLimit(t *testing.T) {
	// Build conditionals nested 5 deep, then validate with a limit of 3.
	inner := `{"type": "message", "content": "leaf"}`
	for i := 0; i < 5; i++ {
		inner = fmt.Sprintf(`{"type": "conditional", "condition": "contains:x", "then": [%s]}`, inner)
	}
	raw := json.RawMessage(fmt.Sprintf(`{"steps": [%s]}`, inner))

	_, result, err := ValidateDefinition(raw, 3)
	require.ErrorIs(t, err, ErrDefinition)
	assert.Contains(t, issueCodes(result.Errors), "MAX_DEPTH_EXCEEDED")

	// The same document passes with a higher limit.
	_, _, err = ValidateDefinition(raw, 10)
	assert.NoError(t, err)
}

func TestValidateFlowSurfacesFirstError(t *testing.T) {
	_, err := ValidateFlow(json.RawMessage(`{"steps": [{"type": "teleport"}]}`), 0)
	require.ErrorIs(t, err, ErrDefinition)
	assert.True(t, strings.Contains(err.Error(), "UNKNOWN_STEP_TYPE"))
}

func TestMessagesFromList(t *testing.T) {
	def := MessagesFromList([]string{"one", "two"})
	require.Len(t, def.Steps, 2)
	assert.Equal(t, StepMessage, def.Steps[0].Type)
	assert.Equal(t, "two", def.Steps[1].Content)
}
