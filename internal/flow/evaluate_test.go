package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConditionRejectsUnknownOperator(t *testing.T) {
	_, err := ParseCondition("startswith:hello")
	require.ErrorIs(t, err, ErrCondition)

	_, err = ParseCondition("")
	require.ErrorIs(t, err, ErrCondition)

	_, err = ParseCondition("matches:[unclosed")
	require.ErrorIs(t, err, ErrCondition)

	_, err = ParseCondition("length>abc")
	require.ErrorIs(t, err, ErrCondition)
}

func TestEvaluateContains(t *testing.T) {
	cond, err := ParseCondition("contains:hello")
	require.NoError(t, err)

	assert.True(t, cond.Evaluate("Hello world"))
	assert.True(t, cond.Evaluate("well HELLO there"))
	assert.False(t, cond.Evaluate("goodbye world"))
}

func TestEvaluateMatches(t *testing.T) {
	cond, err := ParseCondition(`matches:^\d{3}-\d{4}$`)
	require.NoError(t, err)

	assert.True(t, cond.Evaluate("555-1234"))
	assert.False(t, cond.Evaluate("call 555-1234 now"))
}

func TestEvaluateEquals(t *testing.T) {
	cond, err := ParseCondition("equals:yes")
	require.NoError(t, err)

	assert.True(t, cond.Evaluate("yes"))
	assert.True(t, cond.Evaluate("  YES  "))
	assert.False(t, cond.Evaluate("yes please"))
}

func TestEvaluateLength(t *testing.T) {
	gt, err := ParseCondition("length>5")
	require.NoError(t, err)
	assert.True(t, gt.Evaluate("abcdef"))
	assert.False(t, gt.Evaluate("abcde"))

	lt, err := ParseCondition("length< 10")
	require.NoError(t, err)
	assert.True(t, lt.Evaluate("short"))
	assert.False(t, lt.Evaluate("this is longer than ten"))
}
