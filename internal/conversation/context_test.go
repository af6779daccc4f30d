package conversation

import (
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botswarm/pkg/models"
)

func TestAppendMessageOrdering(t *testing.T) {
	ctx := New("sess-1", 10)
	ctx.AppendMessage(models.RoleUser, "first")
	ctx.AppendMessage(models.RoleAssistant, "second")
	ctx.AppendMessage(models.RoleUser, "third")

	history := ctx.History(0)
	require.Len(t, history, 3)
	assert.Equal(t, "first", history[0].Content)
	assert.Equal(t, "third", history[2].Content)
	assert.Equal(t, "second", ctx.LastResponse())
}

func TestWindowEviction(t *testing.T) {
	ctx := New("sess-1", 3)
	for i := 0; i < 5; i++ {
		ctx.AppendMessage(models.RoleUser, fmt.Sprintf("msg-%d", i))
	}

	history := ctx.History(0)
	require.Len(t, history, 3)
	assert.Equal(t, "msg-2", history[0].Content)
	assert.Equal(t, "msg-4", history[2].Content)
}

func TestHistoryLimit(t *testing.T) {
	ctx := New("sess-1", 10)
	for i := 0; i < 6; i++ {
		ctx.AppendMessage(models.RoleUser, fmt.Sprintf("msg-%d", i))
	}

	recent := ctx.History(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "msg-4", recent[0].Content)
	assert.Equal(t, "msg-5", recent[1].Content)
}

func TestTokenCountersSurviveEviction(t *testing.T) {
	ctx := New("sess-1", 2)
	for i := 0; i < 10; i++ {
		ctx.AppendMessage(models.RoleAssistant, "reply")
		ctx.AddTokenUsage(10, 20, 30)
	}

	prompt, completion, total := ctx.TokenUsage()
	assert.Equal(t, int64(100), prompt)
	assert.Equal(t, int64(200), completion)
	assert.Equal(t, int64(300), total)
	assert.Len(t, ctx.History(0), 2)
}

func TestResolveTemplateBuiltins(t *testing.T) {
	ctx := New("sess-42", 10)
	ctx.AppendMessage(models.RoleAssistant, "I can help with that")

	resolved := ctx.ResolveTemplate("You said: {{last_response}} ({{session_id}})")
	assert.Equal(t, "You said: I can help with that (sess-42)", resolved)

	assert.Equal(t, "index 0", ctx.ResolveTemplate("index {{message_index}}"))
	ctx.AdvanceMessageIndex()
	assert.Equal(t, "index 1", ctx.ResolveTemplate("index {{message_index}}"))
}

func TestResolveTemplateRandomBuiltins(t *testing.T) {
	ctx := New("sess-1", 10)

	n := ctx.ResolveTemplate("{{random_int}}")
	v, err := strconv.Atoi(n)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, v, 0)
	assert.LessOrEqual(t, v, 999999)

	text := ctx.ResolveTemplate("{{random_text}}")
	assert.NotEmpty(t, text)
	assert.NotContains(t, text, "{{")
}

func TestResolveTemplateUserVariables(t *testing.T) {
	ctx := New("sess-1", 10)
	ctx.BindVariable("product", "widget")

	assert.Equal(t, "Tell me about widget", ctx.ResolveTemplate("Tell me about {{product}}"))
}

func TestResolveTemplateUnknownLeftIntact(t *testing.T) {
	ctx := New("sess-1", 10)

	assert.Equal(t, "hello {{nobody}}", ctx.ResolveTemplate("hello {{nobody}}"))
	assert.Equal(t, "dangling {{open", ctx.ResolveTemplate("dangling {{open"))
}

func TestResolveTemplateMultiplePlaceholders(t *testing.T) {
	ctx := New("sess-9", 10)
	ctx.BindVariable("a", "1")
	ctx.BindVariable("b", "2")

	resolved := ctx.ResolveTemplate("{{a}}+{{b}}={{c}}")
	assert.Equal(t, "1+2={{c}}", resolved)
	assert.Equal(t, 1, strings.Count(resolved, "{{"))
}
