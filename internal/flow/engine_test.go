package flow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botswarm/internal/conversation"
	"botswarm/pkg/models"
)

// scriptedDispatcher feeds canned responses into the conversation context
// and records dispatch order.
type scriptedDispatcher struct {
	mu          sync.Mutex
	convo       *conversation.Context
	concurrency int
	responses   []string
	sent        []string
	failWith    error // returned by every Dispatch/Issue once set
	skipAll     bool
	onDispatch  func(n int)
	joins       int
}

func (d *scriptedDispatcher) Dispatch(ctx context.Context, text string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failWith != nil {
		return false, d.failWith
	}

	d.sent = append(d.sent, text)
	n := len(d.sent)
	if d.onDispatch != nil {
		d.onDispatch(n)
	}
	if d.skipAll {
		return false, nil
	}

	d.convo.AppendMessage(models.RoleUser, text)
	response := "ok"
	if len(d.responses) > 0 {
		response = d.responses[0]
		d.responses = d.responses[1:]
	}
	d.convo.AppendMessage(models.RoleAssistant, response)
	return true, nil
}

func (d *scriptedDispatcher) Issue(ctx context.Context, text string) error {
	_, err := d.Dispatch(ctx, text)
	return err
}

func (d *scriptedDispatcher) Join() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.joins++
	return nil
}

func (d *scriptedDispatcher) Concurrency() int {
	if d.concurrency > 0 {
		return d.concurrency
	}
	return 1
}

func newTestEngine(d *scriptedDispatcher) (*Engine, *conversation.Context) {
	convo := conversation.New("sess-test", 50)
	d.convo = convo
	return NewEngine(d, convo), convo
}

func TestRunDispatchesMessagesInOrder(t *testing.T) {
	d := &scriptedDispatcher{}
	engine, _ := newTestEngine(d)

	def := &Definition{Steps: []Step{
		{Type: StepMessage, Content: "one"},
		{Type: StepMessage, Content: "two"},
		{Type: StepMessage, Content: "three"},
	}}

	require.NoError(t, engine.Run(context.Background(), def))
	assert.Equal(t, []string{"one", "two", "three"}, d.sent)
}

func TestRunResolvesTemplates(t *testing.T) {
	d := &scriptedDispatcher{responses: []string{"the answer is 42"}}
	engine, _ := newTestEngine(d)

	def := &Definition{Steps: []Step{
		{Type: StepMessage, Content: "question"},
		{Type: StepMessage, Content: "you said: {{last_response}}"},
	}}

	require.NoError(t, engine.Run(context.Background(), def))
	require.Len(t, d.sent, 2)
	assert.Equal(t, "you said: the answer is 42", d.sent[1])
}

func TestRunConditionalThenBranch(t *testing.T) {
	d := &scriptedDispatcher{responses: []string{"Hello world", "ok", "ok"}}
	engine, _ := newTestEngine(d)

	def := &Definition{Steps: []Step{
		{Type: StepMessage, Content: "greet"},
		{
			Type:      StepConditional,
			Condition: "contains:hello",
			Then:      []Step{{Type: StepMessage, Content: "then-branch"}},
			Else:      []Step{{Type: StepMessage, Content: "else-branch"}},
		},
		{Type: StepMessage, Content: "after"},
	}}

	require.NoError(t, engine.Run(context.Background(), def))

	// The then branch runs fully before the step following the
	// conditional.
	assert.Equal(t, []string{"greet", "then-branch", "after"}, d.sent)
}

func TestRunConditionalElseBranch(t *testing.T) {
	d := &scriptedDispatcher{responses: []string{"goodbye", "ok"}}
	engine, _ := newTestEngine(d)

	def := &Definition{Steps: []Step{
		{Type: StepMessage, Content: "greet"},
		{
			Type:      StepConditional,
			Condition: "contains:hello",
			Then:      []Step{{Type: StepMessage, Content: "then-branch"}},
			Else:      []Step{{Type: StepMessage, Content: "else-branch"}},
		},
	}}

	require.NoError(t, engine.Run(context.Background(), def))
	assert.Equal(t, []string{"greet", "else-branch"}, d.sent)
}

func TestRunConditionalEmptyElseFallsThrough(t *testing.T) {
	d := &scriptedDispatcher{responses: []string{"nope", "ok"}}
	engine, _ := newTestEngine(d)

	def := &Definition{Steps: []Step{
		{Type: StepMessage, Content: "greet"},
		{
			Type:      StepConditional,
			Condition: "equals:yes",
			Then:      []Step{{Type: StepMessage, Content: "then-branch"}},
		},
		{Type: StepMessage, Content: "after"},
	}}

	require.NoError(t, engine.Run(context.Background(), def))
	assert.Equal(t, []string{"greet", "after"}, d.sent)
}

func TestRunLoopDispatchesExactCount(t *testing.T) {
	d := &scriptedDispatcher{}
	engine, _ := newTestEngine(d)

	def := &Definition{Steps: []Step{
		{
			Type:       StepLoop,
			Iterations: 3,
			Body:       []Step{{Type: StepMessage, Content: "ping"}},
		},
	}}

	require.NoError(t, engine.Run(context.Background(), def))
	assert.Equal(t, []string{"ping", "ping", "ping"}, d.sent)
}

func TestRunNextJumpSkipsSteps(t *testing.T) {
	d := &scriptedDispatcher{}
	engine, _ := newTestEngine(d)

	def := &Definition{Steps: []Step{
		{ID: "a", Type: StepMessage, Content: "first", Next: "c"},
		{ID: "b", Type: StepMessage, Content: "skipped"},
		{ID: "c", Type: StepMessage, Content: "third"},
	}}

	require.NoError(t, engine.Run(context.Background(), def))
	assert.Equal(t, []string{"first", "third"}, d.sent)
}

func TestRunDelayWaits(t *testing.T) {
	d := &scriptedDispatcher{}
	engine, _ := newTestEngine(d)

	def := &Definition{Steps: []Step{
		{Type: StepDelay, DelayMs: 30},
		{Type: StepMessage, Content: "after-delay"},
	}}

	start := time.Now()
	require.NoError(t, engine.Run(context.Background(), def))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, []string{"after-delay"}, d.sent)
}

func TestRunAbortErrorStopsWalk(t *testing.T) {
	abort := errors.New("session aborted by policy")
	d := &scriptedDispatcher{failWith: abort}
	engine, _ := newTestEngine(d)

	def := &Definition{Steps: []Step{
		{Type: StepMessage, Content: "one"},
		{Type: StepMessage, Content: "never"},
	}}

	err := engine.Run(context.Background(), def)
	require.ErrorIs(t, err, abort)
	assert.Empty(t, d.sent)
}

func TestRunSkippedMessagesStillAdvance(t *testing.T) {
	d := &scriptedDispatcher{skipAll: true}
	engine, convo := newTestEngine(d)

	def := &Definition{Steps: []Step{
		{Type: StepMessage, Content: "one"},
		{Type: StepMessage, Content: "two"},
	}}

	require.NoError(t, engine.Run(context.Background(), def))
	assert.Equal(t, []string{"one", "two"}, d.sent)
	assert.Empty(t, convo.History(0))
}

func TestRunHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	d := &scriptedDispatcher{}
	d.onDispatch = func(n int) {
		if n == 1 {
			cancel()
		}
	}
	engine, _ := newTestEngine(d)

	def := &Definition{Steps: []Step{
		{Type: StepMessage, Content: "one"},
		{Type: StepMessage, Content: "never"},
	}}

	err := engine.Run(ctx, def)
	require.ErrorIs(t, err, context.Canceled)

	// The in-flight message finished; nothing after it started.
	assert.Equal(t, []string{"one"}, d.sent)
}

func TestRunJoinsBeforeConditional(t *testing.T) {
	d := &scriptedDispatcher{concurrency: 2, responses: []string{"yes", "ok"}}
	engine, _ := newTestEngine(d)

	def := &Definition{Steps: []Step{
		{Type: StepMessage, Content: "ask"},
		{
			Type:      StepConditional,
			Condition: "equals:yes",
			Then:      []Step{{Type: StepMessage, Content: "confirmed"}},
		},
	}}

	require.NoError(t, engine.Run(context.Background(), def))
	assert.Equal(t, []string{"ask", "confirmed"}, d.sent)
	assert.GreaterOrEqual(t, d.joins, 2)
}
