package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botswarm/internal/connectors"
	"botswarm/internal/conversation"
	"botswarm/internal/flow"
	"botswarm/internal/metrics"
	"botswarm/internal/plugins"
	"botswarm/pkg/models"
)

// The controller is the production dispatcher behind the flow walker,
// and the summary builder must plug in directly as a metric sink.
var (
	_ flow.Dispatcher = (*Controller)(nil)
	_ Sink            = (*metrics.SummaryBuilder)(nil)
)

type fakeConnector struct {
	mu      sync.Mutex
	results []*connectors.MessageResult
	errOnce error
	delay   time.Duration
	calls   []string
	starts  []time.Time
}

func (f *fakeConnector) Connect(ctx context.Context, cfg *connectors.ConnectConfig) error {
	return nil
}

func (f *fakeConnector) Disconnect(ctx context.Context) error { return nil }

func (f *fakeConnector) SupportsStreaming() bool { return false }

func (f *fakeConnector) Type() models.ConnectorType { return models.ConnectorHTTPRest }

func (f *fakeConnector) HealthCheck(ctx context.Context) (*connectors.HealthStatus, error) {
	return &connectors.HealthStatus{Healthy: true}, nil
}

func (f *fakeConnector) SendMessage(ctx context.Context, text string, metadata connectors.Metadata) (*connectors.MessageResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, text)
	f.starts = append(f.starts, time.Now())
	var result *connectors.MessageResult
	if len(f.results) > 0 {
		result = f.results[0]
		f.results = f.results[1:]
	}
	err := f.errOnce
	f.errOnce = nil
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = &connectors.MessageResult{Success: true, Content: "ok", StatusCode: 200, ResponseTimeMs: 1}
	}
	return result, nil
}

func (f *fakeConnector) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeConnector) startDelta(i, j int) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts[j].Sub(f.starts[i])
}

type recordingSink struct {
	mu      sync.Mutex
	metrics []models.MessageMetric
	finals  []bool
}

func (s *recordingSink) Record(metric models.MessageMetric, final bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = append(s.metrics, metric)
	s.finals = append(s.finals, final)
}

func (s *recordingSink) snapshot() ([]models.MessageMetric, []bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.MessageMetric(nil), s.metrics...), append([]bool(nil), s.finals...)
}

func failure(code int, errType string) *connectors.MessageResult {
	return &connectors.MessageResult{
		Success:      false,
		StatusCode:   code,
		ErrorType:    errType,
		ErrorMessage: fmt.Sprintf("HTTP %d", code),
	}
}

func emptyPipeline(t *testing.T) *plugins.Pipeline {
	t.Helper()
	p, err := plugins.NewPipeline(nil, plugins.NewRegistry(), "sess-1",
		&models.Target{ID: 1, ConnectorType: models.ConnectorHTTPRest}, nil)
	require.NoError(t, err)
	return p
}

func newTestController(t *testing.T, cfg models.ExecutionConfig, fake *fakeConnector) (*Controller, *conversation.Context, *recordingSink) {
	t.Helper()
	convo := conversation.New("sess-1", 50)
	sink := &recordingSink{}
	return NewController(cfg, fake, emptyPipeline(t), convo, sink), convo, sink
}

func TestDispatchSuccess(t *testing.T) {
	fake := &fakeConnector{results: []*connectors.MessageResult{{
		Success:        true,
		Content:        "pong",
		StatusCode:     200,
		ResponseTimeMs: 12,
		TokenUsage:     &connectors.TokenUsage{PromptTokens: 3, CompletionTokens: 4, TotalTokens: 7},
	}}}
	ctrl, convo, sink := newTestController(t, models.DefaultExecutionConfig(), fake)

	delivered, err := ctrl.Dispatch(context.Background(), "ping")
	require.NoError(t, err)
	assert.True(t, delivered)

	assert.Equal(t, "pong", convo.LastResponse())
	assert.Equal(t, 1, convo.MessageIndex())
	_, _, total := convo.TokenUsage()
	assert.Equal(t, int64(7), total)

	recorded, finals := sink.snapshot()
	require.Len(t, recorded, 1)
	assert.True(t, finals[0])
	metric := recorded[0]
	assert.Equal(t, "sess-1", metric.SessionID)
	assert.Equal(t, 0, metric.MessageIndex)
	assert.Equal(t, 1, metric.Attempt)
	assert.True(t, metric.Success)
	assert.Equal(t, int64(12), metric.ResponseTimeMs)
	assert.Equal(t, 7, metric.TotalTokens)
	assert.NotEmpty(t, metric.MetricID)
}

func TestDispatchFailureDefaultAbort(t *testing.T) {
	fake := &fakeConnector{results: []*connectors.MessageResult{failure(500, connectors.ErrorTypeRemote)}}
	ctrl, convo, sink := newTestController(t, models.ExecutionConfig{OnError: models.ActionAbort}, fake)

	delivered, err := ctrl.Dispatch(context.Background(), "ping")
	assert.False(t, delivered)

	var dispatchErr *DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	assert.Equal(t, 0, dispatchErr.MessageIndex)
	assert.Equal(t, 1, dispatchErr.Attempts)
	assert.Equal(t, 500, dispatchErr.StatusCode)

	// Nothing lands in history on failure.
	assert.Empty(t, convo.LastResponse())
	recorded, finals := sink.snapshot()
	require.Len(t, recorded, 1)
	assert.True(t, finals[0])
	assert.False(t, recorded[0].Success)
}

func TestDispatchSkipRule(t *testing.T) {
	fake := &fakeConnector{results: []*connectors.MessageResult{failure(429, connectors.ErrorTypeRemote)}}
	cfg := models.ExecutionConfig{
		OnError:         models.ActionAbort,
		StatusCodeRules: []models.StatusCodeRule{{Codes: []int{429}, Action: models.ActionSkip}},
	}
	ctrl, convo, sink := newTestController(t, cfg, fake)

	delivered, err := ctrl.Dispatch(context.Background(), "ping")
	require.NoError(t, err)
	assert.False(t, delivered)
	assert.Empty(t, convo.LastResponse())

	recorded, finals := sink.snapshot()
	require.Len(t, recorded, 1)
	assert.True(t, finals[0])
}

func TestDispatchFirstMatchingRuleWins(t *testing.T) {
	fake := &fakeConnector{results: []*connectors.MessageResult{failure(503, connectors.ErrorTypeRemote)}}
	cfg := models.ExecutionConfig{
		OnError: models.ActionAbort,
		StatusCodeRules: []models.StatusCodeRule{
			{Codes: []int{500, 503}, Action: models.ActionSkip},
			{Codes: []int{503}, Action: models.ActionAbort},
		},
	}
	ctrl, _, _ := newTestController(t, cfg, fake)

	delivered, err := ctrl.Dispatch(context.Background(), "ping")
	require.NoError(t, err)
	assert.False(t, delivered)
}

func TestDispatchRetryThenSuccess(t *testing.T) {
	fake := &fakeConnector{results: []*connectors.MessageResult{
		failure(503, connectors.ErrorTypeRemote),
		failure(503, connectors.ErrorTypeRemote),
		{Success: true, Content: "recovered", StatusCode: 200},
	}}
	cfg := models.ExecutionConfig{
		OnError: models.ActionAbort,
		StatusCodeRules: []models.StatusCodeRule{{
			Codes:  []int{503},
			Action: models.ActionRetry,
			Retry:  &models.RetryConfig{MaxRetries: 3, DelayMs: 5, BackoffMultiplier: 2, MaxDelayMs: 50},
		}},
	}
	ctrl, convo, sink := newTestController(t, cfg, fake)

	delivered, err := ctrl.Dispatch(context.Background(), "ping")
	require.NoError(t, err)
	assert.True(t, delivered)
	assert.Equal(t, 3, fake.callCount())
	assert.Equal(t, "recovered", convo.LastResponse())

	recorded, finals := sink.snapshot()
	require.Len(t, recorded, 3)
	assert.Equal(t, []bool{false, false, true}, finals)
	for i, metric := range recorded {
		assert.Equal(t, 0, metric.MessageIndex)
		assert.Equal(t, i+1, metric.Attempt)
	}
	assert.True(t, recorded[2].Success)
}

func TestDispatchRetryExhaustedAborts(t *testing.T) {
	fake := &fakeConnector{results: []*connectors.MessageResult{
		failure(503, connectors.ErrorTypeRemote),
		failure(503, connectors.ErrorTypeRemote),
		failure(503, connectors.ErrorTypeRemote),
	}}
	cfg := models.ExecutionConfig{
		OnError: models.ActionAbort,
		StatusCodeRules: []models.StatusCodeRule{{
			Codes:  []int{503},
			Action: models.ActionRetry,
			Retry:  &models.RetryConfig{MaxRetries: 2, DelayMs: 5, BackoffMultiplier: 2, MaxDelayMs: 50},
		}},
	}
	ctrl, _, sink := newTestController(t, cfg, fake)

	delivered, err := ctrl.Dispatch(context.Background(), "ping")
	assert.False(t, delivered)

	var dispatchErr *DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	assert.Equal(t, 3, dispatchErr.Attempts)
	assert.Contains(t, dispatchErr.Detail, "2 retries exhausted")
	assert.Equal(t, 3, fake.callCount())

	_, finals := sink.snapshot()
	assert.Equal(t, []bool{false, false, true}, finals)
}

func TestDispatchRuleRetryOverridesDefaults(t *testing.T) {
	fake := &fakeConnector{results: []*connectors.MessageResult{
		failure(503, connectors.ErrorTypeRemote),
		failure(503, connectors.ErrorTypeRemote),
	}}
	cfg := models.DefaultExecutionConfig() // default MaxRetries 3
	cfg.Retry.DelayMs = 5
	cfg.Retry.MaxDelayMs = 50
	cfg.StatusCodeRules = []models.StatusCodeRule{{
		Codes:  []int{503},
		Action: models.ActionRetry,
		Retry:  &models.RetryConfig{MaxRetries: 1},
	}}
	ctrl, _, _ := newTestController(t, cfg, fake)

	_, err := ctrl.Dispatch(context.Background(), "ping")
	var dispatchErr *DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	assert.Equal(t, 2, fake.callCount())
	assert.Equal(t, 2, dispatchErr.Attempts)
}

func TestDispatchDefaultOnErrorRetry(t *testing.T) {
	fake := &fakeConnector{results: []*connectors.MessageResult{
		failure(500, connectors.ErrorTypeRemote),
		{Success: true, Content: "second time lucky", StatusCode: 200},
	}}
	cfg := models.ExecutionConfig{
		OnError: models.ActionRetry,
		Retry:   models.RetryConfig{MaxRetries: 2, DelayMs: 5, BackoffMultiplier: 2, MaxDelayMs: 50},
	}
	ctrl, _, _ := newTestController(t, cfg, fake)

	delivered, err := ctrl.Dispatch(context.Background(), "ping")
	require.NoError(t, err)
	assert.True(t, delivered)
	assert.Equal(t, 2, fake.callCount())
}

func TestDispatchLocalSendError(t *testing.T) {
	fake := &fakeConnector{errOnce: errors.New("marshal blew up")}
	ctrl, _, sink := newTestController(t, models.ExecutionConfig{OnError: models.ActionAbort}, fake)

	_, err := ctrl.Dispatch(context.Background(), "ping")
	var dispatchErr *DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	assert.ErrorContains(t, err, "marshal blew up")

	recorded, _ := sink.snapshot()
	require.Len(t, recorded, 1)
	assert.Equal(t, connectors.ErrorTypeTransport, recorded[0].ErrorType)
}

type explodingPlugin struct {
	plugins.BasePlugin
}

func (p *explodingPlugin) Name() string { return "exploding" }

func (p *explodingPlugin) BeforeSend(ctx context.Context, text string, metadata connectors.Metadata, pctx *plugins.PluginContext) (string, connectors.Metadata, error) {
	return "", nil, errors.New("refused to sign")
}

func TestDispatchHookErrorIsDispatchFailure(t *testing.T) {
	registry := plugins.NewRegistry()
	require.NoError(t, registry.Register("exploding", func() plugins.Plugin { return &explodingPlugin{} }))
	pipeline, err := plugins.NewPipeline(
		[]models.PluginSpec{{Name: "exploding"}},
		registry, "sess-1",
		&models.Target{ID: 1, ConnectorType: models.ConnectorHTTPRest}, nil)
	require.NoError(t, err)

	fake := &fakeConnector{}
	sink := &recordingSink{}
	ctrl := NewController(models.ExecutionConfig{OnError: models.ActionAbort}, fake, pipeline, conversation.New("sess-1", 50), sink)

	_, err = ctrl.Dispatch(context.Background(), "ping")
	var dispatchErr *DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	var hookErr *plugins.HookError
	require.ErrorAs(t, err, &hookErr)
	assert.Equal(t, "exploding", hookErr.Plugin)

	// The connector never saw the message.
	assert.Equal(t, 0, fake.callCount())
	recorded, _ := sink.snapshot()
	require.Len(t, recorded, 1)
	assert.Equal(t, ErrorTypePlugin, recorded[0].ErrorType)
}

func TestDispatchCancelledBeforeSend(t *testing.T) {
	fake := &fakeConnector{}
	ctrl, _, sink := newTestController(t, models.DefaultExecutionConfig(), fake)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ctrl.Dispatch(ctx, "ping")
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, 0, fake.callCount())
	recorded, _ := sink.snapshot()
	assert.Empty(t, recorded)
}

func TestIssueRunsInParallel(t *testing.T) {
	fake := &fakeConnector{delay: 50 * time.Millisecond}
	cfg := models.DefaultExecutionConfig()
	cfg.Concurrency = 3
	ctrl, convo, sink := newTestController(t, cfg, fake)

	start := time.Now()
	ctx := context.Background()
	require.NoError(t, ctrl.Issue(ctx, "one"))
	require.NoError(t, ctrl.Issue(ctx, "two"))
	require.NoError(t, ctrl.Issue(ctx, "three"))
	require.NoError(t, ctrl.Join())
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 140*time.Millisecond, "three 50ms sends should overlap")
	assert.Equal(t, 3, fake.callCount())
	assert.Equal(t, 3, convo.MessageIndex())

	recorded, _ := sink.snapshot()
	require.Len(t, recorded, 3)
	indexes := map[int]bool{}
	for _, metric := range recorded {
		indexes[metric.MessageIndex] = true
	}
	assert.Equal(t, map[int]bool{0: true, 1: true, 2: true}, indexes)
}

func TestIssueFatalSticks(t *testing.T) {
	fake := &fakeConnector{results: []*connectors.MessageResult{failure(500, connectors.ErrorTypeRemote)}}
	cfg := models.ExecutionConfig{Concurrency: 2, OnError: models.ActionAbort}
	ctrl, _, _ := newTestController(t, cfg, fake)

	require.NoError(t, ctrl.Issue(context.Background(), "doomed"))
	err := ctrl.Join()
	var dispatchErr *DispatchError
	require.ErrorAs(t, err, &dispatchErr)

	// Later admissions bounce off the recorded failure.
	err = ctrl.Issue(context.Background(), "never sent")
	require.ErrorAs(t, err, &dispatchErr)
	assert.Equal(t, 1, fake.callCount())
}

func TestSpacingBetweenDispatchStarts(t *testing.T) {
	fake := &fakeConnector{}
	cfg := models.DefaultExecutionConfig()
	cfg.DelayBetweenMs = 60
	ctrl, _, _ := newTestController(t, cfg, fake)

	ctx := context.Background()
	_, err := ctrl.Dispatch(ctx, "one")
	require.NoError(t, err)
	_, err = ctrl.Dispatch(ctx, "two")
	require.NoError(t, err)

	delta := fake.startDelta(0, 1)
	assert.GreaterOrEqual(t, delta, 55*time.Millisecond)
	assert.Less(t, delta, 500*time.Millisecond)
}

func TestSpacingSkippedWhenGapElapsed(t *testing.T) {
	fake := &fakeConnector{}
	cfg := models.DefaultExecutionConfig()
	cfg.DelayBetweenMs = 30
	ctrl, _, _ := newTestController(t, cfg, fake)

	ctx := context.Background()
	_, err := ctrl.Dispatch(ctx, "one")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	_, err = ctrl.Dispatch(ctx, "two")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 25*time.Millisecond, "gap already satisfied, no extra wait")
}

func TestRetryBackoffDelays(t *testing.T) {
	fake := &fakeConnector{results: []*connectors.MessageResult{
		failure(503, connectors.ErrorTypeRemote),
		failure(503, connectors.ErrorTypeRemote),
		{Success: true, Content: "ok", StatusCode: 200},
	}}
	cfg := models.ExecutionConfig{
		OnError: models.ActionRetry,
		Retry:   models.RetryConfig{MaxRetries: 3, DelayMs: 30, BackoffMultiplier: 2, MaxDelayMs: 1000},
	}
	ctrl, _, _ := newTestController(t, cfg, fake)

	_, err := ctrl.Dispatch(context.Background(), "ping")
	require.NoError(t, err)
	require.Equal(t, 3, fake.callCount())

	assert.GreaterOrEqual(t, fake.startDelta(0, 1), 25*time.Millisecond)
	assert.GreaterOrEqual(t, fake.startDelta(1, 2), 50*time.Millisecond)
}

func TestNewBackOffSequence(t *testing.T) {
	bo := newBackOff(models.RetryConfig{DelayMs: 30, BackoffMultiplier: 2, MaxDelayMs: 40})
	assert.Equal(t, 30*time.Millisecond, bo.NextBackOff())
	assert.Equal(t, 40*time.Millisecond, bo.NextBackOff(), "capped at maxDelayMs")
	assert.Equal(t, 40*time.Millisecond, bo.NextBackOff())
}

func TestDecide(t *testing.T) {
	ctrl, _, _ := newTestController(t, models.ExecutionConfig{
		OnError: models.ActionSkip,
		StatusCodeRules: []models.StatusCodeRule{
			{Codes: []int{503}, Action: models.ActionRetry},
			{Codes: []int{500, 503}, Action: models.ActionAbort},
		},
	}, &fakeConnector{})

	action, rule := ctrl.decide(503)
	assert.Equal(t, models.ActionRetry, action)
	require.NotNil(t, rule)

	action, _ = ctrl.decide(500)
	assert.Equal(t, models.ActionAbort, action)

	action, rule = ctrl.decide(404)
	assert.Equal(t, models.ActionSkip, action)
	assert.Nil(t, rule)

	// No status code: rules never match, default applies.
	action, _ = ctrl.decide(0)
	assert.Equal(t, models.ActionSkip, action)
}
