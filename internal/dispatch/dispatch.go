// Package dispatch admits outbound messages under a session's
// concurrency, spacing and retry policy. It sits between the flow
// walker and the connector: the walker hands it resolved message text,
// it hands back final outcomes. Per-message failures are absorbed here;
// only session-fatal conditions escape as errors.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"botswarm/internal/connectors"
	"botswarm/internal/conversation"
	"botswarm/internal/logging"
	"botswarm/internal/metrics"
	"botswarm/internal/plugins"
	"botswarm/pkg/models"
)

var tracer = otel.Tracer("botswarm/dispatch")

// ErrorTypePlugin labels metrics for failures raised by hook pipelines
// rather than the wire.
const ErrorTypePlugin = "plugin_error"

// Sink receives every message attempt, including retried and skipped
// ones. final marks the attempt that decided the message's outcome.
type Sink interface {
	Record(metric models.MessageMetric, final bool)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(metric models.MessageMetric, final bool)

func (f SinkFunc) Record(metric models.MessageMetric, final bool) { f(metric, final) }

// DispatchError is the session-fatal outcome of a message attempt
// sequence: an abort rule, an exhausted retry budget, or a hook
// failure the policy could not absorb.
type DispatchError struct {
	MessageIndex int
	Attempts     int
	StatusCode   int
	ErrorType    string
	Detail       string
	Err          error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("message %d failed after %d attempt(s): %s", e.MessageIndex, e.Attempts, e.Detail)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Controller enforces one session's dispatch policy. It implements
// flow.Dispatcher; one instance is exclusively owned by one session and
// survives across scenario repetitions.
type Controller struct {
	cfg         models.ExecutionConfig
	concurrency int
	conn        connectors.Connector
	pipeline    *plugins.Pipeline
	convo       *conversation.Context
	similarity  *metrics.SimilarityTracker
	sink        Sink
	log         zerolog.Logger

	sem      *semaphore.Weighted
	inflight sync.WaitGroup

	mu        sync.Mutex
	lastStart time.Time
	fatal     error
}

// NewController wires the dispatch policy for one session. A nil sink
// discards metrics.
func NewController(cfg models.ExecutionConfig, conn connectors.Connector, pipeline *plugins.Pipeline, convo *conversation.Context, sink Sink) *Controller {
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	if sink == nil {
		sink = SinkFunc(func(models.MessageMetric, bool) {})
	}
	return &Controller{
		cfg:         cfg,
		concurrency: concurrency,
		conn:        conn,
		pipeline:    pipeline,
		convo:       convo,
		similarity:  metrics.NewSimilarityTracker(),
		sink:        sink,
		log:         logging.Component("dispatch").With().Str("session_id", convo.SessionID()).Logger(),
		sem:         semaphore.NewWeighted(int64(concurrency)),
	}
}

// Concurrency reports the configured in-flight bound.
func (c *Controller) Concurrency() int { return c.concurrency }

// Dispatch sends one message and blocks until its final outcome.
// delivered=false means a skip rule consumed a failure; a non-nil error
// is session-fatal.
func (c *Controller) Dispatch(ctx context.Context, text string) (bool, error) {
	if err := c.admit(ctx); err != nil {
		return false, err
	}
	defer c.sem.Release(1)
	wait := c.reserveSpacing()
	index := c.convo.AdvanceMessageIndex()

	delivered, err := c.deliver(ctx, text, index, wait)
	if err != nil {
		c.recordFatal(err)
	}
	return delivered, err
}

// Issue admits a message synchronously and completes the network call
// in the background. Slot and spacing reservations follow the caller's
// call order, so issuance order is dispatch-start order; Join surfaces
// the first fatal error.
func (c *Controller) Issue(ctx context.Context, text string) error {
	if err := c.admit(ctx); err != nil {
		return err
	}
	wait := c.reserveSpacing()
	index := c.convo.AdvanceMessageIndex()

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		defer c.sem.Release(1)
		if _, err := c.deliver(ctx, text, index, wait); err != nil {
			c.recordFatal(err)
		}
	}()
	return nil
}

// Join blocks until every issued dispatch has finished and reports the
// first session-fatal error.
func (c *Controller) Join() error {
	c.inflight.Wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatal
}

// admit acquires a concurrency slot unless the session already failed.
func (c *Controller) admit(ctx context.Context) error {
	c.mu.Lock()
	fatal := c.fatal
	c.mu.Unlock()
	if fatal != nil {
		return fatal
	}
	return c.sem.Acquire(ctx, 1)
}

// reserveSpacing claims the next dispatch-start slot. Slots advance
// delayBetweenMs apart measured start to start, so a slow response
// never stretches the gap.
func (c *Controller) reserveSpacing() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	gap := time.Duration(c.cfg.DelayBetweenMs) * time.Millisecond
	if gap <= 0 || c.lastStart.IsZero() {
		c.lastStart = now
		return 0
	}
	next := c.lastStart.Add(gap)
	if !next.After(now) {
		c.lastStart = now
		return 0
	}
	c.lastStart = next
	return next.Sub(now)
}

func (c *Controller) recordFatal(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fatal == nil {
		c.fatal = err
	}
}

// deliver runs the attempt loop for one message until policy decides
// the outcome. The retry budget and backoff schedule latch on the first
// retry decision; later failed attempts can still be preempted by a
// skip or abort rule matching their status code.
func (c *Controller) deliver(ctx context.Context, text string, index int, wait time.Duration) (bool, error) {
	if err := sleepContext(ctx, wait); err != nil {
		return false, err
	}

	ctx, span := tracer.Start(ctx, "message.dispatch", trace.WithAttributes(
		attribute.Int("message.index", index),
	))
	defer span.End()

	var (
		attempt    = 1
		maxRetries int
		bo         *backoff.ExponentialBackOff
	)

	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		sentAt := time.Now()
		result, attemptErr := c.attempt(ctx, text)
		metric := c.buildMetric(index, attempt, sentAt, time.Now(), result)

		if result.Success {
			c.sink.Record(metric, true)
			c.retain(text, result)
			return true, nil
		}

		action, rule := c.decide(result.StatusCode)
		switch action {
		case models.ActionSkip:
			c.sink.Record(metric, true)
			c.log.Warn().
				Int("message_index", index).
				Int("status_code", result.StatusCode).
				Str("error_type", result.ErrorType).
				Msg("failed message skipped by policy")
			return false, nil

		case models.ActionRetry:
			if bo == nil {
				rc := c.retryConfig(rule)
				maxRetries = rc.MaxRetries
				bo = newBackOff(rc)
			}
			if attempt > maxRetries {
				c.sink.Record(metric, true)
				dispatchErr := newDispatchError(index, attempt, result, attemptErr,
					fmt.Sprintf("%d retries exhausted", maxRetries))
				span.RecordError(dispatchErr)
				span.SetStatus(codes.Error, "retries exhausted")
				return false, dispatchErr
			}
			c.sink.Record(metric, false)
			delay := bo.NextBackOff()
			c.log.Debug().
				Int("message_index", index).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("retrying failed message")
			if err := sleepContext(ctx, delay); err != nil {
				return false, err
			}
			attempt++

		default: // abort
			c.sink.Record(metric, true)
			dispatchErr := newDispatchError(index, attempt, result, attemptErr, "failure aborted session")
			span.RecordError(dispatchErr)
			span.SetStatus(codes.Error, "failure aborted session")
			return false, dispatchErr
		}
	}
}

// attempt performs one send through the pipeline. Hook failures and
// local connector errors come back shaped like remote failures so a
// single policy path decides every outcome; the raw error rides along
// for wrapping.
func (c *Controller) attempt(ctx context.Context, text string) (*connectors.MessageResult, error) {
	outText, metadata, err := c.pipeline.BeforeSend(ctx, text, connectors.Metadata{})
	if err != nil {
		return failedResult(err), err
	}

	result, err := c.conn.SendMessage(ctx, outText, metadata)
	if err != nil {
		return failedResult(err), err
	}

	result, err = c.pipeline.AfterReceive(ctx, result)
	if err != nil {
		return failedResult(err), err
	}
	return result, nil
}

func failedResult(err error) *connectors.MessageResult {
	errType := connectors.ErrorTypeTransport
	var hookErr *plugins.HookError
	if errors.As(err, &hookErr) {
		errType = ErrorTypePlugin
	}
	return &connectors.MessageResult{
		Success:      false,
		ErrorType:    errType,
		ErrorMessage: err.Error(),
	}
}

// decide maps a failed attempt to an action: status-code rules in
// declaration order, first match wins, else the scenario default.
// Failures without a status code (hook errors, transport faults) only
// ever reach the default.
func (c *Controller) decide(statusCode int) (models.ErrorAction, *models.StatusCodeRule) {
	if statusCode != 0 {
		for i := range c.cfg.StatusCodeRules {
			if c.cfg.StatusCodeRules[i].Matches(statusCode) {
				return c.cfg.StatusCodeRules[i].Action, &c.cfg.StatusCodeRules[i]
			}
		}
	}
	action := c.cfg.OnError
	if action == "" {
		action = models.ActionAbort
	}
	return action, nil
}

// retryConfig layers a matched rule's overrides onto the scenario
// defaults.
func (c *Controller) retryConfig(rule *models.StatusCodeRule) models.RetryConfig {
	rc := c.cfg.Retry
	if rule == nil || rule.Retry == nil {
		return rc
	}
	if rule.Retry.MaxRetries > 0 {
		rc.MaxRetries = rule.Retry.MaxRetries
	}
	if rule.Retry.DelayMs > 0 {
		rc.DelayMs = rule.Retry.DelayMs
	}
	if rule.Retry.BackoffMultiplier > 0 {
		rc.BackoffMultiplier = rule.Retry.BackoffMultiplier
	}
	if rule.Retry.MaxDelayMs > 0 {
		rc.MaxDelayMs = rule.Retry.MaxDelayMs
	}
	return rc
}

func (c *Controller) buildMetric(index, attempt int, sentAt, receivedAt time.Time, result *connectors.MessageResult) models.MessageMetric {
	metric := models.MessageMetric{
		MetricID:       models.NewULID(),
		SessionID:      c.convo.SessionID(),
		MessageIndex:   index,
		Attempt:        attempt,
		SentAt:         sentAt,
		ReceivedAt:     receivedAt,
		ResponseTimeMs: result.ResponseTimeMs,
		Success:        result.Success,
		StatusCode:     result.StatusCode,
		ErrorType:      result.ErrorType,
		ErrorMessage:   result.ErrorMessage,
	}
	if metric.ResponseTimeMs == 0 {
		metric.ResponseTimeMs = receivedAt.Sub(sentAt).Milliseconds()
	}
	if result.TokenUsage != nil {
		metric.PromptTokens = result.TokenUsage.PromptTokens
		metric.CompletionTokens = result.TokenUsage.CompletionTokens
		metric.TotalTokens = result.TokenUsage.TotalTokens
	}
	if result.Success {
		metric.Similarity = c.similarity.Score(result.Content)
	}
	return metric
}

// retain feeds a delivered exchange back into the conversation so
// templates and conditionals see it. Skipped failures never get here.
func (c *Controller) retain(text string, result *connectors.MessageResult) {
	c.convo.AppendMessage(models.RoleUser, text)
	c.convo.AppendMessage(models.RoleAssistant, result.Content)
	if result.TokenUsage != nil {
		c.convo.AddTokenUsage(result.TokenUsage.PromptTokens, result.TokenUsage.CompletionTokens, result.TokenUsage.TotalTokens)
	}
}

func newDispatchError(index, attempts int, result *connectors.MessageResult, err error, reason string) *DispatchError {
	detail := reason
	if result.ErrorMessage != "" {
		detail = fmt.Sprintf("%s: %s", reason, result.ErrorMessage)
	}
	return &DispatchError{
		MessageIndex: index,
		Attempts:     attempts,
		StatusCode:   result.StatusCode,
		ErrorType:    result.ErrorType,
		Detail:       detail,
		Err:          err,
	}
}

// newBackOff builds the deterministic wait sequence
// delayMs * multiplier^(n-1) capped at maxDelayMs.
func newBackOff(rc models.RetryConfig) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	if rc.DelayMs > 0 {
		bo.InitialInterval = time.Duration(rc.DelayMs) * time.Millisecond
	}
	if rc.BackoffMultiplier > 0 {
		bo.Multiplier = rc.BackoffMultiplier
	}
	if rc.MaxDelayMs > 0 {
		bo.MaxInterval = time.Duration(rc.MaxDelayMs) * time.Millisecond
	}
	bo.Reset()
	return bo
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
