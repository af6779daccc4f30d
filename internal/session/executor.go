// Package session drives one session from PENDING to a terminal status:
// it resolves the flow, connects the target, walks the scenario through
// the dispatch controller and finalizes the summary. The batch runner in
// this package fans a scenario out across several targets.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"botswarm/internal/connectors"
	"botswarm/internal/conversation"
	"botswarm/internal/dispatch"
	"botswarm/internal/events"
	"botswarm/internal/flow"
	"botswarm/internal/logging"
	"botswarm/internal/metrics"
	"botswarm/internal/plugins"
	"botswarm/internal/plugins/builtin"
	"botswarm/pkg/models"
)

var tracer = otel.Tracer("botswarm/session")

const teardownTimeout = 10 * time.Second

// Store persists session state as execution progresses. Implementations
// must tolerate concurrent calls from sibling sessions in a batch.
type Store interface {
	CreateBatch(ctx context.Context, batch *models.Batch) error
	CreateSession(ctx context.Context, sess *models.Session) error
	UpdateSession(ctx context.Context, sess *models.Session) error
	SaveMetric(ctx context.Context, metric *models.MessageMetric) error
}

// ConnectorFactory builds the connector for a target. Swapped out in
// tests; defaults to connectors.New.
type ConnectorFactory func(target *models.Target) (connectors.Connector, error)

// Executor runs a single session end to end. It owns the session record
// for the duration of Run and mutates its status, timestamps, summary
// and error fields in place.
type Executor struct {
	sess     *models.Session
	target   *models.Target
	scenario *models.Scenario
	cfg      models.ExecutionConfig

	registry     *plugins.Registry
	publisher    events.Publisher
	store        Store
	extra        dispatch.Sink
	collectors   *metrics.Collectors
	cancels      *CancelRegistry
	newConnector ConnectorFactory

	stream *events.Stream
	log    zerolog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithScenario attaches the scenario whose flow the session walks. Without
// it the session runs its ad hoc message list.
func WithScenario(scenario *models.Scenario) Option {
	return func(e *Executor) { e.scenario = scenario }
}

// WithRegistry replaces the builtin plugin registry.
func WithRegistry(registry *plugins.Registry) Option {
	return func(e *Executor) { e.registry = registry }
}

// WithPublisher routes lifecycle and message events to the given publisher.
func WithPublisher(publisher events.Publisher) Option {
	return func(e *Executor) { e.publisher = publisher }
}

// WithStore persists session state and metrics through the given store.
func WithStore(store Store) Option {
	return func(e *Executor) { e.store = store }
}

// WithMetricSink adds a consumer for per-attempt metrics alongside the
// summary builder.
func WithMetricSink(sink dispatch.Sink) Option {
	return func(e *Executor) { e.extra = sink }
}

// WithCollectors wires Prometheus instruments.
func WithCollectors(collectors *metrics.Collectors) Option {
	return func(e *Executor) { e.collectors = collectors }
}

// WithCancelRegistry registers the session for external cancellation
// while Run is in flight.
func WithCancelRegistry(registry *CancelRegistry) Option {
	return func(e *Executor) { e.cancels = registry }
}

// WithConnectorFactory replaces the connector constructor.
func WithConnectorFactory(factory ConnectorFactory) Option {
	return func(e *Executor) { e.newConnector = factory }
}

// NewExecutor builds an executor for one session record. The effective
// execution config is engine defaults, overlaid with scenario defaults,
// overlaid with the session's own config.
func NewExecutor(sess *models.Session, target *models.Target, opts ...Option) *Executor {
	// The stock plugin set registers cleanly by construction, so the
	// error is unreachable here.
	registry, _ := builtin.DefaultRegistry()
	e := &Executor{
		sess:         sess,
		target:       target,
		registry:     registry,
		newConnector: connectors.New,
		log:          logging.Component("session").With().Str("session_id", sess.SessionID).Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}

	cfg := models.DefaultExecutionConfig()
	if e.scenario != nil {
		cfg = models.MergeExecutionConfig(cfg, &e.scenario.Defaults)
	}
	cfg = models.MergeExecutionConfig(cfg, &sess.Config)
	e.cfg = cfg

	ids := events.Identifiers{SessionID: sess.SessionID, TargetID: target.ID}
	if sess.BatchID != nil {
		ids.BatchID = *sess.BatchID
	}
	e.stream = events.NewStream(ids, e.publisher)

	return e
}

// Config returns the effective execution config after merging.
func (e *Executor) Config() models.ExecutionConfig { return e.cfg }

// Run executes the session and returns the fatal error, if any. The
// session record carries the terminal status either way: COMPLETED on a
// clean walk, CANCELLED once a cancel request was observed, FAILED
// otherwise. A structurally invalid flow fails the session before it
// ever reaches RUNNING.
func (e *Executor) Run(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "session.run", trace.WithAttributes(
		attribute.String("session_id", e.sess.SessionID),
		attribute.String("target", e.target.Name),
		attribute.String("connector", string(e.target.ConnectorType)),
	))
	defer span.End()

	def, err := e.definition()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "flow rejected")
		e.finish(ctx, models.SessionFailed, err)
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if e.cancels != nil {
		e.cancels.Register(e.sess.SessionID, cancel)
		defer e.cancels.Remove(e.sess.SessionID)
	}

	if err := e.transition(ctx, models.SessionRunning); err != nil {
		return err
	}
	if e.collectors != nil {
		e.collectors.SessionsActive.Inc()
		defer e.collectors.SessionsActive.Dec()
	}
	e.log.Info().
		Str("target", e.target.Name).
		Int("repetitions", e.cfg.Repetitions).
		Int("concurrency", e.cfg.Concurrency).
		Msg("session started")

	runErr := e.execute(ctx, def)

	done := context.WithoutCancel(ctx)
	switch {
	case ctx.Err() != nil || errors.Is(runErr, context.Canceled):
		e.finish(done, models.SessionCancelled, nil)
		if runErr == nil {
			runErr = ctx.Err()
		}
		return runErr
	case runErr != nil:
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "session failed")
		e.finish(done, models.SessionFailed, runErr)
		return runErr
	default:
		e.finish(done, models.SessionCompleted, nil)
		return nil
	}
}

// execute connects, walks the flow for each repetition and always leaves
// a finalized summary on the session, even after a partial run.
func (e *Executor) execute(ctx context.Context, def *flow.Definition) error {
	ctx, span := tracer.Start(ctx, "session.execute")
	defer span.End()

	summary := metrics.NewSummaryBuilder()
	defer func() {
		e.sess.Summary = summary.Finalize()
	}()

	conn, err := e.newConnector(e.target)
	if err != nil {
		return err
	}
	pipe, err := plugins.NewPipeline(e.target.Plugins, e.registry, e.sess.SessionID, e.target, conn)
	if err != nil {
		return err
	}
	if err := pipe.Initialize(ctx); err != nil {
		return err
	}

	cc := connectors.ConfigFromTarget(e.target)
	cc, err = pipe.OnConnect(ctx, cc)
	if err != nil {
		return err
	}
	if err := conn.Connect(ctx, cc); err != nil {
		return err
	}
	defer e.teardown(context.WithoutCancel(ctx), conn, pipe)

	convo := conversation.New(e.sess.SessionID, e.cfg.HistoryWindow)
	ctrl := dispatch.NewController(e.cfg, conn, pipe, convo, e.sink(ctx, summary))
	engine := flow.NewEngine(ctrl, convo)

	reps := e.cfg.Repetitions
	if reps < 1 {
		reps = 1
	}
	for rep := 1; rep <= reps; rep++ {
		e.log.Debug().Int("repetition", rep).Msg("flow pass started")
		if err := engine.Run(ctx, def); err != nil {
			return err
		}
	}
	return nil
}

// definition resolves what the session walks: the scenario flow, or an
// ad hoc message list when no scenario is attached.
func (e *Executor) definition() (*flow.Definition, error) {
	if e.scenario != nil {
		return flow.ValidateFlow(e.scenario.Flow, e.cfg.MaxDepth)
	}
	if len(e.sess.CustomMessages) == 0 {
		return nil, fmt.Errorf("%w: session %s has neither a scenario nor messages", flow.ErrDefinition, e.sess.SessionID)
	}
	return flow.MessagesFromList(e.sess.CustomMessages), nil
}

// transition moves the session to the next status, stamps timestamps,
// persists the record and emits a status event. Illegal moves are
// rejected and leave the record untouched.
func (e *Executor) transition(ctx context.Context, to models.SessionStatus) error {
	from := e.sess.Status
	if !from.CanTransition(to) {
		return fmt.Errorf("session %s: illegal transition %s -> %s", e.sess.SessionID, from, to)
	}
	e.sess.Status = to
	now := time.Now().UTC()
	switch {
	case to == models.SessionRunning:
		e.sess.StartedAt = &now
	case to.Terminal():
		e.sess.CompletedAt = &now
	}
	if e.store != nil {
		if err := e.store.UpdateSession(ctx, e.sess); err != nil {
			e.log.Error().Err(err).Str("status", string(to)).Msg("session state not persisted")
		}
	}
	_ = e.stream.EmitStatus(ctx, from, to)
	return nil
}

func (e *Executor) finish(ctx context.Context, status models.SessionStatus, runErr error) {
	if runErr != nil && status == models.SessionFailed {
		msg := runErr.Error()
		e.sess.Error = &msg
	}
	if err := e.transition(ctx, status); err != nil {
		e.log.Error().Err(err).Msg("terminal transition rejected")
		return
	}
	if e.collectors != nil {
		e.collectors.SessionsTotal.WithLabelValues(string(status)).Inc()
	}
	_ = e.stream.EmitComplete(ctx, status, e.sess.Summary, runErr)

	evt := e.log.Info().Str("status", string(status))
	if e.sess.Summary != nil {
		evt = evt.Int("messages", e.sess.Summary.MessageCount).Int("failures", e.sess.Summary.FailureCount)
	}
	evt.Msg("session finished")
}

// sink fans each attempt metric out to the summary builder, the event
// stream, Prometheus and the store. The context is detached so metrics
// of in-flight messages still land after a cancel.
func (e *Executor) sink(ctx context.Context, summary *metrics.SummaryBuilder) dispatch.Sink {
	ctx = context.WithoutCancel(ctx)
	return dispatch.SinkFunc(func(metric models.MessageMetric, final bool) {
		summary.Record(metric, final)
		e.observe(metric)
		if e.extra != nil {
			e.extra.Record(metric, final)
		}
		if e.store != nil {
			if err := e.store.SaveMetric(ctx, &metric); err != nil {
				e.log.Warn().Err(err).Str("metric_id", metric.MetricID).Msg("metric not persisted")
			}
		}
		_ = e.stream.EmitMessage(ctx, metric, final)
	})
}

func (e *Executor) observe(metric models.MessageMetric) {
	if e.collectors == nil {
		return
	}
	connector := string(e.target.ConnectorType)
	status := "failure"
	if metric.Success {
		status = "success"
	}
	e.collectors.MessagesTotal.WithLabelValues(connector, status).Inc()
	if metric.Attempt > 1 {
		e.collectors.RetriesTotal.WithLabelValues(connector).Inc()
	}
	if metric.Success {
		e.collectors.MessageDuration.WithLabelValues(connector).Observe(float64(metric.ResponseTimeMs) / 1000)
		if metric.PromptTokens > 0 {
			e.collectors.TokensTotal.WithLabelValues("prompt").Add(float64(metric.PromptTokens))
		}
		if metric.CompletionTokens > 0 {
			e.collectors.TokensTotal.WithLabelValues("completion").Add(float64(metric.CompletionTokens))
		}
	}
}

// teardown runs disconnect hooks and closes the connection. It gets a
// detached context so cancellation cannot strand a live connection.
func (e *Executor) teardown(ctx context.Context, conn connectors.Connector, pipe *plugins.Pipeline) {
	ctx, cancel := context.WithTimeout(ctx, teardownTimeout)
	defer cancel()
	if err := pipe.OnDisconnect(ctx); err != nil {
		e.log.Warn().Err(err).Msg("disconnect hooks reported errors")
	}
	if err := conn.Disconnect(ctx); err != nil {
		e.log.Warn().Err(err).Msg("connector disconnect failed")
	}
}
