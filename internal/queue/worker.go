package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"botswarm/internal/logging"
)

// ackExtendInterval keeps the ack deadline ahead of AckWait while a
// session outlives it, so JetStream does not redeliver a live job.
const ackExtendInterval = 30 * time.Second

const defaultJobTimeout = 15 * time.Minute

// SessionRunner executes one queued session to a terminal status. It
// returns an error only when execution could not be attempted or
// recorded; a session that ran and failed is a normal outcome.
type SessionRunner interface {
	RunSession(ctx context.Context, sessionID string) error
}

// SummaryRebuilder recomputes a session's stored summary from its
// persisted metric rows.
type SummaryRebuilder interface {
	RebuildSummary(ctx context.Context, sessionID string) error
}

// InterruptedRecoverer fails sessions left RUNNING by a previous process.
type InterruptedRecoverer interface {
	RecoverInterrupted(ctx context.Context) (int, error)
}

// Worker consumes the job subjects and drives sessions through the runner.
type Worker struct {
	queue      *Queue
	runner     SessionRunner
	rebuild    SummaryRebuilder
	recoverer  InterruptedRecoverer
	jobTimeout time.Duration
	log        zerolog.Logger

	mu      sync.Mutex
	subs    []*nats.Subscription
	running bool
}

func NewWorker(q *Queue, runner SessionRunner, rebuild SummaryRebuilder) *Worker {
	return &Worker{
		queue:      q,
		runner:     runner,
		rebuild:    rebuild,
		jobTimeout: defaultJobTimeout,
		log:        logging.Component("worker"),
	}
}

// SetRecoverer installs the startup sweep for sessions a previous process
// left mid-run.
func (w *Worker) SetRecoverer(r InterruptedRecoverer) {
	w.recoverer = r
}

// Start binds the durable consumers. Both subjects share the work-queue
// pattern: every serve instance binds the same consumer names.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}
	if w.queue == nil {
		w.log.Info().Msg("queue disabled, worker idle")
		return nil
	}

	execSub, err := w.queue.SubscribeDurable(SubjectSessionExecute, "session-workers", w.handleExecute)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", SubjectSessionExecute, err)
	}
	w.subs = append(w.subs, execSub)

	aggSub, err := w.queue.SubscribeDurable(SubjectMetricsAggregate, "aggregate-workers", w.handleAggregate)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", SubjectMetricsAggregate, err)
	}
	w.subs = append(w.subs, aggSub)

	w.running = true
	if w.recoverer != nil {
		go w.recoverInterrupted(ctx)
	}
	return nil
}

// Stop drains the subscriptions. In-flight handlers finish their message.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	for _, sub := range w.subs {
		_ = sub.Drain()
	}
	w.subs = nil
	w.running = false
}

func (w *Worker) handleExecute(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), w.jobTimeout)
	defer cancel()

	var job SessionJob
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		w.log.Warn().Err(err).Msg("failed to decode session job")
		_ = msg.Nak()
		return
	}
	if job.SessionID == "" {
		_ = msg.Ack()
		return
	}

	stop := keepAlive(msg)
	defer stop()

	err := w.runner.RunSession(ctx, job.SessionID)
	switch {
	case err == nil:
		_ = msg.Ack()
		if err := w.queue.EnqueueAggregate(ctx, job.SessionID); err != nil {
			w.log.Warn().Err(err).Str("session_id", job.SessionID).Msg("failed to enqueue summary rebuild")
		}
	case errors.Is(err, sql.ErrNoRows):
		w.log.Warn().Str("session_id", job.SessionID).Msg("dropping job for unknown session")
		_ = msg.Ack()
	default:
		w.log.Error().Err(err).Str("session_id", job.SessionID).Msg("session job failed, redelivering")
		_ = msg.Nak()
	}
}

func (w *Worker) handleAggregate(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	var job AggregateJob
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		w.log.Warn().Err(err).Msg("failed to decode aggregate job")
		_ = msg.Nak()
		return
	}
	if job.SessionID == "" || w.rebuild == nil {
		_ = msg.Ack()
		return
	}

	err := w.rebuild.RebuildSummary(ctx, job.SessionID)
	switch {
	case err == nil, errors.Is(err, sql.ErrNoRows):
		_ = msg.Ack()
	default:
		w.log.Error().Err(err).Str("session_id", job.SessionID).Msg("summary rebuild failed, redelivering")
		_ = msg.Nak()
	}
}

func (w *Worker) recoverInterrupted(ctx context.Context) {
	count, err := w.recoverer.RecoverInterrupted(ctx)
	if err != nil {
		w.log.Warn().Err(err).Msg("failed to recover interrupted sessions")
		return
	}
	if count > 0 {
		w.log.Info().Int("sessions", count).Msg("failed sessions left running by a previous process")
	}
}

func keepAlive(msg *nats.Msg) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(ackExtendInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = msg.InProgress()
			}
		}
	}()
	return func() { close(stop) }
}
