// Package services wires repositories, the job queue and the session
// executor into the operations the CLI and workers call.
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"botswarm/internal/db/repositories"
	"botswarm/internal/events"
	"botswarm/internal/logging"
	"botswarm/internal/metrics"
	"botswarm/internal/queue"
	"botswarm/internal/session"
	"botswarm/pkg/models"
)

// SubmitRequest describes a session to run against one target. Targets
// and scenarios resolve by name first, then by id.
type SubmitRequest struct {
	TargetName   string
	TargetID     int64
	ScenarioName string
	ScenarioID   int64
	Messages     []string
	Config       models.ExecutionConfig
}

// SessionService owns the session lifecycle: admission, execution,
// cancellation and the crash-recovery sweeps.
type SessionService struct {
	repos     *repositories.Repositories
	queue     *queue.Queue
	publisher events.Publisher
	registry  *session.CancelRegistry
	execOpts  []session.Option
	log       zerolog.Logger
}

// NewSessionService builds the service. execOpts are forwarded to every
// executor, after the service's own wiring, so callers can override the
// connector factory or add collectors.
func NewSessionService(repos *repositories.Repositories, q *queue.Queue, publisher events.Publisher, execOpts ...session.Option) *SessionService {
	return &SessionService{
		repos:     repos,
		queue:     q,
		publisher: publisher,
		registry:  session.NewCancelRegistry(),
		execOpts:  execOpts,
		log:       logging.Component("sessions"),
	}
}

// Registry exposes the cancel registry shared with the batch service.
func (s *SessionService) Registry() *session.CancelRegistry { return s.registry }

// Start runs one session synchronously and returns the finished record.
// The returned error is the execution error; the record carries the
// terminal status either way.
func (s *SessionService) Start(ctx context.Context, req SubmitRequest) (*models.Session, error) {
	target, scenario, sess, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	exec := s.executor(sess, target, scenario)
	return sess, exec.Run(ctx)
}

// Enqueue admits one session for asynchronous execution by a queue
// worker and returns it in QUEUED state.
func (s *SessionService) Enqueue(ctx context.Context, req SubmitRequest) (*models.Session, error) {
	if s.queue == nil {
		return nil, fmt.Errorf("job queue is not enabled")
	}
	_, _, sess, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	// QUEUED is written before the publish: a worker may pick the job up
	// the instant it lands, and its status updates must not race a later
	// write from this side.
	sess.Status = models.SessionQueued
	if err := s.repos.Sessions.Update(ctx, sess); err != nil {
		return nil, fmt.Errorf("mark session queued: %w", err)
	}
	if err := s.queue.EnqueueSession(ctx, sess.SessionID); err != nil {
		s.failSession(ctx, sess, "could not enqueue: "+err.Error())
		return nil, fmt.Errorf("enqueue session %s: %w", sess.SessionID, err)
	}
	return sess, nil
}

// RunSession loads a queued session and drives it to a terminal status.
// Redelivered jobs for sessions that already ran are skipped. An error is
// returned only when execution could not be attempted; a session that ran
// and failed is a normal outcome.
func (s *SessionService) RunSession(ctx context.Context, sessionID string) error {
	sess, err := s.repos.Sessions.GetBySessionID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if sess.Status.Terminal() || sess.Status == models.SessionRunning {
		s.log.Warn().Str("session_id", sessionID).Str("status", string(sess.Status)).Msg("skipping redelivered session")
		return nil
	}

	target, err := s.repos.Targets.GetByID(ctx, sess.TargetID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.failSession(ctx, sess, fmt.Sprintf("target %d no longer exists", sess.TargetID))
			return nil
		}
		return fmt.Errorf("load target %d: %w", sess.TargetID, err)
	}
	var scenario *models.Scenario
	if sess.ScenarioID != nil {
		scenario, err = s.repos.Scenarios.GetByID(ctx, *sess.ScenarioID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				s.failSession(ctx, sess, fmt.Sprintf("scenario %d no longer exists", *sess.ScenarioID))
				return nil
			}
			return fmt.Errorf("load scenario %d: %w", *sess.ScenarioID, err)
		}
	}

	exec := s.executor(sess, target, scenario)
	// The terminal status and error live on the record.
	_ = exec.Run(ctx)
	return nil
}

// Cancel requests cancellation. A session running in this process is
// cancelled through its context; one still waiting for a worker is
// marked CANCELLED directly so delivery skips it.
func (s *SessionService) Cancel(ctx context.Context, sessionID string) error {
	if s.registry.Cancel(sessionID) {
		return nil
	}
	sess, err := s.repos.Sessions.GetBySessionID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if sess.Status.Terminal() {
		return fmt.Errorf("session %s already finished with status %s", sessionID, sess.Status)
	}
	if sess.Status == models.SessionRunning {
		return fmt.Errorf("session %s is running in another process", sessionID)
	}
	now := time.Now().UTC()
	sess.Status = models.SessionCancelled
	sess.CompletedAt = &now
	return s.repos.Sessions.Update(ctx, sess)
}

// RecoverInterrupted fails sessions a previous process left RUNNING. A
// session's live connection dies with its process, so these cannot
// resume. Sessions registered as active in this process are left alone.
func (s *SessionService) RecoverInterrupted(ctx context.Context) (int, error) {
	stale, err := s.repos.Sessions.ListByStatus(ctx, models.SessionRunning)
	if err != nil {
		return 0, err
	}
	active := make(map[string]bool)
	for _, id := range s.registry.Active() {
		active[id] = true
	}

	count := 0
	now := time.Now().UTC()
	for _, sess := range stale {
		if active[sess.SessionID] {
			continue
		}
		msg := "interrupted by restart"
		sess.Status = models.SessionFailed
		sess.Error = &msg
		sess.CompletedAt = &now
		if err := s.repos.Sessions.Update(ctx, sess); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// RebuildSummary recomputes a finished session's summary from its
// persisted metric rows. A crash between the last metric write and
// finalization can leave a summary that undercounts; the stored rows are
// the source of truth.
func (s *SessionService) RebuildSummary(ctx context.Context, sessionID string) error {
	sess, err := s.repos.Sessions.GetBySessionID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session %s: %w", sessionID, err)
	}
	rows, err := s.repos.Metrics.ListBySession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load metrics for %s: %w", sessionID, err)
	}

	finalAttempt := make(map[int]int)
	for _, m := range rows {
		if m.Attempt > finalAttempt[m.MessageIndex] {
			finalAttempt[m.MessageIndex] = m.Attempt
		}
	}
	builder := metrics.NewSummaryBuilder()
	for _, m := range rows {
		builder.Record(m, m.Attempt == finalAttempt[m.MessageIndex])
	}
	summary := builder.Finalize()
	if sess.StartedAt != nil && sess.CompletedAt != nil {
		summary.DurationMs = sess.CompletedAt.Sub(*sess.StartedAt).Milliseconds()
	}
	sess.Summary = summary
	return s.repos.Sessions.Update(ctx, sess)
}

// prepare resolves the target and scenario and creates the PENDING
// session record.
func (s *SessionService) prepare(ctx context.Context, req SubmitRequest) (*models.Target, *models.Scenario, *models.Session, error) {
	target, err := s.resolveTarget(ctx, req)
	if err != nil {
		return nil, nil, nil, err
	}
	scenario, err := s.resolveScenario(ctx, req)
	if err != nil {
		return nil, nil, nil, err
	}
	if scenario == nil && len(req.Messages) == 0 {
		return nil, nil, nil, fmt.Errorf("a session needs a scenario or messages")
	}

	sess := &models.Session{
		SessionID:      models.NewSessionID(),
		TargetID:       target.ID,
		Status:         models.SessionPending,
		Config:         req.Config,
		CustomMessages: req.Messages,
		CreatedAt:      time.Now().UTC(),
	}
	if scenario != nil {
		sess.ScenarioID = &scenario.ID
	}
	if err := s.repos.Sessions.Create(ctx, sess); err != nil {
		return nil, nil, nil, fmt.Errorf("create session: %w", err)
	}
	return target, scenario, sess, nil
}

func (s *SessionService) executor(sess *models.Session, target *models.Target, scenario *models.Scenario) *session.Executor {
	opts := []session.Option{
		session.WithPublisher(s.publisher),
		session.WithStore(s.repos.Store()),
		session.WithCancelRegistry(s.registry),
	}
	if scenario != nil {
		opts = append(opts, session.WithScenario(scenario))
	}
	opts = append(opts, s.execOpts...)
	return session.NewExecutor(sess, target, opts...)
}

func (s *SessionService) resolveTarget(ctx context.Context, req SubmitRequest) (*models.Target, error) {
	switch {
	case req.TargetName != "":
		target, err := s.repos.Targets.GetByName(ctx, req.TargetName)
		if err != nil {
			return nil, fmt.Errorf("target %q: %w", req.TargetName, err)
		}
		return target, nil
	case req.TargetID != 0:
		target, err := s.repos.Targets.GetByID(ctx, req.TargetID)
		if err != nil {
			return nil, fmt.Errorf("target %d: %w", req.TargetID, err)
		}
		return target, nil
	default:
		return nil, fmt.Errorf("a session needs a target")
	}
}

func (s *SessionService) resolveScenario(ctx context.Context, req SubmitRequest) (*models.Scenario, error) {
	switch {
	case req.ScenarioName != "":
		scenario, err := s.repos.Scenarios.GetByName(ctx, req.ScenarioName)
		if err != nil {
			return nil, fmt.Errorf("scenario %q: %w", req.ScenarioName, err)
		}
		return scenario, nil
	case req.ScenarioID != 0:
		scenario, err := s.repos.Scenarios.GetByID(ctx, req.ScenarioID)
		if err != nil {
			return nil, fmt.Errorf("scenario %d: %w", req.ScenarioID, err)
		}
		return scenario, nil
	default:
		return nil, nil
	}
}

func (s *SessionService) failSession(ctx context.Context, sess *models.Session, reason string) {
	now := time.Now().UTC()
	sess.Status = models.SessionFailed
	sess.Error = &reason
	sess.CompletedAt = &now
	if err := s.repos.Sessions.Update(ctx, sess); err != nil {
		s.log.Error().Err(err).Str("session_id", sess.SessionID).Msg("session state not persisted")
	}
	s.log.Warn().Str("session_id", sess.SessionID).Str("reason", reason).Msg("session failed before start")
}
