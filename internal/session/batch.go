package session

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"botswarm/internal/events"
	"botswarm/internal/logging"
	"botswarm/pkg/models"
)

// BatchRunner executes one scenario against several targets, one session
// per target, all correlated by a shared batch id. Sessions are isolated
// from each other: a failing target never stops its siblings.
type BatchRunner struct {
	store     Store
	publisher events.Publisher
	execOpts  []Option
	log       zerolog.Logger
}

// NewBatchRunner builds a runner. execOpts are forwarded to every
// session executor and may override the runner's store and publisher.
func NewBatchRunner(store Store, publisher events.Publisher, execOpts ...Option) *BatchRunner {
	return &BatchRunner{
		store:     store,
		publisher: publisher,
		execOpts:  execOpts,
		log:       logging.Component("batch"),
	}
}

// BatchResult pairs the batch record with its sessions once every one of
// them reached a terminal status.
type BatchResult struct {
	Batch    *models.Batch
	Status   models.BatchStatus
	Sessions []*models.Session
}

// Run fans the scenario out across the targets and blocks until the
// batch is terminal. In parallel mode all sessions are admitted at once
// through an errgroup; sequential mode runs them in target order and
// marks the ones a cancellation kept from starting as CANCELLED.
func (r *BatchRunner) Run(ctx context.Context, scenario *models.Scenario, targets []*models.Target, mode models.BatchMode, overrides models.ExecutionConfig) (*BatchResult, error) {
	if scenario == nil {
		return nil, fmt.Errorf("batch needs a scenario")
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("batch needs at least one target")
	}
	if mode == "" {
		mode = models.BatchParallel
	}

	batch := &models.Batch{
		BatchID:    models.NewULID(),
		ScenarioID: scenario.ID,
		Mode:       mode,
		CreatedAt:  time.Now().UTC(),
	}
	if r.store != nil {
		if err := r.store.CreateBatch(ctx, batch); err != nil {
			return nil, fmt.Errorf("create batch: %w", err)
		}
	}
	log := r.log.With().Str("batch_id", batch.BatchID).Logger()

	sessions := make([]*models.Session, len(targets))
	executors := make([]*Executor, len(targets))
	for i, target := range targets {
		sess := &models.Session{
			SessionID:  models.NewSessionID(),
			TargetID:   target.ID,
			ScenarioID: &scenario.ID,
			BatchID:    &batch.BatchID,
			Status:     models.SessionPending,
			Config:     overrides,
			CreatedAt:  time.Now().UTC(),
		}
		if r.store != nil {
			if err := r.store.CreateSession(ctx, sess); err != nil {
				return nil, fmt.Errorf("create session for target %s: %w", target.Name, err)
			}
		}
		sessions[i] = sess
		opts := append([]Option{WithScenario(scenario), WithPublisher(r.publisher), WithStore(r.store)}, r.execOpts...)
		executors[i] = NewExecutor(sess, target, opts...)
	}

	stream := events.NewStream(events.Identifiers{BatchID: batch.BatchID}, r.publisher)
	detached := context.WithoutCancel(ctx)
	total := len(targets)
	var done atomic.Int32
	progress := func() {
		_ = stream.EmitBatchStatus(detached, events.BatchStatusData{
			BatchID:   batch.BatchID,
			Status:    models.BatchRunning,
			Completed: int(done.Load()),
			Total:     total,
		})
	}

	log.Info().Str("mode", string(mode)).Int("targets", total).Msg("batch started")
	progress()

	switch mode {
	case models.BatchSequential:
		for i, exec := range executors {
			if ctx.Err() != nil {
				r.skipRemaining(detached, sessions[i:])
				break
			}
			_ = exec.Run(ctx)
			done.Add(1)
			progress()
		}
	default:
		var g errgroup.Group
		for _, exec := range executors {
			g.Go(func() error {
				_ = exec.Run(ctx)
				done.Add(1)
				progress()
				return nil
			})
		}
		_ = g.Wait()
	}

	statuses := make([]models.SessionStatus, len(sessions))
	for i, sess := range sessions {
		statuses[i] = sess.Status
	}
	status := models.DeriveBatchStatus(statuses)
	_ = stream.EmitBatchStatus(detached, events.BatchStatusData{
		BatchID:   batch.BatchID,
		Status:    status,
		Completed: countCompleted(statuses),
		Total:     total,
	})
	log.Info().Str("status", string(status)).Msg("batch finished")

	return &BatchResult{Batch: batch, Status: status, Sessions: sessions}, nil
}

// skipRemaining marks sessions a cancellation kept from starting.
func (r *BatchRunner) skipRemaining(ctx context.Context, sessions []*models.Session) {
	now := time.Now().UTC()
	for _, sess := range sessions {
		if sess.Status != models.SessionPending {
			continue
		}
		sess.Status = models.SessionCancelled
		sess.CompletedAt = &now
		if r.store != nil {
			if err := r.store.UpdateSession(ctx, sess); err != nil {
				r.log.Error().Err(err).Str("session_id", sess.SessionID).Msg("session state not persisted")
			}
		}
	}
}

func countCompleted(statuses []models.SessionStatus) int {
	n := 0
	for _, s := range statuses {
		if s == models.SessionCompleted {
			n++
		}
	}
	return n
}
