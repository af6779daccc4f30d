package services

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"botswarm/internal/db/repositories"
	"botswarm/internal/logging"
	"botswarm/internal/session"
	"botswarm/pkg/models"
)

// BatchRequest describes a scenario run across a set of targets.
type BatchRequest struct {
	ScenarioName string
	ScenarioID   int64
	TargetNames  []string
	TargetIDs    []int64
	Mode         models.BatchMode
	Config       models.ExecutionConfig
}

// BatchService resolves batch requests against the database and fans
// them out through the batch runner.
type BatchService struct {
	repos    *repositories.Repositories
	sessions *SessionService
	runner   *session.BatchRunner
	log      zerolog.Logger
}

// NewBatchService builds the service. Batch sessions share the session
// service's cancel registry so Cancel reaches them too.
func NewBatchService(repos *repositories.Repositories, sessions *SessionService) *BatchService {
	opts := append([]session.Option{session.WithCancelRegistry(sessions.registry)}, sessions.execOpts...)
	return &BatchService{
		repos:    repos,
		sessions: sessions,
		runner:   session.NewBatchRunner(repos.Store(), sessions.publisher, opts...),
		log:      logging.Component("batches"),
	}
}

// Run resolves the scenario and targets and executes the batch, blocking
// until every session reached a terminal status.
func (s *BatchService) Run(ctx context.Context, req BatchRequest) (*session.BatchResult, error) {
	scenario, err := s.resolveScenario(ctx, req)
	if err != nil {
		return nil, err
	}
	targets, err := s.resolveTargets(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.runner.Run(ctx, scenario, targets, req.Mode, req.Config)
}

// Cancel cancels every non-terminal session in a batch and returns how
// many were cancelled.
func (s *BatchService) Cancel(ctx context.Context, batchID string) (int, error) {
	members, err := s.repos.Sessions.ListByBatch(ctx, batchID)
	if err != nil {
		return 0, fmt.Errorf("load batch %s: %w", batchID, err)
	}
	if len(members) == 0 {
		return 0, fmt.Errorf("batch %s has no sessions", batchID)
	}

	count := 0
	for _, sess := range members {
		if sess.Status.Terminal() {
			continue
		}
		if err := s.sessions.Cancel(ctx, sess.SessionID); err != nil {
			s.log.Warn().Err(err).Str("session_id", sess.SessionID).Msg("batch member not cancelled")
			continue
		}
		count++
	}
	return count, nil
}

func (s *BatchService) resolveScenario(ctx context.Context, req BatchRequest) (*models.Scenario, error) {
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
		return nil, fmt.Errorf("a batch needs a scenario")
	}
}

// resolveTargets keeps the request order; sequential batches run their
// sessions in it.
func (s *BatchService) resolveTargets(ctx context.Context, req BatchRequest) ([]*models.Target, error) {
	if len(req.TargetNames) == 0 && len(req.TargetIDs) == 0 {
		return nil, fmt.Errorf("a batch needs at least one target")
	}

	targets := make([]*models.Target, 0, len(req.TargetNames)+len(req.TargetIDs))
	for _, name := range req.TargetNames {
		target, err := s.repos.Targets.GetByName(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("target %q: %w", name, err)
		}
		targets = append(targets, target)
	}
	for _, id := range req.TargetIDs {
		target, err := s.repos.Targets.GetByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("target %d: %w", id, err)
		}
		targets = append(targets, target)
	}
	return targets, nil
}
