// Package scheduler fires stored cron schedules, launching one batch per
// due schedule.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"botswarm/internal/db/repositories"
	"botswarm/internal/logging"
	"botswarm/internal/services"
	"botswarm/internal/session"
	"botswarm/pkg/models"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NextRun computes the next fire time for a cron expression in the
// schedule's timezone, returned in UTC.
func NextRun(cronExpr, timezone string, from time.Time) (time.Time, error) {
	loc := time.UTC
	if timezone != "" && timezone != "UTC" {
		var err error
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timezone %q: %w", timezone, err)
		}
	}
	schedule, err := parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from.In(loc)).UTC(), nil
}

// BatchTrigger launches one scheduled batch run.
type BatchTrigger interface {
	Run(ctx context.Context, req services.BatchRequest) (*session.BatchResult, error)
}

// Scheduler polls due schedules once a minute and triggers their batches.
type Scheduler struct {
	repos   *repositories.Repositories
	batches BatchTrigger
	ticker  *time.Ticker
	stopCh  chan struct{}
	log     zerolog.Logger

	mu      sync.Mutex
	running bool
}

func New(repos *repositories.Repositories, batches BatchTrigger) *Scheduler {
	return &Scheduler{
		repos:   repos,
		batches: batches,
		stopCh:  make(chan struct{}),
		log:     logging.Component("scheduler"),
	}
}

// Start launches the polling loop. The first check runs immediately so
// overdue schedules do not wait out a full tick after a restart.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.ticker = time.NewTicker(time.Minute)
	s.mu.Unlock()

	s.log.Info().Msg("scheduler started")

	go func() {
		s.checkAndTrigger(ctx)
		for {
			select {
			case <-s.ticker.C:
				s.checkAndTrigger(ctx)
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false
	if s.ticker != nil {
		s.ticker.Stop()
	}
	close(s.stopCh)
	s.log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) checkAndTrigger(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.repos.Schedules.ListDue(ctx, now)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list due schedules")
		return
	}
	for _, sched := range due {
		s.trigger(ctx, sched, now)
	}
}

func (s *Scheduler) trigger(ctx context.Context, sched *models.Schedule, now time.Time) {
	log := s.log.With().Str("schedule", sched.Name).Logger()

	next, err := NextRun(sched.CronExpression, sched.Timezone, now)
	if err != nil {
		// A due schedule that cannot compute its next slot would fire on
		// every tick. Disable it instead.
		log.Error().Err(err).Msg("schedule disabled: cron expression does not parse")
		sched.Enabled = false
		if uerr := s.repos.Schedules.Update(ctx, sched); uerr != nil {
			log.Error().Err(uerr).Msg("schedule state not persisted")
		}
		return
	}

	// Claim the slot before launching so the next tick cannot double-fire
	// a batch that is still running.
	if err := s.repos.Schedules.MarkRun(ctx, sched.ID, now, &next); err != nil {
		log.Error().Err(err).Msg("failed to mark schedule run")
		return
	}

	log.Info().Time("next_run", next).Msg("schedule triggered")
	go func() {
		result, err := s.batches.Run(ctx, services.BatchRequest{
			ScenarioID: sched.ScenarioID,
			TargetIDs:  sched.TargetIDs,
			Mode:       sched.Mode,
		})
		if err != nil {
			log.Error().Err(err).Msg("scheduled batch failed to start")
			return
		}
		log.Info().
			Str("batch_id", result.Batch.BatchID).
			Str("status", string(result.Status)).
			Msg("scheduled batch finished")
	}()
}
