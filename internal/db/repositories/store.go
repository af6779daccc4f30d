package repositories

import (
	"context"

	"botswarm/pkg/models"
)

// Store adapts the repositories to the session executor's persistence
// interface (session.Store).
type Store struct {
	repos *Repositories
}

func (r *Repositories) Store() *Store {
	return &Store{repos: r}
}

func (s *Store) CreateBatch(ctx context.Context, batch *models.Batch) error {
	return s.repos.Batches.Create(ctx, batch)
}

func (s *Store) CreateSession(ctx context.Context, sess *models.Session) error {
	return s.repos.Sessions.Create(ctx, sess)
}

func (s *Store) UpdateSession(ctx context.Context, sess *models.Session) error {
	return s.repos.Sessions.Update(ctx, sess)
}

func (s *Store) SaveMetric(ctx context.Context, metric *models.MessageMetric) error {
	return s.repos.Metrics.Insert(ctx, metric)
}
