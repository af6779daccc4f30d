package repositories

import (
	"context"
	"testing"
	"time"

	"botswarm/internal/session"
	"botswarm/pkg/models"
)

var _ session.Store = (*Store)(nil)

func TestStorePersistsExecutorWrites(t *testing.T) {
	repos := setupRepos(t)
	ctx := context.Background()
	target, scenario := seedTargetAndScenario(t, repos)

	var store session.Store = repos.Store()

	batch := &models.Batch{BatchID: models.NewULID(), ScenarioID: scenario.ID, Mode: models.BatchSequential}
	if err := store.CreateBatch(ctx, batch); err != nil {
		t.Fatalf("Failed to create batch through store: %v", err)
	}

	sess := &models.Session{
		SessionID:  models.NewSessionID(),
		TargetID:   target.ID,
		ScenarioID: &scenario.ID,
		BatchID:    &batch.BatchID,
	}
	if err := store.CreateSession(ctx, sess); err != nil {
		t.Fatalf("Failed to create session through store: %v", err)
	}

	started := time.Now().UTC()
	sess.Status = models.SessionRunning
	sess.StartedAt = &started
	if err := store.UpdateSession(ctx, sess); err != nil {
		t.Fatalf("Failed to update session through store: %v", err)
	}

	metric := &models.MessageMetric{
		MetricID:  models.NewULID(),
		SessionID: sess.SessionID,
		SentAt:    started,
		Success:   true, StatusCode: 200, ResponseTimeMs: 15,
	}
	if err := store.SaveMetric(ctx, metric); err != nil {
		t.Fatalf("Failed to save metric through store: %v", err)
	}

	got, err := repos.Sessions.GetBySessionID(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("Failed to read session back: %v", err)
	}
	if got.Status != models.SessionRunning || got.StartedAt == nil {
		t.Errorf("update did not persist: %+v", got)
	}
	count, err := repos.Metrics.CountBySession(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("Failed to count metrics: %v", err)
	}
	if count != 1 {
		t.Errorf("metric count = %d, want 1", count)
	}
	members, err := repos.Sessions.ListByBatch(ctx, batch.BatchID)
	if err != nil {
		t.Fatalf("Failed to list batch sessions: %v", err)
	}
	if len(members) != 1 {
		t.Errorf("batch membership = %d sessions, want 1", len(members))
	}
}
