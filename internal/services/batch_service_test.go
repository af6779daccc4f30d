package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botswarm/pkg/models"
)

func TestBatchRunAcrossTargets(t *testing.T) {
	stub := &stubConnector{}
	sessions, repos := newTestSessions(t, stub)
	svc := NewBatchService(repos, sessions)
	seedTarget(t, repos, "alpha")
	seedTarget(t, repos, "beta")
	seedScenario(t, repos, "greeting")

	result, err := svc.Run(context.Background(), BatchRequest{
		ScenarioName: "greeting",
		TargetNames:  []string{"alpha", "beta"},
		Mode:         models.BatchParallel,
	})
	require.NoError(t, err)
	assert.Equal(t, models.BatchCompleted, result.Status)
	require.Len(t, result.Sessions, 2)

	stored, err := repos.Sessions.ListByBatch(context.Background(), result.Batch.BatchID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	for _, sess := range stored {
		assert.Equal(t, models.SessionCompleted, sess.Status)
	}

	batch, err := repos.Batches.GetByBatchID(context.Background(), result.Batch.BatchID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchParallel, batch.Mode)
}

func TestBatchRunResolvesTargetsByID(t *testing.T) {
	stub := &stubConnector{}
	sessions, repos := newTestSessions(t, stub)
	svc := NewBatchService(repos, sessions)
	alpha := seedTarget(t, repos, "alpha")
	seedScenario(t, repos, "greeting")

	result, err := svc.Run(context.Background(), BatchRequest{
		ScenarioName: "greeting",
		TargetIDs:    []int64{alpha.ID},
		Mode:         models.BatchSequential,
	})
	require.NoError(t, err)
	assert.Equal(t, models.BatchCompleted, result.Status)
	require.Len(t, result.Sessions, 1)
	assert.Equal(t, alpha.ID, result.Sessions[0].TargetID)
}

func TestBatchRunRejectsUnknownInput(t *testing.T) {
	sessions, repos := newTestSessions(t, &stubConnector{})
	svc := NewBatchService(repos, sessions)
	seedScenario(t, repos, "greeting")

	_, err := svc.Run(context.Background(), BatchRequest{ScenarioName: "greeting"})
	require.ErrorContains(t, err, "at least one target")

	_, err = svc.Run(context.Background(), BatchRequest{ScenarioName: "ghost", TargetNames: []string{"alpha"}})
	require.ErrorContains(t, err, `scenario "ghost"`)

	_, err = svc.Run(context.Background(), BatchRequest{TargetNames: []string{"alpha"}})
	require.ErrorContains(t, err, "needs a scenario")
}

func TestBatchCancelMarksWaitingSessions(t *testing.T) {
	sessions, repos := newTestSessions(t, &stubConnector{})
	svc := NewBatchService(repos, sessions)
	target := seedTarget(t, repos, "alpha")
	scenario := seedScenario(t, repos, "greeting")

	batch := &models.Batch{BatchID: models.NewULID(), ScenarioID: scenario.ID, Mode: models.BatchParallel}
	require.NoError(t, repos.Batches.Create(context.Background(), batch))
	var members []*models.Session
	for i := 0; i < 2; i++ {
		sess := &models.Session{
			SessionID:  models.NewSessionID(),
			TargetID:   target.ID,
			ScenarioID: &scenario.ID,
			BatchID:    &batch.BatchID,
		}
		require.NoError(t, repos.Sessions.Create(context.Background(), sess))
		sess.Status = models.SessionQueued
		require.NoError(t, repos.Sessions.Update(context.Background(), sess))
		members = append(members, sess)
	}

	count, err := svc.Cancel(context.Background(), batch.BatchID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	for _, member := range members {
		stored, err := repos.Sessions.GetBySessionID(context.Background(), member.SessionID)
		require.NoError(t, err)
		assert.Equal(t, models.SessionCancelled, stored.Status)
	}

	_, err = svc.Cancel(context.Background(), "01JUNKBATCHID")
	require.ErrorContains(t, err, "has no sessions")
}
