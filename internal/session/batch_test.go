package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botswarm/internal/connectors"
	"botswarm/internal/events"
	"botswarm/internal/flow"
	"botswarm/pkg/models"
)

func batchTargets(ids ...int64) []*models.Target {
	targets := make([]*models.Target, len(ids))
	for i, id := range ids {
		targets[i] = &models.Target{ID: id, Name: "t", ConnectorType: models.ConnectorHTTPRest, Endpoint: "http://127.0.0.1:9"}
	}
	return targets
}

func TestBatchParallelCompletes(t *testing.T) {
	stub := &stubConnector{}
	store := &memStore{}
	pub := events.NewChannelPublisher(128)
	runner := NewBatchRunner(store, pub, WithConnectorFactory(factoryFor(stub)))

	res, err := runner.Run(context.Background(), messageScenario(t, "ping"), batchTargets(1, 2, 3), models.BatchParallel, models.ExecutionConfig{})
	require.NoError(t, err)

	assert.Equal(t, models.BatchCompleted, res.Status)
	require.Len(t, res.Sessions, 3)
	seen := map[string]bool{}
	for _, sess := range res.Sessions {
		assert.Equal(t, models.SessionCompleted, sess.Status)
		require.NotNil(t, sess.BatchID)
		assert.Equal(t, res.Batch.BatchID, *sess.BatchID)
		assert.False(t, seen[sess.SessionID], "session ids must be unique")
		seen[sess.SessionID] = true
	}
	assert.Equal(t, 3, stub.sentCount())
	assert.Equal(t, 1, store.batchCount())
	assert.Equal(t, 3, store.sessionCount())

	var last events.BatchStatusData
	found := false
	for _, evt := range drainEvents(pub) {
		if evt.Type == events.EventBatchStatus {
			last = evt.Data.(events.BatchStatusData)
			found = true
		}
	}
	require.True(t, found)
	assert.Equal(t, models.BatchCompleted, last.Status)
	assert.Equal(t, 3, last.Completed)
	assert.Equal(t, 3, last.Total)
}

func TestBatchPartialWhenTargetFails(t *testing.T) {
	okStub := &stubConnector{}
	badStub := &stubConnector{queue: []*connectors.MessageResult{
		{Success: false, StatusCode: 500, ErrorMessage: "HTTP 500"},
	}}
	factory := func(target *models.Target) (connectors.Connector, error) {
		if target.ID == 2 {
			return badStub, nil
		}
		return okStub, nil
	}
	runner := NewBatchRunner(nil, nil, WithConnectorFactory(factory))

	res, err := runner.Run(context.Background(), messageScenario(t, "ping"), batchTargets(1, 2), models.BatchParallel, models.ExecutionConfig{})
	require.NoError(t, err)

	assert.Equal(t, models.BatchPartial, res.Status)
	statuses := []models.SessionStatus{res.Sessions[0].Status, res.Sessions[1].Status}
	assert.ElementsMatch(t, []models.SessionStatus{models.SessionCompleted, models.SessionFailed}, statuses)
}

func TestBatchSequentialRunsInOrder(t *testing.T) {
	var mu sync.Mutex
	var order []int64
	factory := func(target *models.Target) (connectors.Connector, error) {
		mu.Lock()
		order = append(order, target.ID)
		mu.Unlock()
		return &stubConnector{}, nil
	}
	runner := NewBatchRunner(nil, nil, WithConnectorFactory(factory))

	res, err := runner.Run(context.Background(), messageScenario(t, "ping"), batchTargets(5, 9), models.BatchSequential, models.ExecutionConfig{})
	require.NoError(t, err)

	assert.Equal(t, models.BatchCompleted, res.Status)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{5, 9}, order)
}

func TestBatchSequentialCancelSkipsRest(t *testing.T) {
	def := flow.Definition{Steps: []flow.Step{{Type: flow.StepDelay, DelayMs: 5000}}}
	raw, err := json.Marshal(def)
	require.NoError(t, err)
	scenario := &models.Scenario{ID: 6, Name: "slow", Flow: raw}

	stub := &stubConnector{}
	runner := NewBatchRunner(nil, nil, WithConnectorFactory(factoryFor(stub)))

	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(50*time.Millisecond, cancel)
	defer timer.Stop()

	res, err := runner.Run(ctx, scenario, batchTargets(1, 2), models.BatchSequential, models.ExecutionConfig{})
	require.NoError(t, err)

	assert.Equal(t, models.BatchCancelled, res.Status)
	assert.Equal(t, models.SessionCancelled, res.Sessions[0].Status)
	assert.Equal(t, models.SessionCancelled, res.Sessions[1].Status)
	require.NotNil(t, res.Sessions[0].StartedAt)
	assert.Nil(t, res.Sessions[1].StartedAt, "second session must never start")
	require.NotNil(t, res.Sessions[1].CompletedAt)
}

func TestBatchValidatesInput(t *testing.T) {
	runner := NewBatchRunner(nil, nil)

	_, err := runner.Run(context.Background(), nil, batchTargets(1), models.BatchParallel, models.ExecutionConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scenario")

	_, err = runner.Run(context.Background(), messageScenario(t, "ping"), nil, models.BatchParallel, models.ExecutionConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one target")
}
