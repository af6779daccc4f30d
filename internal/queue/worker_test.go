package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRunner struct {
	mu   sync.Mutex
	runs []string
	errs []error // consumed one per call, nil after exhaustion
}

func (s *stubRunner) RunSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, sessionID)
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func (s *stubRunner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

type stubRebuilder struct {
	mu      sync.Mutex
	rebuilt []string
}

func (s *stubRebuilder) RebuildSummary(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rebuilt = append(s.rebuilt, sessionID)
	return nil
}

func (s *stubRebuilder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rebuilt)
}

type stubRecoverer struct {
	mu     sync.Mutex
	called bool
}

func (s *stubRecoverer) RecoverInterrupted(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.called = true
	return 2, nil
}

func (s *stubRecoverer) wasCalled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.called
}

func startTestWorker(t *testing.T, q *Queue, runner SessionRunner, rebuild SummaryRebuilder) *Worker {
	t.Helper()
	w := NewWorker(q, runner, rebuild)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)
	return w
}

func TestWorkerRunsQueuedSession(t *testing.T) {
	q := newTestQueue(t)
	runner := &stubRunner{}
	rebuild := &stubRebuilder{}
	startTestWorker(t, q, runner, rebuild)

	require.NoError(t, q.EnqueueSession(context.Background(), "sess-1"))

	require.Eventually(t, func() bool {
		return runner.count() == 1
	}, 10*time.Second, 20*time.Millisecond)
	runner.mu.Lock()
	assert.Equal(t, []string{"sess-1"}, runner.runs)
	runner.mu.Unlock()

	// A successful run chains a summary rebuild job.
	require.Eventually(t, func() bool {
		return rebuild.count() == 1
	}, 10*time.Second, 20*time.Millisecond)
}

func TestWorkerDropsUnknownSession(t *testing.T) {
	q := newTestQueue(t)
	runner := &stubRunner{errs: []error{
		fmt.Errorf("load session: %w", sql.ErrNoRows),
		fmt.Errorf("load session: %w", sql.ErrNoRows),
		fmt.Errorf("load session: %w", sql.ErrNoRows),
	}}
	rebuild := &stubRebuilder{}
	startTestWorker(t, q, runner, rebuild)

	require.NoError(t, q.EnqueueSession(context.Background(), "sess-gone"))

	require.Eventually(t, func() bool {
		return runner.count() == 1
	}, 10*time.Second, 20*time.Millisecond)

	// The job is acked, not redelivered, and no rebuild is chained.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, runner.count())
	assert.Zero(t, rebuild.count())
}

func TestWorkerRedeliversOnFailure(t *testing.T) {
	q := newTestQueue(t)
	runner := &stubRunner{errs: []error{errors.New("database is locked")}}
	rebuild := &stubRebuilder{}
	startTestWorker(t, q, runner, rebuild)

	require.NoError(t, q.EnqueueSession(context.Background(), "sess-flaky"))

	// First delivery naks, the redelivery succeeds.
	require.Eventually(t, func() bool {
		return runner.count() == 2
	}, 10*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		return rebuild.count() == 1
	}, 10*time.Second, 20*time.Millisecond)
}

func TestWorkerWithoutQueueIsIdle(t *testing.T) {
	w := NewWorker(nil, &stubRunner{}, nil)
	require.NoError(t, w.Start(context.Background()))
	w.Stop()
}

func TestWorkerRecoversInterruptedSessions(t *testing.T) {
	q := newTestQueue(t)
	rec := &stubRecoverer{}
	w := NewWorker(q, &stubRunner{}, nil)
	w.SetRecoverer(rec)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)

	require.Eventually(t, rec.wasCalled, 5*time.Second, 20*time.Millisecond)
}
