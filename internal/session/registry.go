package session

import (
	"context"
	"sort"
	"sync"
)

// CancelRegistry tracks the cancel functions of running sessions so API
// and CLI callers can stop a session by id. Cancellation is cooperative:
// in-flight messages finish, nothing new starts.
type CancelRegistry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{cancels: make(map[string]context.CancelFunc)}
}

func (r *CancelRegistry) Register(sessionID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels[sessionID] = cancel
}

func (r *CancelRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, sessionID)
}

// Cancel requests cancellation of a running session and reports whether
// the session was registered. The session reaches CANCELLED
// asynchronously.
func (r *CancelRegistry) Cancel(sessionID string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[sessionID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Active lists the registered session ids in sorted order.
func (r *CancelRegistry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.cancels))
	for id := range r.cancels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
