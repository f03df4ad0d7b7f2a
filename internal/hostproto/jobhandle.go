package hostproto

import (
	"fmt"
	"sync"
)

// JobHandle owns the multi-producer receive channel bound to one job id
// (spec §4.4: "callers obtain a JobHandle ... the handle owns a
// multi-producer receive channel bound to the job id; replies with a
// matching id are routed to it").
type JobHandle struct {
	ID string
	ch chan Message
}

// Recv returns the handle's receive channel. Closed when the job
// terminates or its owning connection is torn down.
func (h *JobHandle) Recv() <-chan Message { return h.ch }

// JobTable tracks in-flight job handles for one host connection, grounded
// on internal/cluster/server/server.go's pending-map register/await/
// deliver/cancel discipline, generalized from a single-outstanding-request
// slot to one handle per concurrently running job id.
type JobTable struct {
	mu      sync.Mutex
	handles map[string]*JobHandle
	killed  map[string]bool // ids the server already sent Kill for (spec §4.4 dedup)
}

// NewJobTable constructs an empty table.
func NewJobTable() *JobTable {
	return &JobTable{
		handles: make(map[string]*JobHandle),
		killed:  make(map[string]bool),
	}
}

// Register creates and returns a new handle for id. Must be called before
// the start message is sent, so an immediate reply can't race registration.
func (t *JobTable) Register(id string) (*JobHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.handles[id]; exists {
		return nil, fmt.Errorf("hostproto: job %s already registered", id)
	}
	h := &JobHandle{ID: id, ch: make(chan Message, 8)}
	t.handles[id] = h
	return h, nil
}

// Deliver routes an inbound reply to its job handle. Returns false if no
// handle is registered for the message's id (caller should respond with
// an automatic Kill per spec §4.4's crash-resilience rule).
func (t *JobTable) Deliver(m Message) bool {
	t.mu.Lock()
	h, ok := t.handles[m.ID]
	t.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case h.ch <- m:
	default:
		// Handle isn't draining fast enough; drop rather than block the
		// connection's single receive loop.
	}
	return true
}

// Close removes and closes a handle, e.g. on Success/Failure or when the
// caller drops it without a terminal reply (spec §4.4: "dropping the
// handle without success sends Kill{id}").
func (t *JobTable) Close(id string) {
	t.mu.Lock()
	h, ok := t.handles[id]
	if ok {
		delete(t.handles, id)
	}
	delete(t.killed, id)
	t.mu.Unlock()
	if ok {
		close(h.ch)
	}
}

// CloseAll closes every outstanding handle, used when the connection
// itself is torn down.
func (t *JobTable) CloseAll() {
	t.mu.Lock()
	handles := t.handles
	t.handles = make(map[string]*JobHandle)
	t.killed = make(map[string]bool)
	t.mu.Unlock()
	for _, h := range handles {
		close(h.ch)
	}
}

// MarkKilled records that a Kill was already sent for id, so a duplicate
// unknown-id reply doesn't trigger a second one (spec §4.4 "killed-jobs
// set is consulted so that duplicate kill messages are suppressed").
func (t *JobTable) MarkKilled(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.killed[id] {
		return false
	}
	t.killed[id] = true
	return true
}
