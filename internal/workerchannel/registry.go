package workerchannel

import (
	"sort"
	"sync"
)

// handle is the channel-side record of one worker process
type handle struct {
	id      string
	handler Handler
	pid     int
	// sent is set once the create record was handed to a worker. Unsent
	// handles are still waiting in the pre-ready queue.
	sent bool
	// exited is set once an exit or spawn failure was delivered
	exited bool
}

// Registry maps process ids to worker handles. Callers outside this package
// can only observe it; all mutation happens through Channel.
type Registry struct {
	handles map[string]*handle
	mu      sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		handles: make(map[string]*handle),
	}
}

// Exists reports whether id has a live handle
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	return ok && !h.exited
}

// GetPID returns the OS pid observed for id. ok is false until the worker
// acknowledged creation.
func (r *Registry) GetPID(id string) (pid int, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, exists := r.handles[id]
	if !exists || h.exited || h.pid == 0 {
		return 0, false
	}
	return h.pid, true
}

// ActiveIDs returns the ids of all live handles, sorted
func (r *Registry) ActiveIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.handles))
	for id, h := range r.handles {
		if !h.exited {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// ActiveCount returns the number of live handles
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, h := range r.handles {
		if !h.exited {
			count++
		}
	}
	return count
}

func (r *Registry) add(h *handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handles[h.id]; exists {
		return false
	}
	r.handles[h.id] = h
	return true
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, id)
}

func (r *Registry) markSent(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[id]; ok {
		h.sent = true
	}
}

func (r *Registry) setPID(id string, pid int) Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	if !ok || h.exited {
		return nil
	}
	h.pid = pid
	return h.handler
}

// live returns the handler for a live handle
func (r *Registry) live(id string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	if !ok || h.exited {
		return nil
	}
	return h.handler
}

// markExited flags id as finished and returns its handler if this was the
// first exit observed. pendingOnly restricts the match to handles the worker
// has not yet acknowledged with a pid.
func (r *Registry) markExited(id string, pendingOnly bool) Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	if !ok || h.exited || !h.sent {
		return nil
	}
	if pendingOnly && h.pid != 0 {
		return nil
	}
	h.exited = true
	return h.handler
}

// drainSent removes every handle whose create reached a worker and returns
// those that had not exited yet. Handles still queued for the next worker
// are kept.
func (r *Registry) drainSent() []*handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	var live []*handle
	for id, h := range r.handles {
		if !h.sent {
			continue
		}
		delete(r.handles, id)
		if !h.exited {
			h.exited = true
			live = append(live, h)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].id < live[j].id })
	return live
}
