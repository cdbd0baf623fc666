package schedule

import (
	"context"
	"sort"
	"sync"
	"time"
)

// handle is the cancellation token of one armed item. timer is guarded by
// the registry mutex.
type handle struct {
	item  Item
	timer *time.Timer
}

type entryState uint8

const (
	statePending entryState = iota
	stateDelivering
)

type entry struct {
	h     *handle
	state entryState
}

// registry maps item ids to their handles. Claim is the single point where
// a pending item becomes committed to delivery; after it, cancel is a no-op.
type registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
	// inflight counts claimed items; Add only happens under mu while open.
	inflight sync.WaitGroup
}

func newRegistry() *registry {
	return &registry{entries: map[string]*entry{}, closed: true}
}

func (r *registry) open() {
	r.mu.Lock()
	r.closed = false
	r.mu.Unlock()
}

func (r *registry) register(id string, h *handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrNotRunning
	}
	if _, ok := r.entries[id]; ok {
		return ErrDuplicateID
	}
	r.entries[id] = &entry{h: h, state: statePending}
	return nil
}

// start arms h's timer if h is still the registered pending handle for its id.
func (r *registry) start(h *handle, delay time.Duration, fire func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[h.item.ID]
	if !ok || e.h != h || e.state != statePending {
		return false
	}
	h.timer = time.AfterFunc(delay, fire)
	return true
}

// cancel stops a pending item and forgets it. Delivering or unknown ids
// return false and change nothing.
func (r *registry) cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.state != statePending {
		return false
	}
	if e.h.timer != nil {
		e.h.timer.Stop()
	}
	delete(r.entries, id)
	return true
}

// claim moves a pending item to delivering. It fails for stale handles and
// for items that were cancelled or already claimed.
func (r *registry) claim(id string, h *handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	e, ok := r.entries[id]
	if !ok || e.h != h || e.state != statePending {
		return false
	}
	e.state = stateDelivering
	r.inflight.Add(1)
	return true
}

// release unregisters a claimed item once its delivery finished.
func (r *registry) release(id string) {
	r.mu.Lock()
	if e, ok := r.entries[id]; ok && e.state == stateDelivering {
		delete(r.entries, id)
		r.inflight.Done()
	}
	r.mu.Unlock()
}

func (r *registry) unregister(id string) {
	r.mu.Lock()
	if e, ok := r.entries[id]; ok && e.state == statePending {
		delete(r.entries, id)
	}
	r.mu.Unlock()
}

func (r *registry) delivering(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return ok && e.state == stateDelivering
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *registry) ids() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}

// close stops every pending timer and refuses new registrations and claims.
// It returns how many pending items were disarmed.
func (r *registry) close() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	n := 0
	for id, e := range r.entries {
		if e.state != statePending {
			continue
		}
		if e.h.timer != nil {
			e.h.timer.Stop()
		}
		delete(r.entries, id)
		n++
	}
	return n
}

// wait blocks until every claimed delivery released or ctx is done.
func (r *registry) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
