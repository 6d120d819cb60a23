package localtimer

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	stateArmed int32 = iota
	stateFiring
	stateCancelled
)

// entry is one armed timer plus its cancellation token.
type entry struct {
	campaignID string
	fireAt     time.Time
	timer      *time.Timer
	state      atomic.Int32
}

// cancel stops the timer. It reports false if the fire already started.
func (e *entry) cancel() bool {
	if !e.state.CompareAndSwap(stateArmed, stateCancelled) {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	return true
}

// begin claims the entry for firing. It fails if the entry was cancelled.
func (e *entry) begin() bool {
	return e.state.CompareAndSwap(stateArmed, stateFiring)
}

// Registry maps dedup keys to armed timers. It lives for the lifetime of the
// process and is never persisted.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// swap stores e under key and returns whatever was there before.
func (r *Registry) swap(key string, e *entry) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.entries[key]
	r.entries[key] = e
	return prev
}

// removeIf deletes key only while it still maps to e, so a fire that
// completes after a supersede does not evict the newer timer.
func (r *Registry) removeIf(key string, e *entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[key] != e {
		return false
	}
	delete(r.entries, key)
	return true
}

func (r *Registry) remove(key string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[key]
	delete(r.entries, key)
	return e
}

func (r *Registry) drain() []*entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*entry, 0, len(r.entries))
	for k, e := range r.entries {
		out = append(out, e)
		delete(r.entries, k)
	}
	return out
}

// Has reports whether a timer is armed under key.
func (r *Registry) Has(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[key]
	return ok
}

// Len returns the number of armed timers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Armed lists the armed dedup keys with their fire times.
func (r *Registry) Armed() map[string]time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]time.Time, len(r.entries))
	for k, e := range r.entries {
		out[k] = e.fireAt
	}
	return out
}
