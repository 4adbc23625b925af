// Package cancel coordinates out-of-band stop requests with in-flight
// generation loops. The registry is the only mutable state shared
// between requests: the stop endpoint sets a per-conversation flag and
// the session loop polls it every iteration.
package cancel

import (
	"sync"
	"sync/atomic"
)

type entry struct {
	cancelled atomic.Bool
	// generating is true while a session loop owns this
	// conversation, so the stop endpoint can report whether there
	// was anything to stop.
	generating atomic.Bool
}

// Registry maps conversation ids to cancellation flags. Injected into
// the orchestrator and the HTTP layer rather than held as package
// state, so a multi-process deployment can swap in a shared store
// without touching either side.
type Registry struct {
	entries sync.Map // conversation id -> *entry
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) get(convID string) *entry {
	if e, ok := r.entries.Load(convID); ok {
		return e.(*entry)
	}
	e, _ := r.entries.LoadOrStore(convID, &entry{})
	return e.(*entry)
}

// Begin marks a generation as live and resets any flag left over from
// a previous turn.
func (r *Registry) Begin(convID string) {
	e := r.get(convID)
	e.cancelled.Store(false)
	e.generating.Store(true)
}

// Cancel sets the flag and reports whether a generation was actually
// in flight. Idempotent: a second call observes the same state.
func (r *Registry) Cancel(convID string) bool {
	e := r.get(convID)
	e.cancelled.Store(true)
	return e.generating.Load()
}

// Cancelled reports whether a stop was requested for this conversation.
func (r *Registry) Cancelled(convID string) bool {
	e, ok := r.entries.Load(convID)
	if !ok {
		return false
	}
	return e.(*entry).cancelled.Load()
}

// Clear resets all state for a conversation. Called at the end of
// every generation regardless of outcome so no flag leaks into the
// next turn.
func (r *Registry) Clear(convID string) {
	r.entries.Delete(convID)
}
