package hub

import (
	"sync"
	"sync/atomic"

	"github.com/wailbentafat/taskhub-realtime/event"
)

// Listener receives every event the hub dispatches. It runs on the
// transport's reader goroutine and should return quickly.
type Listener func(event.Event)

type entry struct {
	id     uint64
	fn     Listener
	active atomic.Bool
}

// registry holds listeners in registration order. Dispatch iterates a
// snapshot; removal clears the entry's active flag so a listener removed
// mid-dispatch is skipped for the event in flight.
type registry struct {
	mu      sync.RWMutex
	nextID  uint64
	entries []*entry
}

func newRegistry() *registry {
	return &registry{entries: make([]*entry, 0)}
}

func (r *registry) add(fn Listener) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	e := &entry{id: r.nextID, fn: fn}
	e.active.Store(true)
	r.entries = append(r.entries, e)
	return e
}

// remove reports whether the entry was still registered.
func (r *registry) remove(e *entry) bool {
	if !e.active.Swap(false) {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Build a new slice so snapshots handed out earlier stay intact.
	entries := make([]*entry, 0, len(r.entries))
	for _, s := range r.entries {
		if s != e {
			entries = append(entries, s)
		}
	}
	r.entries = entries
	return true
}

func (r *registry) snapshot() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := make([]*entry, len(r.entries))
	copy(subs, r.entries)
	return subs
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
