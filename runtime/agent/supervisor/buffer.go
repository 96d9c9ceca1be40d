package supervisor

import (
	"sync"

	"github.com/agentrun/engine/runtime/agent/events"
)

// eventBuffer is the append-only, per-run in-memory event log described in
// spec.md §9: readers record a length at subscribe time and index forward;
// an RWMutex around append/read is simpler than a lock-free scheme and is
// never a bottleneck at this fan-out scale.
type eventBuffer struct {
	mu     sync.RWMutex
	events []events.Event
	done   bool
}

func newEventBuffer() *eventBuffer {
	return &eventBuffer{}
}

func (b *eventBuffer) Append(e events.Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
	return len(b.events)
}

func (b *eventBuffer) MarkDone() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.done = true
}

func (b *eventBuffer) IsDone() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.done
}

func (b *eventBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.events)
}

// Since returns every event recorded from index from onward (0-based), plus
// the new length.
func (b *eventBuffer) Since(from int) ([]events.Event, int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if from >= len(b.events) {
		return nil, len(b.events)
	}
	out := make([]events.Event, len(b.events)-from)
	copy(out, b.events[from:])
	return out, len(b.events)
}
