package automation_test

import (
	"context"
	"slices"
	"sync"
)

// recordingEmitter records every emission for assertions.
type recordingEmitter struct {
	mu     sync.Mutex
	events []emitted
}

type emitted struct {
	Event string
	Data  any
}

func (r *recordingEmitter) Emit(_ context.Context, event string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, emitted{Event: event, Data: data})
}

// Events returns the recorded emissions, optionally filtered by name.
func (r *recordingEmitter) Events(names ...string) []emitted {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []emitted
	for _, e := range r.events {
		if len(names) == 0 || slices.Contains(names, e.Event) {
			out = append(out, e)
		}
	}
	return out
}
