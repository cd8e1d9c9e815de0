package automation

import (
	"context"
	"sync"
)

// FlowState is the state of a credential's most recent reset flow.
type FlowState string

const (
	FlowIdle       FlowState = "idle"
	FlowInProgress FlowState = "in_progress"
	FlowCompleted  FlowState = "completed"
	FlowFailed     FlowState = "failed"
)

// flowGuard hands out one token per credential and remembers how the last
// flow ended. Once waitAll has begun, no new tokens are issued until resume.
type flowGuard struct {
	mu       sync.Mutex
	states   map[string]FlowState
	active   int
	stopping bool
	drained  chan struct{}
}

// tryStart marks id in progress and returns the state it replaced. The
// caller must hand the token back through finish or release.
func (g *flowGuard) tryStart(id string) (FlowState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopping {
		return "", ErrStopping
	}
	if g.states == nil {
		g.states = make(map[string]FlowState)
	}
	prev, ok := g.states[id]
	if !ok {
		prev = FlowIdle
	}
	if prev == FlowInProgress {
		return "", ErrResetInProgress
	}
	g.states[id] = FlowInProgress
	g.active++
	return prev, nil
}

// finish records the final state of a flow.
func (g *flowGuard) finish(id string, state FlowState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.states[id] = state
	g.done()
}

// release returns a token that never ran a flow, restoring prev.
func (g *flowGuard) release(id string, prev FlowState) {
	g.finish(id, prev)
}

// done must be called with mu held.
func (g *flowGuard) done() {
	g.active--
	if g.active == 0 && g.drained != nil {
		close(g.drained)
		g.drained = nil
	}
}

func (g *flowGuard) state(id string) FlowState {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.states[id]; ok {
		return s
	}
	return FlowIdle
}

// waitAll stops issuing tokens and blocks until held ones are returned or
// ctx is cancelled.
func (g *flowGuard) waitAll(ctx context.Context) {
	g.mu.Lock()
	g.stopping = true
	if g.active == 0 {
		g.mu.Unlock()
		return
	}
	if g.drained == nil {
		g.drained = make(chan struct{})
	}
	drained := g.drained
	g.mu.Unlock()

	select {
	case <-drained:
	case <-ctx.Done():
	}
}

// resume issues tokens again after waitAll.
func (g *flowGuard) resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopping = false
}
