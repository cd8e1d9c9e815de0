package automation

import "context"

// Event names emitted by the engine.
const (
	EventLog           = "automation:log"
	EventCompromised   = "automation:compromised"
	EventResetStart    = "automation:reset-start"
	EventResetComplete = "automation:reset-complete"
	EventResetFailed   = "automation:reset-failed"
)

// EventEmitter receives engine events. The reset events carry the
// credential id; EventLog carries a LogEntry.
type EventEmitter interface {
	Emit(ctx context.Context, event string, data any)
}

// EmitterFunc adapts a function to EventEmitter.
type EmitterFunc func(ctx context.Context, event string, data any)

// Emit calls f.
func (f EmitterFunc) Emit(ctx context.Context, event string, data any) { f(ctx, event, data) }

type nopEmitter struct{}

func (nopEmitter) Emit(context.Context, string, any) {}
