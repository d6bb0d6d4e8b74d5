// ABOUTME: Contract between the gateway and the unit of work that executes a run
// ABOUTME: Defines the inbound request, the event sink, and the engine interface

package agent

import "context"

// Request is an inbound message accepted for execution.
type Request struct {
	SessionKey     string `json:"sessionKey"`
	Body           string `json:"body"`
	Channel        string `json:"channel,omitempty"`
	AccountID      string `json:"accountId,omitempty"`
	ThreadID       string `json:"threadId,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	Lane           string `json:"lane,omitempty"`
}

// Emitter publishes events for the run being executed. The run ID and
// session key are bound by the caller.
type Emitter interface {
	Emit(stream string, data map[string]any)
}

// Engine executes one run. It is invoked once per accepted run and must emit
// a lifecycle event with phase "end" or "error" before returning; that event
// is what releases callers waiting on the run.
type Engine interface {
	Run(ctx context.Context, runID string, req *Request, events Emitter) (string, error)
}

// EngineFunc adapts an ordinary function to Engine.
type EngineFunc func(ctx context.Context, runID string, req *Request, events Emitter) (string, error)

// Run calls f.
func (f EngineFunc) Run(ctx context.Context, runID string, req *Request, events Emitter) (string, error) {
	return f(ctx, runID, req, events)
}
