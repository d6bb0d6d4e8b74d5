// Package agent defines the unit of work executed for each accepted run.
//
// # Engine
//
// An Engine receives the run ID, the inbound Request, and an Emitter bound to
// the run. It reports progress by emitting events on the "lifecycle", "tool"
// and "assistant" streams and returns the final reply text:
//
//	type Engine interface {
//	    Run(ctx context.Context, runID string, req *Request, events Emitter) (string, error)
//	}
//
// Engines must finish with a lifecycle event whose phase is "end" or "error".
// The orchestrator can synthesize one when an engine forgets, but engines
// should not rely on it.
//
// # EchoEngine
//
// EchoEngine is the demo implementation. It emits a start event, a canned
// "search" tool call, an assistant reply echoing the body, and an end event.
// Bodies starting with "fail:" take the error path instead.
//
// # Registry
//
// Registry resolves the configured engine name to an implementation:
//
//	reg := agent.NewRegistry(logger)
//	reg.Register("echo", agent.NewEchoEngine(0))
//	engine, err := reg.Get(cfg.Agent.Engine)
package agent
