// Package orchestrator accepts inbound messages and runs them through the
// lane scheduler.
//
// # Flow
//
// Accept validates the request, resolves its idempotency key, assigns a run
// ID, and enqueues a task on the session lane ("session:" + session key). When
// that task gets its turn it enqueues the engine invocation on the global lane
// (the request's lane, or "main") and waits for it, which keeps the session
// lane occupied for the full run. Accept itself returns immediately.
//
// # Idempotency
//
// A key already mapped to a run yields that run ID with Cached set. When two
// submissions race on a fresh key, the first Claim wins and the loser reports
// the winner's run ID; only one run is scheduled.
//
// # Waiting
//
// Wait blocks for the run's terminal snapshot up to a timeout. On timeout it
// returns a snapshot with status "timeout" to that caller only; the run
// continues and later waits observe its real outcome.
//
// # Terminal Guard
//
// Engines are expected to emit a terminal lifecycle event. With
// SynthesizeTerminal enabled, the orchestrator emits one marked
// "synthetic": true when an engine returns or panics without doing so.
package orchestrator
