// Package ledger mirrors the run event bus into a persistent store.
//
// A Recorder subscribes to every run, buffers events on a channel, and writes
// them in batches from one goroutine. When a run's terminal event arrives its
// cached snapshot is written after the events that precede it. If the buffer
// fills, events are dropped and counted rather than slowing down emitters.
//
// The ledger is write-only from the runtime's point of view. History and
// Snapshot read it back for API lookups of runs no longer in memory.
package ledger
