// Package runbus carries the event stream of every run.
//
// # Overview
//
// Each run owns an ordered stream of events. Emit assigns the next sequence
// number (starting at 1), records the event, and hands it synchronously to
// global listeners and then to the run's own listeners. Per-run state is
// created lazily and retained for the lifetime of the Bus.
//
// # Terminal Snapshots
//
// The first lifecycle event whose phase is "end" or "error" produces the run's
// Snapshot. It is computed once, cached, and shared by every Wait caller,
// including callers that arrive after the run finished.
//
// # Subscribing
//
// SubscribeRun replays history and registers the listener under the same lock
// Emit uses, so late subscribers see a gap-free sequence. Stream wraps that in
// a channel backed by an unbounded mailbox. Broadcaster offers a lossy, live
// firehose filtered by session key.
package runbus
