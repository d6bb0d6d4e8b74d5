// Package store persists the run event ledger.
//
// # Architecture
//
// Store is the persistence contract; SQLiteStore implements it on
// modernc.org/sqlite (pure Go, no cgo) and MockStore keeps everything in
// memory for tests.
//
// # Schema
//
//   - run_events: one row per emitted event, keyed by (run_id, seq), with the
//     payload stored as JSON text
//   - run_snapshots: one row per finished run holding its terminal status
//
// Timestamps are stored as fixed-width UTC strings so they sort lexically.
//
// # Scope
//
// The ledger is an audit trail. It serves history lookups for runs that are
// no longer held in memory, but nothing is ever replayed into the live bus.
package store
