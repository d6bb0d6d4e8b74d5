// ABOUTME: In-memory run event bus with per-run sequencing and replay
// ABOUTME: Caches each run's terminal snapshot and wakes every waiter exactly once

package runbus

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Listener receives events synchronously from Emit. Listeners must return
// quickly and must not emit, subscribe, unsubscribe, read history, or Wait
// for the run they are being called for. Snapshot and Done never block; the
// run's snapshot is cached and Done closed only after every listener has
// returned from its terminal event.
type Listener func(Event)

type subscription struct {
	id uint64
	fn Listener
}

// Bus fans run events out to listeners and tracks terminal snapshots.
// Per-run state is created on first reference and kept for the Bus lifetime.
type Bus struct {
	runs   sync.Map // runID -> *runState
	nextID atomic.Uint64

	globalMu sync.Mutex
	global   atomic.Pointer[[]*subscription]

	logger *slog.Logger
	now    func() time.Time
}

type runState struct {
	mu        sync.Mutex
	seq       int64
	history   []Event
	listeners []*subscription

	done     chan struct{}
	snapshot atomic.Pointer[Snapshot]
}

// New creates an empty Bus. Pass nil logger for default.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger.With("component", "runbus"),
		now:    time.Now,
	}
}

func (b *Bus) run(runID string) *runState {
	if v, ok := b.runs.Load(runID); ok {
		return v.(*runState)
	}
	v, _ := b.runs.LoadOrStore(runID, &runState{done: make(chan struct{})})
	return v.(*runState)
}

// Emit appends an event to the run's stream and delivers it to global
// listeners, then to the run's listeners, in registration order. Emits for a
// single run are expected to come from one goroutine at a time; the bus
// serializes them regardless.
//
// The first lifecycle event with phase "end" or "error" caches the run's
// Snapshot and releases its waiters. Later terminal events are delivered but
// leave the snapshot untouched.
func (b *Bus) Emit(runID, stream string, data map[string]any, sessionKey string) Event {
	rs := b.run(runID)

	rs.mu.Lock()
	defer rs.mu.Unlock()

	rs.seq++
	evt := Event{
		RunID:      runID,
		Seq:        rs.seq,
		Stream:     stream,
		Timestamp:  b.now(),
		Data:       cloneData(data),
		SessionKey: sessionKey,
	}
	rs.history = append(rs.history, evt)

	if globals := b.global.Load(); globals != nil {
		for _, sub := range *globals {
			b.deliver(sub, evt)
		}
	}
	for _, sub := range rs.listeners {
		b.deliver(sub, evt)
	}

	if evt.IsTerminal() && rs.snapshot.Load() == nil {
		snap := buildSnapshot(rs.history, evt)
		rs.snapshot.Store(&snap)
		close(rs.done)
		b.logger.Debug("run finished",
			"run_id", runID,
			"status", snap.Status,
			"events", len(rs.history))
	}

	return evt
}

// deliver calls one listener, containing any panic it raises.
func (b *Bus) deliver(sub *subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("listener panicked",
				"run_id", evt.RunID,
				"seq", evt.Seq,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	sub.fn(evt)
}

// SubscribeRun replays every event already emitted for runID to l and then
// registers it for live events. Replay and registration happen atomically with
// respect to Emit, so l observes sequence numbers 1, 2, 3... with no gaps or
// duplicates. The returned func unregisters l and is safe to call repeatedly.
func (b *Bus) SubscribeRun(runID string, l Listener) func() {
	rs := b.run(runID)
	sub := &subscription{id: b.nextID.Add(1), fn: l}

	rs.mu.Lock()
	for _, evt := range rs.history {
		b.deliver(sub, evt)
	}
	rs.listeners = append(rs.listeners, sub)
	rs.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			rs.mu.Lock()
			rs.listeners = without(rs.listeners, sub)
			rs.mu.Unlock()
		})
	}
}

// SubscribeAll registers l for live events of every run. It does not replay.
// l may be called concurrently for different runs.
func (b *Bus) SubscribeAll(l Listener) func() {
	sub := &subscription{id: b.nextID.Add(1), fn: l}

	b.globalMu.Lock()
	var current []*subscription
	if p := b.global.Load(); p != nil {
		current = *p
	}
	next := make([]*subscription, 0, len(current)+1)
	next = append(next, current...)
	next = append(next, sub)
	b.global.Store(&next)
	b.globalMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.globalMu.Lock()
			defer b.globalMu.Unlock()
			var current []*subscription
			if p := b.global.Load(); p != nil {
				current = *p
			}
			next := without(current, sub)
			b.global.Store(&next)
		})
	}
}

// Wait returns the run's snapshot, blocking until the run's first terminal
// event or until ctx ends, in which case ctx.Err() is returned. Every caller
// waiting on the same run observes the same snapshot. Like Done, it creates
// state for a run that has not emitted yet; check Known first for IDs that
// come from untrusted input.
func (b *Bus) Wait(ctx context.Context, runID string) (Snapshot, error) {
	rs := b.run(runID)
	if snap := rs.snapshot.Load(); snap != nil {
		return *snap, nil
	}
	select {
	case <-rs.done:
		return *rs.snapshot.Load(), nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Known reports whether the bus holds any state for runID.
func (b *Bus) Known(runID string) bool {
	_, ok := b.runs.Load(runID)
	return ok
}

// Snapshot returns the cached terminal snapshot without blocking.
func (b *Bus) Snapshot(runID string) (Snapshot, bool) {
	v, ok := b.runs.Load(runID)
	if !ok {
		return Snapshot{}, false
	}
	snap := v.(*runState).snapshot.Load()
	if snap == nil {
		return Snapshot{}, false
	}
	return *snap, true
}

// Done returns a channel closed when the run reaches its terminal event.
func (b *Bus) Done(runID string) <-chan struct{} {
	return b.run(runID).done
}

// History returns a copy of every event emitted for runID so far.
func (b *Bus) History(runID string) []Event {
	v, ok := b.runs.Load(runID)
	if !ok {
		return nil
	}
	rs := v.(*runState)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]Event, len(rs.history))
	copy(out, rs.history)
	return out
}

func without(subs []*subscription, target *subscription) []*subscription {
	out := make([]*subscription, 0, len(subs))
	for _, s := range subs {
		if s.id != target.id {
			out = append(out, s)
		}
	}
	return out
}

func cloneData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

// buildSnapshot derives a run's terminal state from its terminal event.
// Timestamps carried in the payload win; otherwise the run's first event marks
// the start and the terminal event marks the end.
func buildSnapshot(history []Event, terminal Event) Snapshot {
	snap := Snapshot{
		RunID:  terminal.RunID,
		Status: StatusOK,
	}
	if terminal.Phase() == PhaseError {
		snap.Status = StatusError
	}

	if t, ok := timeValue(terminal.Data["startedAt"]); ok {
		snap.StartedAt = &t
	} else if len(history) > 0 {
		t := history[0].Timestamp
		snap.StartedAt = &t
	}

	if t, ok := timeValue(terminal.Data["endedAt"]); ok {
		snap.EndedAt = &t
	} else {
		t := terminal.Timestamp
		snap.EndedAt = &t
	}

	switch v := terminal.Data["error"].(type) {
	case nil:
	case string:
		snap.Error = v
	case error:
		snap.Error = v.Error()
	default:
		snap.Error = fmt.Sprint(v)
	}
	return snap
}

func timeValue(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case *time.Time:
		if t == nil || t.IsZero() {
			return time.Time{}, false
		}
		return *t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	default:
		return time.Time{}, false
	}
}
