// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrClosed is returned by MockStore after Close.
var ErrClosed = errors.New("store closed")

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu        sync.RWMutex
	events    map[string]map[int64]RunEvent // runID -> seq -> event
	snapshots map[string]*RunSnapshot       // keyed by run ID
	closed    bool

	// SaveErr, when set, is returned by SaveEvents and SaveSnapshot.
	SaveErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		events:    make(map[string]map[int64]RunEvent),
		snapshots: make(map[string]*RunSnapshot),
	}
}

// SaveEvents stores events, skipping any (RunID, Seq) already present.
func (m *MockStore) SaveEvents(ctx context.Context, events []RunEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.SaveErr != nil {
		return m.SaveErr
	}
	for _, evt := range events {
		byseq, ok := m.events[evt.RunID]
		if !ok {
			byseq = make(map[int64]RunEvent)
			m.events[evt.RunID] = byseq
		}
		if _, exists := byseq[evt.Seq]; !exists {
			byseq[evt.Seq] = evt
		}
	}
	return nil
}

// ListRunEvents returns a run's events ordered by sequence number.
func (m *MockStore) ListRunEvents(ctx context.Context, runID string, limit int) ([]RunEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byseq := m.events[runID]
	out := make([]RunEvent, 0, len(byseq))
	for _, evt := range byseq {
		out = append(out, evt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })

	if limit = normalizeLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SaveSnapshot stores a copy of snap, replacing any previous one.
func (m *MockStore) SaveSnapshot(ctx context.Context, snap *RunSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.SaveErr != nil {
		return m.SaveErr
	}
	s := *snap
	if s.RecordedAt.IsZero() {
		s.RecordedAt = time.Now()
	}
	m.snapshots[s.RunID] = &s
	return nil
}

// GetSnapshot returns a copy of the run's snapshot.
func (m *MockStore) GetSnapshot(ctx context.Context, runID string) (*RunSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.snapshots[runID]
	if !ok {
		return nil, ErrNotFound
	}
	result := *s
	return &result, nil
}

// ListSnapshotsBySession returns a session's snapshots, newest first.
func (m *MockStore) ListSnapshotsBySession(ctx context.Context, sessionKey string, limit int) ([]*RunSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*RunSnapshot
	for _, s := range m.snapshots {
		if s.SessionKey == sessionKey {
			result := *s
			out = append(out, &result)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.After(out[j].RecordedAt) })

	if limit = normalizeLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping reports ErrClosed after Close.
func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close marks the store closed.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// EventCount returns the total number of stored events.
func (m *MockStore) EventCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, byseq := range m.events {
		n += len(byseq)
	}
	return n
}

var _ Store = (*MockStore)(nil)
var _ Store = (*SQLiteStore)(nil)
