// ABOUTME: Store interface and record types for the run event ledger
// ABOUTME: Defines RunEvent and RunSnapshot rows and the persistence contract

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// RunEvent is one persisted event of a run. (RunID, Seq) is unique.
type RunEvent struct {
	RunID      string
	Seq        int64
	Stream     string
	SessionKey string
	Timestamp  time.Time
	Data       map[string]any
}

// RunSnapshot is the persisted terminal state of a run.
type RunSnapshot struct {
	RunID      string
	SessionKey string
	Status     string
	StartedAt  *time.Time
	EndedAt    *time.Time
	Error      string
	EventCount int64
	RecordedAt time.Time
}

// Store persists run events and snapshots. It is an append-only audit trail:
// nothing written here is ever loaded back into live run state.
type Store interface {
	// SaveEvents inserts events in one transaction. Events already stored
	// under the same (RunID, Seq) are skipped.
	SaveEvents(ctx context.Context, events []RunEvent) error

	// ListRunEvents returns a run's events ordered by Seq.
	ListRunEvents(ctx context.Context, runID string, limit int) ([]RunEvent, error)

	// SaveSnapshot inserts or replaces the snapshot for snap.RunID.
	SaveSnapshot(ctx context.Context, snap *RunSnapshot) error

	// GetSnapshot returns ErrNotFound when the run has no snapshot.
	GetSnapshot(ctx context.Context, runID string) (*RunSnapshot, error)

	// ListSnapshotsBySession returns a session's snapshots, newest first.
	ListSnapshotsBySession(ctx context.Context, sessionKey string, limit int) ([]*RunSnapshot, error)

	Ping(ctx context.Context) error
	Close() error
}

// normalizeLimit clamps list limits to 1..1000, defaulting to 500.
func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 500
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
