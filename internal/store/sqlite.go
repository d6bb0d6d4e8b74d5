// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists run events and snapshots with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const memoryPath = ":memory:"

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. ":memory:" opens a private
// in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if path == memoryPath {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS run_events (
			run_id      TEXT NOT NULL,
			seq         INTEGER NOT NULL,
			stream      TEXT NOT NULL,
			session_key TEXT NOT NULL,
			timestamp   TEXT NOT NULL,
			data        TEXT NOT NULL,
			PRIMARY KEY (run_id, seq)
		);

		CREATE INDEX IF NOT EXISTS idx_run_events_session
			ON run_events(session_key, timestamp);

		CREATE TABLE IF NOT EXISTS run_snapshots (
			run_id      TEXT PRIMARY KEY,
			session_key TEXT NOT NULL,
			status      TEXT NOT NULL,
			started_at  TEXT,
			ended_at    TEXT,
			error       TEXT,
			event_count INTEGER NOT NULL DEFAULT 0,
			recorded_at TEXT NOT NULL,

			CHECK (status IN ('ok', 'error', 'timeout'))
		);

		CREATE INDEX IF NOT EXISTS idx_run_snapshots_session
			ON run_snapshots(session_key, recorded_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// SaveEvents persists a batch of run events in a single transaction.
func (s *SQLiteStore) SaveEvents(ctx context.Context, events []RunEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO run_events (run_id, seq, stream, session_key, timestamp, data)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, evt := range events {
		data, err := json.Marshal(evt.Data)
		if err != nil {
			return fmt.Errorf("encoding data for run %s seq %d: %w", evt.RunID, evt.Seq, err)
		}
		if _, err := stmt.ExecContext(ctx,
			evt.RunID,
			evt.Seq,
			evt.Stream,
			evt.SessionKey,
			formatTime(evt.Timestamp),
			string(data),
		); err != nil {
			return fmt.Errorf("inserting run event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing run events: %w", err)
	}

	s.logger.Debug("saved run events", "count", len(events))
	return nil
}

// ListRunEvents retrieves a run's events ordered by sequence number.
func (s *SQLiteStore) ListRunEvents(ctx context.Context, runID string, limit int) ([]RunEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seq, stream, session_key, timestamp, data
		FROM run_events
		WHERE run_id = ?
		ORDER BY seq ASC
		LIMIT ?
	`, runID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying run events: %w", err)
	}
	defer rows.Close()

	var events []RunEvent
	for rows.Next() {
		var evt RunEvent
		var timestampStr, data string
		if err := rows.Scan(&evt.RunID, &evt.Seq, &evt.Stream, &evt.SessionKey, &timestampStr, &data); err != nil {
			return nil, fmt.Errorf("scanning run event row: %w", err)
		}
		if evt.Timestamp, err = time.Parse(timeLayout, timestampStr); err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &evt.Data); err != nil {
			return nil, fmt.Errorf("decoding data: %w", err)
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating run event rows: %w", err)
	}
	return events, nil
}

// SaveSnapshot inserts or replaces a run's terminal snapshot.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap *RunSnapshot) error {
	recordedAt := snap.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO run_snapshots (
			run_id, session_key, status, started_at, ended_at, error, event_count, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		snap.RunID,
		snap.SessionKey,
		snap.Status,
		nullTime(snap.StartedAt),
		nullTime(snap.EndedAt),
		nullString(snap.Error),
		snap.EventCount,
		formatTime(recordedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting run snapshot: %w", err)
	}

	s.logger.Debug("saved run snapshot", "run_id", snap.RunID, "status", snap.Status)
	return nil
}

// GetSnapshot retrieves a run's snapshot.
// Returns ErrNotFound if the run has none.
func (s *SQLiteStore) GetSnapshot(ctx context.Context, runID string) (*RunSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, session_key, status, started_at, ended_at, error, event_count, recorded_at
		FROM run_snapshots
		WHERE run_id = ?
	`, runID)

	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// ListSnapshotsBySession retrieves a session's snapshots, newest first.
func (s *SQLiteStore) ListSnapshotsBySession(ctx context.Context, sessionKey string, limit int) ([]*RunSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, session_key, status, started_at, ended_at, error, event_count, recorded_at
		FROM run_snapshots
		WHERE session_key = ?
		ORDER BY recorded_at DESC
		LIMIT ?
	`, sessionKey, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying run snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []*RunSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating run snapshot rows: %w", err)
	}
	return snaps, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*RunSnapshot, error) {
	snap := &RunSnapshot{}
	var startedAt, endedAt, errMsg sql.NullString
	var recordedAt string

	if err := row.Scan(
		&snap.RunID,
		&snap.SessionKey,
		&snap.Status,
		&startedAt,
		&endedAt,
		&errMsg,
		&snap.EventCount,
		&recordedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning run snapshot: %w", err)
	}

	var err error
	if snap.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, err
	}
	if snap.EndedAt, err = parseNullTime(endedAt); err != nil {
		return nil, err
	}
	if snap.RecordedAt, err = time.Parse(timeLayout, recordedAt); err != nil {
		return nil, fmt.Errorf("parsing recorded_at: %w", err)
	}
	snap.Error = errMsg.String
	return snap, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, ns.String)
	if err != nil {
		return nil, fmt.Errorf("parsing timestamp: %w", err)
	}
	return &t, nil
}
