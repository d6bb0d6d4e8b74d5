// ABOUTME: Records every bus event and terminal snapshot into the run ledger store
// ABOUTME: Buffers off the emit path and writes batches from a single goroutine

package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/lane-gateway/internal/runbus"
	"github.com/2389/lane-gateway/internal/store"
)

const (
	defaultBufferSize    = 1024
	defaultBatchSize     = 64
	defaultFlushInterval = 250 * time.Millisecond
	writeTimeout         = 5 * time.Second
)

// Config wires a Recorder. Store and Bus are required.
type Config struct {
	Store  store.Store
	Bus    *runbus.Bus
	Logger *slog.Logger

	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

// Recorder persists bus events. Emit never waits on the database: events are
// queued on a buffered channel and dropped with a warning when it is full.
type Recorder struct {
	store         store.Store
	bus           *runbus.Bus
	logger        *slog.Logger
	queue         chan runbus.Event
	batchSize     int
	flushInterval time.Duration

	detach    func()
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	recorded atomic.Int64
	dropped  atomic.Int64
}

// New starts a Recorder attached to cfg.Bus.
func New(cfg Config) (*Recorder, error) {
	if cfg.Store == nil {
		return nil, errors.New("ledger: store is required")
	}
	if cfg.Bus == nil {
		return nil, errors.New("ledger: bus is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}

	r := &Recorder{
		store:         cfg.Store,
		bus:           cfg.Bus,
		logger:        cfg.Logger.With("component", "ledger"),
		queue:         make(chan runbus.Event, cfg.BufferSize),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	r.detach = cfg.Bus.SubscribeAll(r.enqueue)
	go r.loop()
	return r, nil
}

func (r *Recorder) enqueue(evt runbus.Event) {
	select {
	case r.queue <- evt:
	default:
		n := r.dropped.Add(1)
		r.logger.Warn("ledger queue full, dropping event",
			"run_id", evt.RunID,
			"seq", evt.Seq,
			"dropped_total", n)
	}
}

func (r *Recorder) loop() {
	defer close(r.done)

	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	batch := make([]runbus.Event, 0, r.batchSize)
	var terminals []runbus.Event

	flush := func() {
		if len(batch) > 0 {
			r.writeEvents(batch)
			batch = batch[:0]
		}
		// Snapshots go after their events so event_count matches stored rows.
		for _, evt := range terminals {
			r.writeSnapshot(evt)
		}
		terminals = terminals[:0]
	}

	for {
		select {
		case evt := <-r.queue:
			batch = append(batch, evt)
			if evt.IsTerminal() {
				terminals = append(terminals, evt)
			}
			if len(batch) >= r.batchSize || len(terminals) > 0 {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-r.stop:
			for {
				select {
				case evt := <-r.queue:
					batch = append(batch, evt)
					if evt.IsTerminal() {
						terminals = append(terminals, evt)
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (r *Recorder) writeEvents(batch []runbus.Event) {
	rows := make([]store.RunEvent, len(batch))
	for i, evt := range batch {
		rows[i] = ToRunEvent(evt)
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := r.store.SaveEvents(ctx, rows); err != nil {
		r.logger.Warn("failed to record events", "count", len(rows), "error", err)
		return
	}
	r.recorded.Add(int64(len(rows)))
}

func (r *Recorder) writeSnapshot(terminal runbus.Event) {
	// The recorder sees the terminal event before Emit has cached the
	// snapshot; the run's other listeners may still be running.
	timer := time.NewTimer(writeTimeout)
	defer timer.Stop()
	select {
	case <-r.bus.Done(terminal.RunID):
	case <-timer.C:
		r.logger.Warn("run snapshot not ready, skipping", "run_id", terminal.RunID)
		return
	}

	snap, ok := r.bus.Snapshot(terminal.RunID)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	row := &store.RunSnapshot{
		RunID:      snap.RunID,
		SessionKey: terminal.SessionKey,
		Status:     string(snap.Status),
		StartedAt:  snap.StartedAt,
		EndedAt:    snap.EndedAt,
		Error:      snap.Error,
		EventCount: terminal.Seq,
	}
	if err := r.store.SaveSnapshot(ctx, row); err != nil {
		r.logger.Warn("failed to record snapshot", "run_id", snap.RunID, "error", err)
	}
}

// Recorded returns how many events were written successfully.
func (r *Recorder) Recorded() int64 {
	return r.recorded.Load()
}

// Dropped returns how many events were discarded because the queue was full.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// History loads a run's recorded events from the store.
func (r *Recorder) History(ctx context.Context, runID string) ([]runbus.Event, error) {
	rows, err := r.store.ListRunEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("loading run history: %w", err)
	}
	events := make([]runbus.Event, len(rows))
	for i, row := range rows {
		events[i] = FromRunEvent(row)
	}
	return events, nil
}

// Snapshot loads a run's recorded snapshot from the store.
func (r *Recorder) Snapshot(ctx context.Context, runID string) (runbus.Snapshot, error) {
	row, err := r.store.GetSnapshot(ctx, runID)
	if err != nil {
		return runbus.Snapshot{}, fmt.Errorf("loading run snapshot: %w", err)
	}
	return runbus.Snapshot{
		RunID:     row.RunID,
		Status:    runbus.Status(row.Status),
		StartedAt: row.StartedAt,
		EndedAt:   row.EndedAt,
		Error:     row.Error,
	}, nil
}

// Ping checks the underlying store.
func (r *Recorder) Ping(ctx context.Context) error {
	return r.store.Ping(ctx)
}

// Close detaches from the bus, writes whatever is still queued, and stops the
// writer. It does not close the store. Safe to call more than once.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		r.detach()
		close(r.stop)
		<-r.done
		r.logger.Debug("ledger closed",
			"recorded", r.recorded.Load(),
			"dropped", r.dropped.Load())
	})
}

// ToRunEvent converts a bus event to its stored form.
func ToRunEvent(evt runbus.Event) store.RunEvent {
	return store.RunEvent{
		RunID:      evt.RunID,
		Seq:        evt.Seq,
		Stream:     evt.Stream,
		SessionKey: evt.SessionKey,
		Timestamp:  evt.Timestamp,
		Data:       evt.Data,
	}
}

// FromRunEvent converts a stored event back to a bus event. Payload values
// come back in their JSON-decoded form.
func FromRunEvent(row store.RunEvent) runbus.Event {
	return runbus.Event{
		RunID:      row.RunID,
		Seq:        row.Seq,
		Stream:     row.Stream,
		SessionKey: row.SessionKey,
		Timestamp:  row.Timestamp,
		Data:       row.Data,
	}
}
