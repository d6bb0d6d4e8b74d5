// ABOUTME: Lane-aware in-memory scheduler with per-lane FIFO and concurrency caps
// ABOUTME: Admits queued work through a single-flight, lock-free drain loop per lane

package lane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultLane is used when a caller passes a blank lane name.
const DefaultLane = "main"

// ErrTaskPanicked is returned through a task's Future when the task panicked.
var ErrTaskPanicked = errors.New("lane task panicked")

// Task is a unit of work admitted to a lane. Its return value settles the
// Future handed back by Enqueue.
type Task[T any] func(ctx context.Context) (T, error)

// Config configures a Scheduler.
type Config struct {
	Logger  *slog.Logger
	Metrics *Metrics // optional
}

// LaneStats is a point-in-time view of one lane.
type LaneStats struct {
	Name   string `json:"name"`
	Queued int    `json:"queued"`
	Active int    `json:"active"`
	Max    int    `json:"max"`
}

// Scheduler keeps an independent FIFO queue and concurrency cap per named
// lane. Lanes are created on first reference and live as long as the
// Scheduler.
type Scheduler struct {
	lanes   sync.Map // normalized name -> *laneState
	logger  *slog.Logger
	metrics *Metrics
}

type laneState struct {
	name     string
	queue    *queue[*entry]
	active   atomic.Int32
	max      atomic.Int32
	draining atomic.Bool
}

type entry struct {
	run        func()
	enqueuedAt time.Time
}

// New creates a Scheduler. Every lane starts with a concurrency cap of 1.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger:  logger.With("component", "lane-scheduler"),
		metrics: cfg.Metrics,
	}
}

// NormalizeLane trims a lane name and maps blank names to DefaultLane.
func NormalizeLane(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return DefaultLane
	}
	return name
}

func (s *Scheduler) lane(name string) *laneState {
	if v, ok := s.lanes.Load(name); ok {
		return v.(*laneState)
	}
	st := &laneState{name: name, queue: newQueue[*entry]()}
	st.max.Store(1)
	v, loaded := s.lanes.LoadOrStore(name, st)
	if !loaded {
		s.logger.Debug("lane created", "lane", name)
	}
	return v.(*laneState)
}

// SetConcurrency sets the lane's cap to max(1, maxConcurrent). Running work
// is never preempted when the cap is lowered.
func (s *Scheduler) SetConcurrency(name string, maxConcurrent int) {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	st := s.lane(NormalizeLane(name))
	st.max.Store(int32(maxConcurrent))
	s.metrics.setCap(st.name, maxConcurrent)
	s.drain(st)
}

// Enqueue appends task to the named lane and returns immediately. The task
// runs once the lane has capacity and every earlier entry has been admitted.
// The task's context keeps ctx's values but is never canceled, since accepted
// work always runs to completion.
func Enqueue[T any](ctx context.Context, s *Scheduler, name string, task Task[T]) *Future[T] {
	st := s.lane(NormalizeLane(name))
	fut := newFuture[T]()
	taskCtx := context.WithoutCancel(ctx)

	e := &entry{enqueuedAt: time.Now()}
	e.run = func() {
		started := time.Now()
		s.metrics.observeWait(st.name, started.Sub(e.enqueuedAt))

		value, err := runTask(taskCtx, s, st.name, task)
		s.metrics.observeRun(st.name, time.Since(started), err)
		fut.settle(value, err)
	}

	st.queue.push(e)
	s.metrics.setQueued(st.name, st.queue.len())
	s.drain(st)
	return fut
}

// runTask runs task, turning a panic into ErrTaskPanicked so one bad task
// cannot take the process or the lane down.
func runTask[T any](ctx context.Context, s *Scheduler, lane string, task Task[T]) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("lane task panicked",
				"lane", lane,
				"panic", r,
				"stack", string(debug.Stack()))
			var zero T
			value = zero
			err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
		}
	}()
	return task(ctx)
}

// drain admits queued entries while the lane has spare capacity. Only one
// goroutine runs the admission loop per lane at a time; after giving up the
// flag it re-checks for work that arrived, or capacity that freed, while the
// flag was held.
func (s *Scheduler) drain(st *laneState) {
	for {
		if !st.draining.CompareAndSwap(false, true) {
			return
		}

		for st.active.Load() < st.max.Load() {
			e, ok := st.queue.pop()
			if !ok {
				break
			}
			st.active.Add(1)
			s.metrics.setActive(st.name, int(st.active.Load()))
			go s.dispatch(st, e)
		}
		s.metrics.setQueued(st.name, st.queue.len())

		st.draining.Store(false)

		if st.queue.empty() || st.active.Load() >= st.max.Load() {
			return
		}
	}
}

func (s *Scheduler) dispatch(st *laneState, e *entry) {
	defer func() {
		st.active.Add(-1)
		s.metrics.setActive(st.name, int(st.active.Load()))
		s.drain(st)
	}()
	e.run()
}

// Lane returns the stats for one lane, if it exists.
func (s *Scheduler) Lane(name string) (LaneStats, bool) {
	v, ok := s.lanes.Load(NormalizeLane(name))
	if !ok {
		return LaneStats{}, false
	}
	return v.(*laneState).stats(), true
}

// Stats returns a snapshot of every known lane sorted by name.
func (s *Scheduler) Stats() []LaneStats {
	var out []LaneStats
	s.lanes.Range(func(_, v any) bool {
		out = append(out, v.(*laneState).stats())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (st *laneState) stats() LaneStats {
	return LaneStats{
		Name:   st.name,
		Queued: st.queue.len(),
		Active: int(st.active.Load()),
		Max:    int(st.max.Load()),
	}
}
