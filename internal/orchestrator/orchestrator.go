// ABOUTME: Accepts inbound messages as runs and chains them through session and global lanes
// ABOUTME: Handles idempotency dedup, run waiting with timeouts, and the terminal guard

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/lane-gateway/internal/agent"
	"github.com/2389/lane-gateway/internal/dedupe"
	"github.com/2389/lane-gateway/internal/lane"
	"github.com/2389/lane-gateway/internal/runbus"
)

// DefaultSessionPrefix is prepended to the session key to name its lane.
const DefaultSessionPrefix = "session:"

// ErrInvalidRequest wraps every validation failure from Accept.
var ErrInvalidRequest = errors.New("invalid request")

// Config wires an Orchestrator. Scheduler, Bus and Engine are required.
type Config struct {
	Scheduler *lane.Scheduler
	Bus       *runbus.Bus
	Engine    agent.Engine

	// Index stores idempotency claims. Nil creates an unbounded index that
	// never expires.
	Index   *dedupe.Index
	Logger  *slog.Logger
	Metrics *Metrics

	DefaultLane   string
	SessionPrefix string

	// Lanes, when non-empty, are the only global lanes a request may name.
	// The default lane is always allowed.
	Lanes []string

	// SynthesizeTerminal emits a lifecycle end/error event on the engine's
	// behalf when it returns without one.
	SynthesizeTerminal bool

	// NewRunID generates run IDs. Defaults to random UUIDs.
	NewRunID func() string
}

// Accepted is the result of a submission.
type Accepted struct {
	RunID  string `json:"runId"`
	Cached bool   `json:"cached"`
}

// Run describes an accepted run. It is immutable after Accept returns.
type Run struct {
	ID             string
	SessionKey     string
	SessionLane    string
	GlobalLane     string
	IdempotencyKey string
	Request        agent.Request
	AcceptedAt     time.Time

	output *lane.Future[string]
}

// Output blocks until the engine returns and yields its reply text.
func (r *Run) Output(ctx context.Context) (string, error) {
	return r.output.Wait(ctx)
}

// Done is closed once the engine has returned.
func (r *Run) Done() <-chan struct{} {
	return r.output.Done()
}

// Orchestrator turns requests into scheduled runs.
type Orchestrator struct {
	scheduler     *lane.Scheduler
	bus           *runbus.Bus
	engine        agent.Engine
	index         *dedupe.Index
	logger        *slog.Logger
	metrics       *Metrics
	defaultLane   string
	sessionPrefix string
	allowedLanes  map[string]bool // nil allows any lane
	synthesize    bool
	newRunID      func() string

	runs sync.Map // runID -> *Run
}

// New validates cfg and builds an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Scheduler == nil {
		return nil, errors.New("orchestrator: scheduler is required")
	}
	if cfg.Bus == nil {
		return nil, errors.New("orchestrator: bus is required")
	}
	if cfg.Engine == nil {
		return nil, errors.New("orchestrator: engine is required")
	}

	o := &Orchestrator{
		scheduler:     cfg.Scheduler,
		bus:           cfg.Bus,
		engine:        cfg.Engine,
		index:         cfg.Index,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		defaultLane:   lane.NormalizeLane(cfg.DefaultLane),
		sessionPrefix: cfg.SessionPrefix,
		allowedLanes:  allowedLanes(cfg.Lanes, cfg.DefaultLane),
		synthesize:    cfg.SynthesizeTerminal,
		newRunID:      cfg.NewRunID,
	}
	if o.index == nil {
		o.index = dedupe.New(0, 0)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("component", "orchestrator")
	if o.sessionPrefix == "" {
		o.sessionPrefix = DefaultSessionPrefix
	}
	if strings.HasPrefix(o.defaultLane, o.sessionPrefix) {
		return nil, fmt.Errorf("orchestrator: default lane %q uses the session prefix %q", o.defaultLane, o.sessionPrefix)
	}
	if o.newRunID == nil {
		o.newRunID = uuid.NewString
	}
	return o, nil
}

// Accept schedules req and returns its run ID without waiting for execution.
//
// A request whose idempotency key was already claimed returns the original
// run ID with Cached set and schedules nothing. Validation failures wrap
// ErrInvalidRequest and have no side effects.
func (o *Orchestrator) Accept(ctx context.Context, req *agent.Request) (Accepted, error) {
	if req == nil {
		return Accepted{}, fmt.Errorf("%w: request is required", ErrInvalidRequest)
	}
	sessionKey := strings.TrimSpace(req.SessionKey)
	if sessionKey == "" {
		return Accepted{}, fmt.Errorf("%w: sessionKey is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Body) == "" {
		return Accepted{}, fmt.Errorf("%w: body is required", ErrInvalidRequest)
	}
	globalLane, err := o.globalLane(req.Lane)
	if err != nil {
		return Accepted{}, err
	}

	idemKey := strings.TrimSpace(req.IdempotencyKey)
	if idemKey != "" {
		if existing, ok := o.index.Lookup(idemKey); ok {
			return o.cached(existing, idemKey), nil
		}
	}

	runID := o.newRunID()
	if idemKey != "" {
		// Two submissions can both miss the lookup; only the claim winner runs.
		if owner, claimed := o.index.Claim(idemKey, runID); !claimed {
			return o.cached(owner, idemKey), nil
		}
	}

	run := &Run{
		ID:             runID,
		SessionKey:     sessionKey,
		SessionLane:    o.sessionPrefix + sessionKey,
		GlobalLane:     globalLane,
		IdempotencyKey: idemKey,
		Request:        *req,
		AcceptedAt:     time.Now(),
	}
	run.Request.SessionKey = sessionKey

	// The session lane slot is held until the nested global-lane task settles,
	// so runs for one session never overlap.
	run.output = lane.Enqueue(ctx, o.scheduler, run.SessionLane, func(ctx context.Context) (string, error) {
		return lane.Enqueue(ctx, o.scheduler, run.GlobalLane, func(ctx context.Context) (string, error) {
			return o.execute(ctx, run)
		}).Wait(ctx)
	})
	o.runs.Store(runID, run)

	o.metrics.runAccepted(false)
	o.logger.Info("run accepted",
		"run_id", runID,
		"session_key", sessionKey,
		"lane", globalLane,
		"idempotency_key", idemKey)

	return Accepted{RunID: runID}, nil
}

// globalLane resolves the requested lane. Session lanes are refused: the
// session task holds its own slot while it waits on the global task, so a
// global task queued behind it on the same lane could never start.
func (o *Orchestrator) globalLane(requested string) (string, error) {
	requested = strings.TrimSpace(requested)
	if requested == "" {
		return o.defaultLane, nil
	}
	if strings.HasPrefix(requested, o.sessionPrefix) {
		return "", fmt.Errorf("%w: lane %q is reserved for sessions", ErrInvalidRequest, requested)
	}
	if o.allowedLanes != nil && !o.allowedLanes[requested] {
		return "", fmt.Errorf("%w: unknown lane %q", ErrInvalidRequest, requested)
	}
	return requested, nil
}

func allowedLanes(names []string, defaultLane string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	allowed := map[string]bool{lane.NormalizeLane(defaultLane): true}
	for _, name := range names {
		allowed[lane.NormalizeLane(name)] = true
	}
	return allowed
}

func (o *Orchestrator) cached(runID, idemKey string) Accepted {
	o.metrics.runAccepted(true)
	o.logger.Debug("duplicate submission",
		"run_id", runID,
		"idempotency_key", idemKey)
	return Accepted{RunID: runID, Cached: true}
}

// execute invokes the engine for run and applies the terminal guard.
func (o *Orchestrator) execute(ctx context.Context, run *Run) (text string, err error) {
	emitter := &runEmitter{bus: o.bus, runID: run.ID, sessionKey: run.SessionKey}

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("engine panicked",
				"run_id", run.ID,
				"panic", r,
				"stack", string(debug.Stack()))
			text, err = "", fmt.Errorf("%w: %v", lane.ErrTaskPanicked, r)
		}
		o.finish(run, err)
	}()

	o.logger.Debug("run started", "run_id", run.ID, "lane", run.GlobalLane)
	return o.engine.Run(ctx, run.ID, &run.Request, emitter)
}

func (o *Orchestrator) finish(run *Run, runErr error) {
	elapsed := time.Since(run.AcceptedAt)

	snap, ok := o.bus.Snapshot(run.ID)
	if ok {
		o.metrics.runFinished(snap.Status, false, elapsed)
		o.logger.Info("run finished",
			"run_id", run.ID,
			"status", snap.Status,
			"duration", elapsed)
		return
	}

	if !o.synthesize {
		o.metrics.runFinished("unknown", false, elapsed)
		o.logger.Warn("engine returned without a terminal lifecycle event; waiters will block",
			"run_id", run.ID)
		return
	}

	data := map[string]any{
		"phase":     runbus.PhaseEnd,
		"endedAt":   time.Now(),
		"synthetic": true,
	}
	if runErr != nil {
		data["phase"] = runbus.PhaseError
		data["error"] = runErr.Error()
	}
	o.bus.Emit(run.ID, runbus.StreamLifecycle, data, run.SessionKey)

	snap, _ = o.bus.Snapshot(run.ID)
	o.metrics.runFinished(snap.Status, true, elapsed)
	o.logger.Warn("synthesized terminal event",
		"run_id", run.ID,
		"status", snap.Status,
		"error", runErr)
}

// Wait returns the run's terminal snapshot, or a timeout snapshot when none
// arrives within timeout or ctx ends first. Timing out abandons only this
// caller; the run keeps executing and later waits see its real outcome.
func (o *Orchestrator) Wait(ctx context.Context, runID string, timeout time.Duration) runbus.Snapshot {
	if snap, ok := o.bus.Snapshot(runID); ok {
		return snap
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		snap runbus.Snapshot
		err  error
	)
	if o.Known(runID) {
		snap, err = o.bus.Wait(waitCtx, runID)
	} else {
		// Unknown IDs wait out the timeout without allocating bus state.
		<-waitCtx.Done()
		err = waitCtx.Err()
	}
	if err != nil {
		msg := fmt.Sprintf("timed out after %s waiting for run", timeout)
		if ctx.Err() != nil {
			msg = ctx.Err().Error()
		}
		return runbus.Snapshot{RunID: runID, Status: runbus.StatusTimeout, Error: msg}
	}
	return snap
}

// Events streams the run's events from seq 1 until its terminal event or ctx
// ends. The channel of an unknown run is already closed.
func (o *Orchestrator) Events(ctx context.Context, runID string) <-chan runbus.Event {
	if !o.Known(runID) {
		ch := make(chan runbus.Event)
		close(ch)
		return ch
	}
	return o.bus.Stream(ctx, runID)
}

// Known reports whether runID was accepted here or has emitted events.
func (o *Orchestrator) Known(runID string) bool {
	if _, ok := o.runs.Load(runID); ok {
		return true
	}
	return o.bus.Known(runID)
}

// Subscribe registers l for the run's events, replaying what was already emitted.
func (o *Orchestrator) Subscribe(runID string, l runbus.Listener) func() {
	return o.bus.SubscribeRun(runID, l)
}

// History returns the events emitted for runID so far.
func (o *Orchestrator) History(runID string) []runbus.Event {
	return o.bus.History(runID)
}

// Run looks up an accepted run.
func (o *Orchestrator) Run(runID string) (*Run, bool) {
	v, ok := o.runs.Load(runID)
	if !ok {
		return nil, false
	}
	return v.(*Run), true
}

// runEmitter binds an engine's emits to one run.
type runEmitter struct {
	bus        *runbus.Bus
	runID      string
	sessionKey string
}

func (e *runEmitter) Emit(stream string, data map[string]any) {
	e.bus.Emit(e.runID, stream, data, e.sessionKey)
}
