// ABOUTME: Tests for run acceptance, lane chaining, waiting, and the terminal guard
// ABOUTME: Covers idempotency, session serialization, global caps, ordering, and timeouts

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/lane-gateway/internal/agent"
	"github.com/2389/lane-gateway/internal/lane"
	"github.com/2389/lane-gateway/internal/runbus"
)

type harness struct {
	orch      *Orchestrator
	scheduler *lane.Scheduler
	bus       *runbus.Bus
	metrics   *Metrics
}

func newHarness(t *testing.T, engine agent.Engine, synthesize bool) *harness {
	t.Helper()
	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	scheduler := lane.New(lane.Config{})
	bus := runbus.New(nil)
	orch, err := New(Config{
		Scheduler:          scheduler,
		Bus:                bus,
		Engine:             engine,
		Metrics:            metrics,
		SynthesizeTerminal: synthesize,
	})
	require.NoError(t, err)
	return &harness{orch: orch, scheduler: scheduler, bus: bus, metrics: metrics}
}

func (h *harness) waitOK(t *testing.T, runID string) runbus.Snapshot {
	t.Helper()
	snap := h.orch.Wait(context.Background(), runID, 5*time.Second)
	require.NotEqual(t, runbus.StatusTimeout, snap.Status, "run %s never finished", runID)
	return snap
}

// concurrencyProbe records the peak number of overlapping engine invocations.
type concurrencyProbe struct {
	active atomic.Int32
	peak   atomic.Int32
	calls  atomic.Int32
}

func (p *concurrencyProbe) engine(hold time.Duration) agent.Engine {
	return agent.EngineFunc(func(ctx context.Context, runID string, req *agent.Request, events agent.Emitter) (string, error) {
		p.calls.Add(1)
		n := p.active.Add(1)
		for {
			peak := p.peak.Load()
			if n <= peak || p.peak.CompareAndSwap(peak, n) {
				break
			}
		}
		events.Emit(runbus.StreamLifecycle, map[string]any{"phase": runbus.PhaseStart})
		time.Sleep(hold)
		p.active.Add(-1)
		events.Emit(runbus.StreamLifecycle, map[string]any{"phase": runbus.PhaseEnd})
		return req.Body, nil
	})
}

func TestNew_RequiresCollaborators(t *testing.T) {
	scheduler := lane.New(lane.Config{})
	bus := runbus.New(nil)
	engine := agent.NewEchoEngine(0)

	_, err := New(Config{Bus: bus, Engine: engine})
	assert.Error(t, err)
	_, err = New(Config{Scheduler: scheduler, Engine: engine})
	assert.Error(t, err)
	_, err = New(Config{Scheduler: scheduler, Bus: bus})
	assert.Error(t, err)
}

func TestAccept_Validation(t *testing.T) {
	h := newHarness(t, agent.NewEchoEngine(0), true)

	tests := []struct {
		name string
		req  *agent.Request
	}{
		{"nil request", nil},
		{"blank session", &agent.Request{SessionKey: "  ", Body: "hi"}},
		{"blank body", &agent.Request{SessionKey: "s", Body: " "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orch.Accept(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}

	assert.Empty(t, h.scheduler.Stats(), "rejected requests must not touch any lane")
}

func TestAccept_EndToEndEcho(t *testing.T) {
	h := newHarness(t, agent.NewEchoEngine(0), true)

	accepted, err := h.orch.Accept(context.Background(), &agent.Request{SessionKey: "s1", Body: "hi"})
	require.NoError(t, err)
	assert.False(t, accepted.Cached)
	assert.NotEmpty(t, accepted.RunID)

	snap := h.waitOK(t, accepted.RunID)
	assert.Equal(t, runbus.StatusOK, snap.Status)
	assert.NotNil(t, snap.StartedAt)
	assert.NotNil(t, snap.EndedAt)

	history := h.orch.History(accepted.RunID)
	require.Len(t, history, 5)
	streams := make([]string, len(history))
	for i, evt := range history {
		streams[i] = evt.Stream
		assert.Equal(t, int64(i+1), evt.Seq)
		assert.Equal(t, "s1", evt.SessionKey)
	}
	assert.Equal(t, []string{"lifecycle", "tool", "tool", "assistant", "lifecycle"}, streams)
	assert.Equal(t, "[lane-gateway] Echo: hi", history[3].Data["text"])

	run, ok := h.orch.Run(accepted.RunID)
	require.True(t, ok)
	text, err := run.Output(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "[lane-gateway] Echo: hi", text)
}

func TestAccept_LaneNaming(t *testing.T) {
	h := newHarness(t, agent.NewEchoEngine(0), true)

	accepted, err := h.orch.Accept(context.Background(), &agent.Request{SessionKey: "  abc ", Body: "hi", Lane: " subagent "})
	require.NoError(t, err)
	h.waitOK(t, accepted.RunID)

	run, ok := h.orch.Run(accepted.RunID)
	require.True(t, ok)
	assert.Equal(t, "session:abc", run.SessionLane)
	assert.Equal(t, "subagent", run.GlobalLane)
	assert.Equal(t, "abc", run.Request.SessionKey)

	_, ok = h.scheduler.Lane("subagent")
	assert.True(t, ok)
	_, ok = h.scheduler.Lane("session:abc")
	assert.True(t, ok)

	other, err := h.orch.Accept(context.Background(), &agent.Request{SessionKey: "abc", Body: "hi"})
	require.NoError(t, err)
	h.waitOK(t, other.RunID)
	run, _ = h.orch.Run(other.RunID)
	assert.Equal(t, lane.DefaultLane, run.GlobalLane)
}

func TestAccept_RejectsSessionLanes(t *testing.T) {
	h := newHarness(t, agent.NewEchoEngine(0), true)

	for _, requested := range []string{"session:s1", " session:s2 "} {
		_, err := h.orch.Accept(context.Background(), &agent.Request{SessionKey: "s1", Body: "hi", Lane: requested})
		assert.ErrorIs(t, err, ErrInvalidRequest, "lane %q", requested)
	}
	assert.Empty(t, h.scheduler.Stats(), "rejected requests must not touch any lane")

	accepted, err := h.orch.Accept(context.Background(), &agent.Request{SessionKey: "s1", Body: "later"})
	require.NoError(t, err)
	assert.Equal(t, runbus.StatusOK, h.waitOK(t, accepted.RunID).Status)

	stats, ok := h.scheduler.Lane("session:s1")
	require.True(t, ok)
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, 0, stats.Queued)
}

func TestAccept_RejectsSessionLanesWithCustomPrefix(t *testing.T) {
	orch, err := New(Config{
		Scheduler:     lane.New(lane.Config{}),
		Bus:           runbus.New(nil),
		Engine:        agent.NewEchoEngine(0),
		SessionPrefix: "chat/",
	})
	require.NoError(t, err)

	_, err = orch.Accept(context.Background(), &agent.Request{SessionKey: "s1", Body: "hi", Lane: "chat/s1"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	accepted, err := orch.Accept(context.Background(), &agent.Request{SessionKey: "s1", Body: "hi", Lane: "session:s1"})
	require.NoError(t, err, "the default prefix is an ordinary lane name under a custom prefix")
	snap := orch.Wait(context.Background(), accepted.RunID, 5*time.Second)
	assert.Equal(t, runbus.StatusOK, snap.Status)
}

func TestNew_RejectsSessionDefaultLane(t *testing.T) {
	_, err := New(Config{
		Scheduler:   lane.New(lane.Config{}),
		Bus:         runbus.New(nil),
		Engine:      agent.NewEchoEngine(0),
		DefaultLane: "session:shared",
	})
	assert.Error(t, err)
}

func TestAccept_AllowedLanes(t *testing.T) {
	scheduler := lane.New(lane.Config{})
	orch, err := New(Config{
		Scheduler: scheduler,
		Bus:       runbus.New(nil),
		Engine:    agent.NewEchoEngine(0),
		Lanes:     []string{"subagent", " batch "},
	})
	require.NoError(t, err)

	_, err = orch.Accept(context.Background(), &agent.Request{SessionKey: "s", Body: "hi", Lane: "made-up"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, exists := scheduler.Lane("made-up")
	assert.False(t, exists)

	for _, requested := range []string{"", "main", "subagent", "batch"} {
		accepted, err := orch.Accept(context.Background(), &agent.Request{SessionKey: "s", Body: "hi", Lane: requested})
		require.NoError(t, err, "lane %q", requested)
		snap := orch.Wait(context.Background(), accepted.RunID, 5*time.Second)
		assert.Equal(t, runbus.StatusOK, snap.Status, "lane %q", requested)
	}
}

func TestAccept_IdempotencyReturnsCachedRun(t *testing.T) {
	probe := &concurrencyProbe{}
	h := newHarness(t, probe.engine(0), true)

	req := &agent.Request{SessionKey: "s", Body: "hi", IdempotencyKey: "k1"}
	first, err := h.orch.Accept(context.Background(), req)
	require.NoError(t, err)
	second, err := h.orch.Accept(context.Background(), req)
	require.NoError(t, err)

	assert.False(t, first.Cached)
	assert.True(t, second.Cached)
	assert.Equal(t, first.RunID, second.RunID)

	h.waitOK(t, first.RunID)
	assert.Equal(t, int32(1), probe.calls.Load())

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.accepted.WithLabelValues("true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.accepted.WithLabelValues("false")))
}

func TestAccept_ConcurrentSameKeySchedulesOnce(t *testing.T) {
	probe := &concurrencyProbe{}
	h := newHarness(t, probe.engine(0), true)

	const racers = 32
	results := make([]Accepted, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			acc, err := h.orch.Accept(context.Background(), &agent.Request{SessionKey: "s", Body: "hi", IdempotencyKey: "shared"})
			assert.NoError(t, err)
			results[i] = acc
		}(i)
	}
	wg.Wait()

	fresh := 0
	for _, acc := range results {
		assert.Equal(t, results[0].RunID, acc.RunID)
		if !acc.Cached {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)

	h.waitOK(t, results[0].RunID)
	// Give any wrongly scheduled duplicate a chance to show up.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), probe.calls.Load())
}

func TestAccept_SessionSerialization(t *testing.T) {
	probe := &concurrencyProbe{}
	h := newHarness(t, probe.engine(10*time.Millisecond), true)
	h.scheduler.SetConcurrency(lane.DefaultLane, 10)

	var ids []string
	for i := 0; i < 6; i++ {
		acc, err := h.orch.Accept(context.Background(), &agent.Request{SessionKey: "same", Body: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
		ids = append(ids, acc.RunID)
	}

	var prevEnd time.Time
	for _, id := range ids {
		h.waitOK(t, id)
		history := h.orch.History(id)
		require.NotEmpty(t, history)
		start := history[0].Timestamp
		end := history[len(history)-1].Timestamp
		assert.False(t, start.Before(prevEnd), "runs of one session must not overlap")
		prevEnd = end
	}
	assert.Equal(t, int32(1), probe.peak.Load())
}

func TestAccept_GlobalCapAcrossSessions(t *testing.T) {
	probe := &concurrencyProbe{}
	h := newHarness(t, probe.engine(20*time.Millisecond), true)
	h.scheduler.SetConcurrency(lane.DefaultLane, 2)

	var ids []string
	for i := 0; i < 8; i++ {
		acc, err := h.orch.Accept(context.Background(), &agent.Request{SessionKey: fmt.Sprintf("s%d", i), Body: "hi"})
		require.NoError(t, err)
		ids = append(ids, acc.RunID)
	}
	for _, id := range ids {
		h.waitOK(t, id)
	}

	assert.Equal(t, int32(2), probe.peak.Load())
	assert.Equal(t, int32(8), probe.calls.Load())
}

func TestWait_LateSubscriberSeesOrderedStream(t *testing.T) {
	h := newHarness(t, agent.NewEchoEngine(0), true)

	acc, err := h.orch.Accept(context.Background(), &agent.Request{SessionKey: "s", Body: "hi"})
	require.NoError(t, err)
	h.waitOK(t, acc.RunID)

	var seqs []int64
	unsubscribe := h.orch.Subscribe(acc.RunID, func(evt runbus.Event) {
		seqs = append(seqs, evt.Seq)
	})
	defer unsubscribe()
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, seqs)

	var streamed []int64
	for evt := range h.orch.Events(context.Background(), acc.RunID) {
		streamed = append(streamed, evt.Seq)
	}
	assert.Equal(t, seqs, streamed)
}

func TestWait_SnapshotIsCached(t *testing.T) {
	h := newHarness(t, agent.NewEchoEngine(0), true)

	acc, err := h.orch.Accept(context.Background(), &agent.Request{SessionKey: "s", Body: "hi"})
	require.NoError(t, err)

	first := h.waitOK(t, acc.RunID)
	second := h.waitOK(t, acc.RunID)
	assert.Equal(t, first, second)
}

func TestWait_TimeoutSynthesis(t *testing.T) {
	h := newHarness(t, agent.NewEchoEngine(time.Second), true)

	acc, err := h.orch.Accept(context.Background(), &agent.Request{SessionKey: "s", Body: "slow"})
	require.NoError(t, err)

	start := time.Now()
	snap := h.orch.Wait(context.Background(), acc.RunID, 10*time.Millisecond)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, runbus.StatusTimeout, snap.Status)
	assert.Equal(t, acc.RunID, snap.RunID)
	assert.Nil(t, snap.StartedAt)
	assert.Nil(t, snap.EndedAt)
	assert.NotEmpty(t, snap.Error)

	final := h.waitOK(t, acc.RunID)
	assert.Equal(t, runbus.StatusOK, final.Status)
}

func TestWait_CallerCancellation(t *testing.T) {
	h := newHarness(t, agent.NewEchoEngine(time.Second), true)

	acc, err := h.orch.Accept(context.Background(), &agent.Request{SessionKey: "s", Body: "slow"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	snap := h.orch.Wait(ctx, acc.RunID, time.Minute)
	assert.Equal(t, runbus.StatusTimeout, snap.Status)
	assert.Equal(t, context.Canceled.Error(), snap.Error)
}

func TestAccept_EngineErrorProducesErrorSnapshot(t *testing.T) {
	h := newHarness(t, agent.NewEchoEngine(0), true)

	acc, err := h.orch.Accept(context.Background(), &agent.Request{SessionKey: "s", Body: "fail: boom"})
	require.NoError(t, err)

	snap := h.waitOK(t, acc.RunID)
	assert.Equal(t, runbus.StatusError, snap.Status)
	assert.Contains(t, snap.Error, "boom")

	run, _ := h.orch.Run(acc.RunID)
	_, err = run.Output(context.Background())
	assert.ErrorIs(t, err, agent.ErrInjectedFailure)

	// The lane keeps serving the session after a failure.
	next, err := h.orch.Accept(context.Background(), &agent.Request{SessionKey: "s", Body: "ok"})
	require.NoError(t, err)
	assert.Equal(t, runbus.StatusOK, h.waitOK(t, next.RunID).Status)
}

func TestTerminalGuard(t *testing.T) {
	silent := func(err error) agent.Engine {
		return agent.EngineFunc(func(ctx context.Context, runID string, req *agent.Request, events agent.Emitter) (string, error) {
			events.Emit(runbus.StreamLifecycle, map[string]any{"phase": runbus.PhaseStart})
			return "quiet", err
		})
	}

	t.Run("synthesizes end after success", func(t *testing.T) {
		h := newHarness(t, silent(nil), true)
		acc, err := h.orch.Accept(context.Background(), &agent.Request{SessionKey: "s", Body: "hi"})
		require.NoError(t, err)

		snap := h.waitOK(t, acc.RunID)
		assert.Equal(t, runbus.StatusOK, snap.Status)

		history := h.orch.History(acc.RunID)
		require.Len(t, history, 2)
		assert.Equal(t, true, history[1].Data["synthetic"])
		assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.finished.WithLabelValues("ok", "true")))
	})

	t.Run("synthesizes error after failure", func(t *testing.T) {
		h := newHarness(t, silent(errors.New("engine crashed")), true)
		acc, err := h.orch.Accept(context.Background(), &agent.Request{SessionKey: "s", Body: "hi"})
		require.NoError(t, err)

		snap := h.waitOK(t, acc.RunID)
		assert.Equal(t, runbus.StatusError, snap.Status)
		assert.Equal(t, "engine crashed", snap.Error)
	})

	t.Run("recovers engine panics", func(t *testing.T) {
		engine := agent.EngineFunc(func(ctx context.Context, runID string, req *agent.Request, events agent.Emitter) (string, error) {
			panic("kaboom")
		})
		h := newHarness(t, engine, true)
		acc, err := h.orch.Accept(context.Background(), &agent.Request{SessionKey: "s", Body: "hi"})
		require.NoError(t, err)

		snap := h.waitOK(t, acc.RunID)
		assert.Equal(t, runbus.StatusError, snap.Status)
		assert.Contains(t, snap.Error, "kaboom")

		run, _ := h.orch.Run(acc.RunID)
		_, err = run.Output(context.Background())
		assert.ErrorIs(t, err, lane.ErrTaskPanicked)
	})

	t.Run("disabled leaves waiters blocked", func(t *testing.T) {
		h := newHarness(t, silent(nil), false)
		acc, err := h.orch.Accept(context.Background(), &agent.Request{SessionKey: "s", Body: "hi"})
		require.NoError(t, err)

		run, _ := h.orch.Run(acc.RunID)
		<-run.Done()

		snap := h.orch.Wait(context.Background(), acc.RunID, 20*time.Millisecond)
		assert.Equal(t, runbus.StatusTimeout, snap.Status)
	})

	t.Run("engine terminal event is not duplicated", func(t *testing.T) {
		h := newHarness(t, agent.NewEchoEngine(0), true)
		acc, err := h.orch.Accept(context.Background(), &agent.Request{SessionKey: "s", Body: "hi"})
		require.NoError(t, err)

		run, _ := h.orch.Run(acc.RunID)
		<-run.Done()
		assert.Len(t, h.orch.History(acc.RunID), 5)
	})
}

func TestRun_Unknown(t *testing.T) {
	h := newHarness(t, agent.NewEchoEngine(0), true)
	_, ok := h.orch.Run("missing")
	assert.False(t, ok)
}

func TestUnknownRun_AllocatesNoState(t *testing.T) {
	h := newHarness(t, agent.NewEchoEngine(0), true)

	snap := h.orch.Wait(context.Background(), "missing", 10*time.Millisecond)
	assert.Equal(t, runbus.StatusTimeout, snap.Status)
	assert.Equal(t, "missing", snap.RunID)
	assert.Contains(t, snap.Error, "timed out after")

	_, open := <-h.orch.Events(context.Background(), "missing")
	assert.False(t, open, "events of an unknown run end immediately")

	assert.False(t, h.orch.Known("missing"))
	assert.False(t, h.bus.Known("missing"))
}

func TestNewRunID_Override(t *testing.T) {
	var n atomic.Int32
	orch, err := New(Config{
		Scheduler: lane.New(lane.Config{}),
		Bus:       runbus.New(nil),
		Engine:    agent.NewEchoEngine(0),
		NewRunID:  func() string { return fmt.Sprintf("run-%d", n.Add(1)) },
	})
	require.NoError(t, err)

	acc, err := orch.Accept(context.Background(), &agent.Request{SessionKey: "s", Body: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "run-1", acc.RunID)
}
