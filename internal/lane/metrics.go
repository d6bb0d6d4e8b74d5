// ABOUTME: Prometheus collectors describing lane depth, admission and execution
// ABOUTME: Lane names are collapsed to their class so session lanes stay low-cardinality

package lane

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for scheduler activity. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	queued    *prometheus.GaugeVec
	active    *prometheus.GaugeVec
	capacity  *prometheus.GaugeVec
	completed *prometheus.CounterVec
	wait      *prometheus.HistogramVec
	run       *prometheus.HistogramVec
}

// NewMetrics registers the scheduler collectors with reg. Collectors that are
// already registered (for example by a second scheduler in the same process)
// are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		queued: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "lane_gateway",
			Subsystem: "lane",
			Name:      "queued_tasks",
			Help:      "Tasks waiting in a lane queue.",
		}, []string{"lane"}),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "lane_gateway",
			Subsystem: "lane",
			Name:      "active_tasks",
			Help:      "Tasks currently executing in a lane.",
		}, []string{"lane"}),
		capacity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "lane_gateway",
			Subsystem: "lane",
			Name:      "max_concurrency",
			Help:      "Configured concurrency cap of a lane.",
		}, []string{"lane"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lane_gateway",
			Subsystem: "lane",
			Name:      "tasks_completed_total",
			Help:      "Tasks that finished executing, by outcome.",
		}, []string{"lane", "outcome"}),
		wait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lane_gateway",
			Subsystem: "lane",
			Name:      "queue_wait_seconds",
			Help:      "Time between enqueue and admission.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"lane"}),
		run: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lane_gateway",
			Subsystem: "lane",
			Name:      "task_duration_seconds",
			Help:      "Time spent executing a task.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"lane"}),
	}

	var err error
	if m.queued, err = registerVec(reg, m.queued); err != nil {
		return nil, err
	}
	if m.active, err = registerVec(reg, m.active); err != nil {
		return nil, err
	}
	if m.capacity, err = registerVec(reg, m.capacity); err != nil {
		return nil, err
	}
	if m.completed, err = registerVec(reg, m.completed); err != nil {
		return nil, err
	}
	if m.wait, err = registerVec(reg, m.wait); err != nil {
		return nil, err
	}
	if m.run, err = registerVec(reg, m.run); err != nil {
		return nil, err
	}
	return m, nil
}

func registerVec[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// laneClass maps "session:abc" to "session"; names without a prefix are kept.
func laneClass(name string) string {
	if i := strings.IndexByte(name, ':'); i > 0 {
		return name[:i]
	}
	return name
}

func (m *Metrics) setQueued(lane string, n int) {
	if m == nil {
		return
	}
	// Per-session lanes share one series, so only named lanes report depth.
	if laneClass(lane) != lane {
		return
	}
	m.queued.WithLabelValues(lane).Set(float64(n))
}

func (m *Metrics) setActive(lane string, n int) {
	if m == nil {
		return
	}
	if laneClass(lane) != lane {
		return
	}
	m.active.WithLabelValues(lane).Set(float64(n))
}

func (m *Metrics) setCap(lane string, n int) {
	if m == nil {
		return
	}
	m.capacity.WithLabelValues(laneClass(lane)).Set(float64(n))
}

func (m *Metrics) observeWait(lane string, d time.Duration) {
	if m == nil {
		return
	}
	m.wait.WithLabelValues(laneClass(lane)).Observe(d.Seconds())
}

func (m *Metrics) observeRun(lane string, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	class := laneClass(lane)
	m.run.WithLabelValues(class).Observe(d.Seconds())
	m.completed.WithLabelValues(class, outcome).Inc()
}
