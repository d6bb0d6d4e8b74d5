// ABOUTME: Prometheus collectors for run acceptance and completion
// ABOUTME: Registered once per registerer; a nil *Metrics records nothing

package orchestrator

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/2389/lane-gateway/internal/runbus"
)

// Metrics counts accepted and finished runs.
type Metrics struct {
	accepted *prometheus.CounterVec
	finished *prometheus.CounterVec
	inFlight prometheus.Gauge
	duration *prometheus.HistogramVec
}

// NewMetrics registers the orchestrator collectors with reg, reusing any that
// are already registered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lane_gateway",
			Subsystem: "runs",
			Name:      "accepted_total",
			Help:      "Accepted submissions, split by whether an idempotency key matched an existing run.",
		}, []string{"cached"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lane_gateway",
			Subsystem: "runs",
			Name:      "finished_total",
			Help:      "Runs that reached a terminal lifecycle event, by status.",
		}, []string{"status", "synthetic"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lane_gateway",
			Subsystem: "runs",
			Name:      "in_flight",
			Help:      "Runs accepted but not yet finished.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lane_gateway",
			Subsystem: "runs",
			Name:      "duration_seconds",
			Help:      "Time from acceptance to the end of engine execution.",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 30, 60, 300},
		}, []string{"status"}),
	}

	var err error
	if m.accepted, err = register(reg, m.accepted); err != nil {
		return nil, err
	}
	if m.finished, err = register(reg, m.finished); err != nil {
		return nil, err
	}
	if m.inFlight, err = register(reg, m.inFlight); err != nil {
		return nil, err
	}
	if m.duration, err = register(reg, m.duration); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) runAccepted(cached bool) {
	if m == nil {
		return
	}
	if cached {
		m.accepted.WithLabelValues("true").Inc()
		return
	}
	m.accepted.WithLabelValues("false").Inc()
	m.inFlight.Inc()
}

func (m *Metrics) runFinished(status runbus.Status, synthetic bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	label := "false"
	if synthetic {
		label = "true"
	}
	m.finished.WithLabelValues(string(status), label).Inc()
	m.duration.WithLabelValues(string(status)).Observe(elapsed.Seconds())
	m.inFlight.Dec()
}
