package barrier

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of a barrier. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Rounds   *prometheus.CounterVec
	Releases *prometheus.CounterVec
	Errors   *prometheus.CounterVec
	Wait     *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them on reg. Collectors
// already registered by an earlier call are reused. A nil reg skips
// registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Rounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "brother_barrier_rounds_total",
			Help: "Completed barrier phases, by phase.",
		}, []string{"phase"}),
		Releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "brother_barrier_gate_releases_total",
			Help: "Times this process was the last to arrive and opened the gate.",
		}, []string{"phase"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "brother_barrier_errors_total",
			Help: "Failed barrier phases, by phase.",
		}, []string{"phase"}),
		Wait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "brother_barrier_wait_seconds",
			Help:    "Time spent inside Enter and Exit.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 12),
		}, []string{"phase"}),
	}
	if reg == nil {
		return m
	}
	m.Rounds = register(reg, m.Rounds)
	m.Releases = register(reg, m.Releases)
	m.Errors = register(reg, m.Errors)
	m.Wait = register(reg, m.Wait)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) observe(phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.Rounds.WithLabelValues(phase).Inc()
	m.Wait.WithLabelValues(phase).Observe(d.Seconds())
}

func (m *Metrics) released(phase string) {
	if m == nil {
		return
	}
	m.Releases.WithLabelValues(phase).Inc()
}

func (m *Metrics) failed(phase string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(phase).Inc()
}
