package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/matgreaves/stackup/server/ready"
	"github.com/matgreaves/stackup/spec"
)

var allPhases = []spec.Phase{
	spec.PhasePending, spec.PhaseLaunching, spec.PhaseRunning, spec.PhaseHealthy,
	spec.PhaseExited, spec.PhaseFailed, spec.PhaseBlocked, spec.PhaseStopped,
}

// Metrics exports orchestrator activity to Prometheus. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	launches    *prometheus.CounterVec
	restarts    *prometheus.CounterVec
	probes      *prometheus.CounterVec
	transitions *prometheus.CounterVec
	phase       *prometheus.GaugeVec
}

// NewMetrics registers the stackup collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		launches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stackup",
			Name:      "launches_total",
			Help:      "Service instances started by the launch backend.",
		}, []string{"service"}),
		restarts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stackup",
			Name:      "restarts_total",
			Help:      "Restarts performed by restart policies.",
		}, []string{"service"}),
		probes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stackup",
			Name:      "probe_attempts_total",
			Help:      "Health check attempts by result.",
		}, []string{"service", "result"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stackup",
			Name:      "transitions_total",
			Help:      "Phase transitions by target phase.",
		}, []string{"service", "phase"}),
		phase: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "stackup",
			Name:      "service_phase",
			Help:      "1 for the phase each service is currently in, 0 otherwise.",
		}, []string{"service", "phase"}),
	}
}

// Observe implements Observer.
func (m *Metrics) Observe(state ServiceState, t Transition) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(t.Service, string(t.To)).Inc()
	for _, p := range allPhases {
		v := 0.0
		if p == t.To {
			v = 1
		}
		m.phase.WithLabelValues(t.Service, string(p)).Set(v)
	}
}

func (m *Metrics) launched(service string) {
	if m == nil {
		return
	}
	m.launches.WithLabelValues(service).Inc()
}

func (m *Metrics) restarted(service string) {
	if m == nil {
		return
	}
	m.restarts.WithLabelValues(service).Inc()
}

func (m *Metrics) probed(service string, status ready.Status) {
	if m == nil {
		return
	}
	m.probes.WithLabelValues(service, string(status)).Inc()
}
