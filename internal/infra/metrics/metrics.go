package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Task outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeDropped = "dropped"
)

// Metrics holds the process collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry         *prometheus.Registry
	tasksTotal       *prometheus.CounterVec
	taskDuration     prometheus.Histogram
	agentInvocations *prometheus.CounterVec
	activeSessions   prometheus.Gauge
	busyWorkers      prometheus.Gauge
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentfabric_tasks_total",
				Help: "Tasks popped from the queue by outcome.",
			},
			[]string{"outcome"},
		),
		taskDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "agentfabric_task_duration_seconds",
				Help:    "Wall-clock time from pop to final response.",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
		),
		agentInvocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentfabric_agent_invocations_total",
				Help: "Agent invocations by kind and outcome.",
			},
			[]string{"agent", "outcome"},
		),
		activeSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentfabric_active_sessions",
				Help: "Sessions held in the registry.",
			},
		),
		busyWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentfabric_busy_workers",
				Help: "Workers currently processing a task.",
			},
		),
	}
	m.registry.MustRegister(
		m.tasksTotal,
		m.taskDuration,
		m.agentInvocations,
		m.activeSessions,
		m.busyWorkers,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// TaskDone records a finished task.
func (m *Metrics) TaskDone(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.tasksTotal.WithLabelValues(outcome).Inc()
	if outcome != OutcomeDropped {
		m.taskDuration.Observe(elapsed.Seconds())
	}
}

// AgentInvoked records one agent invocation.
func (m *Metrics) AgentInvoked(agent string, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	m.agentInvocations.WithLabelValues(agent, outcome).Inc()
}

// SetActiveSessions reports the registry size.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

// WorkerBusy adjusts the busy worker gauge by delta.
func (m *Metrics) WorkerBusy(delta int) {
	if m == nil {
		return
	}
	m.busyWorkers.Add(float64(delta))
}
