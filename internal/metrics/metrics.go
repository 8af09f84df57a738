// Package metrics exposes the kernel's Prometheus instrumentation:
// workflow stage throughput and duration, retry counts, escalation
// counts, and stale-sweep activity. Each Metrics value owns its own
// prometheus.Registry rather than the global default, so instances
// never collide across tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stationkernel/pkg/models"
)

// Metrics is the kernel's Prometheus metrics set.
type Metrics struct {
	registry *prometheus.Registry

	stageDuration   *prometheus.HistogramVec
	stageOutcomes   *prometheus.CounterVec
	retries         prometheus.Counter
	escalations     prometheus.Counter
	staleSweeps     prometheus.Counter
	instancesStale  prometheus.Counter
	workflowsActive prometheus.Gauge
}

// New builds a Metrics set registered against a fresh registry (not the
// global default one, so multiple Metrics instances never collide in
// tests).
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "stationkernel",
		Subsystem: "workflow",
		Name:      "stage_duration_seconds",
		Help:      "Stage execution duration in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"stage"})

	m.stageOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stationkernel",
		Subsystem: "workflow",
		Name:      "stage_outcomes_total",
		Help:      "Stage completions by stage and outcome",
	}, []string{"stage", "outcome"})

	m.retries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "stationkernel",
		Subsystem: "workflow",
		Name:      "retries_total",
		Help:      "Total retry decisions made by the Error Handler",
	})

	m.escalations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "stationkernel",
		Subsystem: "workflow",
		Name:      "escalations_total",
		Help:      "Total escalations made by the Error Handler",
	})

	m.staleSweeps = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "stationkernel",
		Subsystem: "registry",
		Name:      "stale_sweeps_total",
		Help:      "Total stale-sweep runs",
	})

	m.instancesStale = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "stationkernel",
		Subsystem: "registry",
		Name:      "instances_marked_stale_total",
		Help:      "Total instances marked stale across all sweeps",
	})

	m.workflowsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "stationkernel",
		Subsystem: "workflow",
		Name:      "active",
		Help:      "Workflows currently in a non-terminal stage",
	})

	m.registry.MustRegister(
		m.stageDuration, m.stageOutcomes, m.retries, m.escalations,
		m.staleSweeps, m.instancesStale, m.workflowsActive,
	)
	return m
}

// Handler exposes the registry over the Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveStage records one stage's duration and success/failure outcome.
func (m *Metrics) ObserveStage(stage models.Stage, durationSeconds float64, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.stageDuration.WithLabelValues(string(stage)).Observe(durationSeconds)
	m.stageOutcomes.WithLabelValues(string(stage), outcome).Inc()
}

// IncRetry records one Error Handler retry decision.
func (m *Metrics) IncRetry() { m.retries.Inc() }

// IncEscalation records one Error Handler escalation decision.
func (m *Metrics) IncEscalation() { m.escalations.Inc() }

// ObserveSweep records one stale-sweep run and the instances it marked.
func (m *Metrics) ObserveSweep(staleCount int) {
	m.staleSweeps.Inc()
	m.instancesStale.Add(float64(staleCount))
}

// SetActiveWorkflows reports the current count of non-terminal workflows.
func (m *Metrics) SetActiveWorkflows(n int) {
	m.workflowsActive.Set(float64(n))
}
