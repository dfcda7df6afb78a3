package bss

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeConverged = "converged"
	outcomeFailed    = "failed"
	outcomeCached    = "cached"
)

// Metrics exposes pipeline progress to Prometheus. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	runs       *prometheus.CounterVec
	stages     *prometheus.HistogramVec
	clusters   prometheus.Gauge
	candidates prometheus.Gauge
	pipelines  *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "icasar",
			Name:      "ica_runs_total",
			Help:      "ICA runs by outcome.",
		}, []string{"outcome"}),
		stages: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "icasar",
			Name:      "stage_duration_seconds",
			Help:      "Wall time of each pipeline stage.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"stage"}),
		clusters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "icasar",
			Name:      "realized_clusters",
			Help:      "Consensus clusters found by the last pipeline run.",
		}),
		candidates: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "icasar",
			Name:      "candidate_pool_size",
			Help:      "Component vectors pooled by the last pipeline run.",
		}),
		pipelines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "icasar",
			Name:      "pipeline_runs_total",
			Help:      "Pipeline invocations by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.runs, m.stages, m.clusters, m.candidates, m.pipelines)
	}
	return m
}

// RunOutcome counts one ICA run.
func (m *Metrics) RunOutcome(outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
}

// ObserveStage records how long a stage took.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.WithLabelValues(stage).Observe(d.Seconds())
}

// timeStage starts a stage timer; call the returned func when it ends.
func (m *Metrics) timeStage(stage string) func() {
	start := time.Now()
	return func() { m.ObserveStage(stage, time.Since(start)) }
}

// SetPoolStats records the outcome of the last consensus step.
func (m *Metrics) SetPoolStats(candidates, clusters int) {
	if m == nil {
		return
	}
	m.candidates.Set(float64(candidates))
	m.clusters.Set(float64(clusters))
}

// PipelineResult counts one finished pipeline ("ok", "empty" or "error").
func (m *Metrics) PipelineResult(result string) {
	if m == nil {
		return
	}
	m.pipelines.WithLabelValues(result).Inc()
}
