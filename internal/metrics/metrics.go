// Package metrics turns pipeline lifecycle events into Prometheus metrics.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aristath/agentpipe/internal/events"
)

const namespace = "agentpipe"

// Collector is an events.Sink that records run and agent metrics.
type Collector struct {
	gatherer prometheus.Gatherer

	RunsTotal          *prometheus.CounterVec
	RunDuration        *prometheus.HistogramVec
	ActiveRuns         *prometheus.GaugeVec
	AgentsTotal        *prometheus.CounterVec
	AgentDuration      *prometheus.HistogramVec
	QualityGateFailure *prometheus.CounterVec
	StepQuality        prometheus.Histogram

	mu    sync.Mutex
	kinds map[string]string // pipeline ID -> kind, for runs in flight
}

var _ events.Sink = (*Collector)(nil)

// NewCollector registers the metrics with reg. A nil reg gets a fresh
// private registry.
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Collector{
		gatherer: reg,
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "runs_total",
				Help:      "Finished pipeline runs by kind and status",
			},
			[]string{"kind", "status"},
		),
		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "run_duration_seconds",
				Help:      "Pipeline run duration in seconds",
				Buckets:   []float64{0.1, 1, 5, 30, 60, 300, 900, 3600},
			},
			[]string{"kind", "status"},
		),
		ActiveRuns: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "active_runs",
				Help:      "Pipeline runs currently in progress",
			},
			[]string{"kind"},
		),
		AgentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "agent",
				Name:      "executions_total",
				Help:      "Agent executions by agent key and status",
			},
			[]string{"agent_key", "status"},
		),
		AgentDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "agent",
				Name:      "duration_seconds",
				Help:      "Agent execution duration in seconds",
				Buckets:   []float64{0.05, 0.25, 1, 5, 15, 60, 300},
			},
			[]string{"agent_key"},
		),
		QualityGateFailure: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "agent",
				Name:      "quality_gate_failures_total",
				Help:      "Sequential steps rejected by the quality gate",
			},
			[]string{"agent_key"},
		),
		StepQuality: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "agent",
				Name:      "step_quality",
				Help:      "Quality score of accepted sequential steps",
				Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
			},
		),
		kinds: make(map[string]string),
	}
}

// Emit implements events.Sink.
func (c *Collector) Emit(e events.Event) {
	switch ev := e.(type) {
	case events.PipelineStartedEvent:
		c.mu.Lock()
		c.kinds[ev.ID] = ev.Kind
		c.mu.Unlock()
		c.ActiveRuns.WithLabelValues(ev.Kind).Inc()

	case events.AgentCompletedEvent:
		c.AgentsTotal.WithLabelValues(ev.AgentKey, "completed").Inc()
		c.AgentDuration.WithLabelValues(ev.AgentKey).Observe(ev.Duration.Seconds())
		if c.kindOf(ev.ID) == events.KindSequential {
			c.StepQuality.Observe(ev.Quality)
		}

	case events.AgentFailedEvent:
		c.AgentsTotal.WithLabelValues(ev.AgentKey, "failed").Inc()
		c.AgentDuration.WithLabelValues(ev.AgentKey).Observe(ev.Duration.Seconds())
		if ev.QualityGate {
			c.QualityGateFailure.WithLabelValues(ev.AgentKey).Inc()
		}

	case events.PipelineCompletedEvent:
		c.finish(ev.ID, "completed", ev.Duration.Seconds())

	case events.PipelineFailedEvent:
		c.finish(ev.ID, "failed", ev.Duration.Seconds())
	}
}

func (c *Collector) kindOf(id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kinds[id]
}

func (c *Collector) finish(id, status string, seconds float64) {
	c.mu.Lock()
	kind, started := c.kinds[id]
	delete(c.kinds, id)
	c.mu.Unlock()

	if started {
		c.ActiveRuns.WithLabelValues(kind).Dec()
	} else {
		// Failed validation: no PIPELINE_STARTED was emitted.
		kind = "unknown"
	}
	c.RunsTotal.WithLabelValues(kind, status).Inc()
	c.RunDuration.WithLabelValues(kind, status).Observe(seconds)
}

// WriteToTextfile writes all metrics in the text exposition format, for the
// node_exporter textfile collector.
func (c *Collector) WriteToTextfile(path string) error {
	return prometheus.WriteToTextfile(path, c.gatherer)
}

// Handler serves the collected metrics over HTTP.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
