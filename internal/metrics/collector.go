// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector exposes the runtime's Prometheus metrics. A nil *Collector is a
// valid no-op so callers never need to guard instrumentation sites.
type Collector struct {
	runsTotal       *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	chunksTotal     *prometheus.CounterVec
	interruptsTotal *prometheus.CounterVec
	resumesTotal    *prometheus.CounterVec
	storeFailures   *prometheus.CounterVec
}

// NewCollector registers the runtime metrics on reg. Pass
// prometheus.DefaultRegisterer in production; tests use a fresh registry to
// avoid duplicate registration across cases.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of orchestrated runs by outcome",
			},
			[]string{"outcome"},
		),
		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Run duration from first to terminal chunk",
				Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"outcome"},
		),
		chunksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chunks_total",
				Help:      "Total number of stream chunks emitted by type",
			},
			[]string{"type"},
		),
		interruptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "interrupts_total",
				Help:      "Total number of interrupts persisted for human input",
			},
			[]string{"workflow"},
		),
		resumesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resumes_total",
				Help:      "Total number of resume attempts by result",
			},
			[]string{"result"},
		),
		storeFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_failures_total",
				Help:      "Total number of non-fatal persistence failures",
			},
			[]string{"op"},
		),
	}
}

// RunFinished records one completed run and its duration.
func (c *Collector) RunFinished(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.runsTotal.WithLabelValues(outcome).Inc()
	c.runDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// ChunkEmitted records one outward chunk.
func (c *Collector) ChunkEmitted(chunkType string) {
	if c == nil {
		return
	}
	c.chunksTotal.WithLabelValues(chunkType).Inc()
}

// InterruptCreated records one persisted interrupt.
func (c *Collector) InterruptCreated(workflow string) {
	if c == nil {
		return
	}
	c.interruptsTotal.WithLabelValues(workflow).Inc()
}

// ResumeAttempt records one resume attempt; result is one of "resumed",
// "invalid", "cancelled".
func (c *Collector) ResumeAttempt(result string) {
	if c == nil {
		return
	}
	c.resumesTotal.WithLabelValues(result).Inc()
}

// StoreFailure records one non-fatal persistence failure.
func (c *Collector) StoreFailure(op string) {
	if c == nil {
		return
	}
	c.storeFailures.WithLabelValues(op).Inc()
}
