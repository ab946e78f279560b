package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pool's Prometheus instruments. A nil *Metrics is valid
// and records nothing, which keeps tests free of registry collisions.
type Metrics struct {
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration prometheus.Histogram
	SlotsBusy         prometheus.Gauge
}

// NewMetrics creates and registers the pool metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ExecutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runner_executions_total",
				Help: "Total executions by outcome",
			},
			[]string{"outcome"}, // success, timeout, saturation, sandbox_error
		),
		ExecutionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "runner_execution_duration_seconds",
				Help:    "Wall-clock duration of sandbox executions",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),
		SlotsBusy: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "runner_slots_busy",
				Help: "Number of sandbox slots currently executing",
			},
		),
	}
}

// RecordExecution records one completed (or refused) execution.
func (m *Metrics) RecordExecution(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(outcome).Inc()
	if outcome != "saturation" {
		m.ExecutionDuration.Observe(seconds)
	}
}

// SetBusySlots updates the busy-slot gauge.
func (m *Metrics) SetBusySlots(n int) {
	if m == nil {
		return
	}
	m.SlotsBusy.Set(float64(n))
}
