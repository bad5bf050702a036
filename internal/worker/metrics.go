package worker

import (
	"github.com/dunamismax/greyflow/internal/pipeline"
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	runsTotal        *prometheus.CounterVec
	runDuration      *prometheus.HistogramVec
	activeRuns       prometheus.Gauge
	sourceBytesTotal prometheus.Counter
	outputBytesTotal prometheus.Counter
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "greyflow_runs_total",
			Help: "Total pipeline runs by outcome and failure kind.",
		}, []string{"outcome", "kind"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "greyflow_run_duration_seconds",
			Help:    "End to end duration of each pipeline run.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "greyflow_active_runs",
			Help: "Current number of pipeline runs in flight.",
		}),
		sourceBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "greyflow_source_bytes_total",
			Help: "Total source bytes collected by successful runs.",
		}),
		outputBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "greyflow_output_bytes_total",
			Help: "Total encoded bytes published by successful runs.",
		}),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.runsTotal,
			m.runDuration,
			m.activeRuns,
			m.sourceBytesTotal,
			m.outputBytesTotal,
		)
	}
	return m
}

func (m *Metrics) observe(out pipeline.Outcome) {
	status := string(out.Status)
	kind := "none"
	if out.Err != nil {
		kind = string(out.Err.Kind)
	}

	m.runsTotal.WithLabelValues(status, kind).Inc()
	m.runDuration.WithLabelValues(status).Observe(out.Duration.Seconds())
	if out.Succeeded() {
		m.sourceBytesTotal.Add(float64(out.SourceBytes))
		m.outputBytesTotal.Add(float64(out.OutputBytes))
	}
}
