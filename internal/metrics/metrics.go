// Package metrics exports engine counters and latencies to Prometheus.
//
// All methods are safe on a nil *Metrics, so instrumented code does not
// need to check whether metrics are enabled.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "vmrun"

type Metrics struct {
	Compilations      *prometheus.CounterVec
	CompileDuration   prometheus.Histogram
	Renders           *prometheus.CounterVec
	RenderDuration    *prometheus.HistogramVec
	ResolutionLookups *prometheus.CounterVec
	ModuleEvaluations *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Compilations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compilations_total",
				Help:      "Module compilations by outcome.",
			},
			[]string{"status"},
		),
		CompileDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "compile_duration_seconds",
				Help:      "Time spent compiling a module.",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
			},
		),
		Renders: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "renders_total",
				Help:      "Render invocations by isolation mode and outcome.",
			},
			[]string{"isolation", "status"},
		),
		RenderDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "render_duration_seconds",
				Help:      "Time from render call to settlement.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"isolation"},
		),
		ResolutionLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resolution_lookups_total",
				Help:      "External module resolution cache lookups.",
			},
			[]string{"result"},
		),
		ModuleEvaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "module_evaluations_total",
				Help:      "Module bodies executed, by module kind.",
			},
			[]string{"kind"},
		),
	}

	reg.MustRegister(
		m.Compilations,
		m.CompileDuration,
		m.Renders,
		m.RenderDuration,
		m.ResolutionLookups,
		m.ModuleEvaluations,
	)
	return m
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) ObserveCompile(id string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.Compilations.WithLabelValues(status(err)).Inc()
	m.CompileDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveRender(isolation string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.Renders.WithLabelValues(isolation, status(err)).Inc()
	m.RenderDuration.WithLabelValues(isolation).Observe(d.Seconds())
}

func (m *Metrics) ObserveResolution(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.ResolutionLookups.WithLabelValues(result).Inc()
}

// ObserveEvaluation counts one module body execution. kind is "bundle",
// "file", "json" or "native".
func (m *Metrics) ObserveEvaluation(kind string) {
	if m == nil {
		return
	}
	m.ModuleEvaluations.WithLabelValues(kind).Inc()
}
