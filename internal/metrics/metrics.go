// Package metrics exposes Prometheus metrics for analysis runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "camtrace"

// AnalysisMetrics holds the metrics recorded by the analysis pipeline.
type AnalysisMetrics struct {
	RunsTotal        *prometheus.CounterVec
	EventsTotal      *prometheus.CounterVec
	SessionsTotal    *prometheus.CounterVec
	CapturesTotal    *prometheus.CounterVec
	CaptureScore     prometheus.Histogram
	StageDuration    *prometheus.HistogramVec
	LastRunTimestamp prometheus.Gauge
	registry         *prometheus.Registry
}

// NewAnalysisMetrics registers the metrics on reg. A nil reg gets a fresh
// registry so independent analyzers never collide.
func NewAnalysisMetrics(reg *prometheus.Registry) *AnalysisMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &AnalysisMetrics{
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "runs_total",
			Help:      "Total number of analysis runs by outcome.",
		}, []string{"outcome"}), // outcome: ok, error, canceled
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "events_total",
			Help:      "Total number of input events by disposition.",
		}, []string{"status"}), // status: accepted, skipped, duplicate
		SessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "detected_total",
			Help:      "Total number of camera sessions by incomplete reason.",
		}, []string{"reason"}),
		CapturesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "captures",
			Name:      "detected_total",
			Help:      "Total number of captures by strategy.",
		}, []string{"strategy"}),
		CaptureScore: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "captures",
			Name:      "score",
			Help:      "Confidence score of detected captures.",
			Buckets:   []float64{0.25, 0.5, 0.75, 1, 1.25, 1.5, 2, 2.5, 3},
		}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "stage_duration_seconds",
			Help:      "Duration of each pipeline stage.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"stage"}),
		LastRunTimestamp: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time of the last completed run.",
		}),
		registry: reg,
	}
}

// Registry returns the registry the metrics are registered on.
func (m *AnalysisMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *AnalysisMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveStage records how long a stage took since start.
func (m *AnalysisMetrics) ObserveStage(stage string, start time.Time) {
	m.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}
