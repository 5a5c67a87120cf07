package core

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"prefabcore/internal/propagation"
)

// PrometheusMetricsRecorder exports operation and propagation metrics on its
// own registry. It satisfies MetricsRecorder and propagation.Observer; when
// passed to WithMetricsRecorder it observes every drain as well.
type PrometheusMetricsRecorder struct {
	registry          *prometheus.Registry
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	drainsTotal       prometheus.Counter
	drainDuration     prometheus.Histogram
	rebuiltTotal      prometheus.Counter
	failuresTotal     prometheus.Counter
	overlapsTotal     prometheus.Counter
	templatesPerDrain prometheus.Histogram
}

var _ propagation.Observer = (*PrometheusMetricsRecorder)(nil)

// NewPrometheusMetricsRecorder creates the collectors and registers them on
// a fresh registry.
func NewPrometheusMetricsRecorder() *PrometheusMetricsRecorder {
	r := &PrometheusMetricsRecorder{
		registry: prometheus.NewRegistry(),
		operationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prefabcore_operations_total",
				Help: "Total number of service operations by result",
			},
			[]string{"operation", "status"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "prefabcore_operation_duration_seconds",
				Help:    "Duration of service operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		drainsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prefabcore_propagation_drains_total",
			Help: "Total number of propagation drains",
		}),
		drainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "prefabcore_propagation_drain_duration_seconds",
			Help:    "Duration of propagation drains in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		rebuiltTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prefabcore_propagation_instances_rebuilt_total",
			Help: "Total number of instances rebuilt by propagation",
		}),
		failuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prefabcore_propagation_failures_total",
			Help: "Total number of templates or instances that failed to propagate",
		}),
		overlapsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prefabcore_propagation_overlapping_edits_total",
			Help: "Total number of overlapping edit pairs seen in drained batches",
		}),
		templatesPerDrain: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "prefabcore_propagation_templates_per_drain",
			Help:    "Number of affected templates per drain",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		}),
	}
	r.registry.MustRegister(
		r.operationsTotal,
		r.operationDuration,
		r.drainsTotal,
		r.drainDuration,
		r.rebuiltTotal,
		r.failuresTotal,
		r.overlapsTotal,
		r.templatesPerDrain,
	)
	return r
}

// Registry returns the registry holding the recorder's collectors.
func (r *PrometheusMetricsRecorder) Registry() *prometheus.Registry {
	return r.registry
}

// Observe records a service operation outcome.
func (r *PrometheusMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	r.operationsTotal.WithLabelValues(operation, statusLabel(success)).Inc()
	r.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveDrain records one propagation drain.
func (r *PrometheusMetricsRecorder) ObserveDrain(report propagation.Report, duration time.Duration) {
	r.drainsTotal.Inc()
	r.drainDuration.Observe(duration.Seconds())
	r.rebuiltTotal.Add(float64(report.Rebuilt))
	r.failuresTotal.Add(float64(len(report.Failures)))
	r.overlapsTotal.Add(float64(len(report.Overlaps)))
	r.templatesPerDrain.Observe(float64(len(report.Templates)))
}
