/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package dbpatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus labels.
const (
	MetricsLabelStatus = "status"
	MetricsLabelState  = "state"
)

// MetricsCollector receives observations about patch runs.
type MetricsCollector interface {
	// ObservePatch is called once per attempted patch with its final status.
	ObservePatch(status string, duration time.Duration)
	// ObserveRun is called once per run with its terminal state.
	ObserveRun(state string)
}

// DisabledMetrics is a MetricsCollector that does nothing.
type DisabledMetrics struct{}

// ObservePatch implements MetricsCollector.
func (DisabledMetrics) ObservePatch(string, time.Duration) {}

// ObserveRun implements MetricsCollector.
func (DisabledMetrics) ObserveRun(string) {}

// PrometheusMetricsOpts represents options for PrometheusMetrics.
type PrometheusMetricsOpts struct {
	// Namespace is a namespace for metrics. It will be prepended to all metric names.
	Namespace string

	// ApplyDurationBuckets is a list of buckets for the patch apply duration histogram.
	// By default, the value of DefaultApplyDurationBuckets is used.
	ApplyDurationBuckets []float64

	// ConstLabels is a set of labels that will be applied to all metrics.
	ConstLabels prometheus.Labels
}

// DefaultApplyDurationBuckets is default buckets for the patch apply duration histogram.
var DefaultApplyDurationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300}

// PrometheusMetrics represents a collector of Prometheus metrics for patch runs.
type PrometheusMetrics struct {
	PatchApplyDuration *prometheus.HistogramVec
	RunsTotal          *prometheus.CounterVec
}

var _ MetricsCollector = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics creates a new metrics collector with default options.
func NewPrometheusMetrics() *PrometheusMetrics {
	return NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{})
}

// NewPrometheusMetricsWithOpts is a more configurable version of creating PrometheusMetrics.
func NewPrometheusMetricsWithOpts(opts PrometheusMetricsOpts) *PrometheusMetrics {
	buckets := opts.ApplyDurationBuckets
	if buckets == nil {
		buckets = DefaultApplyDurationBuckets
	}
	patchApplyDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   opts.Namespace,
		Name:        "db_patch_apply_duration_seconds",
		Help:        "A histogram of the SQL patch apply durations by final status.",
		Buckets:     buckets,
		ConstLabels: opts.ConstLabels,
	}, []string{MetricsLabelStatus})
	runsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   opts.Namespace,
		Name:        "db_patch_runs_total",
		Help:        "Number of SQL patch runs by terminal state.",
		ConstLabels: opts.ConstLabels,
	}, []string{MetricsLabelState})
	return &PrometheusMetrics{PatchApplyDuration: patchApplyDuration, RunsTotal: runsTotal}
}

// MustRegister registers all metrics in the default Prometheus registry.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(pm.PatchApplyDuration, pm.RunsTotal)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.PatchApplyDuration)
	prometheus.Unregister(pm.RunsTotal)
}

// ObservePatch implements MetricsCollector.
func (pm *PrometheusMetrics) ObservePatch(status string, duration time.Duration) {
	pm.PatchApplyDuration.With(prometheus.Labels{MetricsLabelStatus: status}).Observe(duration.Seconds())
}

// ObserveRun implements MetricsCollector.
func (pm *PrometheusMetrics) ObserveRun(state string) {
	pm.RunsTotal.With(prometheus.Labels{MetricsLabelState: state}).Inc()
}
