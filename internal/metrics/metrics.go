// Package metrics defines the Prometheus metrics the API and
// scheduler processes expose on /metrics (§6, §7 observability
// surface the spec's error-handling/propagation sections assume).
//
// Metrics are registered with the controller-runtime default registry
// so the scheduler's own k8s backend metrics (reconcile loop, client
// calls) land in the same registry without a second HTTP handler.
//
// Grounded on the teacher's internal/metrics package (same
// CounterVec/HistogramVec-plus-init()-registration shape), metric
// names switched from the teacher's infraagent_ prefix to thorium_.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	// RequestsTotal counts API requests by route and outcome kind
	// (§7 error kinds, or "ok").
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thorium_api_requests_total",
			Help: "Total API requests by route and outcome.",
		},
		[]string{"route", "outcome"},
	)

	// RequestDurationSeconds is a histogram of request handling time
	// by route.
	RequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "thorium_api_request_duration_seconds",
			Help:    "Duration of API requests in seconds.",
			Buckets: []float64{.005, .025, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"route"},
	)

	// ReconcileTotal counts scheduler reconcile ticks by outcome.
	ReconcileTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thorium_scheduler_reconcile_total",
			Help: "Total scheduler reconcile ticks by outcome.",
		},
		[]string{"outcome"},
	)

	// ReconcileDurationSeconds is a histogram of reconcile tick
	// duration.
	ReconcileDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "thorium_scheduler_reconcile_duration_seconds",
			Help:    "Duration of scheduler reconcile ticks in seconds.",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 30},
		},
	)

	// WorkersSpawnedTotal counts worker spawns by backend and group.
	WorkersSpawnedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thorium_scheduler_workers_spawned_total",
			Help: "Total workers spawned by backend and group.",
		},
		[]string{"backend", "group"},
	)

	// ImageBansTotal counts images banned by the reconciler after a
	// terminal spawn error.
	ImageBansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thorium_scheduler_image_bans_total",
			Help: "Total images banned after a terminal spawn error.",
		},
		[]string{"group", "image"},
	)
)

func init() {
	ctrlmetrics.Registry.MustRegister(
		RequestsTotal,
		RequestDurationSeconds,
		ReconcileTotal,
		ReconcileDurationSeconds,
		WorkersSpawnedTotal,
		ImageBansTotal,
	)
}

// RecordRequest records one completed API request.
func RecordRequest(route, outcome string, d time.Duration) {
	RequestsTotal.WithLabelValues(route, outcome).Inc()
	RequestDurationSeconds.WithLabelValues(route).Observe(d.Seconds())
}

// RecordReconcile records one completed scheduler reconcile tick.
func RecordReconcile(outcome string, d time.Duration) {
	ReconcileTotal.WithLabelValues(outcome).Inc()
	ReconcileDurationSeconds.Observe(d.Seconds())
}

// RecordWorkerSpawn records one worker handed to a backend.
func RecordWorkerSpawn(backend, group string) {
	WorkersSpawnedTotal.WithLabelValues(backend, group).Inc()
}

// RecordImageBan records one image ban.
func RecordImageBan(group, image string) {
	ImageBansTotal.WithLabelValues(group, image).Inc()
}
