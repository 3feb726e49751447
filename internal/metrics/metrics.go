// Package metrics holds the Prometheus collectors for enqueue and sync
// activity.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "imagesync"

// Registry is the registry every collector in this package is attached to.
var Registry = prometheus.NewRegistry()

var (
	enqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "enqueue",
			Name:      "decisions_total",
			Help:      "Enqueue decisions by producer and dedup outcome.",
		},
		[]string{"producer", "outcome"},
	)

	pullSuccess = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "pull_success_total",
			Help:      "Total number of successful image pulls.",
		},
		[]string{"image"},
	)

	pullError = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "pull_error_total",
			Help:      "Total number of failed image pulls.",
		},
		[]string{"image"},
	)

	pushSuccess = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "push_success_total",
			Help:      "Total number of images pushed to a target registry.",
		},
		[]string{"target"},
	)

	pushError = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "push_error_total",
			Help:      "Total number of entries that failed between login and push.",
		},
		[]string{"target"},
	)

	skipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "skipped_total",
			Help:      "Entries skipped because the target already holds the image.",
		},
		[]string{"target"},
	)

	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "run_duration_seconds",
			Help:      "Duration of sync runs per target.",
			Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		},
		[]string{"target", "status"},
	)
)

func init() {
	Registry.MustRegister(
		enqueued, pullSuccess, pullError, pushSuccess, pushError, skipped, runDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// RecordEnqueue counts one enqueue decision.
func RecordEnqueue(producer, outcome string) {
	if producer == "" {
		producer = "unknown"
	}
	enqueued.WithLabelValues(producer, outcome).Inc()
}

// RecordPullSuccess increments the pull success counter for image.
func RecordPullSuccess(image string) {
	if image == "" {
		return
	}
	pullSuccess.WithLabelValues(image).Inc()
}

// RecordPullError increments the pull error counter for image.
func RecordPullError(image string) {
	if image == "" {
		return
	}
	pullError.WithLabelValues(image).Inc()
}

// RecordPushSuccess increments the push counter for target.
func RecordPushSuccess(target string) {
	pushSuccess.WithLabelValues(target).Inc()
}

// RecordPushError increments the push error counter for target.
func RecordPushError(target string) {
	pushError.WithLabelValues(target).Inc()
}

// RecordSkip counts an entry skipped by the pushed pre-check.
func RecordSkip(target string) {
	skipped.WithLabelValues(target).Inc()
}

// ObserveRun records the duration of a finished sync run.
func ObserveRun(target, status string, seconds float64) {
	runDuration.WithLabelValues(target, status).Observe(seconds)
}

// Handler serves Registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// WriteTextfile writes the current metrics to path for the node_exporter
// textfile collector. Empty path is a no-op.
func WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, Registry)
}

// Reset clears internal metrics state. It is intended for use in tests only.
func Reset() {
	enqueued.Reset()
	pullSuccess.Reset()
	pullError.Reset()
	pushSuccess.Reset()
	pushError.Reset()
	skipped.Reset()
	runDuration.Reset()
}

// EnqueueCounter returns the underlying enqueue decision counter.
func EnqueueCounter() *prometheus.CounterVec { return enqueued }

// PullSuccessCounter returns the underlying pull success counter.
func PullSuccessCounter() *prometheus.CounterVec { return pullSuccess }

// PullErrorCounter returns the underlying pull error counter.
func PullErrorCounter() *prometheus.CounterVec { return pullError }

// PushSuccessCounter returns the underlying push success counter.
func PushSuccessCounter() *prometheus.CounterVec { return pushSuccess }

// PushErrorCounter returns the underlying push error counter.
func PushErrorCounter() *prometheus.CounterVec { return pushError }

// SkipCounter returns the underlying skip counter.
func SkipCounter() *prometheus.CounterVec { return skipped }
