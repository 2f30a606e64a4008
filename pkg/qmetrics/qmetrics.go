// Package qmetrics exposes Prometheus instrumentation for the queue: counts
// and latencies for enqueue, reservation, and outcome recording.
package qmetrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TasksEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskqueue_tasks_enqueued_total",
			Help: "Total number of tasks enqueued",
		},
	)

	TasksReservedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskqueue_tasks_reserved_total",
			Help: "Total number of tasks reserved across all Reserve calls",
		},
	)

	TasksSucceededTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskqueue_tasks_succeeded_total",
			Help: "Total number of tasks that reached the success state",
		},
	)

	TasksFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskqueue_tasks_failed_total",
			Help: "Total number of tasks that reached the failed state",
		},
	)

	TaskExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskqueue_task_execution_duration_seconds",
			Help:    "Time from reservation to terminal outcome, by outcome",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	ReservationBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskqueue_reservation_batch_size",
			Help:    "Number of rows returned by a single Reserve call",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100},
		},
	)

	ActiveExecutors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskqueue_active_executors",
			Help: "Number of executors currently running a task",
		},
	)

	StoreUnavailableTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskqueue_store_unavailable_total",
			Help: "Total number of StoreUnavailable errors observed by the worker",
		},
	)

	TasksPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskqueue_tasks_pending",
			Help: "Current number of pending rows, sampled periodically",
		},
	)

	TasksInProgress = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskqueue_tasks_in_progress",
			Help: "Current number of in_progress rows, sampled periodically",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TasksEnqueuedTotal,
		TasksReservedTotal,
		TasksSucceededTotal,
		TasksFailedTotal,
		TaskExecutionDuration,
		ReservationBatchSize,
		ActiveExecutors,
		StoreUnavailableTotal,
		TasksPending,
		TasksInProgress,
	)
}

// Handler returns the Prometheus HTTP handler for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDurationVec records the elapsed time to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
