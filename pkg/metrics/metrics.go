package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pipeline manager metrics

	PipelineCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pipeline_cycle_duration_seconds",
			Help:    "Time taken for one pipeline manager main-loop cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	PipelineQueueLength = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_queue_length",
			Help: "Number of items currently in a pipeline's change queue",
		},
		[]string{"tenant", "pipeline"},
	)

	PipelineWindowSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_window_size",
			Help: "Current AIMD window size for a dependent pipeline's change queue",
		},
		[]string{"tenant", "pipeline"},
	)

	PipelineItemsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_items_enqueued_total",
			Help: "Total number of queue items enqueued by tenant and pipeline",
		},
		[]string{"tenant", "pipeline"},
	)

	PipelineItemResultTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_item_result_total",
			Help: "Total number of completed queue items by result",
		},
		[]string{"tenant", "pipeline", "result"},
	)

	PipelineLockHeld = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_lock_held",
			Help: "Whether this replica currently holds a pipeline's lock (1) or not (0)",
		},
		[]string{"tenant", "pipeline"},
	)

	// Change queue / dependency resolution metrics

	ChangequeueResidenceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "changequeue_residence_duration_seconds",
			Help:    "Time a queue item spent in the change queue before reporting",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 600, 1800, 3600},
		},
		[]string{"tenant", "pipeline"},
	)

	ChangequeueRefreshDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "changequeue_dependency_refresh_duration_seconds",
			Help:    "Time taken to resolve a change's dependency graph",
			Buckets: prometheus.DefBuckets,
		},
	)

	ChangequeueRefreshTooManyDependenciesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "changequeue_refresh_too_many_dependencies_total",
			Help: "Total number of dependency refreshes aborted for exceeding the configured bound",
		},
	)

	// Node request service metrics

	NoderequestSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "noderequest_submitted_total",
			Help: "Total number of node requests submitted by nodeset",
		},
		[]string{"nodeset"},
	)

	NoderequestOutstanding = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "noderequest_outstanding",
			Help: "Number of node requests not yet in a terminal state",
		},
	)

	NoderequestFulfillmentDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "noderequest_fulfillment_duration_seconds",
			Help:    "Time from node request submission to a terminal state",
			Buckets: prometheus.DefBuckets,
		},
	)

	NoderequestOrphanedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "noderequest_orphaned_total",
			Help: "Total number of node requests resubmitted by recovery after their requester vanished",
		},
	)

	// Executor dispatch metrics

	ExecutorQueueLength = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "executor_queue_length",
			Help: "Number of build requests queued per zone",
		},
		[]string{"zone"},
	)

	ExecutorDispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "executor_dispatch_duration_seconds",
			Help:    "Time from build request submission to an executor picking it up",
			Buckets: prometheus.DefBuckets,
		},
	)

	ExecutorResultTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "executor_result_total",
			Help: "Total number of completed build requests by result",
		},
		[]string{"zone", "result"},
	)

	ExecutorLostTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "executor_lost_total",
			Help: "Total number of build requests found lost (running/paused with no executor lease)",
		},
		[]string{"zone"},
	)

	// Reporter metrics

	ReporterAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reporter_attempts_total",
			Help: "Total number of reporter invocations by reporter name and outcome",
		},
		[]string{"reporter", "outcome"},
	)

	ReporterDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reporter_duration_seconds",
			Help:    "Time taken for a reporter invocation, including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"reporter"},
	)

	// Raft / coordination store metrics (zkstore is raft-backed).

	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "raft_is_leader",
			Help: "Whether this replica is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "raft_apply_duration_seconds",
			Help:    "Time taken to apply a Raft log entry",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		PipelineCycleDuration,
		PipelineQueueLength,
		PipelineWindowSize,
		PipelineItemsEnqueuedTotal,
		PipelineItemResultTotal,
		PipelineLockHeld,
		ChangequeueResidenceDuration,
		ChangequeueRefreshDuration,
		ChangequeueRefreshTooManyDependenciesTotal,
		NoderequestSubmittedTotal,
		NoderequestOutstanding,
		NoderequestFulfillmentDuration,
		NoderequestOrphanedTotal,
		ExecutorQueueLength,
		ExecutorDispatchDuration,
		ExecutorResultTotal,
		ExecutorLostTotal,
		ReporterAttemptsTotal,
		ReporterDuration,
		RaftLeader,
		RaftApplyDuration,
	)
}

// Handler returns the Prometheus scrape handler.
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

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
