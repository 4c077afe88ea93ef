/*
Package metrics provides Prometheus metrics collection and exposition for
the conveyor scheduling core.

The metrics package registers all pipeline-manager, change-queue,
node-request, executor-dispatch, reporter, and coordination-store metrics
using the Prometheus client library, plus a Collector that scrapes
per-pipeline queue summaries out of the coordination store on a ticker and
republishes them as gauges regardless of which replica is handling traffic.

# Families

Pipeline manager:

	pipeline_cycle_duration_seconds            histogram, no labels
	  - one main-loop cycle (drain queues + advance every item)
	pipeline_queue_length{tenant,pipeline}      gauge
	pipeline_window_size{tenant,pipeline}       gauge
	  - current AIMD window for a dependent pipeline's change queue
	pipeline_items_enqueued_total{tenant,pipeline}        counter
	pipeline_item_result_total{tenant,pipeline,result}    counter
	pipeline_lock_held{tenant,pipeline}          gauge (1 held / 0 not)

Change queue / dependency resolution:

	changequeue_residence_duration_seconds{tenant,pipeline}   histogram
	  - time a queue item spends in queue before reporting
	changequeue_dependency_refresh_duration_seconds           histogram
	changequeue_refresh_too_many_dependencies_total           counter

Node request service:

	noderequest_submitted_total{nodeset}           counter
	noderequest_outstanding                        gauge
	noderequest_fulfillment_duration_seconds       histogram
	noderequest_orphaned_total                     counter
	  - resubmitted by recovery after their requester session vanished

Executor dispatch:

	executor_queue_length{zone}                    gauge
	executor_dispatch_duration_seconds             histogram
	  - submission to an executor picking the request up
	executor_result_total{zone,result}             counter
	executor_lost_total{zone}                      counter
	  - running/paused requests found holding no executor lock

Reporters:

	reporter_attempts_total{reporter,outcome}      counter
	reporter_duration_seconds{reporter}            histogram

Coordination store (raft, since zkstore is raft-backed):

	raft_is_leader                                 gauge (1 leader / 0 follower)
	raft_apply_duration_seconds                    histogram

# Usage

Registration happens once, in this package's init(), the moment anything
imports pkg/metrics — callers never call a Register function themselves:

	import _ "github.com/lattice-ci/conveyor/pkg/metrics"

Incrementing counters and gauges directly:

	metrics.PipelineItemsEnqueuedTotal.WithLabelValues(tenant, pipeline).Inc()
	metrics.PipelineQueueLength.WithLabelValues(tenant, pipeline).Set(float64(len(queue.Items)))

Timing an operation with the Timer helper:

	timer := metrics.NewTimer()
	err := advance(item)
	timer.ObserveDuration(metrics.PipelineCycleDuration)

Exposing the scrape endpoint (wired in cmd/conveyor's serve command
alongside the control-plane gRPC listener):

	mux.Handle("/metrics", metrics.Handler())

Running the Collector to keep queue-shape gauges current even on
replicas that aren't currently holding a given pipeline's lock (reads
are lock-free, per spec §4.4):

	c := metrics.NewCollector(store, refs, 15*time.Second)
	c.Start()
	defer c.Stop()

# Alerting Notes

  - pipeline_lock_held summed across replicas for one (tenant, pipeline)
    should never exceed 1 (spec invariant I1); alert if it does.
  - A sustained rise in noderequest_orphaned_total or executor_lost_total
    indicates replica churn or executor instability, not scheduler bugs
    by itself.
  - reporter_attempts_total{outcome="failure"} rate feeds directly into
    whether review-system feedback is reaching users.
*/
package metrics
