package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/lattice-ci/conveyor/pkg/executor"
	"github.com/lattice-ci/conveyor/pkg/metrics"
	"github.com/lattice-ci/conveyor/pkg/nodepool"
	"github.com/lattice-ci/conveyor/pkg/types"
)

// precedenceWeight converts a pipeline's PrecedenceClass into the numeric
// priority the node pool orders requests by, lower sooner (spec §4.5
// "Priority: numeric, lower is sooner").
func precedenceWeight(p types.PrecedenceClass) int {
	switch p {
	case types.PrecedenceHigh:
		return 0
	case types.PrecedenceLow:
		return 200
	default:
		return 100
	}
}

// advance runs one step of spec §4.4's "Advance function" for item: freeze
// its job graph if needed, submit outstanding node/build requests for
// ready jobs, and, once every job is terminal, move it to reporting.
func (m *Manager) advance(ctx context.Context, item *types.QueueItem) error {
	idx := m.queue.IndexOf(item.ID)
	inWindow := m.queue.InWindow(idx)

	if item.BuildSet == nil {
		item.BuildSet = &types.BuildSet{}
	}
	if !item.BuildSet.Frozen {
		jobs, err := m.deps.Jobs.FreezeJobGraph(ctx, m.tenant.Name, m.pipeline.Name, item, m.ahead(item))
		if err != nil {
			return fmt.Errorf("pipeline: freeze job graph %s: %w", item.ID, err)
		}
		item.BuildSet.Jobs = jobs
		item.BuildSet.Frozen = true
	}

	if !inWindow {
		item.Status = types.ItemStatusNew
		return nil
	}

	if item.Status == types.ItemStatusNew {
		item.Status = types.ItemStatusPendingNode
	}

	for _, job := range item.BuildSet.Jobs {
		if err := m.advanceJob(ctx, item, job); err != nil {
			m.log.Warn().Err(err).Str("item", item.ID).Str("job", job.Name).Msg("job advance failed")
		}
	}

	running := false
	for _, job := range item.BuildSet.Jobs {
		if job.Outcome == types.JobRunning || job.Outcome == types.JobStarting {
			running = true
		}
	}
	if running {
		item.Status = types.ItemStatusRunning
	}

	if item.BuildSet.AllTerminal() {
		return m.finish(ctx, item)
	}
	return nil
}

// advanceJob drives one job through node-request and build-request
// submission (spec §4.4 "For each job with all prerequisites met and no
// outstanding request: submit a node request... For each job whose nodes
// are ready: submit a build request").
func (m *Manager) advanceJob(ctx context.Context, item *types.QueueItem, job *types.Job) error {
	switch {
	case job.Outcome == types.JobWaiting && job.NodeRequestID == "":
		if !job.Ready(item.BuildSet) {
			return nil
		}
		req, err := m.deps.Nodes.Submit(ctx, job.Nodeset, precedenceWeight(m.pipeline.Precedence), 0, "")
		if err != nil {
			return fmt.Errorf("submit node request: %w", err)
		}
		job.NodeRequestID = req.ID
		job.Outcome = types.JobNodeRequested
		return nil

	case job.Outcome == types.JobNodeRequested:
		req, err := m.deps.Nodes.Get(job.NodeRequestID)
		if err != nil {
			return fmt.Errorf("get node request %s: %w", job.NodeRequestID, err)
		}
		switch req.State {
		case nodepool.StateFailed:
			metrics.NoderequestOutstanding.Dec()
			job.Outcome = types.JobFailed
			job.FinishedAt = time.Now()
		case nodepool.StateFulfilled:
			metrics.NoderequestOutstanding.Dec()
			metrics.NoderequestFulfillmentDuration.Observe(time.Since(req.CreatedAt).Seconds())
			if err := m.lockNodes(item, job, req.Nodes); err != nil {
				return fmt.Errorf("lock allocated nodes for %s: %w", job.Name, err)
			}
			buildReq, err := m.deps.Executor.Submit(job.Zone, job.Name, item.ID, jobVariables(job))
			if err != nil {
				m.releaseNodeLocks(item, job)
				return fmt.Errorf("submit build request: %w", err)
			}
			job.BuildRequestID = buildReq.ID
			job.Outcome = types.JobStarting
			job.StartedAt = time.Now()
		}
		return nil

	case job.Outcome == types.JobStarting || job.Outcome == types.JobRunning:
		req, err := m.deps.Executor.Get(job.BuildRequestID)
		if err != nil {
			return fmt.Errorf("get build request %s: %w", job.BuildRequestID, err)
		}
		switch req.State {
		case executor.StateRunning:
			if job.Outcome == types.JobStarting {
				metrics.ExecutorQueueLength.WithLabelValues(job.Zone).Dec()
				metrics.ExecutorDispatchDuration.Observe(time.Since(job.StartedAt).Seconds())
			}
			job.Outcome = types.JobRunning
		case executor.StatePaused:
			job.Outcome = types.JobPaused
		case executor.StateCompleted:
			if job.Outcome == types.JobStarting {
				metrics.ExecutorQueueLength.WithLabelValues(job.Zone).Dec()
				metrics.ExecutorDispatchDuration.Observe(time.Since(job.StartedAt).Seconds())
			}
			job.Outcome = resultToOutcome(req.Result)
			job.FinishedAt = time.Now()
			metrics.ExecutorResultTotal.WithLabelValues(job.Zone, string(req.Result)).Inc()
			_ = m.deps.Executor.Ack(job.BuildRequestID)
			m.releaseNodeLocks(item, job)
		}
		return nil
	}
	return nil
}

// nodeLockKey identifies one job's held node locks within this replica's
// in-memory nodeLocks table; never written to CS, so it only needs to be
// unique within one process's lifetime.
func nodeLockKey(item *types.QueueItem, job *types.Job) string {
	return item.ID + "\x00" + job.Name
}

// lockNodes acquires an ephemeral lock on every node allocated to job's
// fulfilled node request, for the duration of the build that consumes
// them (spec §4.5 "holds a CS ephemeral lock on each allocated node...
// releases on job completion").
func (m *Manager) lockNodes(item *types.QueueItem, job *types.Job, nodes []string) error {
	releases := make([]func() error, 0, len(nodes))
	for _, n := range nodes {
		release, err := m.deps.Nodes.LockNode(n, m.leaseID)
		if err != nil {
			for _, r := range releases {
				_ = r()
			}
			return err
		}
		releases = append(releases, release)
	}
	if len(releases) > 0 {
		m.nodeLocks[nodeLockKey(item, job)] = releases
	}
	return nil
}

// releaseNodeLocks releases any node locks held for job, idempotent if
// none are held (spec §4.5 "releases on job completion").
func (m *Manager) releaseNodeLocks(item *types.QueueItem, job *types.Job) {
	key := nodeLockKey(item, job)
	releases, ok := m.nodeLocks[key]
	if !ok {
		return
	}
	delete(m.nodeLocks, key)
	for _, release := range releases {
		if err := release(); err != nil {
			m.log.Warn().Err(err).Str("item", item.ID).Str("job", job.Name).Msg("release node lock")
		}
	}
}

func resultToOutcome(r executor.Result) types.JobOutcome {
	switch r {
	case executor.ResultSuccess:
		return types.JobCompleted
	case executor.ResultAborted:
		return types.JobAborted
	case executor.ResultSkipped:
		return types.JobSkipped
	default:
		return types.JobFailed
	}
}

func jobVariables(job *types.Job) map[string]string {
	vars := make(map[string]string, len(job.Variables)+1)
	for k, v := range job.Variables {
		vars[k] = v
	}
	vars["ZUUL_JOB"] = job.Name
	return vars
}

// finish computes the item's result, invokes its configured reporters,
// and, on a gated-pipeline success, attempts the upstream merge; on
// failure it triggers speculative reset of every item behind it (spec
// §4.4 "If all jobs terminal: compute item result...on success in a gated
// pipeline, attempt upstream merge; on failure, cancel jobs and reset
// speculative children").
func (m *Manager) finish(ctx context.Context, item *types.QueueItem) error {
	item.Status = types.ItemStatusReporting
	succeeded := item.BuildSet.Succeeded()
	mergeFailed := false

	if succeeded && m.pipeline.Manager == types.ManagerDependent && m.deps.Merger != nil {
		if err := m.mergeItem(ctx, item); err != nil {
			m.log.Error().Err(err).Str("item", item.ID).Msg("upstream merge failed")
			succeeded = false
			mergeFailed = true
		}
	}

	phase := types.PhaseFailure
	switch {
	case mergeFailed:
		phase = types.PhaseMergeFailure
	case succeeded:
		phase = types.PhaseSuccess
	}
	if err := m.report(ctx, item, phase); err != nil {
		m.log.Error().Err(err).Str("item", item.ID).Msg("reporting failed")
	}

	item.Status = types.ItemStatusCompleted
	item.ReportedAt = time.Now()
	m.queue.Remove(item.ID)

	metrics.PipelineItemResultTotal.WithLabelValues(m.tenant.Name, m.pipeline.Name, string(phase)).Inc()
	metrics.PipelineQueueLength.WithLabelValues(m.tenant.Name, m.pipeline.Name).Set(float64(len(m.queue.Items)))
	metrics.ChangequeueResidenceDuration.WithLabelValues(m.tenant.Name, m.pipeline.Name).
		Observe(item.ReportedAt.Sub(item.EnqueuedAt).Seconds())

	if m.pipeline.Manager == types.ManagerDependent {
		if succeeded {
			GrowWindow(m.queue, m.pipeline.Window)
		} else {
			ShrinkWindow(m.queue, m.pipeline.Window)
			m.resetSpeculativeChildren(ctx)
		}
		metrics.PipelineWindowSize.WithLabelValues(m.tenant.Name, m.pipeline.Name).Set(float64(m.queue.Window))
	}
	return nil
}

// mergeItem asks the merger collaborator to fetch and merge every change
// in item, member-by-member for a cycle-bundle (invariant I4), stopping
// at the first failure so the caller can report merge-failure instead of
// claiming success for members that never actually merged.
func (m *Manager) mergeItem(ctx context.Context, item *types.QueueItem) error {
	for _, key := range item.Changes {
		cache, ok := m.deps.Caches[key.Connection]
		if !ok {
			return fmt.Errorf("pipeline: no change cache for connection %s", key.Connection)
		}
		change, ok := cache.Get(key)
		if !ok {
			return fmt.Errorf("pipeline: change %s not in cache", key)
		}
		resp, err := m.deps.Merger.FetchAndMergeWithDefaultTimeout(ctx, change.Project, change.Ref, "merge")
		if err != nil {
			return fmt.Errorf("merge %s: %w", key, err)
		}
		if !resp.Succeeded {
			return fmt.Errorf("merge %s: %s", key, resp.Error)
		}
	}
	return nil
}

// resetSpeculativeChildren invalidates every remaining item's in-flight
// work after a predecessor failure: outstanding node requests are
// cancelled, outstanding builds aborted, and BuildSets re-frozen against
// the new (now-shorter) speculative state ahead of each (spec §4.4
// "Speculative execution and reset").
func (m *Manager) resetSpeculativeChildren(ctx context.Context) {
	for _, item := range m.queue.Items {
		m.cancelOutstandingSpeculative(item)
		if item.BuildSet != nil {
			item.BuildSet.Reset()
		}
		item.Status = types.ItemStatusNew
	}
	m.log.Warn().Int("items_reset", len(m.queue.Items)).Msg("speculative reset after predecessor failure")
}

// cancelOutstandingSpeculative cancels only non-terminal jobs, leaving any
// job that already completed (and whose result therefore still holds)
// alone — a predecessor failure invalidates in-flight work, not finished
// work that happened to already match the new speculative state.
func (m *Manager) cancelOutstandingSpeculative(item *types.QueueItem) {
	if item.BuildSet == nil {
		return
	}
	for _, job := range item.BuildSet.Jobs {
		if job.Outcome.IsTerminal() {
			continue
		}
		if job.NodeRequestID != "" {
			_ = m.deps.Nodes.Cancel(job.NodeRequestID)
		}
		if job.BuildRequestID != "" {
			_ = m.deps.Executor.RequestCancel(job.BuildRequestID)
		}
		m.releaseNodeLocks(item, job)
	}
}

// report invokes every reporter configured for phase (spec §4.7).
func (m *Manager) report(ctx context.Context, item *types.QueueItem, phase types.ReportPhase) error {
	message := reportMessage(item, phase)
	var lastErr error
	for _, ref := range m.pipeline.Reporters {
		if ref.Phase != phase {
			continue
		}
		r, ok := m.deps.Reporters[ref.Name]
		if !ok {
			lastErr = fmt.Errorf("pipeline: no reporter registered for %q", ref.Name)
			continue
		}
		timer := metrics.NewTimer()
		err := r.Report(ctx, item, phase, message)
		timer.ObserveDurationVec(metrics.ReporterDuration, ref.Name)
		outcome := "success"
		if err != nil {
			outcome = "failure"
			lastErr = err
		}
		metrics.ReporterAttemptsTotal.WithLabelValues(ref.Name, outcome).Inc()
	}
	return lastErr
}

func reportMessage(item *types.QueueItem, phase types.ReportPhase) string {
	switch phase {
	case types.PhaseSuccess:
		return "Build succeeded (" + strconv.Itoa(len(item.BuildSet.Jobs)) + " jobs)."
	case types.PhaseFailure:
		return "Build failed."
	case types.PhaseMergeFailure:
		return "Build succeeded but the upstream merge failed; please rebase and re-trigger."
	default:
		return string(phase)
	}
}
