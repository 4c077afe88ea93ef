package pipeline

import (
	"context"
	"time"

	"github.com/lattice-ci/conveyor/pkg/executor"
	"github.com/lattice-ci/conveyor/pkg/metrics"
	"github.com/lattice-ci/conveyor/pkg/nodepool"
	"github.com/lattice-ci/conveyor/pkg/types"
)

// orphanedRequestAge is how long a node request may sit in Requested state
// before recovery treats its requester as gone and resubmits it. Real
// lease TTLs are configured elsewhere (spec §2 "Coordination Store");
// this is a conservative multiple of the manager's own cycle cadence.
const orphanedRequestAge = 5 * time.Minute

// recover runs once, immediately after a replica acquires the pipeline
// lock and loads the prior owner's queue snapshot, to repair the three
// kinds of state a crashed predecessor can leave behind (spec §5
// "Replica failure and recovery"):
//
//   - running/paused builds whose executor lease is gone (executor.LostRequests)
//   - node requests stuck in Requested whose requesting replica is gone
//   - items mid-report when the predecessor died, rolled forward rather
//     than back (invariant: never re-merge or un-report a change)
//
// recover logs and continues past individual failures: a partially
// repaired queue that keeps advancing beats a recovery scan that gives
// up and leaves every item stuck.
func (m *Manager) recover(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	zones := m.zonesInUse()
	lost := make(map[string]bool)
	for _, zone := range zones {
		reqs, err := m.deps.Executor.LostRequests(zone)
		if err != nil {
			m.log.Warn().Err(err).Str("zone", zone).Msg("recovery: list lost build requests")
			continue
		}
		for _, r := range reqs {
			lost[r.ID] = true
		}
	}

	for _, item := range m.queue.Items {
		if item.BuildSet == nil {
			continue
		}
		for _, job := range item.BuildSet.Jobs {
			m.recoverJob(item, job, lost)
		}

		if item.Status == types.ItemStatusReporting {
			m.log.Warn().Str("item", item.ID).Msg("recovery: re-running reporters for item interrupted mid-report")
			phase := types.PhaseFailure
			if item.BuildSet.Succeeded() {
				phase = types.PhaseSuccess
			}
			if err := m.report(ctx, item, phase); err != nil {
				m.log.Error().Err(err).Str("item", item.ID).Msg("recovery: reporter re-run failed")
			}
		}
	}
}

// recoverJob repairs one job's in-flight requests.
func (m *Manager) recoverJob(item *types.QueueItem, job *types.Job, lost map[string]bool) {
	switch job.Outcome {
	case types.JobStarting, types.JobRunning, types.JobPaused:
		if job.BuildRequestID != "" && lost[job.BuildRequestID] {
			m.log.Warn().Str("item", item.ID).Str("job", job.Name).Msg("recovery: build request lost, marking failed")
			job.Outcome = types.JobFailed
			job.FinishedAt = time.Now()
			_ = m.deps.Executor.Ack(job.BuildRequestID)
			m.releaseNodeLocks(item, job)
		}

	case types.JobNodeRequested:
		req, err := m.deps.Nodes.Get(job.NodeRequestID)
		if err != nil {
			return
		}
		if req.State == nodepool.StateFailed {
			job.Outcome = types.JobFailed
			job.FinishedAt = time.Now()
			return
		}
		if req.State.IsTerminal() || time.Since(req.CreatedAt) < orphanedRequestAge {
			return
		}
		m.log.Warn().Str("item", item.ID).Str("job", job.Name).Str("request", req.ID).Msg("recovery: node request orphaned, resubmitting")
		metrics.NoderequestOrphanedTotal.Inc()
		_ = m.deps.Nodes.Cancel(job.NodeRequestID)
		job.NodeRequestID = ""
		job.Outcome = types.JobWaiting
	}
}

// zonesInUseLocked is zonesInUse for callers that do not already hold
// m.mu, namely the LostMonitor goroutine started alongside the pipeline's
// own cycle loop (spec §5 recovery point (a), applied continuously rather
// than only once at lock acquisition).
func (m *Manager) zonesInUseLocked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.zonesInUse()
}

// handleLostBuild is the executor.LostBuildHandler passed to this
// Manager's LostMonitor: it marks the job holding req's build-request ID
// failed, acks the request so it is not rediscovered as lost forever, and
// releases any node lock the job held (spec §5 recovery point (a): "find
// any BuildSet that references builds in running/paused with no executor
// lock -> re-report those as lost-build and retry or fail per policy").
func (m *Manager) handleLostBuild(req *executor.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, item := range m.queue.Items {
		if item.BuildSet == nil {
			continue
		}
		for _, job := range item.BuildSet.Jobs {
			if job.BuildRequestID != req.ID || job.Outcome.IsTerminal() {
				continue
			}
			m.log.Warn().Str("item", item.ID).Str("job", job.Name).Str("request", req.ID).
				Msg("lost build detected mid-cycle, marking failed")
			job.Outcome = types.JobFailed
			job.FinishedAt = time.Now()
			_ = m.deps.Executor.Ack(job.BuildRequestID)
			m.releaseNodeLocks(item, job)
			return
		}
	}
}

// zonesInUse collects every distinct executor zone referenced by a job in
// the current queue, plus the unzoned pool, since recovery has no other
// way to learn which zones this pipeline dispatches into.
func (m *Manager) zonesInUse() []string {
	seen := map[string]bool{"": true}
	zones := []string{""}
	for _, item := range m.queue.Items {
		if item.BuildSet == nil {
			continue
		}
		for _, job := range item.BuildSet.Jobs {
			if job.Zone != "" && !seen[job.Zone] {
				seen[job.Zone] = true
				zones = append(zones, job.Zone)
			}
		}
	}
	return zones
}
