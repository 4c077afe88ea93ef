package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lattice-ci/conveyor/pkg/metrics"
	"github.com/lattice-ci/conveyor/pkg/source"
	"github.com/lattice-ci/conveyor/pkg/types"
)

// handleTrigger evaluates ev against the pipeline's configured triggers
// and, on a match whose change satisfies the start requirements, enqueues
// a QueueItem (spec §4.4 "trigger -> evaluate triggers+requirements; if
// matched, construct a QueueItem for the change (merging bundle-cycle
// siblings), append to the change queue").
func (m *Manager) handleTrigger(ctx context.Context, ev source.Event) error {
	matched := false
	for _, trig := range m.pipeline.Triggers {
		if MatchesTrigger(trig, ev) {
			matched = true
			break
		}
	}
	if !matched {
		return nil
	}

	src, ok := m.deps.Sources[ev.Connection]
	if !ok {
		return fmt.Errorf("pipeline: no source configured for connection %q", ev.Connection)
	}

	// A trigger must never race a dependency refresh still in flight (spec
	// §5 "A trigger arriving before a dependency refresh completes is
	// processed after the refresh"); GetChange(refresh=true) blocks for
	// exactly that refresh before returning.
	change, err := src.GetChange(ctx, ev.Key, true)
	if err != nil {
		return fmt.Errorf("pipeline: refresh %s: %w", ev.Key, err)
	}
	if !change.IsOpen() {
		return nil
	}
	if !MatchesRequirements(m.pipeline.StartRequirements, change) {
		return nil
	}

	if _, ok := m.deps.Caches[ev.Connection]; !ok {
		return fmt.Errorf("pipeline: no change cache configured for connection %q", ev.Connection)
	}

	members := bundleMembers(change, m.pipeline.AllowCycles)

	identity := types.Identity(change.Key)
	if m.pipeline.Manager == types.ManagerSupercedent || m.pipeline.DequeueOnNewPatchset {
		for _, existing := range append([]*types.QueueItem(nil), m.queue.Items...) {
			if existingIdentity(existing) == identity {
				m.dequeueAndCancel(ctx, existing.ID)
			}
		}
	}

	item := &types.QueueItem{
		ID:          uuid.NewString(),
		Pipeline:    m.pipeline.Name,
		Tenant:      m.tenant.Name,
		Changes:     members,
		FilesHashes: m.memberFilesHashes(change, members),
		BuildSet:    &types.BuildSet{},
		Status:      types.ItemStatusNew,
		EnqueuedAt:  time.Now(),
	}
	m.queue.Items = append(m.queue.Items, item)
	metrics.PipelineItemsEnqueuedTotal.WithLabelValues(m.tenant.Name, m.pipeline.Name).Inc()
	metrics.PipelineQueueLength.WithLabelValues(m.tenant.Name, m.pipeline.Name).Set(float64(len(m.queue.Items)))
	m.log.Info().Str("item", item.ID).Str("change", change.Key.String()).Int("members", len(members)).Msg("enqueued")
	return nil
}

// memberFilesHashes collects the content hash of every member's touched
// files, used by a JobGraphProvider for speculative file-level conflict
// detection (spec §3). change already carries the triggering member's
// hash; the rest are looked up from whichever connection's cache holds
// them (populated by refresh() resolving the bundle's dependency edges).
func (m *Manager) memberFilesHashes(change *types.Change, members []types.ChangeKey) []string {
	hashes := make([]string, 0, len(members))
	if change.FilesHash != "" {
		hashes = append(hashes, change.FilesHash)
	}
	for _, key := range members[1:] {
		cache, ok := m.deps.Caches[key.Connection]
		if !ok {
			continue
		}
		if c, ok := cache.Get(key); ok && c.FilesHash != "" {
			hashes = append(hashes, c.FilesHash)
		}
	}
	return hashes
}

// bundleMembers folds a cycle of submitted-together/Depends-On changes
// into the ordered member list for one QueueItem (spec §4.4 "merging
// bundle-cycle siblings", invariant I4). When allowCycles is false, only
// the triggering change itself is returned: the pipeline treats cross-repo
// dependencies as ordinary predecessors instead of an atomic bundle.
func bundleMembers(change *types.Change, allowCycles bool) []types.ChangeKey {
	members := []types.ChangeKey{change.Key}
	if !allowCycles {
		return members
	}
	seen := map[types.ChangeKey]bool{change.Key: true}
	for _, edge := range change.DependsOn {
		if edge.Kind != types.DepSubmittedTogether {
			continue
		}
		if !seen[edge.Key] {
			seen[edge.Key] = true
			members = append(members, edge.Key)
		}
	}
	for _, edge := range change.NeededBy {
		if edge.Kind != types.DepSubmittedTogether {
			continue
		}
		if !seen[edge.Key] {
			seen[edge.Key] = true
			members = append(members, edge.Key)
		}
	}
	return members
}

// existingIdentity computes the supercedent identity of an already-queued
// item from its first (and, for non-bundle items, only) member change.
func existingIdentity(item *types.QueueItem) string {
	if len(item.Changes) == 0 {
		return ""
	}
	return types.Identity(item.Changes[0])
}

// dequeueAndCancel removes itemID from the queue and cancels its
// outstanding node requests and build requests (spec §4.4 "Supercedent
// pipelines": "the old item is dequeued and its in-flight work
// cancelled").
func (m *Manager) dequeueAndCancel(ctx context.Context, itemID string) {
	idx := m.queue.IndexOf(itemID)
	if idx < 0 {
		return
	}
	item := m.queue.Items[idx]
	m.cancelOutstanding(item)
	item.Status = types.ItemStatusDequeued
	m.queue.Remove(itemID)
	m.log.Info().Str("item", itemID).Msg("dequeued (superceded or management dequeue)")
}

// cancelOutstanding cancels every non-terminal job's node request and
// build request in item's BuildSet.
func (m *Manager) cancelOutstanding(item *types.QueueItem) {
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
		job.Outcome = types.JobCancelled
		m.releaseNodeLocks(item, job)
	}
}
