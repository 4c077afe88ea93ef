package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/lattice-ci/conveyor/pkg/changecache"
	"github.com/lattice-ci/conveyor/pkg/executor"
	"github.com/lattice-ci/conveyor/pkg/nodepool"
	"github.com/lattice-ci/conveyor/pkg/reporter"
	"github.com/lattice-ci/conveyor/pkg/source"
	"github.com/lattice-ci/conveyor/pkg/types"
	"github.com/lattice-ci/conveyor/pkg/zkstore/zkstoretest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource is a minimal source.Source whose GetChange serves a fixed,
// test-populated map, used to exercise handleTrigger's requirement/trigger
// evaluation without a live Gerrit/GitLab connection.
type fakeSource struct {
	name    string
	changes map[types.ChangeKey]*types.Change
}

func newFakeSource(name string) *fakeSource {
	return &fakeSource{name: name, changes: make(map[types.ChangeKey]*types.Change)}
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) IsMerged(ctx context.Context, change *types.Change, head string) (bool, error) {
	return change.Merge == types.MergeStateMerged, nil
}

func (f *fakeSource) CanMerge(ctx context.Context, change *types.Change, allowNeeds []string) (bool, error) {
	return true, nil
}

func (f *fakeSource) GetChangeKey(event source.Event) (types.ChangeKey, error) {
	return event.Key, nil
}

func (f *fakeSource) GetChange(ctx context.Context, key types.ChangeKey, refresh bool) (*types.Change, error) {
	c, ok := f.changes[key]
	if !ok {
		return nil, fmt.Errorf("fakeSource: no such change %s", key)
	}
	return c, nil
}

func (f *fakeSource) GetChangeByURL(ctx context.Context, url string) (*types.Change, error) {
	return nil, fmt.Errorf("fakeSource: not implemented")
}

func (f *fakeSource) GetChangesDependingOn(ctx context.Context, change *types.Change, projects []string) ([]*types.Change, error) {
	return nil, nil
}

func (f *fakeSource) GetChangesByTopic(ctx context.Context, topic string) ([]*types.Change, error) {
	return nil, nil
}

func (f *fakeSource) GetProjectBranches(ctx context.Context, project string, minLtime int64) ([]string, error) {
	return nil, nil
}

func (f *fakeSource) GetProjectOpenChanges(ctx context.Context, project string) ([]*types.Change, error) {
	return nil, nil
}

func (f *fakeSource) GetRefSha(ctx context.Context, project, ref string) (string, error) {
	return "deadbeef", nil
}

func (f *fakeSource) GetGitURL(project string) (string, error) {
	return "ssh://fake/" + project, nil
}

func (f *fakeSource) Report(ctx context.Context, change *types.Change, phase types.ReportPhase, message string, approvals []types.Approval) error {
	return nil
}

func intPtr(v int) *int { return &v }

func testManager(t *testing.T, pipelineDef *types.Pipeline, src *fakeSource) *Manager {
	t.Helper()
	store := zkstoretest.New(t)
	tenant := &types.Tenant{Name: "acme"}
	jobs := NewStaticJobGraph()
	jobs.Register(tenant.Name, pipelineDef.Name, []JobTemplate{{Name: "test-job", Nodeset: "ubuntu-focal"}})

	return New(tenant, pipelineDef, Deps{
		Store:     store,
		Sources:   map[string]source.Source{src.Name(): src},
		Caches:    map[string]*changecache.Cache{src.Name(): changecache.New(store, "/zuul/cache/connection/"+src.Name())},
		Nodes:     nodepool.New(store, "/zuul/nodepool/requests", 0, 0),
		Executor:  executor.New(store, "/zuul/executor"),
		Reporters: map[string]reporter.Reporter{},
		Jobs:      jobs,
	})
}

func reviewKey(conn, project, id string) types.ChangeKey {
	return types.ChangeKey{Connection: conn, Project: project, Kind: types.KindReview, StableID: id, Revision: "1"}
}

// S2: a pipeline requiring a Verified+1 granted within the last 24h must
// reject a change whose only approval is 72h stale, and accept it once a
// fresh approval is posted (spec §8 S2).
func TestApprovalRequirementGatesEnqueue(t *testing.T) {
	src := newFakeSource("gerrit")
	pipelineDef := &types.Pipeline{
		Name:    "gate",
		Tenant:  "acme",
		Manager: types.ManagerIndependent,
		Triggers: []types.Trigger{
			{Connection: "gerrit", EventKind: "comment-added"},
		},
		StartRequirements: []types.ApprovalFilter{
			{Label: "Verified", Value: intPtr(1), Newer: true, OlderThan: "24h"},
		},
		Window: types.WindowPolicy{Initial: 1, Floor: 1, Ceiling: 1},
	}
	m := testManager(t, pipelineDef, src)

	key := reviewKey("gerrit", "proj/a", "1001")
	change := &types.Change{
		Key:   key,
		Merge: types.MergeStateOpen,
		Approvals: []types.Approval{
			{Label: "Verified", Value: 1, By: "jenkins", GrantedAt: time.Now().Add(-72 * time.Hour)},
		},
	}
	src.changes[key] = change

	ev := source.Event{Connection: "gerrit", EventKind: "comment-added", Key: key}
	require.NoError(t, m.handleTrigger(context.Background(), ev))
	assert.Empty(t, m.queue.Items, "a stale approval must not satisfy the 24h requirement")

	change.Approvals = append(change.Approvals, types.Approval{
		Label: "Verified", Value: 1, By: "jenkins", GrantedAt: time.Now(),
	})
	require.NoError(t, m.handleTrigger(context.Background(), ev))
	require.Len(t, m.queue.Items, 1, "a fresh approval must satisfy the requirement and enqueue")
}

// S5: a supercedent pipeline dequeues an older item for the same
// (project, change-id) when a newer patchset of the same change triggers
// (spec §8 S5, spec.md §4.4 "Supercedent pipelines").
func TestSupercedentDequeuesOlderItem(t *testing.T) {
	src := newFakeSource("gerrit")
	pipelineDef := &types.Pipeline{
		Name:    "check",
		Tenant:  "acme",
		Manager: types.ManagerSupercedent,
		Triggers: []types.Trigger{
			{Connection: "gerrit", EventKind: "patchset-created"},
		},
		Window: types.WindowPolicy{Initial: 2, Floor: 1, Ceiling: 2},
	}
	m := testManager(t, pipelineDef, src)

	oldKey := reviewKey("gerrit", "proj/a", "2001")
	oldKey.Revision = "1"
	src.changes[oldKey] = &types.Change{Key: oldKey, Merge: types.MergeStateOpen}
	require.NoError(t, m.handleTrigger(context.Background(), source.Event{
		Connection: "gerrit", EventKind: "patchset-created", Key: oldKey,
	}))
	require.Len(t, m.queue.Items, 1)
	oldItem := m.queue.Items[0]
	oldItem.BuildSet.Jobs = []*types.Job{{Name: "test-job", Outcome: types.JobRunning}}

	newKey := oldKey
	newKey.Revision = "2"
	src.changes[newKey] = &types.Change{Key: newKey, Merge: types.MergeStateOpen}
	require.NoError(t, m.handleTrigger(context.Background(), source.Event{
		Connection: "gerrit", EventKind: "patchset-created", Key: newKey,
	}))

	require.Len(t, m.queue.Items, 1, "the older patchset's item must be dequeued, leaving only the new one")
	assert.NotEqual(t, oldItem.ID, m.queue.Items[0].ID)
	assert.Equal(t, types.ItemStatusDequeued, oldItem.Status)
	assert.Equal(t, types.JobCancelled, oldItem.BuildSet.Jobs[0].Outcome)
}
