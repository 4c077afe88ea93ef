package pipeline

import (
	"context"
	"encoding/json"
	"path"
	"testing"
	"time"

	"github.com/lattice-ci/conveyor/pkg/changecache"
	"github.com/lattice-ci/conveyor/pkg/executor"
	"github.com/lattice-ci/conveyor/pkg/nodepool"
	"github.com/lattice-ci/conveyor/pkg/reporter"
	"github.com/lattice-ci/conveyor/pkg/source"
	"github.com/lattice-ci/conveyor/pkg/types"
	"github.com/lattice-ci/conveyor/pkg/zkstore"
	"github.com/lattice-ci/conveyor/pkg/zkstore/zkstoretest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fulfillNode simulates the external node pool turning a just-submitted
// request Fulfilled, the way nodepool_test.go's
// TestSubmitAndWatchUntilTerminal does for the nodepool package itself.
// Each request gets a node of its own, so items never contend for one
// node lock.
func fulfillNode(t *testing.T, store zkstore.Store, id string) {
	t.Helper()
	node, err := store.Get(id)
	require.NoError(t, err)
	var req nodepool.Request
	require.NoError(t, json.Unmarshal(node.Data, &req))
	if req.State != nodepool.StateRequested {
		return
	}
	req.State = nodepool.StateFulfilled
	req.Nodes = []string{"node-" + path.Base(id)}
	data, err := json.Marshal(req)
	require.NoError(t, err)
	require.NoError(t, store.Set(id, data, node.Version))
}

// driveBuild simulates one external-executor state transition: Requested
// moves to Running on the first observation, and to Completed with result
// once the caller reports readiness.
func driveBuild(t *testing.T, store zkstore.Store, id string, finish bool, result executor.Result) {
	t.Helper()
	node, err := store.Get(id)
	require.NoError(t, err)
	var req executor.Request
	require.NoError(t, json.Unmarshal(node.Data, &req))
	switch {
	case req.State == executor.StateRequested:
		req.State = executor.StateRunning
	case req.State == executor.StateRunning && finish:
		req.State = executor.StateCompleted
		req.Result = result
	default:
		return
	}
	data, err := json.Marshal(req)
	require.NoError(t, err)
	require.NoError(t, store.Set(id, data, node.Version))
}

// newAdvanceManager builds a Manager wired to real nodepool/executor
// services over a shared in-memory store, and a reporter.Func that records
// the phase of every call.
func newAdvanceManager(t *testing.T, pipelineDef *types.Pipeline) (*Manager, *[]types.ReportPhase) {
	t.Helper()
	store := zkstoretest.New(t)
	tenant := &types.Tenant{Name: "acme"}
	jobs := NewStaticJobGraph()
	jobs.Register(tenant.Name, pipelineDef.Name, []JobTemplate{{Name: "test-job", Nodeset: "ubuntu-focal"}})

	var phases []types.ReportPhase
	rep := reporter.Func(func(ctx context.Context, item *types.QueueItem, phase types.ReportPhase, message string) error {
		phases = append(phases, phase)
		return nil
	})
	pipelineDef.Reporters = []types.ReporterRef{
		{Name: "log", Phase: types.PhaseSuccess},
		{Name: "log", Phase: types.PhaseFailure},
	}

	m := New(tenant, pipelineDef, Deps{
		Store:     store,
		Sources:   map[string]source.Source{},
		Caches:    map[string]*changecache.Cache{},
		Nodes:     nodepool.New(store, "/zuul/nodepool/requests", 0, 0),
		Executor:  executor.New(store, "/zuul/executor"),
		Reporters: map[string]reporter.Reporter{"log": rep},
		Jobs:      jobs,
	})
	return m, &phases
}

func newQueueItem(tenant, pipeline string, key types.ChangeKey) *types.QueueItem {
	return &types.QueueItem{
		ID:         key.StableID,
		Pipeline:   pipeline,
		Tenant:     tenant,
		Changes:    []types.ChangeKey{key},
		BuildSet:   &types.BuildSet{},
		Status:     types.ItemStatusNew,
		EnqueuedAt: time.Now(),
	}
}

// S1: a single change in an independent pipeline with one job that
// succeeds is reported SUCCESS and removed from the queue (spec §8 S1).
func TestSimpleCheckSucceeds(t *testing.T) {
	pipelineDef := &types.Pipeline{
		Name:    "check",
		Tenant:  "acme",
		Manager: types.ManagerIndependent,
		Window:  types.WindowPolicy{Initial: 1, Floor: 1, Ceiling: 1},
	}
	m, phases := newAdvanceManager(t, pipelineDef)

	item := newQueueItem("acme", "check", types.ChangeKey{Connection: "gerrit", Project: "p", Kind: types.KindReview, StableID: "c1"})
	m.queue.Items = append(m.queue.Items, item)

	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for len(m.queue.Items) > 0 {
		require.NoError(t, m.cycle(ctx))
		job := item.BuildSet.Job("test-job")
		if job != nil {
			switch job.Outcome {
			case types.JobNodeRequested:
				fulfillNode(t, m.deps.Store, job.NodeRequestID)
			case types.JobStarting, types.JobRunning:
				driveBuild(t, m.deps.Store, job.BuildRequestID, true, executor.ResultSuccess)
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("item never reached a terminal state")
		}
		time.Sleep(5 * time.Millisecond)
	}

	require.Len(t, *phases, 1)
	assert.Equal(t, types.PhaseSuccess, (*phases)[0])
	assert.Equal(t, types.ItemStatusCompleted, item.Status)
}

// S4: in a gated pipeline with window=3, a head failure cancels and
// re-freezes every later item's outstanding speculative work (spec §8 S4).
func TestGateResetCancelsSpeculativeChildren(t *testing.T) {
	pipelineDef := &types.Pipeline{
		Name:    "gate",
		Tenant:  "acme",
		Manager: types.ManagerDependent,
		Window:  types.WindowPolicy{Initial: 3, Floor: 1, Ceiling: 3, IncreaseType: "linear", IncreaseFactor: 1, DecreaseFactor: 2},
	}
	m, phases := newAdvanceManager(t, pipelineDef)

	item1 := newQueueItem("acme", "gate", types.ChangeKey{Connection: "gerrit", Project: "p", Kind: types.KindReview, StableID: "c1"})
	item2 := newQueueItem("acme", "gate", types.ChangeKey{Connection: "gerrit", Project: "p", Kind: types.KindReview, StableID: "c2"})
	item3 := newQueueItem("acme", "gate", types.ChangeKey{Connection: "gerrit", Project: "p", Kind: types.KindReview, StableID: "c3"})
	m.queue.Items = append(m.queue.Items, item1, item2, item3)

	ctx := context.Background()

	// Capture item2/item3's in-flight request IDs once they reach a live
	// node/build state, before item1's failure tears them down.
	var item2NodeID, item2BuildID string

	deadline := time.Now().Add(5 * time.Second)
	for item1.Status != types.ItemStatusCompleted {
		require.NoError(t, m.cycle(ctx))

		for _, job := range []*struct {
			item *types.QueueItem
			fail bool
		}{{item1, true}, {item2, false}, {item3, false}} {
			j := job.item.BuildSet.Job("test-job")
			if j == nil {
				continue
			}
			switch j.Outcome {
			case types.JobNodeRequested:
				fulfillNode(t, m.deps.Store, j.NodeRequestID)
			case types.JobStarting, types.JobRunning:
				if job.item == item2 && item2NodeID == "" {
					item2NodeID, item2BuildID = j.NodeRequestID, j.BuildRequestID
				}
				driveBuild(t, m.deps.Store, j.BuildRequestID, job.fail, executor.ResultFailure)
			}
		}

		if time.Now().After(deadline) {
			t.Fatal("item1 never reached a terminal state")
		}
		time.Sleep(5 * time.Millisecond)
	}

	require.Len(t, *phases, 1, "only item1 should have reported so far")
	assert.Equal(t, types.PhaseFailure, (*phases)[0])

	require.NotEmpty(t, item2NodeID, "item2 must have reached a live node/build state before item1 failed")
	assert.Equal(t, types.JobNodeRequested, item2.BuildSet.Job("test-job").Outcome, "item2's job must restart from a fresh node request, not be left running")
	assert.True(t, item2.BuildSet.Frozen, "item2's BuildSet must be re-frozen against the new speculative state")
	assert.Equal(t, types.ItemStatusPendingNode, item2.Status)
	assert.Equal(t, types.JobWaiting, item3.BuildSet.Job("test-job").Outcome)

	_, err := m.deps.Nodes.Get(item2NodeID)
	assert.ErrorIs(t, err, zkstore.ErrNotFound, "item2's outstanding node request must be cancelled")

	buildReq, err := m.deps.Executor.Get(item2BuildID)
	require.NoError(t, err)
	assert.True(t, buildReq.CancelRequested, "item2's outstanding build request must be flagged for cancellation")

	assert.Equal(t, 1, m.queue.Window, "window must shrink toward the floor after a head failure")
}
