package timer

import (
	"context"
	"testing"
	"time"

	"github.com/lattice-ci/conveyor/pkg/types"
	"github.com/lattice-ci/conveyor/pkg/zkstore/zkstoretest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGitClient struct {
	sha string
	url string
}

func (f *fakeGitClient) GetRefSha(ctx context.Context, project, ref string) (string, error) {
	return f.sha, nil
}
func (f *fakeGitClient) GetGitURL(project string) (string, error) {
	return f.url, nil
}

func newTestSource(t *testing.T, schedules []ProjectSchedule) *Source {
	t.Helper()
	store := zkstoretest.New(t)
	cfg := Config{
		Connection:     types.Connection{Name: "nightly"},
		CacheRoot:      "/zuul/cache/connection/nightly",
		EventQueueRoot: "/zuul/events/connection/nightly",
		Projects:       schedules,
	}
	return New(store, cfg, &fakeGitClient{sha: "cafef00d", url: "https://git.example/repo.git"})
}

func TestGetChangePopulatesCacheFromRefSha(t *testing.T) {
	src := newTestSource(t, nil)
	key := types.ChangeKey{Connection: "nightly", Project: "repo", Kind: types.KindBranch, StableID: "main"}

	change, err := src.GetChange(context.Background(), key, true)
	require.NoError(t, err)
	assert.Equal(t, "cafef00d", change.NewRev)
	assert.Equal(t, types.MergeStateOpen, change.Merge)

	cached, ok := src.cache.Get(key)
	require.True(t, ok)
	assert.Equal(t, "cafef00d", cached.NewRev)
}

func TestGetChangeNonRefreshReadsCacheOnly(t *testing.T) {
	src := newTestSource(t, nil)
	key := types.ChangeKey{Connection: "nightly", Project: "repo", Kind: types.KindBranch, StableID: "main"}

	_, err := src.GetChange(context.Background(), key, false)
	require.NoError(t, err)

	src.client.(*fakeGitClient).sha = "newsha"
	change, err := src.GetChange(context.Background(), key, false)
	require.NoError(t, err)
	assert.Equal(t, "cafef00d", change.NewRev, "non-refresh read must not re-query the upstream ref")
}

func TestTickEnqueuesEventAndUpdatesExistingCacheEntry(t *testing.T) {
	src := newTestSource(t, []ProjectSchedule{{Project: "repo", Ref: "main", Schedule: "@every 1h"}})
	key := types.ChangeKey{Connection: "nightly", Project: "repo", Kind: types.KindBranch, StableID: "main"}

	src.tick(context.Background(), src.schedules[0])
	items, err := src.queue.Iter()
	require.NoError(t, err)
	require.Len(t, items, 1)

	src.client.(*fakeGitClient).sha = "updatedsha"
	src.tick(context.Background(), src.schedules[0])

	items, err = src.queue.Iter()
	require.NoError(t, err)
	assert.Len(t, items, 2, "each tick enqueues its own trigger event")

	change, ok := src.cache.Get(key)
	require.True(t, ok)
	assert.Equal(t, "updatedsha", change.NewRev, "the second tick's CAS update must win over the stale cached entry")
}

func TestNoOpSurfacesReportNoDependenciesNoMergeRequirement(t *testing.T) {
	src := newTestSource(t, nil)
	change := &types.Change{Key: types.ChangeKey{Connection: "nightly", Project: "repo", Kind: types.KindBranch, StableID: "main"}, Ref: "main"}

	merged, err := src.IsMerged(context.Background(), change, "")
	require.NoError(t, err)
	assert.False(t, merged)

	ok, err := src.CanMerge(context.Background(), change, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	deps, err := src.GetChangesDependingOn(context.Background(), change, nil)
	require.NoError(t, err)
	assert.Nil(t, deps)

	require.NoError(t, src.Report(context.Background(), change, types.PhaseSuccess, "build ok", nil))
}

func TestRunStopsCleanlyOnContextCancel(t *testing.T) {
	src := newTestSource(t, []ProjectSchedule{{Project: "repo", Ref: "main", Schedule: "@every 1h"}})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
