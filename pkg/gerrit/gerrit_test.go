package gerrit

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lattice-ci/conveyor/pkg/types"
	"github.com/lattice-ci/conveyor/pkg/zkstore/zkstoretest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errChangeNotFound = errors.New("gerrit: change not found")

// fakeClient is an in-memory upstreamClient used to exercise refresh()'s
// traversal logic without a live Gerrit server.
type fakeClient struct {
	changes map[string]*changeData // keyed by number
}

func newFakeClient() *fakeClient {
	return &fakeClient{changes: make(map[string]*changeData)}
}

func (f *fakeClient) add(cd *changeData) {
	f.changes[cd.Number] = cd
}

func (f *fakeClient) queryChange(ctx context.Context, number, patchset string) (*changeData, error) {
	cd, ok := f.changes[number]
	if !ok {
		return nil, errChangeNotFound
	}
	return cd, nil
}

func (f *fakeClient) queryChangesByTopic(ctx context.Context, topic string) ([]*changeData, error) {
	return nil, nil
}
func (f *fakeClient) queryOpenChanges(ctx context.Context, project string) ([]*changeData, error) {
	return nil, nil
}
func (f *fakeClient) queryProjectBranches(ctx context.Context, project string, minLtime int64) ([]string, error) {
	return nil, nil
}
func (f *fakeClient) getRefSha(ctx context.Context, project, ref string) (string, error) {
	return "deadbeef", nil
}
func (f *fakeClient) getGitURL(project string) (string, error) { return "ssh://gerrit/" + project, nil }
func (f *fakeClient) review(ctx context.Context, number, patchset, message string, labels map[string]int) error {
	return nil
}
func (f *fakeClient) submit(ctx context.Context, number, patchset string) error { return nil }

func newTestSource(t *testing.T, client *fakeClient) *Source {
	store := zkstoretest.New(t)
	return New(store, Config{
		Connection:     types.Connection{Name: "gerrit"},
		CacheRoot:      "/zuul/cache/connection/gerrit",
		EventQueueRoot: "/zuul/events/connection/gerrit",
	}, client)
}

func TestRefreshResolvesGitDependency(t *testing.T) {
	client := newFakeClient()
	client.add(&changeData{Number: "2", Project: "p", Branch: "main", Status: "NEW"})
	client.add(&changeData{Number: "1", Project: "p", Branch: "main", Status: "NEW", GitDependsOn: &depRef{Number: "2"}})

	s := newTestSource(t, client)
	key := types.ChangeKey{Connection: "gerrit", Kind: types.KindReview, StableID: "1"}
	change, err := s.GetChange(context.Background(), key, true)
	require.NoError(t, err)

	require.Len(t, change.DependsOn, 1)
	assert.Equal(t, "2", change.DependsOn[0].Key.StableID)
	assert.Equal(t, types.DepGit, change.DependsOn[0].Kind)
}

func TestRefreshIgnoresMergedGitDependency(t *testing.T) {
	client := newFakeClient()
	client.add(&changeData{Number: "2", Project: "p", Branch: "main", Status: "MERGED"})
	client.add(&changeData{Number: "1", Project: "p", Branch: "main", Status: "NEW", GitDependsOn: &depRef{Number: "2"}})

	s := newTestSource(t, client)
	key := types.ChangeKey{Connection: "gerrit", Kind: types.KindReview, StableID: "1"}
	change, err := s.GetChange(context.Background(), key, true)
	require.NoError(t, err)
	assert.Empty(t, change.DependsOn)
}

func TestRefreshSubmittedTogetherIsACycle(t *testing.T) {
	client := newFakeClient()
	client.add(&changeData{Number: "1", Project: "p", Branch: "main", Status: "NEW", SubmittedTogether: []depRef{{Number: "2"}}})
	client.add(&changeData{Number: "2", Project: "p", Branch: "main", Status: "NEW", SubmittedTogether: []depRef{{Number: "1"}}})

	s := newTestSource(t, client)
	key := types.ChangeKey{Connection: "gerrit", Kind: types.KindReview, StableID: "1"}
	change, err := s.GetChange(context.Background(), key, true)
	require.NoError(t, err)

	require.Len(t, change.DependsOn, 1)
	require.Len(t, change.NeededBy, 1)
	assert.Equal(t, types.DepSubmittedTogether, change.DependsOn[0].Kind)
	assert.Equal(t, "2", change.DependsOn[0].Key.StableID)
}

func TestRefreshIsCycleSafe(t *testing.T) {
	client := newFakeClient()
	// A pathological stacked pair that git-depends on each other, which a
	// buggy review system config could in principle produce.
	client.add(&changeData{Number: "1", Project: "p", Branch: "main", Status: "NEW", GitDependsOn: &depRef{Number: "2"}})
	client.add(&changeData{Number: "2", Project: "p", Branch: "main", Status: "NEW", GitDependsOn: &depRef{Number: "1"}})

	s := newTestSource(t, client)
	key := types.ChangeKey{Connection: "gerrit", Kind: types.KindReview, StableID: "1"}

	done := make(chan struct{})
	go func() {
		_, err := s.GetChange(context.Background(), key, true)
		require.NoError(t, err)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("refresh did not terminate on a dependency cycle")
	}
}

func TestRefreshTooManyDependenciesFails(t *testing.T) {
	client := newFakeClient()
	client.add(&changeData{Number: "0", Project: "p", Branch: "main", Status: "NEW"})
	for i := 1; i <= DefaultMaxDependencies+5; i++ {
		cur := itoa(i)
		prev := itoa(i - 1)
		client.add(&changeData{Number: cur, Project: "p", Branch: "main", Status: "NEW", GitDependsOn: &depRef{Number: prev}})
	}

	s := newTestSource(t, client)
	s.maxDependencies = 10
	key := types.ChangeKey{Connection: "gerrit", Kind: types.KindReview, StableID: itoa(DefaultMaxDependencies + 5)}
	_, err := s.GetChange(context.Background(), key, true)
	require.Error(t, err)
}

func TestTruncateMessage(t *testing.T) {
	short := "looks good to me"
	assert.Equal(t, short, truncateMessage(short))

	long := strings.Repeat("x", humanMessageLimit+500)
	truncated := truncateMessage(long)
	assert.Less(t, len(truncated), len(long))
	assert.Contains(t, truncated, "... (truncated)")
}

func TestCanMergeRespectsAllowNeeds(t *testing.T) {
	s := newTestSource(t, newFakeClient())
	change := &types.Change{
		Key: types.ChangeKey{StableID: "1"},
		SubmitRecords: []types.SubmitRecord{
			{Name: "Verified", Approved: false},
		},
	}

	ok, err := s.CanMerge(context.Background(), change, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.CanMerge(context.Background(), change, []string{"Verified"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCanMergeBlocksWIP(t *testing.T) {
	s := newTestSource(t, newFakeClient())
	change := &types.Change{Key: types.ChangeKey{StableID: "1"}, WIP: true}
	ok, err := s.CanMerge(context.Background(), change, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func itoa(i int) string {
	if i < 0 {
		return "-" + itoa(-i)
	}
	if i < 10 {
		return string(rune('0' + i))
	}
	return itoa(i/10) + itoa(i%10)
}
