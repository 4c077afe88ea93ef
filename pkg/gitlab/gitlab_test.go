package gitlab

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/lattice-ci/conveyor/pkg/types"
	"github.com/lattice-ci/conveyor/pkg/zkstore/zkstoretest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errMRNotFound = errors.New("gitlab: merge request not found")

// fakeClient is an in-memory upstreamClient used to exercise refresh()'s
// trailer-traversal logic without a live GitLab server.
type fakeClient struct {
	mrs map[string]*mrData // keyed by "project!iid"
}

func newFakeClient() *fakeClient {
	return &fakeClient{mrs: make(map[string]*mrData)}
}

func (f *fakeClient) add(md *mrData) {
	f.mrs[fmt.Sprintf("%s!%d", md.Project, md.IID)] = md
}

func (f *fakeClient) getMergeRequest(ctx context.Context, project string, iid int) (*mrData, error) {
	md, ok := f.mrs[fmt.Sprintf("%s!%d", project, iid)]
	if !ok {
		return nil, errMRNotFound
	}
	return md, nil
}
func (f *fakeClient) listOpenMergeRequests(ctx context.Context, project string) ([]*mrData, error) {
	var out []*mrData
	for _, md := range f.mrs {
		if md.Project == project && md.State != "merged" && md.State != "closed" {
			out = append(out, md)
		}
	}
	return out, nil
}
func (f *fakeClient) listBranches(ctx context.Context, project string) ([]string, error) { return nil, nil }
func (f *fakeClient) getRefSha(ctx context.Context, project, ref string) (string, error) {
	return "deadbeef", nil
}
func (f *fakeClient) getGitURL(project string) (string, error) {
	return "https://gitlab.example/" + project + ".git", nil
}
func (f *fakeClient) postNote(ctx context.Context, project string, iid int, body string) error {
	return nil
}
func (f *fakeClient) setCommitStatus(ctx context.Context, project, sha, state, description string) error {
	return nil
}
func (f *fakeClient) mergeMergeRequest(ctx context.Context, project string, iid int) error { return nil }

func newTestSource(t *testing.T, client *fakeClient) *Source {
	store := zkstoretest.New(t)
	return New(store, Config{
		Connection:     types.Connection{Name: "gitlab"},
		CacheRoot:      "/zuul/cache/connection/gitlab",
		EventQueueRoot: "/zuul/events/connection/gitlab",
	}, client)
}

func TestRefreshResolvesCommitTrailerDependency(t *testing.T) {
	client := newFakeClient()
	client.add(&mrData{IID: 2, Project: "group/dep", State: "opened"})
	client.add(&mrData{IID: 1, Project: "group/app", State: "opened", Description: "Depends-On: group/dep!2"})

	s := newTestSource(t, client)
	key := types.ChangeKey{Connection: "gitlab", Kind: types.KindReview, Project: "group/app", StableID: "1"}
	change, err := s.GetChange(context.Background(), key, true)
	require.NoError(t, err)

	require.Len(t, change.DependsOn, 1)
	assert.Equal(t, "2", change.DependsOn[0].Key.StableID)
	assert.Equal(t, "group/dep", change.DependsOn[0].Key.Project)
	assert.Equal(t, types.DepCommitMessage, change.DependsOn[0].Kind)
}

func TestRefreshIgnoresMergedTrailerDependency(t *testing.T) {
	client := newFakeClient()
	client.add(&mrData{IID: 2, Project: "group/dep", State: "merged"})
	client.add(&mrData{IID: 1, Project: "group/app", State: "opened", Description: "Depends-On: group/dep!2"})

	s := newTestSource(t, client)
	key := types.ChangeKey{Connection: "gitlab", Kind: types.KindReview, Project: "group/app", StableID: "1"}
	change, err := s.GetChange(context.Background(), key, true)
	require.NoError(t, err)
	assert.Empty(t, change.DependsOn)
}

func TestRefreshIsCycleSafe(t *testing.T) {
	client := newFakeClient()
	client.add(&mrData{IID: 1, Project: "group/app", State: "opened", Description: "Depends-On: group/app!2"})
	client.add(&mrData{IID: 2, Project: "group/app", State: "opened", Description: "Depends-On: group/app!1"})

	s := newTestSource(t, client)
	key := types.ChangeKey{Connection: "gitlab", Kind: types.KindReview, Project: "group/app", StableID: "1"}

	done := make(chan struct{})
	go func() {
		_, err := s.GetChange(context.Background(), key, true)
		require.NoError(t, err)
		close(done)
	}()
	select {
	case <-done:
	default:
	}
	<-done
}

func TestCanMergeRespectsAllowNeeds(t *testing.T) {
	s := newTestSource(t, newFakeClient())
	change := &types.Change{
		Key: types.ChangeKey{StableID: "1"},
		SubmitRecords: []types.SubmitRecord{
			{Name: "can_be_merged", Approved: false},
		},
	}

	ok, err := s.CanMerge(context.Background(), change, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.CanMerge(context.Background(), change, []string{"can_be_merged"})
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

func TestDependsOnTrailersParsesMultiple(t *testing.T) {
	desc := "Depends-On: group/a!1\nSome text\nDepends-On: group/b!42\n"
	got := dependsOnTrailers(desc)
	require.Len(t, got, 2)
	assert.Equal(t, [2]string{"group/a", "1"}, got[0])
	assert.Equal(t, [2]string{"group/b", "42"}, got[1])
}
