package reporter

import (
	"context"
	"errors"
	"testing"

	"github.com/lattice-ci/conveyor/pkg/changecache"
	"github.com/lattice-ci/conveyor/pkg/source"
	"github.com/lattice-ci/conveyor/pkg/types"
	"github.com/lattice-ci/conveyor/pkg/zkstore/zkstoretest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errSimulatedUpstreamFailure = errors.New("simulated upstream failure")

// fakeSource implements just enough of source.Source for ReviewReporter.
type fakeSource struct {
	source.Source
	reports []types.ReportPhase
	failOn  types.ReportPhase
}

func (f *fakeSource) Report(ctx context.Context, change *types.Change, phase types.ReportPhase, message string, approvals []types.Approval) error {
	if phase == f.failOn {
		return errSimulatedUpstreamFailure
	}
	f.reports = append(f.reports, phase)
	return nil
}

func TestReviewReporterReportsEveryMember(t *testing.T) {
	store := zkstoretest.New(t)
	cache := changecache.New(store, "/zuul/cache/connection/gerrit")

	keyA := types.ChangeKey{Connection: "gerrit", Project: "a", Kind: types.KindReview, StableID: "1", Revision: "1"}
	keyB := types.ChangeKey{Connection: "gerrit", Project: "b", Kind: types.KindReview, StableID: "2", Revision: "1"}
	require.NoError(t, cache.Set(keyA, &types.Change{Key: keyA}))
	require.NoError(t, cache.Set(keyB, &types.Change{Key: keyB}))

	fs := &fakeSource{}
	r := NewReviewReporter(fs, cache)

	item := &types.QueueItem{ID: "item-1", Changes: []types.ChangeKey{keyA, keyB}}
	require.NoError(t, r.Report(context.Background(), item, types.PhaseSuccess, "all jobs passed"))
	assert.Equal(t, []types.ReportPhase{types.PhaseSuccess, types.PhaseSuccess}, fs.reports)
}

func TestReviewReporterStopsOnFirstFailure(t *testing.T) {
	store := zkstoretest.New(t)
	cache := changecache.New(store, "/zuul/cache/connection/gerrit")

	keyA := types.ChangeKey{Connection: "gerrit", Project: "a", Kind: types.KindReview, StableID: "1", Revision: "1"}
	keyB := types.ChangeKey{Connection: "gerrit", Project: "b", Kind: types.KindReview, StableID: "2", Revision: "1"}
	require.NoError(t, cache.Set(keyA, &types.Change{Key: keyA}))
	require.NoError(t, cache.Set(keyB, &types.Change{Key: keyB}))

	fs := &fakeSource{failOn: types.PhaseSuccess}
	r := NewReviewReporter(fs, cache)
	r.maxAttempts = 1

	item := &types.QueueItem{ID: "item-1", Changes: []types.ChangeKey{keyA, keyB}}
	err := r.Report(context.Background(), item, types.PhaseSuccess, "all jobs passed")
	require.Error(t, err)
	assert.Empty(t, fs.reports)
}
