package changecache

import (
	"encoding/json"
	"testing"

	"github.com/lattice-ci/conveyor/pkg/types"
	"github.com/lattice-ci/conveyor/pkg/zkstore/zkstoretest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(id string) types.ChangeKey {
	return types.ChangeKey{Connection: "gerrit", Project: "foo", Kind: types.KindReview, StableID: id, Revision: "1"}
}

func TestSetAndGet(t *testing.T) {
	c := New(zkstoretest.New(t), "/zuul/cache/connection/gerrit")
	k := key("1234")

	_, ok := c.Get(k)
	assert.False(t, ok)

	require.NoError(t, c.Set(k, &types.Change{Key: k, Project: "foo"}))

	got, ok := c.Get(k)
	require.True(t, ok)
	assert.Equal(t, "foo", got.Project)

	err := c.Set(k, &types.Change{Key: k})
	assert.ErrorIs(t, err, ErrConcurrentUpdate)
}

// TestUpdateWithRetrySurvivesOneConflict simulates the race UpdateWithRetry
// is built to absorb: another writer updates the cached Change between this
// caller's read and its CAS write. The mutator only runs once per attempt,
// so forcing the external write from inside it reproduces the conflict
// deterministically instead of relying on goroutine scheduling to land
// within DefaultMaxCASAttempts.
func TestUpdateWithRetrySurvivesOneConflict(t *testing.T) {
	store := zkstoretest.New(t)
	c := New(store, "/zuul/cache/connection/gerrit")
	k := key("5678")
	require.NoError(t, c.Set(k, &types.Change{Key: k, Merge: types.MergeStateOpen}))

	interfered := false
	next, err := c.UpdateWithRetry(k, nil, func(cur *types.Change) (*types.Change, error) {
		if !interfered {
			interfered = true
			racer := *cur
			racer.Topic = "raced-in"
			node, getErr := store.Get(c.path(k))
			require.NoError(t, getErr)
			data, marshalErr := json.Marshal(&racer)
			require.NoError(t, marshalErr)
			require.NoError(t, store.Set(c.path(k), data, node.Version))
		}
		touched := *cur
		touched.Topic = "touched"
		return &touched, nil
	}, false)
	require.NoError(t, err)
	assert.Equal(t, "touched", next.Topic)

	got, ok := c.Get(k)
	require.True(t, ok)
	assert.Equal(t, "touched", got.Topic)
}

func TestNeedsRefresh(t *testing.T) {
	assert.True(t, NeedsRefresh(nil, 5))
	assert.True(t, NeedsRefresh(&types.Change{QueryLtime: 3}, 5))
	assert.False(t, NeedsRefresh(&types.Change{QueryLtime: 5}, 5))
}
