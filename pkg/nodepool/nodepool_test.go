package nodepool

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/lattice-ci/conveyor/pkg/zkstore"
	"github.com/lattice-ci/conveyor/pkg/zkstore/zkstoretest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitAndWatchUntilTerminal(t *testing.T) {
	store := zkstoretest.New(t)
	svc := New(store, "/zuul/nodepool/requests", 0, 0)

	req, err := svc.Submit(context.Background(), "ubuntu-focal", 100, 0, "lease-1")
	require.NoError(t, err)
	assert.Equal(t, StateRequested, req.State)

	done := make(chan error, 1)
	go func() {
		_, err := svc.WatchUntilTerminal(context.Background(), req.ID)
		done <- err
	}()

	// Simulate the external pool fulfilling the request.
	time.Sleep(20 * time.Millisecond)
	node, err := store.Get(req.ID)
	require.NoError(t, err)
	fulfilled := *req
	fulfilled.State = StateFulfilled
	fulfilled.Nodes = []string{"node-1"}
	data, err := json.Marshal(&fulfilled)
	require.NoError(t, err)
	require.NoError(t, store.Set(req.ID, data, node.Version))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("WatchUntilTerminal did not observe fulfilment")
	}

	got, err := svc.Get(req.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFulfilled, got.State)
	assert.Equal(t, []string{"node-1"}, got.Nodes)
}

func TestCancelIsIdempotent(t *testing.T) {
	store := zkstoretest.New(t)
	svc := New(store, "/zuul/nodepool/requests", 0, 0)

	req, err := svc.Submit(context.Background(), "ubuntu-focal", 100, 0, "lease-1")
	require.NoError(t, err)

	require.NoError(t, svc.Cancel(req.ID))
	require.NoError(t, svc.Cancel(req.ID)) // deleting an already-deleted node is a no-op

	_, err = store.Get(req.ID)
	assert.ErrorIs(t, err, zkstore.ErrNotFound)
}

func TestPendingOrdersByPriority(t *testing.T) {
	store := zkstoretest.New(t)
	svc := New(store, "/zuul/nodepool/requests", 0, 0)

	_, err := svc.Submit(context.Background(), "low", 200, 0, "lease-1")
	require.NoError(t, err)
	_, err = svc.Submit(context.Background(), "high", 100, 0, "lease-1")
	require.NoError(t, err)

	pending, err := svc.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "high", pending[0].Nodeset)
	assert.Equal(t, "low", pending[1].Nodeset)
}
