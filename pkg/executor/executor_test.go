package executor

import (
	"testing"

	"github.com/lattice-ci/conveyor/pkg/zkstore/zkstoretest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitAndAck(t *testing.T) {
	store := zkstoretest.New(t)
	d := New(store, "/zuul/executor")

	req, err := d.Submit("zone-a", "test-job", "item-1", map[string]string{"ZUUL_REF": "refs/changes/1"})
	require.NoError(t, err)
	assert.Equal(t, StateRequested, req.State)

	got, err := d.Get(req.ID)
	require.NoError(t, err)
	assert.Equal(t, "test-job", got.Job)

	require.NoError(t, d.Ack(req.ID))
	require.NoError(t, d.Ack(req.ID)) // idempotent
}

func TestRequestCancelAndResume(t *testing.T) {
	store := zkstoretest.New(t)
	d := New(store, "/zuul/executor")

	req, err := d.Submit("", "test-job", "item-1", nil)
	require.NoError(t, err)

	require.NoError(t, d.RequestCancel(req.ID))
	got, err := d.Get(req.ID)
	require.NoError(t, err)
	assert.True(t, got.CancelRequested)

	require.NoError(t, d.RequestResume(req.ID))
	got, err = d.Get(req.ID)
	require.NoError(t, err)
	assert.True(t, got.ResumeRequested)
}

func TestLostRequests(t *testing.T) {
	store := zkstoretest.New(t)
	d := New(store, "/zuul/executor")

	running, err := d.Submit("zone-a", "running-no-lock", "item-1", nil)
	require.NoError(t, err)
	require.NoError(t, d.write(running.ID, func(r *Request) { r.State = StateRunning }))

	held, err := d.Submit("zone-a", "running-with-lock", "item-2", nil)
	require.NoError(t, err)
	require.NoError(t, d.write(held.ID, func(r *Request) {
		r.State = StateRunning
		r.ExecutorLease = "lease-held-by-executor"
	}))

	requested, err := d.Submit("zone-a", "still-requested", "item-3", nil)
	require.NoError(t, err)
	_ = requested

	lost, err := d.LostRequests("zone-a")
	require.NoError(t, err)
	require.Len(t, lost, 1)
	assert.Equal(t, "running-no-lock", lost[0].Job)
}
