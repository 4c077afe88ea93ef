package equeue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/lattice-ci/conveyor/pkg/zkstore/zkstoretest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type samplePayload struct {
	Project string `json:"project"`
}

func TestPutIterAck(t *testing.T) {
	store := zkstoretest.New(t)
	q := New(store, "/zuul/events/connection/gerrit")

	_, err := q.Put(samplePayload{Project: "foo"}, nil)
	require.NoError(t, err)
	_, err = q.Put(samplePayload{Project: "bar"}, nil)
	require.NoError(t, err)

	items, err := q.Iter()
	require.NoError(t, err)
	require.Len(t, items, 2)

	var first samplePayload
	require.NoError(t, json.Unmarshal(items[0].Event.Payload, &first))
	assert.Equal(t, "foo", first.Project)

	require.NoError(t, q.Ack(items[0]))
	// Idempotent: acking twice is a no-op.
	require.NoError(t, q.Ack(items[0]))

	remaining, err := q.Iter()
	require.NoError(t, err)
	require.Len(t, remaining, 1)
}

func TestDelayedSettlingFloor(t *testing.T) {
	store := zkstoretest.New(t)
	q := New(store, "/zuul/events/connection/gerrit")
	d := &Delayed{Queue: q, delay: func() time.Duration { return 50 * time.Millisecond }}

	_, err := q.Put(samplePayload{Project: "foo"}, nil)
	require.NoError(t, err)

	items, err := d.Iter()
	require.NoError(t, err)
	assert.Empty(t, items, "event should not be visible before settling delay elapses")

	time.Sleep(60 * time.Millisecond)

	items, err = d.Iter()
	require.NoError(t, err)
	assert.Len(t, items, 1)
}
