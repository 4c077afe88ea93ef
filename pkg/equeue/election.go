package equeue

import (
	"fmt"

	"github.com/lattice-ci/conveyor/pkg/log"
	"github.com/lattice-ci/conveyor/pkg/zkstore"
)

// Election elects a single consumer for one connection event queue
// (spec §4.1 "Leadership"), scoped to one queue rather than a whole
// cluster the way zkstore.RaftStore.IsLeader is scoped to the whole
// replicated log.
type Election struct {
	store    zkstore.Store
	path     string
	leaseID  string
	release  func() error
	cancel   chan struct{}
	wake     chan struct{}
}

// NewElection creates an election contender at path (conventionally
// "<queue-root>/election"). leaseID is the replica's liveness lease
// (zkstore.Store.NewLease), used to tie the contender node's lifetime to
// the replica's own liveness.
func NewElection(store zkstore.Store, path, leaseID string) *Election {
	return &Election{
		store:   store,
		path:    path,
		leaseID: leaseID,
		cancel:  make(chan struct{}),
		wake:    make(chan struct{}, 1),
	}
}

// Campaign blocks until this replica wins the election or Stop is
// called, in which case it returns zkstore.ErrLeaseExpired to signal the
// caller should not proceed as leader.
func (e *Election) Campaign() error {
	type result struct {
		release func() error
		err     error
	}
	done := make(chan result, 1)
	go func() {
		release, err := e.store.Lock(e.path, e.leaseID)
		done <- result{release, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return fmt.Errorf("equeue: campaign: %w", r.err)
		}
		e.release = r.release
		elog := log.WithComponent("equeue.election")
		elog.Info().Str("path", e.path).Msg("won leadership")
		return nil
	case <-e.cancel:
		return zkstore.ErrLeaseExpired
	}
}

// Resign releases leadership, if held. Safe to call even if Campaign
// never returned (a no-op in that case).
func (e *Election) Resign() error {
	if e.release == nil {
		return nil
	}
	return e.release()
}

// Stop unblocks any in-progress Campaign and wakes any waiter. It does not
// release an election already won; the holder releases it with Resign.
func (e *Election) Stop() {
	select {
	case <-e.cancel:
	default:
		close(e.cancel)
	}
	select {
	case e.wake <- struct{}{}:
	default:
	}
}
