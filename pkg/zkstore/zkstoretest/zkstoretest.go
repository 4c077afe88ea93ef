// Package zkstoretest provides a single-replica coordination store for
// unit tests across this core's packages, since zkstore.RaftStore always
// talks real raft + bbolt rather than an in-memory fake (DESIGN.md:
// "never fabricate dependencies").
package zkstoretest

import (
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lattice-ci/conveyor/pkg/zkstore"
)

// New bootstraps a single-voter RaftStore rooted at tb.TempDir(), bound to
// an OS-assigned loopback port, and blocks until it is its own leader.
// The store is closed automatically when the test ends.
func New(tb testing.TB) *zkstore.RaftStore {
	tb.Helper()

	addr := freeAddr(tb)
	store, err := zkstore.NewRaftStore(zkstore.Config{
		NodeID:   uuid.NewString(),
		BindAddr: addr,
		DataDir:  tb.TempDir(),
	})
	if err != nil {
		tb.Fatalf("zkstoretest: new raft store: %v", err)
	}
	if err := store.Bootstrap(); err != nil {
		tb.Fatalf("zkstoretest: bootstrap: %v", err)
	}
	tb.Cleanup(func() { _ = store.Close() })

	deadline := time.Now().Add(5 * time.Second)
	for !store.IsLeader() {
		if time.Now().After(deadline) {
			tb.Fatalf("zkstoretest: store never became leader")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return store
}

func freeAddr(tb testing.TB) string {
	tb.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("zkstoretest: allocate port: %v", err)
	}
	addr := l.Addr().String()
	_ = l.Close()
	return addr
}
