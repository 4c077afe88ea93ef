// Package zkstore implements the coordination-store abstraction the rest
// of this core depends on: a hierarchical key/value tree with create,
// optimistic-CAS update, delete, ephemeral and sequential node semantics,
// recursive watches and advisory locks — the primitives a ZooKeeper-backed
// scheduler needs, backed here by a raft replicated log plus a local bbolt
// view instead of a standing ZK ensemble (see DESIGN.md).
package zkstore

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a path has no node.
var ErrNotFound = errors.New("zkstore: node not found")

// ErrVersionConflict is returned by CAS when the expected version is stale.
var ErrVersionConflict = errors.New("zkstore: version conflict")

// ErrAlreadyExists is returned by Create when a node already lives at path.
var ErrAlreadyExists = errors.New("zkstore: node already exists")

// ErrLeaseExpired is returned when an operation is attempted against an
// ephemeral node whose owning lease has expired.
var ErrLeaseExpired = errors.New("zkstore: lease expired")

// NodeKind distinguishes how a node's lifetime and name are managed.
type NodeKind int

const (
	// KindPersistent nodes survive until explicitly deleted.
	KindPersistent NodeKind = iota
	// KindEphemeral nodes are removed when their owning lease expires.
	KindEphemeral
	// KindSequential nodes have a monotonic suffix appended to their
	// requested name at creation time; combine with KindEphemeral via
	// KindEphemeralSequential.
	KindSequential
	// KindEphemeralSequential combines both behaviors (used for queue
	// items and lock contenders).
	KindEphemeralSequential
)

// Node is one entry in the coordination tree.
type Node struct {
	Path    string
	Data    []byte
	Version uint64
	Kind    NodeKind

	// LeaseID is set for ephemeral(-sequential) nodes; empty otherwise.
	LeaseID string

	CreatedAt time.Time
}

// Event describes a change observed by a watch.
type Event struct {
	Type EventType
	Path string
	Node *Node // nil for EventDeleted
}

// EventType enumerates the kinds of changes a watch can report.
type EventType int

const (
	EventCreated EventType = iota
	EventDataChanged
	EventDeleted
	EventChildrenChanged
)

// Mutator transforms the current value of a node during UpdateWithRetry;
// it returns the new bytes to store, or an error to abort the retry loop.
type Mutator func(current []byte) ([]byte, error)

// Store is the coordination-store contract every other package in this
// core depends on instead of talking to raft/bbolt directly.
type Store interface {
	// Create adds a node at path. For KindSequential/KindEphemeralSequential
	// the returned path has a zero-padded monotonic suffix appended.
	Create(path string, data []byte, kind NodeKind, leaseID string) (actualPath string, err error)

	// Get returns the node at path, or ErrNotFound.
	Get(path string) (*Node, error)

	// Set performs a compare-and-swap write: err is ErrVersionConflict if
	// expectedVersion does not match the node's current version.
	Set(path string, data []byte, expectedVersion uint64) error

	// UpdateWithRetry reads, applies fn, and CAS-writes back, retrying on
	// ErrVersionConflict up to maxAttempts times (spec §4.2 invariant on
	// the change cache's update path).
	UpdateWithRetry(path string, maxAttempts int, fn Mutator) (*Node, error)

	// Delete removes the node at path only; children are not checked and
	// are left in place. Ephemeral/sequential subtrees used by queues are
	// deleted item-by-item by their owners.
	Delete(path string, expectedVersion uint64) error

	// Children lists the immediate child names of path, in creation
	// order for sequential children (the ordering change queues rely on).
	Children(path string) ([]string, error)

	// Watch registers ch to receive Events for path and, when recursive
	// is true, for its entire subtree, until the returned cancel func is
	// called.
	Watch(path string, recursive bool, ch chan<- Event) (cancel func(), err error)

	// Lock acquires an advisory exclusive lock at path, blocking until it
	// is acquired or the store returns an error; it takes no context and
	// cannot be cancelled. The returned release func must be called to
	// unlock. Implemented as a sequential-ephemeral contender queue under
	// path, ZK recipe-style.
	Lock(path string, leaseID string) (release func() error, err error)

	// NewLease creates a session-like lease that must be renewed via
	// RenewLease before ttl elapses or its ephemeral nodes are reaped.
	NewLease(ttl time.Duration) (leaseID string, err error)

	// RenewLease extends a lease's expiry by its original TTL.
	RenewLease(leaseID string) error

	// Close releases local resources (raft transport, bbolt handle).
	Close() error
}
