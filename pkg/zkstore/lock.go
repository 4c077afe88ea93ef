package zkstore

import (
	"fmt"
	"sort"
	"time"
)

// Lock implements the classic ZooKeeper lock recipe: create a sequential
// ephemeral contender under path, then block until it is the
// lowest-numbered child. Released by deleting the contender node, which
// also happens automatically if the owning lease expires (DESIGN.md
// "Coordination store" Open Question resolution).
func (s *RaftStore) Lock(path string, leaseID string) (func() error, error) {
	contenderPath, err := s.Create(path+"/lock-", nil, KindEphemeralSequential, leaseID)
	if err != nil {
		return nil, fmt.Errorf("zkstore: create lock contender: %w", err)
	}

	for {
		children, err := s.Children(path)
		if err != nil {
			return nil, err
		}
		sort.Strings(children)
		if len(children) == 0 {
			return nil, fmt.Errorf("zkstore: lock contender disappeared")
		}
		mine := contenderPath[len(path)+1:]
		if children[0] == mine {
			break
		}

		ch := make(chan Event, 8)
		cancel, err := s.Watch(path, false, ch)
		if err != nil {
			return nil, err
		}
		select {
		case <-ch:
		case <-time.After(time.Second):
		}
		cancel()
	}

	released := false
	release := func() error {
		if released {
			return nil
		}
		released = true
		return s.Delete(contenderPath, 0)
	}
	return release, nil
}
