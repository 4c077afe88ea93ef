package zkstore

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/lattice-ci/conveyor/pkg/log"
	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"go.etcd.io/bbolt"
)

// Config configures a raft-backed Store: the node's identity, its bind
// address for the raft transport, and where its local bbolt state lives.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// RaftStore is the raft + bbolt backed Store implementation (DESIGN.md
// "Coordination store"): raft bootstrap/join/transport wiring plus an fsm
// that applies generic coordination-node CRUD and lease bookkeeping.
type RaftStore struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft *raft.Raft
	fsm  *fsm
	db   *bbolt.DB

	watchers *watchHub

	applyDuration durationObserver
}

// durationObserver matches prometheus.Histogram/Summary's Observe method
// without importing the metrics package, which itself depends on Store to
// poll queue summaries (SetApplyDurationObserver breaks that cycle).
type durationObserver interface {
	Observe(float64)
}

// SetApplyDurationObserver wires a histogram that records each raft Apply
// call's latency; nil (the default) disables the observation.
func (s *RaftStore) SetApplyDurationObserver(o durationObserver) {
	s.applyDuration = o
}

// NewRaftStore opens the local bbolt handle and constructs (but does not
// start) a RaftStore; call Bootstrap or Join to join the replicated log.
func NewRaftStore(cfg Config) (*RaftStore, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("zkstore: create data dir: %w", err)
	}
	db, err := bbolt.Open(filepath.Join(cfg.DataDir, "tree.db"), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("zkstore: open tree db: %w", err)
	}
	watchers := newWatchHub()
	return &RaftStore{
		nodeID:   cfg.NodeID,
		bindAddr: cfg.BindAddr,
		dataDir:  cfg.DataDir,
		db:       db,
		fsm:      newFSM(db, watchers),
		watchers: watchers,
	}, nil
}

// raftConfig tunes hashicorp/raft for sub-10s replica failover, assuming
// a LAN deployment of replicas.
func (s *RaftStore) raftConfig() *raft.Config {
	c := raft.DefaultConfig()
	c.LocalID = raft.ServerID(s.nodeID)
	c.HeartbeatTimeout = 500 * time.Millisecond
	c.ElectionTimeout = 500 * time.Millisecond
	c.CommitTimeout = 50 * time.Millisecond
	c.LeaderLeaseTimeout = 250 * time.Millisecond
	return c
}

func (s *RaftStore) newRaft(config *raft.Config) (*raft.Raft, *raft.NetworkTransport, error) {
	addr, err := net.ResolveTCPAddr("tcp", s.bindAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("zkstore: resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(s.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("zkstore: create transport: %w", err)
	}
	snapshotStore, err := raft.NewFileSnapshotStore(s.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("zkstore: create snapshot store: %w", err)
	}
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(s.dataDir, "raft-log.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("zkstore: create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(s.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("zkstore: create stable store: %w", err)
	}
	r, err := raft.NewRaft(config, s.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, nil, fmt.Errorf("zkstore: create raft: %w", err)
	}
	return r, transport, nil
}

// Bootstrap starts a new single-replica coordination cluster.
func (s *RaftStore) Bootstrap() error {
	config := s.raftConfig()
	r, transport, err := s.newRaft(config)
	if err != nil {
		return err
	}
	s.raft = r

	future := r.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: config.LocalID, Address: transport.LocalAddr()}},
	})
	if err := future.Error(); err != nil {
		return fmt.Errorf("zkstore: bootstrap cluster: %w", err)
	}
	log.Logger.Info().Str("node_id", s.nodeID).Msg("coordination store bootstrapped")
	return nil
}

// Join starts this replica's raft node without bootstrapping a cluster;
// the caller has the current leader add this replica with AddVoter.
func (s *RaftStore) Join() error {
	config := s.raftConfig()
	r, _, err := s.newRaft(config)
	if err != nil {
		return err
	}
	s.raft = r
	return nil
}

// AddVoter is invoked on the current leader to admit a joining replica.
func (s *RaftStore) AddVoter(nodeID, address string) error {
	if s.raft.State() != raft.Leader {
		return fmt.Errorf("zkstore: AddVoter must run on the leader")
	}
	future := s.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	return future.Error()
}

// IsLeader reports whether this replica currently holds the raft lease.
func (s *RaftStore) IsLeader() bool { return s.raft.State() == raft.Leader }

// LeaderAddr returns the current leader's bind address, empty if unknown.
func (s *RaftStore) LeaderAddr() string {
	addr, _ := s.raft.LeaderWithID()
	return string(addr)
}

func (s *RaftStore) apply(op string, payload interface{}) (interface{}, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	cmd, err := json.Marshal(command{Op: op, Data: data})
	if err != nil {
		return nil, err
	}
	start := time.Now()
	future := s.raft.Apply(cmd, 10*time.Second)
	err = future.Error()
	if s.applyDuration != nil {
		s.applyDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, fmt.Errorf("zkstore: apply %s: %w", op, err)
	}
	resp := future.Response()
	if err, ok := resp.(error); ok && err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *RaftStore) Create(path string, data []byte, kind NodeKind, leaseID string) (string, error) {
	resp, err := s.apply(opCreate, createPayload{
		Path: path, Data: data, Kind: kind, LeaseID: leaseID, Now: time.Now().UnixNano(),
	})
	if err != nil {
		return "", err
	}
	return resp.(string), nil
}

func (s *RaftStore) Get(path string) (*Node, error) {
	var n persistedNode
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(nodesBucket)
		if b == nil {
			return ErrNotFound
		}
		raw := b.Get([]byte(path))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &n)
	})
	if err != nil {
		return nil, err
	}
	return &Node{
		Path: n.Path, Data: n.Data, Version: n.Version, Kind: n.Kind,
		LeaseID: n.LeaseID, CreatedAt: n.CreatedAt,
	}, nil
}

func (s *RaftStore) Set(path string, data []byte, expectedVersion uint64) error {
	_, err := s.apply(opSet, setPayload{Path: path, Data: data, ExpectedVersion: expectedVersion})
	return err
}

func (s *RaftStore) UpdateWithRetry(path string, maxAttempts int, fn Mutator) (*Node, error) {
	var last error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		n, err := s.Get(path)
		if err != nil {
			return nil, err
		}
		newData, err := fn(n.Data)
		if err != nil {
			return nil, err
		}
		if err := s.Set(path, newData, n.Version); err != nil {
			if err == ErrVersionConflict {
				last = err
				continue
			}
			return nil, err
		}
		return s.Get(path)
	}
	return nil, fmt.Errorf("zkstore: UpdateWithRetry exhausted %d attempts: %w", maxAttempts, last)
}

func (s *RaftStore) Delete(path string, expectedVersion uint64) error {
	_, err := s.apply(opDelete, deletePayload{Path: path, ExpectedVersion: expectedVersion})
	return err
}

func (s *RaftStore) Children(prefix string) ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(nodesBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			path := string(k)
			if len(path) <= len(prefix)+1 {
				return nil
			}
			if path[:len(prefix)] != prefix || path[len(prefix)] != '/' {
				return nil
			}
			rest := path[len(prefix)+1:]
			for i, r := range rest {
				if r == '/' {
					return nil
				}
				_ = i
			}
			out = append(out, rest)
			return nil
		})
	})
	return out, err
}

func (s *RaftStore) Watch(path string, recursive bool, ch chan<- Event) (func(), error) {
	return s.watchers.register(path, recursive, ch), nil
}

func (s *RaftStore) NewLease(ttl time.Duration) (string, error) {
	id := uuid.NewString()
	_, err := s.apply(opNewLease, leasePayload{LeaseID: id, TTL: ttl, Now: time.Now().UnixNano()})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *RaftStore) RenewLease(leaseID string) error {
	_, err := s.apply(opRenewLease, leasePayload{LeaseID: leaseID, Now: time.Now().UnixNano()})
	return err
}

// ReapExpiredLeases scans for and removes ephemeral nodes whose owning
// lease has expired; replicas call this periodically (see
// cmd/conveyor/serve.go renewLeaseForever) since no ZK session mechanism ties ephemeral node removal
// to connection loss here.
func (s *RaftStore) ReapExpiredLeases() error {
	_, err := s.apply(opReapExpired, leasePayload{Now: time.Now().UnixNano()})
	return err
}

func (s *RaftStore) Close() error {
	if s.raft != nil {
		if err := s.raft.Shutdown().Error(); err != nil {
			return err
		}
	}
	return s.db.Close()
}
