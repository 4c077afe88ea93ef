package zkstore

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	"go.etcd.io/bbolt"
)

var nodesBucket = []byte("nodes")
var leasesBucket = []byte("leases")

// command is the raft log envelope: an operation name plus its raw JSON
// payload, applied against the coordination tree's generic node/lease
// operations.
type command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	opCreate      = "create"
	opSet         = "set"
	opDelete      = "delete"
	opNewLease    = "new_lease"
	opRenewLease  = "renew_lease"
	opReapExpired = "reap_expired"
)

type createPayload struct {
	Path    string
	Data    []byte
	Kind    NodeKind
	LeaseID string
	Now     int64 // unix nanos, supplied by the proposer to keep the FSM deterministic
}

type setPayload struct {
	Path            string
	Data            []byte
	ExpectedVersion uint64
}

type deletePayload struct {
	Path            string
	ExpectedVersion uint64
}

type leasePayload struct {
	LeaseID string
	TTL     time.Duration
	Now     int64
}

// fsm applies committed raft log entries against the local bbolt-backed
// tree: generic coordination-node CRUD plus lease bookkeeping.
type fsm struct {
	mu sync.Mutex
	db *bbolt.DB

	watchers *watchHub
}

func newFSM(db *bbolt.DB, watchers *watchHub) *fsm {
	return &fsm{db: db, watchers: watchers}
}

func (f *fsm) Apply(log *raft.Log) interface{} {
	var cmd command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("zkstore: unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opCreate:
		var p createPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.applyCreate(p)
	case opSet:
		var p setPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.applySet(p)
	case opDelete:
		var p deletePayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.applyDelete(p)
	case opNewLease:
		var p leasePayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.applyNewLease(p)
	case opRenewLease:
		var p leasePayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.applyRenewLease(p)
	case opReapExpired:
		var p leasePayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.applyReap(p)
	default:
		return fmt.Errorf("zkstore: unknown command %q", cmd.Op)
	}
}

type persistedNode struct {
	Path      string
	Data      []byte
	Version   uint64
	Kind      NodeKind
	LeaseID   string
	CreatedAt time.Time
	Seq       uint64 // sequential-node creation order, used for Children ordering
}

func (f *fsm) applyCreate(p createPayload) interface{} {
	var result string
	err := f.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(nodesBucket)
		if err != nil {
			return err
		}
		path := p.Path
		if p.Kind == KindSequential || p.Kind == KindEphemeralSequential {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			path = fmt.Sprintf("%s%010d", p.Path, seq)
		}
		if b.Get([]byte(path)) != nil {
			return ErrAlreadyExists
		}
		n := persistedNode{
			Path:      path,
			Data:      p.Data,
			Version:   1,
			Kind:      p.Kind,
			LeaseID:   p.LeaseID,
			CreatedAt: time.Unix(0, p.Now),
		}
		buf, err := json.Marshal(n)
		if err != nil {
			return err
		}
		result = path
		return b.Put([]byte(path), buf)
	})
	if err != nil {
		return err
	}
	f.watchers.notify(Event{Type: EventCreated, Path: result})
	return result
}

func (f *fsm) applySet(p setPayload) interface{} {
	err := f.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(nodesBucket)
		if b == nil {
			return ErrNotFound
		}
		raw := b.Get([]byte(p.Path))
		if raw == nil {
			return ErrNotFound
		}
		var n persistedNode
		if err := json.Unmarshal(raw, &n); err != nil {
			return err
		}
		if n.Version != p.ExpectedVersion {
			return ErrVersionConflict
		}
		n.Data = p.Data
		n.Version++
		buf, err := json.Marshal(n)
		if err != nil {
			return err
		}
		return b.Put([]byte(p.Path), buf)
	})
	if err != nil {
		return err
	}
	f.watchers.notify(Event{Type: EventDataChanged, Path: p.Path})
	return nil
}

func (f *fsm) applyDelete(p deletePayload) interface{} {
	err := f.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(nodesBucket)
		if b == nil {
			return ErrNotFound
		}
		raw := b.Get([]byte(p.Path))
		if raw == nil {
			return ErrNotFound
		}
		var n persistedNode
		if err := json.Unmarshal(raw, &n); err != nil {
			return err
		}
		if p.ExpectedVersion != 0 && n.Version != p.ExpectedVersion {
			return ErrVersionConflict
		}
		return b.Delete([]byte(p.Path))
	})
	if err != nil {
		return err
	}
	f.watchers.notify(Event{Type: EventDeleted, Path: p.Path})
	return nil
}

type persistedLease struct {
	ID        string
	TTL       time.Duration
	ExpiresAt time.Time
}

func (f *fsm) applyNewLease(p leasePayload) interface{} {
	return f.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(leasesBucket)
		if err != nil {
			return err
		}
		l := persistedLease{ID: p.LeaseID, TTL: p.TTL, ExpiresAt: time.Unix(0, p.Now).Add(p.TTL)}
		buf, err := json.Marshal(l)
		if err != nil {
			return err
		}
		return b.Put([]byte(p.LeaseID), buf)
	})
}

func (f *fsm) applyRenewLease(p leasePayload) interface{} {
	return f.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(leasesBucket)
		if b == nil {
			return ErrLeaseExpired
		}
		raw := b.Get([]byte(p.LeaseID))
		if raw == nil {
			return ErrLeaseExpired
		}
		var l persistedLease
		if err := json.Unmarshal(raw, &l); err != nil {
			return err
		}
		l.ExpiresAt = time.Unix(0, p.Now).Add(l.TTL)
		buf, err := json.Marshal(l)
		if err != nil {
			return err
		}
		return b.Put([]byte(p.LeaseID), buf)
	})
}

// applyReap removes every ephemeral node owned by a lease that has expired
// as of p.Now, substituting for ZK's session-tied ephemeral node removal
// (DESIGN.md "Coordination store" Open Question resolution).
func (f *fsm) applyReap(p leasePayload) interface{} {
	now := time.Unix(0, p.Now)
	var reaped []string
	err := f.db.Update(func(tx *bbolt.Tx) error {
		lb := tx.Bucket(leasesBucket)
		nb := tx.Bucket(nodesBucket)
		if lb == nil || nb == nil {
			return nil
		}
		c := lb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var l persistedLease
			if err := json.Unmarshal(v, &l); err != nil {
				continue
			}
			if now.Before(l.ExpiresAt) {
				continue
			}
			nc := nb.Cursor()
			for nk, nv := nc.First(); nk != nil; nk, nv = nc.Next() {
				var n persistedNode
				if err := json.Unmarshal(nv, &n); err != nil {
					continue
				}
				if n.LeaseID != l.ID {
					continue
				}
				reaped = append(reaped, n.Path)
				if err := nb.Delete(nk); err != nil {
					return err
				}
			}
			if err := lb.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, path := range reaped {
		f.watchers.notify(Event{Type: EventDeleted, Path: path})
	}
	return nil
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	snap := &fsmSnapshot{}
	err := f.db.View(func(tx *bbolt.Tx) error {
		if b := tx.Bucket(nodesBucket); b != nil {
			return b.ForEach(func(k, v []byte) error {
				snap.Nodes = append(snap.Nodes, append([]byte(nil), v...))
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var snap fsmSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(nodesBucket); err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}
		b, err := tx.CreateBucket(nodesBucket)
		if err != nil {
			return err
		}
		for _, raw := range snap.Nodes {
			var n persistedNode
			if err := json.Unmarshal(raw, &n); err != nil {
				return err
			}
			if err := b.Put([]byte(n.Path), raw); err != nil {
				return err
			}
		}
		return nil
	})
}

type fsmSnapshot struct {
	Nodes [][]byte
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *fsmSnapshot) Release() {}
