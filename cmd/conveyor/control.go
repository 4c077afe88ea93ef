package main

import (
	"context"
	"time"

	"github.com/lattice-ci/conveyor/pkg/rpcproto"
	"github.com/lattice-ci/conveyor/pkg/zkstore"
)

// controlServer answers another replica's join/status RPCs over the
// control-plane connection (spec §9 "replica↔replica join/status RPC").
// It is a thin adapter over *zkstore.RaftStore: the interesting logic
// (raft membership, leader forwarding) already lives there.
type controlServer struct {
	store     *zkstore.RaftStore
	nodeID    string
	startedAt time.Time
}

func newControlServer(store *zkstore.RaftStore, nodeID string) *controlServer {
	return &controlServer{store: store, nodeID: nodeID, startedAt: time.Now()}
}

var _ rpcproto.ControlServer = (*controlServer)(nil)

// Join adds the requesting replica as a raft voter. Only the current
// leader can service this; a follower reports the leader's address so
// the caller can retry there instead.
func (c *controlServer) Join(ctx context.Context, req *rpcproto.JoinRequest) (*rpcproto.JoinResponse, error) {
	if !c.store.IsLeader() {
		return &rpcproto.JoinResponse{Accepted: false, Error: "not leader, leader at " + c.store.LeaderAddr()}, nil
	}
	if err := c.store.AddVoter(req.NodeID, req.RaftAddr); err != nil {
		return &rpcproto.JoinResponse{Accepted: false, Error: err.Error()}, nil
	}
	return &rpcproto.JoinResponse{Accepted: true}, nil
}

// Status reports this replica's own liveness and raft role.
func (c *controlServer) Status(ctx context.Context, req *rpcproto.StatusRequest) (*rpcproto.StatusResponse, error) {
	return &rpcproto.StatusResponse{
		NodeID:    c.nodeID,
		IsLeader:  c.store.IsLeader(),
		StartedAt: c.startedAt,
	}, nil
}
