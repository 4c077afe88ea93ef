package rpcproto

import "time"

// FetchAndMergeRequest asks the merger collaborator to fetch project at
// ref and merge it onto its current target using strategy (spec.md §2
// point 5).
type FetchAndMergeRequest struct {
	Project  string `json:"project"`
	Ref      string `json:"ref"`
	Strategy string `json:"strategy"` // e.g. "merge", "squash", "rebase", "cherry-pick"
}

// FetchAndMergeResponse reports the outcome of one merge attempt.
type FetchAndMergeResponse struct {
	Succeeded  bool      `json:"succeeded"`
	MergedRev  string    `json:"merged_rev,omitempty"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// JoinRequest is a replica's request to join the raft cluster backing
// the coordination store, carried over the same control-plane
// connection as the merger RPC (spec §9's "replica↔replica join/status
// RPC").
type JoinRequest struct {
	NodeID   string `json:"node_id"`
	RaftAddr string `json:"raft_addr"`
}

// JoinResponse reports whether the join was accepted.
type JoinResponse struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// StatusRequest asks a replica to report its own health.
type StatusRequest struct{}

// StatusResponse is one replica's self-reported status.
type StatusResponse struct {
	NodeID    string    `json:"node_id"`
	IsLeader  bool      `json:"is_leader"`
	StartedAt time.Time `json:"started_at"`
}
