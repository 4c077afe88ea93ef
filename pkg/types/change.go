// Package types defines the data model shared by the coordination store,
// source drivers and the pipeline manager: changes, queue items, build
// sets, pipelines and tenants.
package types

import "time"

// ChangeKind distinguishes the shape of change a ChangeKey addresses.
type ChangeKind string

const (
	KindReview ChangeKind = "review" // a patchset under review (Gerrit change, GitLab MR)
	KindBranch ChangeKind = "branch" // a branch head update
	KindTag    ChangeKind = "tag"    // a tag creation
	KindRef    ChangeKind = "ref"    // any other ref update
)

// ChangeKey is the sole addressing primitive exchanged between components
// (spec §3). It serialises to "<conn>/<project?>/<kind>/<stable-id>/<revision?>".
type ChangeKey struct {
	Connection string
	Project    string // empty for connection-wide refs
	Kind       ChangeKind
	StableID   string // change number, branch name, or tag name
	Revision   string // patchset number; empty for branch/tag/ref kinds
}

// String renders the canonical CS addressing form (spec §6).
func (k ChangeKey) String() string {
	s := k.Connection + "/" + k.Project + "/" + string(k.Kind) + "/" + k.StableID
	if k.Revision != "" {
		s += "/" + k.Revision
	}
	return s
}

// MergeState is the upstream merge/abandon status of a Change.
type MergeState string

const (
	MergeStateOpen      MergeState = "open"
	MergeStateMerged     MergeState = "merged"
	MergeStateAbandoned MergeState = "abandoned"
)

// Approval is one vote/label on a review change.
type Approval struct {
	Label     string // e.g. "Verified", "Code-Review"
	Value     int
	By        string // username
	Email     string
	GrantedAt time.Time
}

// DependencyEdge names another change this one is linked to, and how.
type DependencyEdge struct {
	Key  ChangeKey
	Kind DependencyKind
}

// DependencyKind is one of the four dependency discovery mechanisms of
// spec §4.3.
type DependencyKind string

const (
	DepGit              DependencyKind = "git-depends"       // parent commit is itself open
	DepCommitMessage    DependencyKind = "commit-depends"     // Depends-On: trailer
	DepNeededBy         DependencyKind = "needed-by"          // inverse of the above two
	DepSubmittedTogether DependencyKind = "submitted-together" // atomic upstream submit bundle
)

// Change is one immutable revision of an external unit of work. Refreshes
// produce a new Change value with an incremented Version; identity
// (the ChangeKey) never changes across a refresh (spec §3 invariant).
//
// Dynamic per-driver attribute bags from the source implementation are
// replaced here by an explicit value type plus a mutator-closure update
// path in the change cache (spec §9).
type Change struct {
	Key     ChangeKey
	Version uint64 // incremented on every refresh; used for optimistic CAS
	QueryLtime int64 // CS logical time of the query that produced this value

	// Review-change fields (zero value for branch/tag/ref kinds).
	Project       string
	Branch        string
	CommitMessage string
	Merge         MergeState
	WIP           bool
	Approvals     []Approval
	SubmitRecords []SubmitRecord
	FilesHash     string // content hash of the changed files, used for speculative conflict detection

	// Branch/Tag/Ref fields (spec §3 "Branch / Tag / Ref").
	Ref    string
	OldRev string
	NewRev string

	// Dependency graph, both directions, precomputed by refresh() (spec §4.3).
	DependsOn []DependencyEdge
	NeededBy  []DependencyEdge

	// Topic groups cross-repo changes for getChangesByTopic (spec §6).
	Topic string
}

// SubmitRecord is one requirement-satisfaction record reported by the
// review system (e.g. Gerrit's submit-requirement verdicts).
type SubmitRecord struct {
	Name     string
	Approved bool
}

// IsOpen reports whether the change can still be enqueued.
func (c *Change) IsOpen() bool {
	return c.Merge == MergeStateOpen
}

// Approval returns the most recent approval for label by the given user,
// or false if none exists.
func (c *Change) Approval(label, by string) (Approval, bool) {
	var best Approval
	found := false
	for _, a := range c.Approvals {
		if a.Label != label || a.By != by {
			continue
		}
		if !found || a.GrantedAt.After(best.GrantedAt) {
			best = a
			found = true
		}
	}
	return best, found
}
