// Package source declares the driver-agnostic contract between a review
// system connector (pkg/gerrit, pkg/gitlab, pkg/timer) and the pipeline
// manager (spec §4.3, §6). A Source translates upstream events into the
// internal Event shape, fetches and caches Change metadata, resolves the
// cross-repo dependency graph, and reports pipeline outcomes back upstream.
package source

import (
	"context"

	"github.com/lattice-ci/conveyor/pkg/types"
)

// Event is the internal trigger event shape every connector produces,
// independent of the upstream wire format it translated from (spec §4.3
// "translate native events to internal trigger events").
type Event struct {
	Connection string
	EventKind  string // e.g. "patchset-created", "comment-added", "ref-updated", "change-merged"
	Project    string
	Ref        string // branch for patchset events, the updated ref for ref-updated
	Key        types.ChangeKey

	// Approvals carries the vote(s) attached to a comment-added event, used
	// by Trigger.RequireApproval/RejectApproval filtering.
	Approvals []types.Approval
}

// Source is the per-connection driver contract. Every method that performs
// an outbound call to the upstream system takes a context so the caller can
// bound it (spec §5's suspension-point timeout discipline).
type Source interface {
	// Name identifies the configured connection this Source instance serves.
	Name() string

	// IsMerged reports whether change has landed; when head is non-empty it
	// additionally waits for head to appear in the project's git mirror
	// before returning true (spec §6 "isMerged(change, head?)").
	IsMerged(ctx context.Context, change *types.Change, head string) (bool, error)

	// CanMerge reports whether change currently satisfies the upstream
	// system's submit requirements. allowNeeds lists labels the pipeline
	// itself might still cause to become satisfied (e.g. because a job will
	// add a Verified vote), so an unsatisfied requirement naming only those
	// labels does not block (spec §6 "canMerge(change, allow_needs, event?)").
	CanMerge(ctx context.Context, change *types.Change, allowNeeds []string) (bool, error)

	// GetChangeKey extracts the ChangeKey a translated Event refers to.
	GetChangeKey(event Event) (types.ChangeKey, error)

	// GetChange returns the cached Change at key, refreshing it first (per
	// the refresh algorithm of spec §4.3) when refresh is true or the key
	// is not yet cached.
	GetChange(ctx context.Context, key types.ChangeKey, refresh bool) (*types.Change, error)

	// GetChangeByURL resolves a change from a human-facing review URL,
	// retrying transient lookup failures (spec §6 "with retry").
	GetChangeByURL(ctx context.Context, url string) (*types.Change, error)

	// GetChangesDependingOn returns every open change whose dependency
	// graph needs change, optionally narrowed to projects.
	GetChangesDependingOn(ctx context.Context, change *types.Change, projects []string) ([]*types.Change, error)

	// GetChangesByTopic returns every open change sharing topic.
	GetChangesByTopic(ctx context.Context, topic string) ([]*types.Change, error)

	// GetProjectBranches lists project's branches, optionally only those
	// created at or after minLtime (used to bound tenant-config reloads).
	GetProjectBranches(ctx context.Context, project string, minLtime int64) ([]string, error)

	// GetProjectOpenChanges lists every open change in project.
	GetProjectOpenChanges(ctx context.Context, project string) ([]*types.Change, error)

	// GetRefSha returns the current sha project's ref points to.
	GetRefSha(ctx context.Context, project, ref string) (string, error)

	// GetGitURL returns the clone URL for project, used by the merger.
	GetGitURL(project string) (string, error)

	// Report posts a reporter's outcome back to the upstream system at the
	// given phase (spec §4.7, §7 bounded-retry and message-length limits
	// are the caller Reporter's concern, not the Source's).
	Report(ctx context.Context, change *types.Change, phase types.ReportPhase, message string, approvals []types.Approval) error
}
