package pipeline

import (
	"regexp"
	"time"

	"github.com/lattice-ci/conveyor/pkg/source"
	"github.com/lattice-ci/conveyor/pkg/types"
)

// MatchesTrigger reports whether event satisfies every typed predicate of
// trigger (spec §4.4 "Requirements / triggers": "A trigger matches an
// event when all of its typed predicates match").
func MatchesTrigger(trigger types.Trigger, event source.Event) bool {
	if trigger.Connection != "" && trigger.Connection != event.Connection {
		return false
	}
	if trigger.EventKind != "" {
		matched, err := regexp.MatchString(trigger.EventKind, event.EventKind)
		if err != nil || !matched {
			return false
		}
	}
	if trigger.Ref != "" {
		matched, err := regexp.MatchString(trigger.Ref, event.Ref)
		if err != nil || !matched {
			return false
		}
	}
	if len(trigger.RequireApproval) > 0 && !anyApprovalMatches(trigger.RequireApproval, event.Approvals) {
		return false
	}
	if len(trigger.RejectApproval) > 0 && anyApprovalMatches(trigger.RejectApproval, event.Approvals) {
		return false
	}
	return true
}

// MatchesRequirements evaluates a pipeline's conjunctive start/success/
// failure requirements against change's current approvals (spec §4.4
// "Requirements are conjunctive pipeline-level predicates evaluated on the
// change"). Every filter must be satisfied by at least one approval.
func MatchesRequirements(filters []types.ApprovalFilter, change *types.Change) bool {
	for _, f := range filters {
		if !anyApprovalMatches([]types.ApprovalFilter{f}, change.Approvals) {
			return false
		}
	}
	return true
}

func anyApprovalMatches(filters []types.ApprovalFilter, approvals []types.Approval) bool {
	for _, f := range filters {
		for _, a := range approvals {
			if approvalMatches(f, a) {
				return true
			}
		}
	}
	return false
}

// approvalMatches reports whether a matches f's label, its one exact Value
// and its age bound (Newer/OlderThan). A set of values, the approver's
// username and the approver's email are not matched.
func approvalMatches(f types.ApprovalFilter, a types.Approval) bool {
	if f.Label != "" && f.Label != a.Label {
		return false
	}
	if f.Value != nil && *f.Value != a.Value {
		return false
	}
	if f.OlderThan != "" {
		d, err := time.ParseDuration(f.OlderThan)
		if err != nil {
			return false
		}
		age := time.Since(a.GrantedAt)
		if f.Newer {
			if age > d {
				return false // must be newer than d: age must not exceed it
			}
		} else if age <= d {
			return false // must be older than d
		}
	}
	return true
}
