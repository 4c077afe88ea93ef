package gitlab

import (
	"context"
	"fmt"

	"github.com/lattice-ci/conveyor/pkg/types"
)

// reportCommitState maps a ReportPhase to the commit-status state this
// driver posts against the MR's head sha, GitLab's analogue of Gerrit's
// Verified vote.
func reportCommitState(phase types.ReportPhase) string {
	switch phase {
	case types.PhaseStart:
		return "running"
	case types.PhaseSuccess:
		return "success"
	case types.PhaseFailure, types.PhaseMergeFailure:
		return "failed"
	default:
		return ""
	}
}

// Report implements source.Source (spec §6 "report", §4.7). PhaseSuccess
// on a gated pipeline additionally attempts the upstream merge
// (phase-2); a phase-2 failure never re-runs phase-1, it surfaces the
// error so the caller's reporter can report a merge-failure instead
// (invariant I4).
func (s *Source) Report(ctx context.Context, change *types.Change, phase types.ReportPhase, message string, approvals []types.Approval) error {
	if change.Key.StableID == "" {
		return nil
	}
	iid, err := parseIID(change.Key.StableID)
	if err != nil {
		return fmt.Errorf("gitlab: report invalid iid %q: %w", change.Key.StableID, err)
	}

	if _, err := s.call(ctx, func() (interface{}, error) {
		return nil, s.client.postNote(ctx, change.Project, iid, message)
	}); err != nil {
		return fmt.Errorf("gitlab: report phase1 note %s: %w", change.Key, err)
	}

	if state := reportCommitState(phase); state != "" && change.NewRev != "" {
		if _, err := s.call(ctx, func() (interface{}, error) {
			return nil, s.client.setCommitStatus(ctx, change.Project, change.NewRev, state, message)
		}); err != nil {
			return fmt.Errorf("gitlab: report phase1 status %s: %w", change.Key, err)
		}
	}

	if phase != types.PhaseSuccess {
		return nil
	}
	if _, err := s.call(ctx, func() (interface{}, error) {
		return nil, s.client.mergeMergeRequest(ctx, change.Project, iid)
	}); err != nil {
		return fmt.Errorf("gitlab: report phase2 merge %s: %w", change.Key, err)
	}
	return nil
}
