package gerrit

import (
	"context"
	"fmt"

	"github.com/lattice-ci/conveyor/pkg/types"
)

// truncateMessage caps message at humanMessageLimit bytes, appending a
// visible marker the same way the upstream Gerrit server itself would
// (spec §8 "visible '... (truncated)' marker", gerritconnection.py's
// GERRIT_HUMAN_MESSAGE_LIMIT handling).
func truncateMessage(message string) string {
	if len(message) < humanMessageLimit {
		return message
	}
	return message[:humanMessageLimit-20] + "... (truncated)"
}

// reportLabels maps a ReportPhase to the Verified vote this driver posts
// alongside its message. A pipeline may be configured to skip voting by
// reporting with PhaseEnqueue/PhaseDequeue, which carry no vote.
func reportLabels(phase types.ReportPhase) map[string]int {
	switch phase {
	case types.PhaseStart:
		return nil
	case types.PhaseSuccess:
		return map[string]int{"Verified": 1}
	case types.PhaseFailure:
		return map[string]int{"Verified": -1}
	default:
		return nil
	}
}

// Report implements source.Source (spec §6 "report"). PhaseSuccess on a
// gated pipeline additionally attempts the upstream submit (phase-2);
// phase-2 never re-runs phase-1 on failure, it simply surfaces the error to
// the caller so the reporter can report a merge-failure instead (spec §4.7,
// §8 I4).
func (s *Source) Report(ctx context.Context, change *types.Change, phase types.ReportPhase, message string, approvals []types.Approval) error {
	if change.Key.StableID == "" {
		return nil // a ref-updated synthetic change has nothing to vote on
	}
	message = truncateMessage(message)

	labels := reportLabels(phase)
	for _, a := range approvals {
		if labels == nil {
			labels = make(map[string]int)
		}
		labels[a.Label] = a.Value
	}

	if err := s.callReview(ctx, change.Key.StableID, change.Key.Revision, message, labels); err != nil {
		return fmt.Errorf("gerrit: report phase1 %s: %w", change.Key, err)
	}

	if phase != types.PhaseSuccess {
		return nil
	}
	if _, err := s.call(ctx, func() (interface{}, error) {
		return nil, s.client.submit(ctx, change.Key.StableID, change.Key.Revision)
	}); err != nil {
		return fmt.Errorf("gerrit: report phase2 submit %s: %w", change.Key, err)
	}
	return nil
}

func (s *Source) callReview(ctx context.Context, number, patchset, message string, labels map[string]int) error {
	_, err := s.call(ctx, func() (interface{}, error) {
		return nil, s.client.review(ctx, number, patchset, message, labels)
	})
	return err
}
