package gitlab

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/lattice-ci/conveyor/pkg/metrics"
	"github.com/lattice-ci/conveyor/pkg/types"
)

// filesHash computes the content hash of a merge request's touched files
// (spec §3 "content hash of its files, used for speculative conflict
// detection"), mirroring pkg/gerrit's filesHash so both drivers populate
// the field the same way.
func filesHash(files []string) string {
	if len(files) == 0 {
		return ""
	}
	sorted := append([]string(nil), files...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:])
}

// errTooManyDependencies mirrors pkg/gerrit's bound (spec §4.3 step 2).
type errTooManyDependencies struct {
	key types.ChangeKey
}

func (e *errTooManyDependencies) Error() string {
	return fmt.Sprintf("gitlab: too many dependencies resolving %s", e.key)
}

// refreshHistory tracks changes already visited in one refresh traversal,
// matching pkg/gerrit's cycle-safety device (spec §4.3 step 1). GitLab's
// thinner dependency model only ever produces DependsOn edges (commit
// trailers), but those edges can still form a cycle (A depends on B and B
// on A); history stops the traversal from revisiting a change.
type refreshHistory struct {
	seen map[types.ChangeKey]*types.Change
}

func newRefreshHistory() *refreshHistory {
	return &refreshHistory{seen: make(map[types.ChangeKey]*types.Change)}
}

// GetChange implements source.Source.
func (s *Source) GetChange(ctx context.Context, key types.ChangeKey, refresh bool) (*types.Change, error) {
	if !refresh {
		if cached, ok := s.cache.Get(key); ok {
			return cached, nil
		}
	}
	timer := metrics.NewTimer()
	change, err := s.refresh(ctx, key, newRefreshHistory())
	timer.ObserveDuration(metrics.ChangequeueRefreshDuration)
	var tooMany *errTooManyDependencies
	if errors.As(err, &tooMany) {
		metrics.ChangequeueRefreshTooManyDependenciesTotal.Inc()
	}
	return change, err
}

func (s *Source) refresh(ctx context.Context, key types.ChangeKey, history *refreshHistory) (*types.Change, error) {
	if existing, ok := history.seen[key]; ok {
		return existing, nil
	}
	if len(history.seen) > s.maxDependencies {
		return nil, &errTooManyDependencies{key: key}
	}

	iid, err := parseIID(key.StableID)
	if err != nil {
		return nil, fmt.Errorf("gitlab: invalid merge request iid %q: %w", key.StableID, err)
	}
	data, err := s.queryMergeRequest(ctx, key.Project, iid)
	if err != nil {
		return nil, fmt.Errorf("gitlab: query %s: %w", key, err)
	}

	change := &types.Change{
		Key:           key,
		Project:       data.Project,
		Branch:        data.TargetBranch,
		CommitMessage: data.Description,
		WIP:           data.WorkInProgress,
		NewRev:        data.Sha, // head sha, reused here since review changes carry no dedicated field
		FilesHash:     filesHash(data.Files),
	}
	for _, a := range data.Approvals {
		change.Approvals = append(change.Approvals, types.Approval{Label: "Approved", Value: 1, By: a.By})
	}
	if data.MergeStatus != "cannot_be_merged" {
		change.SubmitRecords = append(change.SubmitRecords, types.SubmitRecord{Name: "can_be_merged", Approved: true})
	}

	switch data.State {
	case "merged":
		change.Merge = types.MergeStateMerged
	case "closed":
		change.Merge = types.MergeStateAbandoned
	default:
		change.Merge = types.MergeStateOpen
	}

	history.seen[key] = change

	if change.Merge == types.MergeStateOpen {
		for _, trailer := range dependsOnTrailers(data.Description) {
			depIID, err := parseIID(trailer[1])
			if err != nil {
				continue
			}
			depKey := types.ChangeKey{Connection: s.name, Kind: types.KindReview, Project: trailer[0], StableID: fmt.Sprint(depIID)}
			dep, err := s.resolveDep(ctx, depKey, history)
			if err != nil {
				return nil, err
			}
			if dep.Merge == types.MergeStateOpen {
				change.DependsOn = append(change.DependsOn, types.DependencyEdge{Key: depKey, Kind: types.DepCommitMessage})
			}
		}
	}

	updated, err := s.cache.UpdateWithRetry(key, change, func(current *types.Change) (*types.Change, error) {
		return change, nil
	}, false)
	if err != nil {
		return nil, fmt.Errorf("gitlab: cache write %s: %w", key, err)
	}
	return updated, nil
}

func (s *Source) resolveDep(ctx context.Context, key types.ChangeKey, history *refreshHistory) (*types.Change, error) {
	if existing, ok := history.seen[key]; ok {
		return existing, nil
	}
	return s.refresh(ctx, key, history)
}

func (s *Source) queryMergeRequest(ctx context.Context, project string, iid int) (*mrData, error) {
	resp, err := s.call(ctx, func() (interface{}, error) {
		return s.client.getMergeRequest(ctx, project, iid)
	})
	if err != nil {
		return nil, err
	}
	return resp.(*mrData), nil
}
