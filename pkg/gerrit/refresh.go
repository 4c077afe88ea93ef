package gerrit

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

// filesHash computes the content hash of a revision's touched files (spec
// §3 "content hash of its files, used for speculative conflict
// detection"): sorted so the hash is independent of the order the REST API
// happened to return paths in. Empty for change kinds with no file list
// (branch/tag/ref triggers never call this).
func filesHash(files []string) string {
	if len(files) == 0 {
		return ""
	}
	sorted := append([]string(nil), files...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:])
}

// errTooManyDependencies is returned when a refresh's recursive traversal
// exceeds maxDependencies (spec §4.3 step 2, "fail with
// too-many-dependencies; the pipeline rejects the item").
type errTooManyDependencies struct {
	key types.ChangeKey
}

func (e *errTooManyDependencies) Error() string {
	return fmt.Sprintf("gerrit: too many dependencies resolving %s", e.key)
}

// refreshHistory tracks changes already visited in one refresh traversal,
// making the recursion cycle-safe (spec §4.3 step 1).
type refreshHistory struct {
	seen map[types.ChangeKey]*types.Change
}

func newRefreshHistory() *refreshHistory {
	return &refreshHistory{seen: make(map[types.ChangeKey]*types.Change)}
}

// GetChange implements source.Source. A cold cache always refreshes.
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

// refresh implements spec §4.3's algorithm: fetch this change, recurse into
// its dependency kinds, and CAS-write the aggregated result. history is
// shared across the whole recursive call tree rooted at the original
// GetChange invocation.
func (s *Source) refresh(ctx context.Context, key types.ChangeKey, history *refreshHistory) (*types.Change, error) {
	if existing, ok := history.seen[key]; ok {
		return existing, nil
	}
	if len(history.seen) > s.maxDependencies {
		return nil, &errTooManyDependencies{key: key}
	}

	data, err := s.queryChange(ctx, key.StableID, key.Revision)
	if err != nil {
		return nil, fmt.Errorf("gerrit: query %s: %w", key, err)
	}

	change := &types.Change{
		Key:           key,
		Project:       data.Project,
		Branch:        data.Branch,
		CommitMessage: data.Message,
		WIP:           data.WIP,
		Approvals:     data.Approvals,
		SubmitRecords: data.SubmitRecords,
		Topic:         data.Topic,
		FilesHash:     filesHash(data.Files),
	}
	switch data.Status {
	case "MERGED":
		change.Merge = types.MergeStateMerged
	case "ABANDONED":
		change.Merge = types.MergeStateAbandoned
	default:
		change.Merge = types.MergeStateOpen
	}

	// Register in history before recursing so a cycle back to this change
	// (directly or via a submitted-together bundle) returns the
	// in-progress value instead of refetching or looping forever.
	history.seen[key] = change

	if change.Merge == types.MergeStateOpen {
		needs := make(map[types.ChangeKey]struct{})
		neededBy := make(map[types.ChangeKey]struct{})

		if data.GitDependsOn != nil {
			depKey := data.GitDependsOn.key(s.name)
			dep, err := s.resolveDep(ctx, depKey, history)
			if err != nil {
				return nil, err
			}
			// A git-commit dependency is only dropped once merged, even if
			// abandoned (spec: "we only ignore it if it is already
			// merged"), matching the original's is_merged-only exclusion.
			if dep.Merge != types.MergeStateMerged {
				addEdge(&change.DependsOn, needs, depKey, types.DepGit)
			}
		}

		for _, d := range data.CommitDependsOn {
			depKey := d.key(s.name)
			dep, err := s.resolveDep(ctx, depKey, history)
			if err != nil {
				return nil, err
			}
			if dep.Merge == types.MergeStateOpen {
				addEdge(&change.DependsOn, needs, depKey, types.DepCommitMessage)
			}
		}

		for _, d := range data.GitNeededBy {
			depKey := d.key(s.name)
			dep, err := s.resolveDep(ctx, depKey, history)
			if err != nil {
				return nil, err
			}
			if dep.Merge == types.MergeStateOpen {
				addEdge(&change.NeededBy, neededBy, depKey, types.DepGit)
			}
		}

		for _, d := range data.CommitNeededBy {
			depKey := d.key(s.name)
			dep, err := s.resolveDep(ctx, depKey, history)
			if err != nil {
				return nil, err
			}
			if dep.Merge == types.MergeStateOpen {
				addEdge(&change.NeededBy, neededBy, depKey, types.DepCommitMessage)
			}
		}

		// submitted-together bundles model as a cycle: each sibling goes
		// into both depends-on and needed-by (spec §4.3 step 4, "submitted-
		// together... add it to both depends-on and needed-by sets").
		for _, d := range data.SubmittedTogether {
			depKey := d.key(s.name)
			dep, err := s.resolveDep(ctx, depKey, history)
			if err != nil {
				return nil, err
			}
			if dep.Merge != types.MergeStateOpen {
				continue
			}
			addEdge(&change.DependsOn, needs, depKey, types.DepSubmittedTogether)
			addEdge(&change.NeededBy, neededBy, depKey, types.DepSubmittedTogether)
		}
	}

	updated, err := s.cache.UpdateWithRetry(key, change, func(current *types.Change) (*types.Change, error) {
		return change, nil
	}, false)
	if err != nil {
		return nil, fmt.Errorf("gerrit: cache write %s: %w", key, err)
	}
	return updated, nil
}

// resolveDep recurses into a dependency target, refreshing it only when it
// has not already been visited in this traversal (spec §4.3 step 4: "recurse
// (refresh=true only when the target was not already refreshed in this
// traversal)").
func (s *Source) resolveDep(ctx context.Context, key types.ChangeKey, history *refreshHistory) (*types.Change, error) {
	if existing, ok := history.seen[key]; ok {
		return existing, nil
	}
	return s.refresh(ctx, key, history)
}

func addEdge(edges *[]types.DependencyEdge, seen map[types.ChangeKey]struct{}, key types.ChangeKey, kind types.DependencyKind) {
	if _, ok := seen[key]; ok {
		return
	}
	seen[key] = struct{}{}
	*edges = append(*edges, types.DependencyEdge{Key: key, Kind: kind})
}

func (s *Source) queryChange(ctx context.Context, number, patchset string) (*changeData, error) {
	resp, err := s.call(ctx, func() (interface{}, error) {
		return s.client.queryChange(ctx, number, patchset)
	})
	if err != nil {
		return nil, err
	}
	return resp.(*changeData), nil
}
