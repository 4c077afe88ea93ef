package gerrit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lattice-ci/conveyor/pkg/source"
	"github.com/lattice-ci/conveyor/pkg/types"
)

// IsMerged implements source.Source (spec §6 "isMerged(change, head?)").
// A change with no number (a ref-updated event's synthetic Change) is
// already merged by definition, matching the original's "it's probably
// ref-updated... means it's merged" reasoning.
func (s *Source) IsMerged(ctx context.Context, change *types.Change, head string) (bool, error) {
	if change.Key.StableID == "" {
		return true, nil
	}
	refreshed, err := s.refresh(ctx, change.Key, newRefreshHistory())
	if err != nil {
		return false, err
	}
	if refreshed.Merge != types.MergeStateMerged {
		return false, nil
	}
	if head == "" {
		return true, nil
	}
	ref := "refs/heads/" + refreshed.Branch
	return s.waitForRefSha(ctx, refreshed.Project, ref, head)
}

// waitForRefSha polls until ref moves away from its prior sha (i.e. the
// just-merged commit has replicated into the server's own git mirror), or
// gives up once ctx expires.
func (s *Source) waitForRefSha(ctx context.Context, project, ref, priorSha string) (bool, error) {
	const retryInterval = 5 * time.Second
	for {
		sha, err := s.GetRefSha(ctx, project, ref)
		if err == nil && sha != "" && sha != priorSha {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, nil
		case <-time.After(retryInterval):
		}
	}
}

// CanMerge implements source.Source (spec §6 "canMerge(change, allow_needs,
// event?)"), grounded on gerritconnection.py's missing_labels/submit_records
// evaluation (supplemented per DESIGN.md: the original's allow_needs
// override for submit requirements the pipeline itself may still satisfy).
func (s *Source) CanMerge(ctx context.Context, change *types.Change, allowNeeds []string) (bool, error) {
	if change.Key.StableID == "" {
		return true, nil
	}
	if change.WIP {
		return false, nil
	}
	allow := make(map[string]bool, len(allowNeeds))
	for _, a := range allowNeeds {
		allow[a] = true
	}
	for _, rec := range change.SubmitRecords {
		if rec.Approved {
			continue
		}
		if allow[rec.Name] {
			continue
		}
		return false, nil
	}
	return true, nil
}

// GetChangeKey implements source.Source.
func (s *Source) GetChangeKey(event source.Event) (types.ChangeKey, error) {
	if event.Key.Connection == "" {
		return types.ChangeKey{}, fmt.Errorf("gerrit: event carries no change key")
	}
	return event.Key, nil
}

// GetChangeByURL implements source.Source (spec §6 "with retry"). Gerrit
// review URLs are "<baseurl>/c/<project>/+/<number>" or "<baseurl>/<number>".
func (s *Source) GetChangeByURL(ctx context.Context, rawURL string) (*types.Change, error) {
	number := rawURL
	if idx := strings.LastIndex(rawURL, "/"); idx >= 0 {
		number = rawURL[idx+1:]
	}
	number = strings.TrimSuffix(number, "/")

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		key := types.ChangeKey{Connection: s.name, Kind: types.KindReview, StableID: number}
		change, err := s.refresh(ctx, key, newRefreshHistory())
		if err == nil {
			return change, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return nil, fmt.Errorf("gerrit: getChangeByURL %s: %w", rawURL, lastErr)
}

// GetChangesDependingOn implements source.Source.
func (s *Source) GetChangesDependingOn(ctx context.Context, change *types.Change, projects []string) ([]*types.Change, error) {
	var out []*types.Change
	for _, project := range projectsOrAll(projects, change.Project) {
		changes, err := s.GetProjectOpenChanges(ctx, project)
		if err != nil {
			continue
		}
		for _, c := range changes {
			if dependsOn(c, change.Key) {
				out = append(out, c)
			}
		}
	}
	return out, nil
}

func projectsOrAll(projects []string, fallback string) []string {
	if len(projects) > 0 {
		return projects
	}
	return []string{fallback}
}

func dependsOn(c *types.Change, target types.ChangeKey) bool {
	for _, edge := range c.DependsOn {
		if edge.Key == target {
			return true
		}
	}
	return false
}

// GetChangesByTopic implements source.Source.
func (s *Source) GetChangesByTopic(ctx context.Context, topic string) ([]*types.Change, error) {
	resp, err := s.call(ctx, func() (interface{}, error) {
		return s.client.queryChangesByTopic(ctx, topic)
	})
	if err != nil {
		return nil, fmt.Errorf("gerrit: getChangesByTopic %s: %w", topic, err)
	}
	datas := resp.([]*changeData)
	out := make([]*types.Change, 0, len(datas))
	for _, d := range datas {
		key := types.ChangeKey{Connection: s.name, Kind: types.KindReview, StableID: d.Number, Revision: d.Patchset}
		change, err := s.refresh(ctx, key, newRefreshHistory())
		if err != nil {
			continue
		}
		out = append(out, change)
	}
	return out, nil
}

// GetProjectBranches implements source.Source.
func (s *Source) GetProjectBranches(ctx context.Context, project string, minLtime int64) ([]string, error) {
	resp, err := s.call(ctx, func() (interface{}, error) {
		return s.client.queryProjectBranches(ctx, project, minLtime)
	})
	if err != nil {
		return nil, fmt.Errorf("gerrit: getProjectBranches %s: %w", project, err)
	}
	return resp.([]string), nil
}

// GetProjectOpenChanges implements source.Source.
func (s *Source) GetProjectOpenChanges(ctx context.Context, project string) ([]*types.Change, error) {
	resp, err := s.call(ctx, func() (interface{}, error) {
		return s.client.queryOpenChanges(ctx, project)
	})
	if err != nil {
		return nil, fmt.Errorf("gerrit: getProjectOpenChanges %s: %w", project, err)
	}
	datas := resp.([]*changeData)
	out := make([]*types.Change, 0, len(datas))
	for _, d := range datas {
		key := types.ChangeKey{Connection: s.name, Kind: types.KindReview, StableID: d.Number, Revision: d.Patchset}
		change, err := s.refresh(ctx, key, newRefreshHistory())
		if err != nil {
			continue
		}
		out = append(out, change)
	}
	return out, nil
}

// GetRefSha implements source.Source.
func (s *Source) GetRefSha(ctx context.Context, project, ref string) (string, error) {
	resp, err := s.call(ctx, func() (interface{}, error) {
		return s.client.getRefSha(ctx, project, ref)
	})
	if err != nil {
		return "", fmt.Errorf("gerrit: getRefSha %s %s: %w", project, ref, err)
	}
	return resp.(string), nil
}

// GetGitURL implements source.Source.
func (s *Source) GetGitURL(project string) (string, error) {
	return s.client.getGitURL(project)
}
