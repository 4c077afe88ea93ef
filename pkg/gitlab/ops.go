package gitlab

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lattice-ci/conveyor/pkg/source"
	"github.com/lattice-ci/conveyor/pkg/types"
)

// IsMerged implements source.Source.
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

// CanMerge implements source.Source.
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
		if rec.Approved || allow[rec.Name] {
			continue
		}
		return false, nil
	}
	return true, nil
}

// GetChangeKey implements source.Source.
func (s *Source) GetChangeKey(event source.Event) (types.ChangeKey, error) {
	if event.Key.Connection == "" {
		return types.ChangeKey{}, fmt.Errorf("gitlab: event carries no change key")
	}
	return event.Key, nil
}

// GetChangeByURL implements source.Source. GitLab MR URLs look like
// "<baseurl>/<project>/-/merge_requests/<iid>".
func (s *Source) GetChangeByURL(ctx context.Context, rawURL string) (*types.Change, error) {
	const marker = "/-/merge_requests/"
	idx := strings.Index(rawURL, marker)
	if idx < 0 {
		return nil, fmt.Errorf("gitlab: not a merge request url: %s", rawURL)
	}
	project := strings.TrimPrefix(rawURL[:idx], strings.TrimRight(s.conn.BaseURL, "/")+"/")
	iidStr := strings.TrimSuffix(rawURL[idx+len(marker):], "/")

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		key := types.ChangeKey{Connection: s.name, Kind: types.KindReview, Project: project, StableID: iidStr}
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
	return nil, fmt.Errorf("gitlab: getChangeByURL %s: %w", rawURL, lastErr)
}

// GetChangesDependingOn implements source.Source. Since this driver only
// discovers DependsOn edges (no native backlink API the way Gerrit's
// ChangeInfo carries needed-by), it answers by scanning every open
// change in the candidate projects for a trailer referencing change,
// mirroring pkg/gerrit's project-scoped scan rather than a direct lookup.
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

// GetChangesByTopic implements source.Source. GitLab has no topic
// concept analogous to Gerrit's; merge requests sharing a source branch
// name across the connection's projects stand in for one, since that is
// the closest idiom GitLab offers for "these changes travel together".
func (s *Source) GetChangesByTopic(ctx context.Context, topic string) ([]*types.Change, error) {
	var out []*types.Change
	for _, project := range s.projects {
		changes, err := s.GetProjectOpenChanges(ctx, project)
		if err != nil {
			continue
		}
		for _, c := range changes {
			if c.Branch == topic {
				out = append(out, c)
			}
		}
	}
	return out, nil
}

// GetProjectOpenChanges implements source.Source.
func (s *Source) GetProjectOpenChanges(ctx context.Context, project string) ([]*types.Change, error) {
	resp, err := s.call(ctx, func() (interface{}, error) {
		return s.client.listOpenMergeRequests(ctx, project)
	})
	if err != nil {
		return nil, fmt.Errorf("gitlab: getProjectOpenChanges %s: %w", project, err)
	}
	datas := resp.([]*mrData)
	out := make([]*types.Change, 0, len(datas))
	for _, d := range datas {
		key := types.ChangeKey{Connection: s.name, Kind: types.KindReview, Project: project, StableID: strconv.Itoa(d.IID)}
		change, err := s.refresh(ctx, key, newRefreshHistory())
		if err != nil {
			continue
		}
		out = append(out, change)
	}
	return out, nil
}
