package pipeline

import (
	"context"

	"github.com/lattice-ci/conveyor/pkg/types"
)

// JobTemplate is one job definition as carried by already-parsed tenant
// config (spec §9: "the pipeline manager receives already-parsed
// tenant/layout structs"; YAML parsing itself is out of core scope, §1).
type JobTemplate struct {
	Name         string
	Nodeset      string
	Zone         string
	Variables    map[string]string
	Dependencies []string
}

// JobGraphProvider computes the frozen set of jobs a QueueItem must run,
// given its speculative position in the queue (spec §4.4 "Advance
// function": "Freeze the job graph if not frozen (compute which jobs run
// and their dependency edges, given the speculative state above this item
// in the queue)").
type JobGraphProvider interface {
	FreezeJobGraph(ctx context.Context, tenant, pipeline string, item *types.QueueItem, ahead []*types.QueueItem) ([]*types.Job, error)
}

// StaticJobGraph is the simplest JobGraphProvider: a fixed job list per
// (tenant, pipeline), independent of the change or of items ahead in the
// queue. Tenant config loading that varies jobs by file-matcher or branch
// is explicitly out of this core's scope (§1); a richer provider can be
// substituted without changing the Manager.
type StaticJobGraph struct {
	jobs map[string][]JobTemplate // key: tenant + "/" + pipeline
}

// NewStaticJobGraph constructs an empty StaticJobGraph; call Register to
// populate it.
func NewStaticJobGraph() *StaticJobGraph {
	return &StaticJobGraph{jobs: make(map[string][]JobTemplate)}
}

// Register sets the job templates run by every item in (tenant, pipeline).
func (g *StaticJobGraph) Register(tenant, pipeline string, templates []JobTemplate) {
	g.jobs[tenant+"/"+pipeline] = templates
}

// FreezeJobGraph implements JobGraphProvider. Jobs are fixed per
// (tenant, pipeline), but when item shares a touched-files hash with an
// item ahead of it in the queue (spec §3 "content hash of its files...used
// for speculative conflict detection"), every job variable set is tagged
// with the conflicting item's ID: a speculative result computed while
// assuming that predecessor merges cleanly is less trustworthy when both
// items touch the same files, and downstream consumers (job scripts,
// reporters) can act on the tag instead of silently trusting the result.
func (g *StaticJobGraph) FreezeJobGraph(ctx context.Context, tenant, pipeline string, item *types.QueueItem, ahead []*types.QueueItem) ([]*types.Job, error) {
	templates := g.jobs[tenant+"/"+pipeline]
	conflict := conflictingAhead(item, ahead)

	jobs := make([]*types.Job, 0, len(templates))
	for _, tpl := range templates {
		vars := tpl.Variables
		if conflict != "" {
			vars = make(map[string]string, len(tpl.Variables)+1)
			for k, v := range tpl.Variables {
				vars[k] = v
			}
			vars["ZUUL_SPECULATIVE_FILE_CONFLICT"] = conflict
		}
		jobs = append(jobs, &types.Job{
			Name:         tpl.Name,
			Nodeset:      tpl.Nodeset,
			Zone:         tpl.Zone,
			Variables:    vars,
			Dependencies: tpl.Dependencies,
			Outcome:      types.JobWaiting,
		})
	}
	return jobs, nil
}

// conflictingAhead returns the ID of the first item in ahead (counting
// from the queue head) that
// touches a file set identical to one of item's members, or "" if none
// does. Items with no recorded FilesHashes (e.g. branch/tag/ref triggers,
// which carry no file content) never conflict.
func conflictingAhead(item *types.QueueItem, ahead []*types.QueueItem) string {
	if len(item.FilesHashes) == 0 {
		return ""
	}
	mine := make(map[string]bool, len(item.FilesHashes))
	for _, h := range item.FilesHashes {
		mine[h] = true
	}
	for _, other := range ahead {
		for _, h := range other.FilesHashes {
			if mine[h] {
				return other.ID
			}
		}
	}
	return ""
}
