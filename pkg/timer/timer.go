// Package timer implements the timer/cron trigger variant mentioned in
// spec §9's design notes: a source.Source that produces synthetic trigger
// events on a schedule instead of translating events from an upstream
// review system. Unlike pkg/gerrit and pkg/gitlab it has no native
// changes, approvals, or dependency graph to resolve — a timer-triggered
// pipeline simply rebuilds a project's branch head on a cadence (nightly
// builds, periodic post-merge jobs).
//
// Grounded on original_source/zuul/driver/timer/__init__.py's role as a
// trigger-only, non-connector driver, and on robfig/cron/v3's schedule
// parsing as exercised by
// r3e-network-service_layer/services/automation/automation_test.go.
package timer

import (
	"context"
	"fmt"

	"github.com/lattice-ci/conveyor/pkg/changecache"
	"github.com/lattice-ci/conveyor/pkg/equeue"
	"github.com/lattice-ci/conveyor/pkg/log"
	"github.com/lattice-ci/conveyor/pkg/source"
	"github.com/lattice-ci/conveyor/pkg/types"
	"github.com/lattice-ci/conveyor/pkg/zkstore"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// RefResolver is the narrow surface this driver needs to answer
// GetRefSha/GetGitURL for the branch it ticks (spec §6). A timer
// connection has no native git access of its own (spec §9): in practice
// this is the project's real source connection (a *gerrit.Source or
// *gitlab.Source both already satisfy it), since those two exported
// methods are all a timer tick needs from it. Exported methods, unlike
// pkg/gerrit's and pkg/gitlab's own package-private upstreamClient
// interfaces, are satisfiable from any package.
type RefResolver interface {
	GetRefSha(ctx context.Context, project, ref string) (string, error)
	GetGitURL(project string) (string, error)
}

// Config configures one timer connection (types.Connection "driver:
// timer"). Projects lists every (project, ref, schedule) tick this
// connection produces; a tenant's pipeline.Trigger then matches on
// EventKind "timer" the same way it matches "patchset-created" on a
// review connection.
type Config struct {
	Connection types.Connection

	// CacheRoot roots this connection's change cache, conventionally
	// "/zuul/cache/connection/<name>". Timer "changes" are branch-head
	// snapshots, cached the same way a review change is, so the
	// pipeline manager's BuildSet freeze logic needs no special case
	// for this driver.
	CacheRoot string
	// EventQueueRoot roots this connection's trigger event queue.
	EventQueueRoot string

	Projects []ProjectSchedule
}

// ProjectSchedule ticks project's ref on the given standard five-field
// cron expression.
type ProjectSchedule struct {
	Project  string
	Ref      string
	Schedule string
}

// Source is the timer implementation of source.Source. Every method
// beyond GetChange/GetRefSha/GetGitURL/Report is a documented no-op: a
// timer tick carries no approvals, dependency graph, or review to vote
// on (spec §9 "whether D applies to non-Gerrit drivers is
// implementation-specific" — for timer it plainly does not, since there
// is no upstream write-to-read race to absorb).
type Source struct {
	name   string
	cache  *changecache.Cache
	queue  *equeue.Queue
	cron   *cron.Cron
	client RefResolver
	log    zerolog.Logger

	schedules []ProjectSchedule
}

// New constructs a timer Source. client answers GetRefSha/GetGitURL for
// the projects this connection ticks.
func New(store zkstore.Store, cfg Config, client RefResolver) *Source {
	return &Source{
		name:      cfg.Connection.Name,
		cache:     changecache.New(store, cfg.CacheRoot),
		queue:     equeue.New(store, cfg.EventQueueRoot),
		cron:      cron.New(),
		client:    client,
		log:       log.WithComponent("timer").With().Str("connection", cfg.Connection.Name).Logger(),
		schedules: cfg.Projects,
	}
}

// Name implements source.Source.
func (s *Source) Name() string { return s.name }

// Run registers every configured schedule and blocks until ctx is
// cancelled, at which point the cron scheduler is stopped and drained
// (spec §5 "Cancellation": let in-flight ops complete, then return).
func (s *Source) Run(ctx context.Context) error {
	for _, sched := range s.schedules {
		sched := sched
		if _, err := s.cron.AddFunc(sched.Schedule, func() { s.tick(ctx, sched) }); err != nil {
			return fmt.Errorf("timer: invalid schedule %q for %s: %w", sched.Schedule, sched.Project, err)
		}
	}
	s.cron.Start()
	<-ctx.Done()
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	return ctx.Err()
}

// tick enqueues one synthetic trigger event for sched, resolving the
// branch's current sha first so the pipeline manager's job graph sees a
// concrete revision rather than a moving ref.
func (s *Source) tick(ctx context.Context, sched ProjectSchedule) {
	key := types.ChangeKey{
		Connection: s.name,
		Project:    sched.Project,
		Kind:       types.KindBranch,
		StableID:   sched.Ref,
	}
	if _, err := s.refreshCache(ctx, key); err != nil {
		s.log.Warn().Err(err).Str("project", sched.Project).Str("ref", sched.Ref).Msg("timer tick: resolve ref sha")
		return
	}
	ev := source.Event{
		Connection: s.name,
		EventKind:  "timer",
		Project:    sched.Project,
		Ref:        sched.Ref,
		Key:        key,
	}
	if _, err := s.queue.Put(ev, nil); err != nil {
		s.log.Warn().Err(err).Str("project", sched.Project).Msg("timer tick: enqueue")
	}
}

// refreshCache writes the branch's current sha into the change cache,
// creating the entry on the first tick and CAS-updating it on every
// later one.
func (s *Source) refreshCache(ctx context.Context, key types.ChangeKey) (*types.Change, error) {
	sha, err := s.client.GetRefSha(ctx, key.Project, key.StableID)
	if err != nil {
		return nil, fmt.Errorf("timer: get ref sha: %w", err)
	}
	change := &types.Change{Key: key, Merge: types.MergeStateOpen, Ref: key.StableID, NewRev: sha}
	if err := s.cache.Set(key, change); err != nil {
		if err != changecache.ErrConcurrentUpdate {
			return nil, err
		}
		return s.cache.UpdateWithRetry(key, change, func(cur *types.Change) (*types.Change, error) {
			cur.NewRev = sha
			return cur, nil
		}, false)
	}
	return change, nil
}

// IsMerged implements source.Source: a branch-head tick is never
// "merged" in the review-system sense.
func (s *Source) IsMerged(ctx context.Context, change *types.Change, head string) (bool, error) {
	return false, nil
}

// CanMerge implements source.Source: timer ticks carry no submit
// requirements, so there is nothing to block on.
func (s *Source) CanMerge(ctx context.Context, change *types.Change, allowNeeds []string) (bool, error) {
	return true, nil
}

// GetChangeKey implements source.Source.
func (s *Source) GetChangeKey(event source.Event) (types.ChangeKey, error) {
	return event.Key, nil
}

// GetChange implements source.Source, refreshing the cached sha when
// refresh is requested or the key is not yet cached.
func (s *Source) GetChange(ctx context.Context, key types.ChangeKey, refresh bool) (*types.Change, error) {
	if !refresh {
		if c, ok := s.cache.Get(key); ok {
			return c, nil
		}
	}
	return s.refreshCache(ctx, key)
}

// GetChangeByURL implements source.Source: timer ticks have no review
// URL to resolve from.
func (s *Source) GetChangeByURL(ctx context.Context, url string) (*types.Change, error) {
	return nil, fmt.Errorf("timer: %s has no URL-addressable changes", s.name)
}

// GetChangesDependingOn implements source.Source: timer ticks have no
// dependency graph.
func (s *Source) GetChangesDependingOn(ctx context.Context, change *types.Change, projects []string) ([]*types.Change, error) {
	return nil, nil
}

// GetChangesByTopic implements source.Source.
func (s *Source) GetChangesByTopic(ctx context.Context, topic string) ([]*types.Change, error) {
	return nil, nil
}

// GetProjectBranches implements source.Source by returning the branches
// this connection is configured to tick.
func (s *Source) GetProjectBranches(ctx context.Context, project string, minLtime int64) ([]string, error) {
	var refs []string
	for _, sched := range s.schedules {
		if sched.Project == project {
			refs = append(refs, sched.Ref)
		}
	}
	return refs, nil
}

// GetProjectOpenChanges implements source.Source: timer ticks are never
// "open" in the review sense, so there is nothing to list.
func (s *Source) GetProjectOpenChanges(ctx context.Context, project string) ([]*types.Change, error) {
	return nil, nil
}

// GetRefSha implements source.Source.
func (s *Source) GetRefSha(ctx context.Context, project, ref string) (string, error) {
	return s.client.GetRefSha(ctx, project, ref)
}

// GetGitURL implements source.Source.
func (s *Source) GetGitURL(project string) (string, error) {
	return s.client.GetGitURL(project)
}

// Report implements source.Source as a log-only no-op: there is no
// review to vote on or comment against for a timer-triggered build
// (spec §4.7's reporter split still applies at the pipeline level —
// SQL/MQTT/SMTP reporters still fire — only the review-vote reporter has
// nothing to do here).
func (s *Source) Report(ctx context.Context, change *types.Change, phase types.ReportPhase, message string, approvals []types.Approval) error {
	s.log.Debug().Str("project", change.Key.Project).Str("ref", change.Ref).Str("phase", string(phase)).Msg("timer report (no-op: no review to post to)")
	return nil
}
