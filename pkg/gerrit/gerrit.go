// Package gerrit implements the Gerrit source driver of spec §4.3, §6:
// translating native stream-events into internal trigger events, resolving
// the cross-repo dependency graph, and reporting pipeline outcomes back as
// review votes. Grounded on
// original_source/zuul/driver/gerrit/gerritconnection.py.
package gerrit

import (
	"context"
	"fmt"
	"time"

	"github.com/lattice-ci/conveyor/pkg/changecache"
	"github.com/lattice-ci/conveyor/pkg/equeue"
	"github.com/lattice-ci/conveyor/pkg/log"
	"github.com/lattice-ci/conveyor/pkg/types"
	"github.com/lattice-ci/conveyor/pkg/zkstore"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// humanMessageLimit bounds a review comment's length, matching the
// upstream Gerrit server's own truncation point (gerritconnection.py
// GERRIT_HUMAN_MESSAGE_LIMIT) so a report never gets silently rejected for
// being too long.
const humanMessageLimit = 16056

// DefaultMaxDependencies bounds refresh's recursive traversal when the
// connection's Config.MaxDependencies is zero or negative (spec §4.3
// "MAX_DEPENDENCIES").
const DefaultMaxDependencies = 100

// Config configures one Gerrit connection (spec §6, types.Connection
// "driver: gerrit").
type Config struct {
	Connection types.Connection

	// CacheRoot roots this connection's change cache, conventionally
	// "/zuul/cache/connection/<name>".
	CacheRoot string
	// EventQueueRoot roots this connection's trigger event queue,
	// conventionally "/zuul/events/connection/<name>".
	EventQueueRoot string

	MaxDependencies int
}

// Source is the Gerrit implementation of source.Source.
type Source struct {
	name   string
	conn   types.Connection
	cache  *changecache.Cache
	queue  *equeue.Delayed
	client upstreamClient

	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker

	maxDependencies int
}

// upstreamClient is the REST/SSH surface this driver needs from a Gerrit
// server. Splitting it out keeps refresh()'s traversal logic (the part
// most worth getting right) testable without a live server.
type upstreamClient interface {
	queryChange(ctx context.Context, number, patchset string) (*changeData, error)
	queryChangesByTopic(ctx context.Context, topic string) ([]*changeData, error)
	queryOpenChanges(ctx context.Context, project string) ([]*changeData, error)
	queryProjectBranches(ctx context.Context, project string, minLtime int64) ([]string, error)
	getRefSha(ctx context.Context, project, ref string) (string, error)
	getGitURL(project string) (string, error)
	review(ctx context.Context, number, patchset, message string, labels map[string]int) error
	submit(ctx context.Context, number, patchset string) error
}

// depRef is a resolved (number, patchset) pair, the Gerrit equivalent of a
// ChangeKey's (StableID, Revision) before it is wrapped with this
// connection's name.
type depRef struct {
	Number   string
	Patchset string
}

// changeData is the subset of a Gerrit ChangeInfo query response this
// driver consumes, pre-resolved the way the original's GerritChangeData
// already carried parsed depends_on/needed_by/submitted_together fields
// rather than raw commit-message text.
type changeData struct {
	Number   string
	Patchset string
	Project  string
	Branch   string
	Topic    string
	Status   string // "NEW", "MERGED", "ABANDONED"
	WIP      bool
	Message  string
	Sha      string
	Files    []string

	Approvals     []types.Approval
	SubmitRecords []types.SubmitRecord
	MissingLabels []string

	GitDependsOn       *depRef
	CommitDependsOn    []depRef
	GitNeededBy        []depRef
	CommitNeededBy     []depRef
	SubmittedTogether  []depRef
}

// New constructs a Gerrit Source. store backs both the change cache and
// (indirectly, via RegisterWatch) the trigger event queue.
func New(store zkstore.Store, cfg Config, client upstreamClient) *Source {
	maxDeps := cfg.MaxDependencies
	if maxDeps <= 0 {
		maxDeps = DefaultMaxDependencies
	}
	qps := cfg.Connection.RateLimitQPS
	if qps <= 0 {
		qps = 10
	}
	burst := cfg.Connection.RateLimitBurst
	if burst <= 0 {
		burst = 20
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gerrit:" + cfg.Connection.Name,
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			glog := log.WithComponent("gerrit")
			glog.Warn().
				Str("connection", name).Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})

	return &Source{
		name:            cfg.Connection.Name,
		conn:            cfg.Connection,
		cache:           changecache.New(store, cfg.CacheRoot),
		queue:           equeue.NewDelayed(equeue.New(store, cfg.EventQueueRoot)),
		client:          client,
		limiter:         rate.NewLimiter(rate.Limit(qps), burst),
		breaker:         breaker,
		maxDependencies: maxDeps,
	}
}

func (s *Source) Name() string { return s.name }

// call runs fn under this connection's rate limiter and circuit breaker,
// the ambient discipline spec §5 requires of every outbound suspension
// point (complements, does not replace, the bounded-retry policy of §7).
func (s *Source) call(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("gerrit: rate limiter: %w", err)
	}
	return s.breaker.Execute(fn)
}

func (k depRef) key(connection string) types.ChangeKey {
	return types.ChangeKey{
		Connection: connection,
		Kind:       types.KindReview,
		StableID:   k.Number,
		Revision:   k.Patchset,
	}
}
