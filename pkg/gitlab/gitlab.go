// Package gitlab implements a second, thinner source.Source driver (spec
// §4.3, §6 "a pipeline's Triggers may span more than one connection, each
// served by its own driver"): GitLab merge requests and branch updates,
// translated from inbound webhooks rather than a polled event stream, with
// dependency resolution limited to commit-message trailers since GitLab
// carries no native depends-on graph the way Gerrit's ChangeInfo does.
// Grounded on pkg/gerrit's driver shape, thinned to the REST surface
// GitLab actually offers.
package gitlab

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/lattice-ci/conveyor/pkg/changecache"
	"github.com/lattice-ci/conveyor/pkg/equeue"
	"github.com/lattice-ci/conveyor/pkg/types"
	"github.com/lattice-ci/conveyor/pkg/zkstore"
	"golang.org/x/time/rate"
)

// DefaultMaxDependencies bounds the commit-trailer traversal (spec §4.3
// "MAX_DEPENDENCIES"), the same default as pkg/gerrit, applied when the
// connection's Config.MaxDependencies is zero or negative.
const DefaultMaxDependencies = 100

// Config configures one GitLab connection (types.Connection "driver:
// gitlab").
type Config struct {
	Connection types.Connection

	// CacheRoot roots this connection's change cache, conventionally
	// "/zuul/cache/connection/<name>".
	CacheRoot string
	// EventQueueRoot roots this connection's trigger event queue,
	// conventionally "/zuul/events/connection/<name>".
	EventQueueRoot string

	// WebhookSecret validates the X-Gitlab-Token header on inbound
	// webhook deliveries (spec §4.3's event translation point, here an
	// inbound push instead of a polled stream).
	WebhookSecret string

	MaxDependencies int

	// Projects lists every project this connection serves, drawn from
	// the tenants that include it; GitLab exposes no connection-wide
	// project listing API, so GetChangesByTopic's cross-project scan
	// needs it supplied at wiring time.
	Projects []string
}

// upstreamClient is the REST surface this driver needs from a GitLab
// server. Splitting it out, as pkg/gerrit does with its own
// upstreamClient, keeps refresh()'s trailer-traversal logic testable
// without a live server.
type upstreamClient interface {
	getMergeRequest(ctx context.Context, project string, iid int) (*mrData, error)
	listOpenMergeRequests(ctx context.Context, project string) ([]*mrData, error)
	listBranches(ctx context.Context, project string) ([]string, error)
	getRefSha(ctx context.Context, project, ref string) (string, error)
	getGitURL(project string) (string, error)
	postNote(ctx context.Context, project string, iid int, body string) error
	setCommitStatus(ctx context.Context, project, sha, state, description string) error
	mergeMergeRequest(ctx context.Context, project string, iid int) error
}

// Source is the GitLab implementation of source.Source.
type Source struct {
	name     string
	conn     types.Connection
	projects []string
	cache    *changecache.Cache
	queue    *equeue.Queue
	client   upstreamClient

	limiter *rate.Limiter

	webhookSecret   string
	maxDependencies int
}

// New constructs a GitLab Source against client, the driver's REST
// surface (use NewRESTClient to talk to a real GitLab server).
func New(store zkstore.Store, cfg Config, client upstreamClient) *Source {
	qps := cfg.Connection.RateLimitQPS
	if qps <= 0 {
		qps = 10
	}
	burst := cfg.Connection.RateLimitBurst
	if burst <= 0 {
		burst = 20
	}
	maxDeps := cfg.MaxDependencies
	if maxDeps <= 0 {
		maxDeps = DefaultMaxDependencies
	}
	return &Source{
		name:            cfg.Connection.Name,
		conn:            cfg.Connection,
		projects:        cfg.Projects,
		cache:           changecache.New(store, cfg.CacheRoot),
		queue:           equeue.New(store, cfg.EventQueueRoot),
		client:          client,
		limiter:         rate.NewLimiter(rate.Limit(qps), burst),
		webhookSecret:   cfg.WebhookSecret,
		maxDependencies: maxDeps,
	}
}

// NewRESTClient builds the production upstreamClient, talking to a real
// GitLab server's REST v4 API over httpClient (a default 30s-timeout
// client is used if nil).
func NewRESTClient(baseURL, token string, httpClient *http.Client) upstreamClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return newRESTClient(baseURL, token, httpClient)
}

func (s *Source) Name() string { return s.name }

// call runs fn under this connection's rate limiter, the same ambient
// discipline pkg/gerrit applies to every outbound suspension point (spec
// §5). GitLab's REST API has no equivalent to Gerrit's SSH session churn,
// so a circuit breaker is not wired here; an HTTP 5xx run simply exhausts
// the caller's own retry budget.
func (s *Source) call(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("gitlab: rate limiter: %w", err)
	}
	return fn()
}

// GetGitURL implements source.Source.
func (s *Source) GetGitURL(project string) (string, error) {
	return s.client.getGitURL(project)
}

// GetRefSha implements source.Source.
func (s *Source) GetRefSha(ctx context.Context, project, ref string) (string, error) {
	resp, err := s.call(ctx, func() (interface{}, error) {
		return s.client.getRefSha(ctx, project, ref)
	})
	if err != nil {
		return "", fmt.Errorf("gitlab: getRefSha %s %s: %w", project, ref, err)
	}
	return resp.(string), nil
}

// GetProjectBranches implements source.Source.
func (s *Source) GetProjectBranches(ctx context.Context, project string, minLtime int64) ([]string, error) {
	resp, err := s.call(ctx, func() (interface{}, error) {
		return s.client.listBranches(ctx, project)
	})
	if err != nil {
		return nil, fmt.Errorf("gitlab: getProjectBranches %s: %w", project, err)
	}
	return resp.([]string), nil
}
