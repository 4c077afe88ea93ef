// Package nodepool implements the node request service of spec §4.5: it
// asks an external pool for nodesets by creating request nodes under a
// well-known coordination-store path, watches them through to a terminal
// state, and holds an ephemeral lock on each allocated node for the
// duration of the build that consumes it.
package nodepool

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/lattice-ci/conveyor/pkg/log"
	"github.com/lattice-ci/conveyor/pkg/metrics"
	"github.com/lattice-ci/conveyor/pkg/zkstore"
	"golang.org/x/time/rate"
)

// RequestState is the lifecycle of one node request (spec §4.5).
type RequestState string

const (
	StateRequested RequestState = "requested"
	StatePending    RequestState = "pending"
	StateFulfilled  RequestState = "fulfilled"
	StateFailed     RequestState = "failed"
)

// IsTerminal reports whether no further pool-side transition is expected.
func (s RequestState) IsTerminal() bool {
	return s == StateFulfilled || s == StateFailed
}

// Request is one node request document (spec §4.5, §6 "nodepool/requests/<seq>").
type Request struct {
	ID              string
	Nodeset         string
	Priority        int // lower is sooner
	RelativePriority int
	State           RequestState
	Nodes           []string // allocated node identifiers, set once Fulfilled
	RequesterLease  string   // the submitting replica's lease id, used by recovery (spec §5)
	CreatedAt       time.Time
}

// Service is the node-request client every pipeline manager instance uses
// to ask the external pool for nodesets (spec §4.5).
type Service struct {
	store     zkstore.Store
	root      string // conventionally "/zuul/nodepool/requests"
	nodesRoot string // conventionally "/zuul/nodepool/nodes", sibling of root
	limiter   *rate.Limiter
}

// New constructs a Service rooted at root, rate-limiting outbound pool
// calls the same way pkg/gerrit bounds outbound review-system calls (spec
// §5 suspension-point timeout discipline applied to a second external
// collaborator).
func New(store zkstore.Store, root string, qps float64, burst int) *Service {
	if qps <= 0 {
		qps = 20
	}
	if burst <= 0 {
		burst = 20
	}
	return &Service{
		store:     store,
		root:      root,
		nodesRoot: path.Join(path.Dir(root), "nodes"),
		limiter:   rate.NewLimiter(rate.Limit(qps), burst),
	}
}

// Submit creates a sequential request node under root, tagged with
// priority and relativePriority so the external pool can honour precedence
// (spec §4.5 "submit(nodeset, priority, relative-priority)"). The CS
// sequential suffix itself breaks priority ties by creation order.
func (s *Service) Submit(ctx context.Context, nodeset string, priority, relativePriority int, requesterLease string) (*Request, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("nodepool: rate limit: %w", err)
	}
	req := Request{
		Nodeset:          nodeset,
		Priority:         priority,
		RelativePriority: relativePriority,
		State:            StateRequested,
		RequesterLease:   requesterLease,
		CreatedAt:        time.Now(),
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("nodepool: marshal request: %w", err)
	}
	path, err := s.store.Create(s.root+"/req-", data, zkstore.KindSequential, "")
	if err != nil {
		return nil, fmt.Errorf("nodepool: submit: %w", err)
	}
	req.ID = path
	metrics.NoderequestSubmittedTotal.WithLabelValues(nodeset).Inc()
	metrics.NoderequestOutstanding.Inc()
	nlog := log.WithComponent("nodepool")
	nlog.Info().Str("request_id", path).Str("nodeset", nodeset).Msg("node request submitted")
	return &req, nil
}

// Get returns the current Request document at id.
func (s *Service) Get(id string) (*Request, error) {
	node, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	var req Request
	if err := json.Unmarshal(node.Data, &req); err != nil {
		return nil, fmt.Errorf("nodepool: unmarshal %s: %w", id, err)
	}
	req.ID = id
	return &req, nil
}

// WatchUntilTerminal blocks until the request at id reaches Fulfilled or
// Failed, or ctx is done (spec §4.5 "watches the request for state
// transitions...until terminal").
func (s *Service) WatchUntilTerminal(ctx context.Context, id string) (*Request, error) {
	for {
		req, err := s.Get(id)
		if err != nil {
			return nil, fmt.Errorf("nodepool: watch %s: %w", id, err)
		}
		if req.State.IsTerminal() {
			metrics.NoderequestOutstanding.Dec()
			metrics.NoderequestFulfillmentDuration.Observe(time.Since(req.CreatedAt).Seconds())
			return req, nil
		}

		ch := make(chan zkstore.Event, 4)
		cancel, err := s.store.Watch(id, false, ch)
		if err != nil {
			return nil, err
		}
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
			cancel()
			return nil, ctx.Err()
		}
		cancel()
	}
}

// Cancel deletes the request if still pending fulfilment; if it fulfilled
// concurrently with the cancel, the allocated nodes are released through
// their own lease expiry rather than here (spec §4.5 "on cancel").
func (s *Service) Cancel(id string) error {
	if err := s.store.Delete(id, 0); err != nil && err != zkstore.ErrNotFound {
		return fmt.Errorf("nodepool: cancel %s: %w", id, err)
	}
	metrics.NoderequestOutstanding.Dec()
	return nil
}

// LockNode acquires an ephemeral lock on an allocated node for the
// duration of the build consuming it (spec §4.5 "holds a CS ephemeral lock
// on each allocated node...releases on job completion"). The lock lives
// under nodesRoot, a sibling of the requests root, so it addresses the
// shared per-node path every replica agrees on rather than anything
// relative to one particular request.
func (s *Service) LockNode(nodeName, leaseID string) (release func() error, err error) {
	return s.store.Lock(path.Join(s.nodesRoot, nodeName), leaseID)
}

// Pending lists every request still short of a terminal state, ordered by
// (priority, relativePriority, creation sequence) — the ordering the
// external pool is expected to honour (spec §4.5 "Priority").
func (s *Service) Pending() ([]*Request, error) {
	children, err := s.store.Children(s.root)
	if err != nil {
		if err == zkstore.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("nodepool: list pending: %w", err)
	}
	sort.Strings(children)

	var out []*Request
	for _, child := range children {
		req, err := s.Get(s.root + "/" + child)
		if err != nil {
			continue
		}
		if !req.State.IsTerminal() {
			out = append(out, req)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].RelativePriority < out[j].RelativePriority
	})
	return out, nil
}

// Requested-but-orphaned detection (spec §5 replica failure recovery point
// (b)): the pipeline manager's recovery scan, not this package, treats a
// request still non-terminal after orphanedRequestAge as orphaned and
// resubmits it, since only the manager knows whether the owning QueueItem
// still needs the nodeset.
