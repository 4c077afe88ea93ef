// Package executor implements the zoned build-request dispatch of spec
// §4.6: build requests are written under a per-zone (or unzoned) queue,
// claimed by external executors through an advisory lock, and watched by
// the scheduler for state transitions through to completion.
package executor

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/lattice-ci/conveyor/pkg/log"
	"github.com/lattice-ci/conveyor/pkg/metrics"
	"github.com/lattice-ci/conveyor/pkg/zkstore"
)

// RequestState is the lifecycle of one build request (spec §4.6).
type RequestState string

const (
	StateRequested RequestState = "requested"
	StateRunning   RequestState = "running"
	StatePaused    RequestState = "paused"
	StateCompleted RequestState = "completed"
)

// Result is the outcome an executor reports back on completion.
type Result string

const (
	ResultSuccess  Result = "SUCCESS"
	ResultFailure  Result = "FAILURE"
	ResultAborted  Result = "ABORTED"
	ResultLost     Result = "LOST" // not set by LostRequests, which reports lost requests without writing a Result
	ResultSkipped  Result = "SKIPPED"
)

// Request is one build-request document (spec §6 "executor/zones/<zone>").
type Request struct {
	ID      string
	Zone    string // "" means unzoned
	Job     string
	Item    string // owning QueueItem ID
	Params  map[string]string

	State  RequestState
	Result Result

	// ExecutorLease is set by the executor that claimed the request
	// (spec §4.6 "executors lock a request to claim it"); an empty value
	// with a running or paused state is what LostRequests reports as lost.
	ExecutorLease string

	CancelRequested bool // advisory sub-node (spec §4.6 "requestCancel")
	ResumeRequested bool // advisory sub-node (spec §4.6 "requestResume")

	CreatedAt time.Time
}

func queueRoot(root, zone string) string {
	if zone == "" {
		return root + "/unzoned"
	}
	return root + "/zones/" + zone
}

// Dispatcher submits and tracks build requests across every zone queue
// (spec §4.6).
type Dispatcher struct {
	store zkstore.Store
	root  string // conventionally "/zuul/executor"
}

// New constructs a Dispatcher rooted at root.
func New(store zkstore.Store, root string) *Dispatcher {
	return &Dispatcher{store: store, root: root}
}

// Submit writes a build-request node into the job's zone queue (spec §4.6
// "submit(request, params) writes the request node and its parameters
// blob").
func (d *Dispatcher) Submit(zone, job, item string, params map[string]string) (*Request, error) {
	req := Request{
		Zone:      zone,
		Job:       job,
		Item:      item,
		Params:    params,
		State:     StateRequested,
		CreatedAt: time.Now(),
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("executor: marshal request: %w", err)
	}
	path, err := d.store.Create(queueRoot(d.root, zone)+"/build-", data, zkstore.KindSequential, "")
	if err != nil {
		return nil, fmt.Errorf("executor: submit: %w", err)
	}
	req.ID = path
	metrics.ExecutorQueueLength.WithLabelValues(zone).Inc()
	elog := log.WithComponent("executor")
	elog.Info().Str("request_id", path).Str("job", job).Str("zone", zone).Msg("build request submitted")
	return &req, nil
}

// Get returns the current Request at id.
func (d *Dispatcher) Get(id string) (*Request, error) {
	node, err := d.store.Get(id)
	if err != nil {
		return nil, err
	}
	var req Request
	if err := json.Unmarshal(node.Data, &req); err != nil {
		return nil, fmt.Errorf("executor: unmarshal %s: %w", id, err)
	}
	req.ID = id
	return &req, nil
}

// write CAS-updates the request at id, retrying against zkstore's own
// version-conflict signal the same bounded number of times as
// changecache.DefaultMaxCASAttempts, since executor state updates race
// the scheduler and the executor the same way change-cache writes do.
func (d *Dispatcher) write(id string, mutate func(*Request)) error {
	for attempt := 0; attempt < 3; attempt++ {
		node, err := d.store.Get(id)
		if err != nil {
			return err
		}
		var req Request
		if err := json.Unmarshal(node.Data, &req); err != nil {
			return fmt.Errorf("executor: unmarshal %s: %w", id, err)
		}
		req.ID = id
		mutate(&req)
		data, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("executor: marshal %s: %w", id, err)
		}
		if err := d.store.Set(id, data, node.Version); err != nil {
			if err == zkstore.ErrVersionConflict {
				continue
			}
			return fmt.Errorf("executor: write %s: %w", id, err)
		}
		return nil
	}
	return fmt.Errorf("executor: write %s: exhausted retries", id)
}

// RequestCancel sets the advisory cancel sub-node the executor observes
// (spec §4.6 "requestCancel...advisory sub-nodes the executor observes").
func (d *Dispatcher) RequestCancel(id string) error {
	return d.write(id, func(r *Request) { r.CancelRequested = true })
}

// RequestResume sets the advisory resume sub-node.
func (d *Dispatcher) RequestResume(id string) error {
	return d.write(id, func(r *Request) { r.ResumeRequested = true })
}

// Ack deletes the request node once the scheduler has consumed its
// terminal result (spec §4.6 "terminal deletion occurs after the scheduler
// acks the result").
func (d *Dispatcher) Ack(id string) error {
	if err := d.store.Delete(id, 0); err != nil && err != zkstore.ErrNotFound {
		return fmt.Errorf("executor: ack %s: %w", id, err)
	}
	return nil
}

// LostRequests yields every request in zone currently running or paused
// that holds no executor lock — candidates for re-issue or failure
// accounting (spec §4.6 "lostRequests()", semantics taken verbatim from
// original_source/zuul/zk/executor.py's lost-request definition).
func (d *Dispatcher) LostRequests(zone string) ([]*Request, error) {
	children, err := d.store.Children(queueRoot(d.root, zone))
	if err != nil {
		if err == zkstore.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("executor: list %s: %w", zone, err)
	}
	sort.Strings(children)

	var lost []*Request
	for _, child := range children {
		req, err := d.Get(queueRoot(d.root, zone) + "/" + child)
		if err != nil {
			continue
		}
		if (req.State == StateRunning || req.State == StatePaused) && req.ExecutorLease == "" {
			lost = append(lost, req)
		}
	}
	return lost, nil
}
