// Package pipeline implements the pipeline manager core of spec §4.4: the
// per-(tenant,pipeline) state machine that owns one ChangeQueue, advances
// its QueueItems through node-request and build dispatch, speculates
// ahead of unmerged predecessors in gated pipelines, and resets that
// speculation when an earlier item fails.
//
// Grounded on pkg/scheduler/scheduler.go's ticker-driven main loop (a
// sync.Mutex-guarded cycle with a component logger and a metrics timer
// around each pass) and pkg/reconciler/reconciler.go's per-entity
// reconcile-subfunction shape, generalized from "containers vs desired
// service state" to "queue items vs their frozen BuildSet" (DESIGN.md).
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lattice-ci/conveyor/pkg/changecache"
	"github.com/lattice-ci/conveyor/pkg/equeue"
	"github.com/lattice-ci/conveyor/pkg/executor"
	"github.com/lattice-ci/conveyor/pkg/log"
	"github.com/lattice-ci/conveyor/pkg/merger"
	"github.com/lattice-ci/conveyor/pkg/metrics"
	"github.com/lattice-ci/conveyor/pkg/nodepool"
	"github.com/lattice-ci/conveyor/pkg/reporter"
	"github.com/lattice-ci/conveyor/pkg/source"
	"github.com/lattice-ci/conveyor/pkg/types"
	"github.com/lattice-ci/conveyor/pkg/zkstore"
	"github.com/rs/zerolog"
)

// cycleInterval paces the main loop the same way scheduler.go's 5s ticker
// paces container scheduling; the ticker is the only thing that starts a
// cycle, and event queues are drained on each tick.
const cycleInterval = 2 * time.Second

// lostBuildScanInterval paces the LostMonitor started alongside each
// Manager's main loop; slower than cycleInterval since a lost build is
// only ever the result of an executor crash, not ordinary progress.
const lostBuildScanInterval = 30 * time.Second

// ManagementEvent is the internal payload carried by a pipeline's
// management event queue (spec §4.4 "management (enqueue/dequeue/promote)
// -> mutate queue head or order").
type ManagementEvent struct {
	Action string `json:"action"` // "enqueue", "dequeue", "promote"
	ItemID string `json:"item_id,omitempty"`
	Key    types.ChangeKey `json:"key,omitempty"`
}

// ResultEvent is the internal payload an executor/node-pool watcher
// appends to a pipeline's result queue on a job state transition (spec
// §4.4 "result (build finished/paused/…) -> update the relevant
// BuildSet").
type ResultEvent struct {
	ItemID  string          `json:"item_id"`
	Job     string          `json:"job"`
	Outcome types.JobOutcome `json:"outcome"`
}

// Deps collects every external collaborator a Manager needs, scoped to
// one (tenant, pipeline) but shared across many (the CS, node pool and
// executor dispatcher are process-wide; connections are looked up by
// name since a pipeline's triggers may span more than one).
type Deps struct {
	Store     zkstore.Store
	Sources   map[string]source.Source
	Caches    map[string]*changecache.Cache
	Nodes     *nodepool.Service
	Executor  *executor.Dispatcher
	Reporters map[string]reporter.Reporter // keyed by types.ReporterRef.Name
	Jobs      JobGraphProvider

	// Merger fetches and merges a successful item's changes onto their
	// target branch (spec.md §2 point 5); nil skips the merge step
	// (independent/serial/supercedent pipelines have nothing to merge).
	Merger *merger.Client
}

// Manager owns one ChangeQueue for a (tenant, pipeline) pair (spec §4.4).
// At most one replica's Manager instance holds the pipeline lock and
// mutates queue state at a time (invariant I1); other replicas' Managers
// for the same pipeline block in Start until they either acquire the lock
// themselves or are stopped.
type Manager struct {
	tenant   *types.Tenant
	pipeline *types.Pipeline
	deps     Deps
	root     string // conventionally "/zuul/pipeline/<T>/<P>"

	mu    sync.Mutex
	queue *types.ChangeQueue

	leaseID string
	// nodeLocks holds the release funcs for every node ephemeral lock
	// currently held on behalf of a running job, keyed by nodeLockKey.
	// Never persisted: on replica failure the lease backing every entry
	// here dies with the process, which is exactly what releases them
	// (spec §4.5 "if fulfilled mid-cancel, the allocated nodes are
	// released via the lock expiry").
	nodeLocks map[string][]func() error

	log zerolog.Logger
	t   *task
}

// New constructs a Manager for pipeline within tenant.
func New(tenant *types.Tenant, pipeline *types.Pipeline, deps Deps) *Manager {
	return &Manager{
		tenant:    tenant,
		pipeline:  pipeline,
		deps:      deps,
		root:      fmt.Sprintf("/zuul/pipeline/%s/%s", tenant.Name, pipeline.Name),
		queue:     &types.ChangeQueue{Name: pipeline.Name, Window: pipeline.Window.Initial},
		nodeLocks: make(map[string][]func() error),
		log:       log.WithComponent("pipeline").With().Str("tenant", tenant.Name).Str("pipeline", pipeline.Name).Logger(),
	}
}

// Start campaigns for the pipeline lock and, once acquired, runs the main
// loop until ctx is cancelled or Stop is called. Start returns once the
// loop has actually exited, not merely once cancellation was requested
// (spec §5 "Cancellation": wake, let in-flight ops complete, then return).
func (m *Manager) Start(ctx context.Context, leaseID string) error {
	m.t = newTask(ctx)
	defer m.t.finish()
	m.leaseID = leaseID

	release, err := m.deps.Store.Lock(m.root+"/lock", leaseID)
	if err != nil {
		return fmt.Errorf("pipeline: acquire lock %s: %w", m.root, err)
	}
	metrics.PipelineLockHeld.WithLabelValues(m.tenant.Name, m.pipeline.Name).Set(1)
	defer metrics.PipelineLockHeld.WithLabelValues(m.tenant.Name, m.pipeline.Name).Set(0)
	defer release()
	m.log.Info().Msg("acquired pipeline lock")

	if err := m.loadQueue(); err != nil {
		m.log.Warn().Err(err).Msg("no prior queue snapshot, starting empty")
	}
	m.recover(m.t.ctx)

	// recover() only repairs what a crashed predecessor left behind at
	// lock-acquisition time; a lost build occurring while this same
	// replica keeps holding the lock (no handoff, so recover never runs
	// again) needs a continuous scan (spec §5 recovery point (a)).
	lostMonitor := executor.NewLostMonitor(m.deps.Executor, m.zonesInUseLocked, lostBuildScanInterval, m.handleLostBuild)
	lostMonitor.Start()
	defer lostMonitor.Stop()

	ticker := time.NewTicker(cycleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			timer := metrics.NewTimer()
			if err := m.cycle(m.t.ctx); err != nil {
				m.log.Error().Err(err).Msg("pipeline cycle failed")
			}
			timer.ObserveDuration(metrics.PipelineCycleDuration)
		case <-m.t.ctx.Done():
			return nil
		}
	}
}

// Stop requests the main loop exit and blocks until it has.
func (m *Manager) Stop() {
	if m.t != nil {
		m.t.stop()
	}
}

// cycle drains the pipeline's event queues, then advances every queue item
// head to tail (spec §4.4 "Main loop per owned pipeline").
func (m *Manager) cycle(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.drainTrigger(ctx); err != nil {
		m.log.Error().Err(err).Msg("drain trigger queue")
	}
	if err := m.drainManagement(ctx); err != nil {
		m.log.Error().Err(err).Msg("drain management queue")
	}
	if err := m.drainResult(ctx); err != nil {
		m.log.Error().Err(err).Msg("drain result queue")
	}

	for _, item := range append([]*types.QueueItem(nil), m.queue.Items...) {
		if err := m.advance(ctx, item); err != nil {
			m.log.Error().Err(err).Str("item", item.ID).Msg("advance failed")
		}
	}

	return m.saveQueue()
}

func (m *Manager) triggerQueue() *equeue.Queue {
	return equeue.New(m.deps.Store, m.root+"/trigger")
}

func (m *Manager) managementQueue() *equeue.Queue {
	return equeue.New(m.deps.Store, m.root+"/management")
}

func (m *Manager) resultQueue() *equeue.Queue {
	return equeue.New(m.deps.Store, m.root+"/result")
}

func (m *Manager) drainTrigger(ctx context.Context) error {
	q := m.triggerQueue()
	items, err := q.Iter()
	if err != nil {
		return err
	}
	for _, it := range items {
		var ev source.Event
		if err := json.Unmarshal(it.Event.Payload, &ev); err != nil {
			m.log.Warn().Err(err).Str("item", it.ID).Msg("malformed trigger event, acking and skipping")
			_ = q.Ack(it)
			continue
		}
		if err := m.handleTrigger(ctx, ev); err != nil {
			m.log.Warn().Err(err).Msg("trigger processing rejected event")
		}
		_ = q.Ack(it)
	}
	return nil
}

func (m *Manager) drainManagement(ctx context.Context) error {
	q := m.managementQueue()
	items, err := q.Iter()
	if err != nil {
		return err
	}
	for _, it := range items {
		var ev ManagementEvent
		if err := json.Unmarshal(it.Event.Payload, &ev); err == nil {
			m.handleManagement(ctx, ev)
		}
		_ = q.Ack(it)
	}
	return nil
}

func (m *Manager) drainResult(ctx context.Context) error {
	q := m.resultQueue()
	items, err := q.Iter()
	if err != nil {
		return err
	}
	for _, it := range items {
		var ev ResultEvent
		if err := json.Unmarshal(it.Event.Payload, &ev); err == nil {
			m.handleResult(ev)
		}
		_ = q.Ack(it)
	}
	return nil
}

// handleManagement mutates the queue head or order per spec §4.4.
func (m *Manager) handleManagement(ctx context.Context, ev ManagementEvent) {
	switch ev.Action {
	case "dequeue":
		m.dequeueAndCancel(ctx, ev.ItemID)
	case "promote":
		idx := m.queue.IndexOf(ev.ItemID)
		if idx <= 0 {
			return
		}
		item := m.queue.Items[idx]
		m.queue.Items = append(m.queue.Items[:idx], m.queue.Items[idx+1:]...)
		m.queue.Items = append([]*types.QueueItem{item}, m.queue.Items...)
	}
}

func (m *Manager) handleResult(ev ResultEvent) {
	for _, item := range m.queue.Items {
		if item.ID != ev.ItemID || item.BuildSet == nil {
			continue
		}
		if job := item.BuildSet.Job(ev.Job); job != nil {
			job.Outcome = ev.Outcome
			if ev.Outcome.IsTerminal() {
				job.FinishedAt = time.Now()
			}
		}
		return
	}
}

// saveQueue persists the lock-free read snapshot (spec §6 "summary —
// lock-free read snapshot (JSON)").
func (m *Manager) saveQueue() error {
	data, err := json.Marshal(m.queue)
	if err != nil {
		return fmt.Errorf("pipeline: marshal queue: %w", err)
	}
	node, err := m.deps.Store.Get(m.root + "/summary")
	if err != nil {
		if err == zkstore.ErrNotFound {
			_, err := m.deps.Store.Create(m.root+"/summary", data, zkstore.KindPersistent, "")
			return err
		}
		return err
	}
	return m.deps.Store.Set(m.root+"/summary", data, node.Version)
}

// loadQueue restores queue state from the prior lock holder's snapshot
// (spec §4.4 lock path preamble: "Reads of the pipeline summary are
// lock-free from CS snapshots"; a new owner re-reads it under its own
// lock before resuming mutation).
func (m *Manager) loadQueue() error {
	node, err := m.deps.Store.Get(m.root + "/summary")
	if err != nil {
		return err
	}
	var q types.ChangeQueue
	if err := json.Unmarshal(node.Data, &q); err != nil {
		return fmt.Errorf("pipeline: unmarshal queue: %w", err)
	}
	m.queue = &q
	return nil
}

// Summary returns a lock-free snapshot of the current queue for read-only
// callers (e.g. a REST surface, out of this core's scope per §1, or a
// test assertion).
func Summary(store zkstore.Store, tenant, pipeline string) (*types.ChangeQueue, error) {
	node, err := store.Get(fmt.Sprintf("/zuul/pipeline/%s/%s/summary", tenant, pipeline))
	if err != nil {
		return nil, err
	}
	var q types.ChangeQueue
	if err := json.Unmarshal(node.Data, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// ahead returns the items queued before item, head first, used by gated
// pipelines to find its speculative ancestors.
func (m *Manager) ahead(item *types.QueueItem) []*types.QueueItem {
	idx := m.queue.IndexOf(item.ID)
	if idx <= 0 {
		return nil
	}
	return m.queue.Items[:idx]
}
