package metrics

import (
	"encoding/json"
	"time"

	"github.com/lattice-ci/conveyor/pkg/zkstore"
)

// PipelineRef names one (tenant, pipeline) pair the collector should poll.
type PipelineRef struct {
	Tenant   string
	Pipeline string
	Root     string // coordination-store root, e.g. "/zuul/pipeline/<tenant>/<pipeline>"
}

// queueSummary mirrors the fields of types.ChangeQueue the collector reads;
// kept local to avoid metrics depending on pkg/pipeline, which itself
// depends on metrics.
type queueSummary struct {
	Items  []json.RawMessage `json:"Items"`
	Window int               `json:"Window"`
}

// Collector periodically scrapes pipeline queue summaries out of the
// coordination store on a ticker and republishes them as gauges.
type Collector struct {
	store     zkstore.Store
	pipelines []PipelineRef
	interval  time.Duration
	stopCh    chan struct{}
}

// NewCollector constructs a Collector that polls store for the given
// pipelines every interval (15s if interval is zero).
func NewCollector(store zkstore.Store, pipelines []PipelineRef, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{store: store, pipelines: pipelines, interval: interval, stopCh: make(chan struct{})}
}

// Start begins collecting metrics in a background goroutine.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	for _, ref := range c.pipelines {
		c.collectPipeline(ref)
	}
	c.collectRaftMetrics()
}

func (c *Collector) collectPipeline(ref PipelineRef) {
	node, err := c.store.Get(ref.Root + "/summary")
	if err != nil {
		return
	}
	var q queueSummary
	if err := json.Unmarshal(node.Data, &q); err != nil {
		return
	}
	PipelineQueueLength.WithLabelValues(ref.Tenant, ref.Pipeline).Set(float64(len(q.Items)))
	PipelineWindowSize.WithLabelValues(ref.Tenant, ref.Pipeline).Set(float64(q.Window))

	held := 0.0
	if _, err := c.store.Get(ref.Root + "/lock"); err == nil {
		held = 1.0
	}
	PipelineLockHeld.WithLabelValues(ref.Tenant, ref.Pipeline).Set(held)
}

func (c *Collector) collectRaftMetrics() {
	leader, ok := c.store.(interface{ IsLeader() bool })
	if !ok {
		return
	}
	if leader.IsLeader() {
		RaftLeader.Set(1)
	} else {
		RaftLeader.Set(0)
	}
}
