package executor

import (
	"context"
	"time"

	"github.com/lattice-ci/conveyor/pkg/log"
	"github.com/lattice-ci/conveyor/pkg/metrics"
	"github.com/rs/zerolog"
)

// LostBuildHandler is invoked once per observed lost build request; the
// pipeline manager supplies this to re-report or retry per its own policy
// (spec §5 replica-failure recovery point (a)).
type LostBuildHandler func(req *Request)

// LostMonitor periodically scans every zone for lost requests — build
// requests in running/paused with no executor lock — and invokes a
// handler for each.
type LostMonitor struct {
	dispatcher *Dispatcher
	zones      func() []string
	interval   time.Duration
	handler    LostBuildHandler
	logger     zerolog.Logger
	cancelFns  map[string]context.CancelFunc
	stopCh     chan struct{}
}

// NewLostMonitor constructs a monitor scanning, every interval, whatever
// zones the zones func currently returns (an empty zone name is the
// unzoned queue). zones is called fresh on every scan rather than fixed at
// construction, since a pipeline's set of in-use zones can grow as new
// items carrying new job templates are frozen.
func NewLostMonitor(d *Dispatcher, zones func() []string, interval time.Duration, handler LostBuildHandler) *LostMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &LostMonitor{
		dispatcher: d,
		zones:      zones,
		interval:   interval,
		handler:    handler,
		logger:     log.WithComponent("executor.lost"),
		cancelFns:  make(map[string]context.CancelFunc),
		stopCh:     make(chan struct{}),
	}
}

// Start begins the scan loop.
func (m *LostMonitor) Start() {
	go m.run()
}

// Stop stops the scan loop (spec §5 "Cancellation": set a flag, wake any
// wait, let in-flight ops finish).
func (m *LostMonitor) Stop() {
	close(m.stopCh)
}

func (m *LostMonitor) run() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.scan()
		case <-m.stopCh:
			return
		}
	}
}

func (m *LostMonitor) scan() {
	for _, zone := range m.zones() {
		lost, err := m.dispatcher.LostRequests(zone)
		if err != nil {
			m.logger.Warn().Err(err).Str("zone", zone).Msg("lost-request scan failed")
			continue
		}
		for _, req := range lost {
			metrics.ExecutorLostTotal.WithLabelValues(zone).Inc()
			m.logger.Warn().Str("request_id", req.ID).Str("job", req.Job).Msg("build request lost (no executor lock)")
			m.handler(req)
		}
	}
}
