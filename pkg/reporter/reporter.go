// Package reporter implements the pluggable sinks of spec §4.7 that the
// pipeline manager invokes at a QueueItem's terminal states: a review-vote
// reporter, a SQL result sink, and MQTT/SMTP notification adapters. Every
// Reporter must be idempotent, since a replica failure can redeliver the
// same terminal-state report to a new owner (spec §4.7).
package reporter

import (
	"context"

	"github.com/lattice-ci/conveyor/pkg/types"
)

// Reporter is invoked once per (QueueItem, ReportPhase) terminal
// transition (spec §4.7).
type Reporter interface {
	Report(ctx context.Context, item *types.QueueItem, phase types.ReportPhase, message string) error
}

// Func adapts a plain function to the Reporter interface, used by tests
// and by simple composed reporters.
type Func func(ctx context.Context, item *types.QueueItem, phase types.ReportPhase, message string) error

func (f Func) Report(ctx context.Context, item *types.QueueItem, phase types.ReportPhase, message string) error {
	return f(ctx, item, phase, message)
}
