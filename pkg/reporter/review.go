package reporter

import (
	"context"
	"fmt"

	"github.com/lattice-ci/conveyor/pkg/changecache"
	"github.com/lattice-ci/conveyor/pkg/log"
	"github.com/lattice-ci/conveyor/pkg/source"
	"github.com/lattice-ci/conveyor/pkg/types"
)

// ReviewReporter posts a message and vote back to the review system that
// owns each of a QueueItem's changes (spec §4.7). A cycle-bundle item
// (invariant I4) is reported member-by-member in Changes order; a member's
// failure is returned immediately without attempting the remainder, so the
// pipeline manager can decide whether to surface a merge-failure instead
// of silently reporting a partial success.
type ReviewReporter struct {
	source      source.Source
	cache       *changecache.Cache
	maxAttempts int
}

// NewReviewReporter constructs a ReviewReporter over src, resolving each
// QueueItem's member changes from cache.
func NewReviewReporter(src source.Source, cache *changecache.Cache) *ReviewReporter {
	return &ReviewReporter{source: src, cache: cache, maxAttempts: DefaultMaxAttempts}
}

// Report implements Reporter.
func (r *ReviewReporter) Report(ctx context.Context, item *types.QueueItem, phase types.ReportPhase, message string) error {
	logger := log.WithComponent("reporter.review")
	for _, key := range item.Changes {
		change, ok := r.cache.Get(key)
		if !ok {
			return fmt.Errorf("reporter: review: change %s not in cache", key)
		}
		err := withRetry(ctx, r.maxAttempts, func() error {
			return r.source.Report(ctx, change, phase, message, nil)
		})
		if err != nil {
			logger.Error().Err(err).Str("change", key.String()).Str("phase", string(phase)).Msg("review report failed")
			return fmt.Errorf("reporter: review: %s: %w", key, err)
		}
	}
	return nil
}
