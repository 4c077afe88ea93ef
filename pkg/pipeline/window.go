package pipeline

import "github.com/lattice-ci/conveyor/pkg/types"

// GrowWindow advances queue.Window on a head success, AIMD-style up to the
// pipeline's configured ceiling (spec §4.4: "On head success, W may grow
// (AIMD-style up to a configured max)").
func GrowWindow(queue *types.ChangeQueue, policy types.WindowPolicy) {
	if queue.Window <= 0 {
		queue.Window = policy.Initial
	}
	switch policy.IncreaseType {
	case "exponential":
		factor := policy.IncreaseFactor
		if factor < 2 {
			factor = 2
		}
		queue.Window *= factor
	default: // "linear"
		step := policy.IncreaseFactor
		if step <= 0 {
			step = 1
		}
		queue.Window += step
	}
	if policy.Ceiling > 0 && queue.Window > policy.Ceiling {
		queue.Window = policy.Ceiling
	}
}

// ShrinkWindow reduces queue.Window toward the configured floor on a head
// failure (spec §4.4 "on failure, W shrinks toward the configured floor").
func ShrinkWindow(queue *types.ChangeQueue, policy types.WindowPolicy) {
	factor := policy.DecreaseFactor
	if factor < 2 {
		factor = 2
	}
	queue.Window /= factor
	floor := policy.Floor
	if floor <= 0 {
		floor = 1
	}
	if queue.Window < floor {
		queue.Window = floor
	}
}
