package equeue

import "time"

// SettlingDelay is the uniform floor applied to Gerrit-facing event
// delivery (spec §4.1 "Delayed visibility", D=10s). It absorbs the
// write-to-read race in the upstream review system: Gerrit's own search
// index can lag a just-written change by a few seconds, so a trigger
// event delivered before the index catches up would fail to refresh the
// change it names.
const SettlingDelay = 10 * time.Second

// Delayed wraps a Queue so that Iter never returns an item until
// SettlingDelay has elapsed since its event timestamp. The delay is a
// floor, not a debounce: events queued in rapid succession after the
// first settle independently once their own D has passed (spec §4.1).
//
// This wrapper is connector-specific, not a property of Queue itself
// (DESIGN.md Open Question resolution) — the GitLab and timer
// connectors consume their queues directly, undelayed.
type Delayed struct {
	*Queue
	delay func() time.Duration // overridable for tests
}

// NewDelayed wraps q with the standard D=10s Gerrit settling delay.
func NewDelayed(q *Queue) *Delayed {
	return &Delayed{Queue: q, delay: func() time.Duration { return SettlingDelay }}
}

// Iter returns only those items whose event timestamp is at least
// SettlingDelay in the past; later items remain queued for a subsequent
// call once they settle.
func (d *Delayed) Iter() ([]Item, error) {
	items, err := d.Queue.Iter()
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-d.delay())
	settled := items[:0]
	for _, it := range items {
		evTime := time.Unix(0, int64(it.Event.Timestamp*1e9))
		if evTime.After(cutoff) {
			continue
		}
		settled = append(settled, it)
	}
	return settled, nil
}
