// Package equeue implements the durable, ordered, multi-consumer event
// queue of spec §4.1: sequential children of a coordination-store node,
// consumed in creation order and acknowledged by deletion.
package equeue

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lattice-ci/conveyor/pkg/log"
	"github.com/lattice-ci/conveyor/pkg/zkstore"
	"github.com/rs/zerolog"
)

// Event is the internal envelope carried by every queue (spec §6
// "Event payload (internal)").
type Event struct {
	Timestamp    float64         `json:"timestamp"`
	ZuulEventID  string          `json:"zuul_event_id"`
	SpanContext  []byte          `json:"span_context,omitempty"`
	Payload      json.RawMessage `json:"payload"`
}

// Item is one queued, not-yet-acknowledged event together with the path
// its sequential child occupies (needed by Ack).
type Item struct {
	ID    string // sequential child name, e.g. "0000000042"
	Path  string // full coordination-store path
	Event Event
}

// Queue is a durable FIFO backed by sequential children of Root.
type Queue struct {
	store zkstore.Store
	root  string
	log   zerolog.Logger
}

// New constructs a Queue rooted at root (e.g.
// "/zuul/events/connection/gerrit" or
// "/zuul/events/tenant/<T>/pipeline/<P>/trigger").
func New(store zkstore.Store, root string) *Queue {
	return &Queue{store: store, root: root, log: log.WithComponent("equeue")}
}

// Put creates a sequential child under the queue root carrying payload,
// returning its identifier (spec §4.1 "put").
func (q *Queue) Put(payload interface{}, traceContext []byte) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("equeue: marshal payload: %w", err)
	}
	ev := Event{
		Timestamp:   float64(time.Now().UnixNano()) / 1e9,
		ZuulEventID: uuid.NewString(),
		SpanContext: traceContext,
		Payload:     raw,
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("equeue: marshal event: %w", err)
	}
	path, err := q.store.Create(q.root+"/item-", data, zkstore.KindSequential, "")
	if err != nil {
		return "", fmt.Errorf("equeue: put: %w", err)
	}
	q.log.Debug().Str("path", path).Str("event_id", ev.ZuulEventID).Msg("event queued")
	return path, nil
}

// Iter yields unacknowledged items in coordination-store sequence order
// (spec §4.1 "iter"). Delivery is at-least-once: a crash between Iter and
// Ack redelivers the item to whichever replica next calls Iter.
func (q *Queue) Iter() ([]Item, error) {
	children, err := q.store.Children(q.root)
	if err != nil {
		if err == zkstore.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("equeue: iter children: %w", err)
	}
	sort.Strings(children)

	items := make([]Item, 0, len(children))
	for _, child := range children {
		path := q.root + "/" + child
		node, err := q.store.Get(path)
		if err != nil {
			if err == zkstore.ErrNotFound {
				continue // acked concurrently by another consumer
			}
			return nil, fmt.Errorf("equeue: get %s: %w", path, err)
		}
		var ev Event
		if err := json.Unmarshal(node.Data, &ev); err != nil {
			return nil, fmt.Errorf("equeue: unmarshal %s: %w", path, err)
		}
		items = append(items, Item{ID: child, Path: path, Event: ev})
	}
	return items, nil
}

// Ack deletes the item, idempotent: deleting an already-deleted item is a
// no-op (spec §4.1, §8 "ack(event) after a prior ack is a no-op").
func (q *Queue) Ack(item Item) error {
	err := q.store.Delete(item.Path, 0)
	if err == zkstore.ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("equeue: ack %s: %w", item.Path, err)
	}
	return nil
}

// WatchFunc is invoked when new items may be available; returning false
// unregisters the watch (spec §4.1 "register_watch").
type WatchFunc func() (keepWatching bool)

// RegisterWatch installs a recursive data watch on the queue root and
// invokes cb on every observed change, until cb returns false or cancel
// is called.
func (q *Queue) RegisterWatch(cb WatchFunc) (cancel func(), err error) {
	ch := make(chan zkstore.Event, 32)
	unregister, err := q.store.Watch(q.root, true, ch)
	if err != nil {
		return nil, fmt.Errorf("equeue: register watch: %w", err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ch:
				if !cb() {
					unregister()
					return
				}
			case <-done:
				unregister()
				return
			}
		}
	}()
	return func() { close(done) }, nil
}
