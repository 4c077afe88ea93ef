// Package changecache implements the content-addressed Change cache of
// spec §4.2: cache-only reads, a set-once publish, and an
// update_with_retry path that applies a mutator closure under bounded
// optimistic-CAS retry — the replacement for the source implementation's
// dynamic per-driver attribute mutation (spec §9).
package changecache

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lattice-ci/conveyor/pkg/types"
	"github.com/lattice-ci/conveyor/pkg/zkstore"
)

// DefaultMaxCASAttempts bounds the retry loop inside UpdateWithRetry
// (spec §7 "CS conflict on CAS...retry bounded (≈3)").
const DefaultMaxCASAttempts = 3

// ErrConcurrentUpdate is returned by Set when a key already exists (spec
// §4.2 "fails with concurrent-update if a key exists").
var ErrConcurrentUpdate = fmt.Errorf("changecache: concurrent update")

// Mutator transforms the current Change into its next value; returning
// an error aborts the retry loop without writing.
type Mutator func(current *types.Change) (*types.Change, error)

// Cache is a coordination-store-backed, per-connection Change cache.
// Every connection gets its own Cache rooted at
// "/zuul/cache/connection/<conn>".
type Cache struct {
	store zkstore.Store
	root  string
}

// New constructs a Cache rooted at root.
func New(store zkstore.Store, root string) *Cache {
	return &Cache{store: store, root: root}
}

func (c *Cache) path(key types.ChangeKey) string {
	return c.root + "/" + key.String()
}

// Get returns the current cached Change for key, or (nil, false) if
// absent. Cache-only and non-blocking (spec §4.2 "get").
func (c *Cache) Get(key types.ChangeKey) (*types.Change, bool) {
	ch, _, ok := c.getWithVersion(key)
	return ch, ok
}

// getWithVersion returns the cached Change along with the coordination
// store's own node version, so a caller can CAS against the exact read it
// based a decision on rather than re-reading the version later and risking
// a lost update against whatever wrote in between.
func (c *Cache) getWithVersion(key types.ChangeKey) (*types.Change, uint64, bool) {
	node, err := c.store.Get(c.path(key))
	if err != nil {
		return nil, 0, false
	}
	var ch types.Change
	if err := json.Unmarshal(node.Data, &ch); err != nil {
		return nil, 0, false
	}
	return &ch, node.Version, true
}

// Set publishes change under key. It fails with ErrConcurrentUpdate if
// the key already exists (spec §4.2 "set"); callers that want to update
// an existing entry must use UpdateWithRetry instead.
func (c *Cache) Set(key types.ChangeKey, change *types.Change) error {
	data, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("changecache: marshal: %w", err)
	}
	if _, err := c.store.Create(c.path(key), data, zkstore.KindPersistent, ""); err != nil {
		if errors.Is(err, zkstore.ErrAlreadyExists) {
			return ErrConcurrentUpdate
		}
		return fmt.Errorf("changecache: set %s: %w", key, err)
	}
	return nil
}

// UpdateWithRetry loads the current value at key (or change if absent),
// applies mutator, and CAS-writes the result, retrying up to
// DefaultMaxCASAttempts times on a version conflict (spec §4.2
// "update_with_retry"). When allowKeyUpdate is true and mutator returns a
// Change whose Key differs from key, the entry is re-keyed: the old path
// is deleted and the new one created, used when an event arrived with no
// patchset and the canonical patchset is discovered only on refresh.
func (c *Cache) UpdateWithRetry(key types.ChangeKey, change *types.Change, mutator Mutator, allowKeyUpdate bool) (*types.Change, error) {
	var lastErr error
	for attempt := 0; attempt < DefaultMaxCASAttempts; attempt++ {
		current, nodeVersion, existed := c.getWithVersion(key)
		if !existed {
			current = change
		}

		next, err := mutator(current)
		if err != nil {
			return nil, fmt.Errorf("changecache: mutator: %w", err)
		}
		next.Version = current.Version + 1
		data, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("changecache: marshal: %w", err)
		}

		if allowKeyUpdate && next.Key != key {
			if _, err := c.store.Create(c.path(next.Key), data, zkstore.KindPersistent, ""); err != nil {
				return nil, fmt.Errorf("changecache: rekey create: %w", err)
			}
			if existed {
				_ = c.store.Delete(c.path(key), 0)
			}
			return next, nil
		}

		if !existed {
			if err := c.Set(key, next); err != nil {
				if err == ErrConcurrentUpdate {
					lastErr = err
					continue
				}
				return nil, err
			}
			return next, nil
		}

		// CAS against nodeVersion as read above, the same read the mutator
		// decision was based on — not a fresh Get, which would silently
		// accept a write that happened after current was read but before
		// this one, losing whatever that write did.
		if err := c.store.Set(c.path(key), data, nodeVersion); err != nil {
			if err == zkstore.ErrVersionConflict {
				lastErr = err
				continue
			}
			return nil, fmt.Errorf("changecache: cas write: %w", err)
		}
		return next, nil
	}
	return nil, fmt.Errorf("changecache: UpdateWithRetry exhausted %d attempts: %w", DefaultMaxCASAttempts, lastErr)
}

// NeedsRefresh reports whether a cached Change is stale with respect to
// an event observed at eventLtime: a reader that sees an event whose
// logical time is newer than the query that produced the cached value
// must refresh before trusting it (spec §4.2 "Query-ltime").
func NeedsRefresh(cached *types.Change, eventLtime int64) bool {
	return cached == nil || cached.QueryLtime < eventLtime
}
