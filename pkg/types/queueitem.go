package types

import "time"

// ItemStatus is the lifecycle state of a QueueItem (spec §3).
type ItemStatus string

const (
	ItemStatusNew         ItemStatus = "new"
	ItemStatusPendingNode ItemStatus = "pending-node"
	ItemStatusRunning     ItemStatus = "running"
	ItemStatusReporting   ItemStatus = "reporting"
	ItemStatusCompleted   ItemStatus = "completed"
	ItemStatusDequeued    ItemStatus = "dequeued"
)

// QueueItem is one occupied slot in a pipeline's change queue. A QueueItem
// may represent more than one Change when a cycle-bundle of cross-repo
// co-submitted changes has been folded into a single item (spec §4.4,
// invariant I4).
type QueueItem struct {
	ID       string
	Pipeline string
	Tenant   string

	Changes []ChangeKey // the live change(s) this item represents; >1 for a cycle-bundle

	// FilesHashes holds the content hash of each member change's touched
	// files, captured at enqueue time from Change.FilesHash. A
	// JobGraphProvider compares these against items ahead in the queue to
	// detect speculative file-level conflicts (spec §3 "content hash of
	// its files").
	FilesHashes []string

	BuildSet *BuildSet
	Status   ItemStatus

	EnqueuedAt time.Time
	ReportedAt time.Time

	// Queue position, maintained by the ChangeQueue; a nil Previous marks
	// the head of the queue.
	Previous *string
}

// Identity returns the supercedent identity of this item (spec §4.4
// "Supercedent pipelines"): connection/project/StableID for reviews and
// branches, connection/project/StableID/Revision for tags. A review's
// target branch is not part of the key, so it is not part of the identity;
// tag keys leave Revision empty, so a tag's new revision does not
// distinguish identities either. Two items share an identity when a later
// trigger should supersede an earlier one.
func Identity(k ChangeKey) string {
	switch k.Kind {
	case KindReview:
		return k.Connection + "/" + k.Project + "/" + k.StableID
	case KindBranch:
		return k.Connection + "/" + k.Project + "/" + k.StableID
	case KindTag:
		return k.Connection + "/" + k.Project + "/" + k.StableID + "/" + k.Revision
	default:
		return k.String()
	}
}

// ChangeQueue is an ordered list of QueueItems sharing a FIFO discipline
// (spec §3). Gate-style managers serialise related projects through one
// ChangeQueue; check-style managers give each project (or each item) its
// own queue.
type ChangeQueue struct {
	Name    string
	Items   []*QueueItem
	Window  int // current AIMD window size (spec §4.4 "Window / precedence")
}

// Head returns the first item in the queue, or nil if empty.
func (q *ChangeQueue) Head() *QueueItem {
	if len(q.Items) == 0 {
		return nil
	}
	return q.Items[0]
}

// IndexOf returns the position of item in the queue, or -1.
func (q *ChangeQueue) IndexOf(id string) int {
	for i, it := range q.Items {
		if it.ID == id {
			return i
		}
	}
	return -1
}

// Remove deletes the item with the given ID from the queue.
func (q *ChangeQueue) Remove(id string) {
	idx := q.IndexOf(id)
	if idx < 0 {
		return
	}
	q.Items = append(q.Items[:idx], q.Items[idx+1:]...)
}

// InWindow reports whether the item at position idx consumes node/build
// resources under the current window (spec §4.4).
func (q *ChangeQueue) InWindow(idx int) bool {
	return idx >= 0 && idx < q.Window
}
