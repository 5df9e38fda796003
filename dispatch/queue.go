package dispatch

import (
	"github.com/SrivatsaRv/documo/event"
)

// queue is a bounded priority wait queue. Higher-priority actions (merged >
// updated > opened) dequeue first; within a band, FIFO by submission order.
// take skips items whose repository is already at its active ceiling, so a
// busy repository never blocks other repositories behind it.
//
// Not safe for concurrent use on its own; the dispatcher holds its mutex
// around every call.
type queue struct {
	items    []*WorkItem
	capacity int
	nextSeq  uint64
}

func newQueue(capacity int) *queue {
	return &queue{
		items:    make([]*WorkItem, 0, capacity),
		capacity: capacity,
	}
}

// offer adds an item, keeping the slice sorted by (priority desc, seq asc).
// Returns false when the queue is at capacity.
func (q *queue) offer(item *WorkItem) bool {
	if len(q.items) >= q.capacity {
		return false
	}
	item.seq = q.nextSeq
	q.nextSeq++

	// Insertion point: after every item of equal-or-higher priority.
	pos := len(q.items)
	for i, existing := range q.items {
		if item.Event.Action.Priority() > existing.Event.Action.Priority() {
			pos = i
			break
		}
	}
	q.items = append(q.items, nil)
	copy(q.items[pos+1:], q.items[pos:])
	q.items[pos] = item
	return true
}

// take removes and returns the first item whose repository is eligible per
// skip, or nil when every queued item is currently blocked.
func (q *queue) take(skip func(repository string) bool) *WorkItem {
	for i, item := range q.items {
		if skip(item.Event.Repository) {
			continue
		}
		q.items = append(q.items[:i], q.items[i+1:]...)
		return item
	}
	return nil
}

func (q *queue) len() int {
	return len(q.items)
}

// drain empties the queue, returning what was waiting. Used at shutdown to
// release claims for items that never reached a worker.
func (q *queue) drain() []*WorkItem {
	drained := q.items
	q.items = nil
	return drained
}

// pending reports how many queued items belong to key. The status endpoint
// uses it to distinguish "queued" from "unknown".
func (q *queue) pending(key event.Key) int {
	n := 0
	for _, item := range q.items {
		if item.Event.Key() == key {
			n++
		}
	}
	return n
}
