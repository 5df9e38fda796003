package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SrivatsaRv/documo/event"
)

func item(repo, rev string, action event.Action) *WorkItem {
	return &WorkItem{Event: event.Event{Repository: repo, Revision: rev, Action: action}}
}

func takeAll(q *queue) []*WorkItem {
	var out []*WorkItem
	for {
		it := q.take(func(string) bool { return false })
		if it == nil {
			return out
		}
		out = append(out, it)
	}
}

func TestQueuePriorityOrdering(t *testing.T) {
	q := newQueue(8)

	require.True(t, q.offer(item("a", "1", event.ActionOpened)))
	require.True(t, q.offer(item("b", "2", event.ActionMerged)))
	require.True(t, q.offer(item("c", "3", event.ActionUpdated)))
	require.True(t, q.offer(item("d", "4", event.ActionMerged)))

	order := takeAll(q)
	require.Len(t, order, 4)
	// Merged first (FIFO within the band), then updated, then opened.
	assert.Equal(t, "b", order[0].Event.Repository)
	assert.Equal(t, "d", order[1].Event.Repository)
	assert.Equal(t, "c", order[2].Event.Repository)
	assert.Equal(t, "a", order[3].Event.Repository)
}

func TestQueueFIFOWithinBand(t *testing.T) {
	q := newQueue(8)
	for _, rev := range []string{"1", "2", "3"} {
		require.True(t, q.offer(item("repo", rev, event.ActionUpdated)))
	}

	order := takeAll(q)
	require.Len(t, order, 3)
	assert.Equal(t, "1", order[0].Event.Revision)
	assert.Equal(t, "2", order[1].Event.Revision)
	assert.Equal(t, "3", order[2].Event.Revision)
}

func TestQueueCapacity(t *testing.T) {
	q := newQueue(2)

	assert.True(t, q.offer(item("a", "1", event.ActionOpened)))
	assert.True(t, q.offer(item("b", "2", event.ActionOpened)))
	assert.False(t, q.offer(item("c", "3", event.ActionMerged)))
	assert.Equal(t, 2, q.len())
}

func TestQueueSkipsBlockedRepository(t *testing.T) {
	q := newQueue(8)

	require.True(t, q.offer(item("busy", "1", event.ActionMerged)))
	require.True(t, q.offer(item("idle", "2", event.ActionOpened)))

	// The busy repository is at its ceiling: the lower-priority item from
	// the idle repository must not be held hostage behind it.
	got := q.take(func(repository string) bool { return repository == "busy" })
	require.NotNil(t, got)
	assert.Equal(t, "idle", got.Event.Repository)

	// The skipped item stays queued.
	assert.Equal(t, 1, q.len())
	got = q.take(func(string) bool { return false })
	require.NotNil(t, got)
	assert.Equal(t, "busy", got.Event.Repository)
}

func TestQueueDrain(t *testing.T) {
	q := newQueue(8)
	require.True(t, q.offer(item("a", "1", event.ActionOpened)))
	require.True(t, q.offer(item("b", "2", event.ActionMerged)))

	drained := q.drain()
	assert.Len(t, drained, 2)
	assert.Equal(t, 0, q.len())
}

func TestQueuePendingCount(t *testing.T) {
	q := newQueue(8)
	key := event.Key{Repository: "a", Revision: "1"}
	require.True(t, q.offer(item("a", "1", event.ActionOpened)))
	require.True(t, q.offer(item("b", "2", event.ActionOpened)))

	assert.Equal(t, 1, q.pending(key))
	assert.Equal(t, 0, q.pending(event.Key{Repository: "z", Revision: "9"}))
}
