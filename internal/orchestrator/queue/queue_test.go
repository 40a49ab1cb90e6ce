package queue

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/agentfleet/internal/common/logger"
	v1 "github.com/agentfleet/agentfleet/pkg/api/v1"
)

func newTestQueue(t *testing.T) (*CommandQueue, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.json")
	return NewCommandQueue(path, 10*time.Millisecond, nil, logger.Default()), path
}

func agentItem(name, prompt string) *v1.QueueItem {
	return &v1.QueueItem{
		TargetType: v1.TargetAgent,
		TargetName: name,
		Prompt:     prompt,
		Source:     "test",
	}
}

func TestEnqueueAssignsMonotonicSeqIDs(t *testing.T) {
	q, _ := newTestQueue(t)

	a := q.Enqueue(agentItem("alice", "one"))
	b := q.Enqueue(agentItem("bob", "two"))
	c := q.Enqueue(agentItem("alice", "three"))

	assert.Equal(t, int64(1), a.SeqID)
	assert.Equal(t, int64(2), b.SeqID)
	assert.Equal(t, int64(3), c.SeqID)
	assert.NotEmpty(t, a.ID)
	assert.False(t, a.EnqueuedAt.IsZero())
}

func TestDequeueIsFIFOPerTarget(t *testing.T) {
	q, _ := newTestQueue(t)

	q.Enqueue(agentItem("alice", "first"))
	q.Enqueue(agentItem("bob", "other"))
	q.Enqueue(agentItem("alice", "second"))

	key := v1.TargetKey(v1.TargetAgent, "alice")

	item := q.Dequeue(key)
	require.NotNil(t, item)
	assert.Equal(t, "first", item.Prompt)

	item = q.Dequeue(key)
	require.NotNil(t, item)
	assert.Equal(t, "second", item.Prompt)

	assert.Nil(t, q.Dequeue(key))
	assert.Equal(t, 0, q.Pending(key))
	assert.Equal(t, 1, q.Len())
}

func TestSeqIDsNeverReused(t *testing.T) {
	q, _ := newTestQueue(t)

	q.Enqueue(agentItem("alice", "one"))
	b := q.Enqueue(agentItem("alice", "two"))

	require.True(t, q.Remove(b.SeqID))
	c := q.Enqueue(agentItem("alice", "three"))
	assert.Equal(t, int64(3), c.SeqID, "seq ids must not be reused after removal")
}

func TestRemoveBySeqID(t *testing.T) {
	q, _ := newTestQueue(t)

	q.Enqueue(agentItem("alice", "keep"))
	victim := q.Enqueue(agentItem("alice", "drop"))
	q.Enqueue(agentItem("bob", "keep too"))

	assert.True(t, q.Remove(victim.SeqID))
	assert.False(t, q.Remove(victim.SeqID), "second removal must return false")
	assert.False(t, q.Remove(9999))

	for _, item := range q.GetAll() {
		assert.NotEqual(t, "drop", item.Prompt)
	}
}

func TestGetAllSortedBySeqID(t *testing.T) {
	q, _ := newTestQueue(t)

	q.Enqueue(agentItem("zed", "z"))
	q.Enqueue(agentItem("alice", "a"))
	q.Enqueue(agentItem("bob", "b"))

	items := q.GetAll()
	require.Len(t, items, 3)
	for i := 1; i < len(items); i++ {
		assert.Greater(t, items[i].SeqID, items[i-1].SeqID)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	log := logger.Default()

	q := NewCommandQueue(path, time.Millisecond, nil, log)
	q.Enqueue(agentItem("alice", "one"))
	q.Enqueue(agentItem("bob", "two"))
	removed := q.Enqueue(agentItem("alice", "gone"))
	q.Remove(removed.SeqID)
	require.NoError(t, q.Flush())

	reloaded := NewCommandQueue(path, time.Millisecond, nil, log)
	items := reloaded.GetAll()
	require.Len(t, items, 2)
	assert.Equal(t, "one", items[0].Prompt)
	assert.Equal(t, "two", items[1].Prompt)

	// The counter survives the restart, so seq ids stay unique.
	next := reloaded.Enqueue(agentItem("carol", "four"))
	assert.Equal(t, int64(4), next.SeqID)
}

func TestCorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	q := NewCommandQueue(path, time.Millisecond, nil, logger.Default())
	assert.Equal(t, 0, q.Len())

	item := q.Enqueue(agentItem("alice", "fresh start"))
	assert.Equal(t, int64(1), item.SeqID)
}

func TestMissingFileStartsEmpty(t *testing.T) {
	q := NewCommandQueue(filepath.Join(t.TempDir(), "nope", "queue.json"), time.Millisecond, nil, logger.Default())
	assert.Equal(t, 0, q.Len())
}

func TestDebouncedPersist(t *testing.T) {
	q, path := newTestQueue(t)

	q.Enqueue(agentItem("alice", "one"))
	assert.Eventually(t, func() bool {
		reloaded := NewCommandQueue(path, time.Millisecond, nil, logger.Default())
		return reloaded.Len() == 1
	}, time.Second, 20*time.Millisecond, "debounced write should land without an explicit flush")
}
