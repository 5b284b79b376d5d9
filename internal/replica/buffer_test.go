package replica

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPendingQueueSortIsStable(t *testing.T) {
	q := NewPendingQueue()
	base := time.Unix(100, 0)
	q.Push(Delta{Index: 3, Ops: []Operation{{Op: OpSet, Value: "3a"}}}, base)
	q.Push(Delta{Index: 1}, base.Add(time.Second))
	q.Push(Delta{Index: 3, Ops: []Operation{{Op: OpSet, Value: "3b"}}}, base.Add(2*time.Second))
	q.Push(Delta{Index: 2}, base.Add(3*time.Second))

	q.Sort()
	assert.Equal(t, []uint64{1, 2, 3, 3}, q.Indices())

	_, eligible := q.Partition(0)
	assert.Equal(t, "3a", eligible[2].Ops[0].Value)
	assert.Equal(t, "3b", eligible[3].Ops[0].Value)
}

func TestPendingQueuePartition(t *testing.T) {
	q := NewPendingQueue()
	now := time.Now()
	for _, idx := range []uint64{4, 5, 6, 7} {
		q.Push(Delta{Index: idx}, now)
	}

	stale, eligible := q.Partition(6)
	assert.Len(t, stale, 2)
	assert.Len(t, eligible, 2)
	assert.Equal(t, uint64(6), eligible[0].Index)
	assert.Equal(t, 4, q.Len())
}

func TestPendingQueueOldestArrival(t *testing.T) {
	q := NewPendingQueue()
	_, ok := q.OldestArrival()
	assert.False(t, ok)

	base := time.Unix(500, 0)
	q.Push(Delta{Index: 2}, base.Add(time.Second))
	q.Push(Delta{Index: 1}, base)
	oldest, ok := q.OldestArrival()
	assert.True(t, ok)
	assert.Equal(t, base, oldest)

	q.Clear()
	assert.Equal(t, 0, q.Len())
	assert.Empty(t, q.Indices())
}
