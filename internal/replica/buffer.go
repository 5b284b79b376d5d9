package replica

import (
	"sort"
	"time"
)

type pendingRecord struct {
	delta     Delta
	arrivedAt time.Time
}

// PendingQueue holds received deltas until the next drain. Records keep
// their arrival order until Sort is called; equal indices stay in arrival
// order after sorting.
type PendingQueue struct {
	records []pendingRecord
}

func NewPendingQueue() *PendingQueue {
	return &PendingQueue{}
}

func (q *PendingQueue) Push(d Delta, arrivedAt time.Time) {
	q.records = append(q.records, pendingRecord{delta: d, arrivedAt: arrivedAt})
}

func (q *PendingQueue) Len() int {
	return len(q.records)
}

func (q *PendingQueue) Clear() {
	q.records = nil
}

// Sort orders the queue by index ascending.
func (q *PendingQueue) Sort() {
	sort.SliceStable(q.records, func(i, j int) bool {
		return q.records[i].delta.Index < q.records[j].delta.Index
	})
}

// Partition splits the queue into records below lastApplied and the rest,
// preserving queue order within each side. The queue itself is unchanged.
func (q *PendingQueue) Partition(lastApplied uint64) (stale, eligible []Delta) {
	for _, rec := range q.records {
		if rec.delta.Index < lastApplied {
			stale = append(stale, rec.delta)
			continue
		}
		eligible = append(eligible, rec.delta)
	}
	return stale, eligible
}

// OldestArrival reports the earliest arrival time among queued records.
func (q *PendingQueue) OldestArrival() (time.Time, bool) {
	if len(q.records) == 0 {
		return time.Time{}, false
	}
	oldest := q.records[0].arrivedAt
	for _, rec := range q.records[1:] {
		if rec.arrivedAt.Before(oldest) {
			oldest = rec.arrivedAt
		}
	}
	return oldest, true
}

// Indices returns the queued indices in queue order.
func (q *PendingQueue) Indices() []uint64 {
	out := make([]uint64, 0, len(q.records))
	for _, rec := range q.records {
		out = append(out, rec.delta.Index)
	}
	return out
}
