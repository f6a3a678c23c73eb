package scheduler

import (
	"time"

	"github.com/rezkam/tempo/internal/domain"
	"github.com/rezkam/tempo/internal/schedule"
)

// entry is the scheduling state of one registered task. An entry sits in
// the occurrence heap only while it has a known next occurrence; manual
// and exhausted schedules stay in the registry with index -1.
type entry struct {
	task  domain.Task
	sched schedule.Schedule
	next  time.Time
	index int
}

// occurrenceHeap orders entries by next occurrence time, earliest first.
// It implements container/heap.Interface; ties break on task id so the
// ordering is deterministic.
type occurrenceHeap []*entry

func (h occurrenceHeap) Len() int { return len(h) }

func (h occurrenceHeap) Less(i, j int) bool {
	if h[i].next.Equal(h[j].next) {
		return h[i].task.ID < h[j].task.ID
	}
	return h[i].next.Before(h[j].next)
}

func (h occurrenceHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *occurrenceHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *occurrenceHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
