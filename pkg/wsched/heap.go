package wsched

import (
	"container/heap"

	"github.com/lsst/qserv-sub010/pkg/base"
)

// slowestTable returns the name of one of the task's referenced tables
// achieving its overall (slowest) scan rating, breaking ties by picking
// the lexicographically greatest name -- matching the ordering
// SlowTableHeapTest exercises (within one rating band, "delta" outranks
// "charlie").
func slowestTable(t *base.Task) (base.ScanRating, string) {
	rating := base.SlowestRating(t.Tables)
	name := ""
	for _, st := range t.Tables {
		if st.Rating == rating && st.Table.Table > name {
			name = st.Table.Table
		}
	}
	return rating, name
}

// heapItem is one entry in a SlowTableHeap.
type heapItem struct {
	task   *base.Task
	rating base.ScanRating
	name   string
}

// slowTableHeapImpl is the container/heap.Interface implementation
// backing SlowTableHeap: ordered by rating descending, then table name
// descending, so the slowest (and, within a rating, alphabetically
// later-sorting) table is always at the top. Grounded on
// ChunkTasks::SlowTableHeap / ScanInfo::compareTables.
type slowTableHeapImpl []*heapItem

func (h slowTableHeapImpl) Len() int { return len(h) }
func (h slowTableHeapImpl) Less(i, j int) bool {
	if h[i].rating != h[j].rating {
		return h[i].rating > h[j].rating
	}
	return h[i].name > h[j].name
}
func (h slowTableHeapImpl) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *slowTableHeapImpl) Push(x interface{}) {
	*h = append(*h, x.(*heapItem))
}
func (h *slowTableHeapImpl) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// SlowTableHeap orders queued tasks within one chunk so the task
// referencing the slowest table always runs first (spec §4.6: "within a
// chunk, order by scan rating of the slowest table referenced,
// descending").
type SlowTableHeap struct {
	h slowTableHeapImpl
}

func NewSlowTableHeap() *SlowTableHeap { return &SlowTableHeap{} }

func (s *SlowTableHeap) Empty() bool { return s.h.Len() == 0 }
func (s *SlowTableHeap) Size() int   { return s.h.Len() }

func (s *SlowTableHeap) Push(t *base.Task) {
	rating, name := slowestTable(t)
	heap.Push(&s.h, &heapItem{task: t, rating: rating, name: name})
}

// Top returns (without removing) the highest-priority task, or nil if
// empty.
func (s *SlowTableHeap) Top() *base.Task {
	if s.h.Len() == 0 {
		return nil
	}
	return s.h[0].task
}

// Pop removes and returns the highest-priority task, or nil if empty.
func (s *SlowTableHeap) Pop() *base.Task {
	if s.h.Len() == 0 {
		return nil
	}
	item := heap.Pop(&s.h).(*heapItem)
	return item.task
}

// each calls f for every task currently held, in no particular order.
func (s *SlowTableHeap) each(f func(*base.Task)) {
	for _, item := range s.h {
		f(item.task)
	}
}
