package wsched

import (
	"container/list"
	"sync"

	"github.com/lsst/qserv-sub010/pkg/base"
)

// chunkHeap is one chunk's queued tasks, ordered by SlowTableHeap so the
// slowest-table task in the chunk always runs first.
type chunkHeap struct {
	chunkID int32
	heap    *SlowTableHeap
}

// ScanScheduler is one scan-slowness band's scheduler (spec §4.6, C6):
// a chunk-ordered "active" deque plus a "pending" deque (ChunkTasksQueue).
// Tasks for the chunk currently at the front of active run slowest-table
// first; once that chunk is exhausted the scheduler advances to the next
// chunk. Arrivals for a chunk not yet reached join active (in chunk-ID
// order); arrivals for a chunk already passed join pending, which is
// swapped in wholesale once active empties (wrap-around). Mirrors
// ScanScheduler/ChunkTasksQueue.
type ScanScheduler struct {
	name        string
	maxThreads  int
	minReserved int
	priority    int

	mu             sync.Mutex
	active         *list.List // of *chunkHeap, ordered ascending by chunkID
	pending        *list.List // of *chunkHeap, ordered ascending by chunkID
	activeByChunk  map[int32]*list.Element
	pendingByChunk map[int32]*list.Element
	inFlight       int
}

// NewScanScheduler constructs a ScanScheduler for one slowness band.
// priority orders this scheduler relative to its siblings within a
// BlendScheduler (lower value wins ties, matching the default ordering
// group(0) < fast(1) < medium(2) < slow(3)).
func NewScanScheduler(name string, maxThreads, minReserved, priority int) *ScanScheduler {
	return &ScanScheduler{
		name:           name,
		maxThreads:     maxThreads,
		minReserved:    minReserved,
		priority:       priority,
		active:         list.New(),
		pending:        list.New(),
		activeByChunk:  make(map[int32]*list.Element),
		pendingByChunk: make(map[int32]*list.Element),
	}
}

func (s *ScanScheduler) Name() string      { return s.name }
func (s *ScanScheduler) Priority() int     { return s.priority }
func (s *ScanScheduler) MinReserved() int  { return s.minReserved }
func (s *ScanScheduler) MaxThreads() int   { return s.maxThreads }

// insertSorted inserts ch into dq (ordered ascending by chunkID) and
// returns the element it was stored at.
func insertSorted(dq *list.List, ch *chunkHeap) *list.Element {
	for e := dq.Front(); e != nil; e = e.Next() {
		if e.Value.(*chunkHeap).chunkID > ch.chunkID {
			return dq.InsertBefore(ch, e)
		}
	}
	return dq.PushBack(ch)
}

// QueueTask enqueues r. If active is empty (nothing in flight yet) or
// r's chunk is at/after the current front of active (not yet reached),
// it joins active; otherwise the chunk has already been passed this
// sweep and r joins pending, to be served after wrap-around (spec §4.6,
// §5: "arrivals for not-yet-reached chunks go to active, arrivals for
// already-passed chunks go to pending").
func (s *ScanScheduler) QueueTask(r *Runnable) {
	s.mu.Lock()
	defer s.mu.Unlock()

	front := s.active.Front()
	toPending := false
	if front != nil {
		current := front.Value.(*chunkHeap).chunkID
		if r.ChunkID < current {
			toPending = true
		}
	}

	if toPending {
		s.insertInto(s.pending, s.pendingByChunk, r)
		return
	}
	s.insertInto(s.active, s.activeByChunk, r)
}

func (s *ScanScheduler) insertInto(dq *list.List, byChunk map[int32]*list.Element, r *Runnable) {
	if elem, ok := byChunk[r.ChunkID]; ok {
		elem.Value.(*chunkHeap).heap.Push(r.Task)
		return
	}
	ch := &chunkHeap{chunkID: r.ChunkID, heap: NewSlowTableHeap()}
	ch.heap.Push(r.Task)
	byChunk[r.ChunkID] = insertSorted(dq, ch)
}

// wrapIfNeeded swaps pending into active when active has emptied out,
// matching ChunkTasksQueue's wrap-around: the whole pending deque
// becomes the new active deque, in ascending chunk order, and pending
// starts fresh.
func (s *ScanScheduler) wrapIfNeeded() {
	if s.active.Len() > 0 || s.pending.Len() == 0 {
		return
	}
	s.active, s.pending = s.pending, s.active
	s.activeByChunk, s.pendingByChunk = s.pendingByChunk, s.activeByChunk
	s.pending.Init()
	for k := range s.pendingByChunk {
		delete(s.pendingByChunk, k)
	}
}

// Empty reports whether no tasks remain queued in either deque.
func (s *ScanScheduler) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active.Len() == 0 && s.pending.Len() == 0
}

// Ready reports whether a task can be handed out right now.
func (s *ScanScheduler) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wrapIfNeeded()
	return s.active.Len() > 0 && (s.maxThreads <= 0 || s.inFlight < s.maxThreads)
}

// GetCmd pops and returns the highest-priority task of the current
// (front) active chunk, advancing to the next chunk (and wrapping from
// pending if necessary) once that chunk's heap empties. advance is
// accepted for signature parity with BlendScheduler's admission gate.
func (s *ScanScheduler) GetCmd(advance bool) *Runnable {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wrapIfNeeded()
	if s.active.Len() == 0 {
		return nil
	}
	if s.maxThreads > 0 && s.inFlight >= s.maxThreads {
		return nil
	}
	front := s.active.Front()
	ch := front.Value.(*chunkHeap)
	task := ch.heap.Pop()
	if ch.heap.Empty() {
		s.active.Remove(front)
		delete(s.activeByChunk, ch.chunkID)
	}
	s.inFlight++
	return &Runnable{Task: task, ChunkID: ch.chunkID}
}

// CommandFinish records that a previously handed-out task has completed.
func (s *ScanScheduler) CommandFinish(r *Runnable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight > 0 {
		s.inFlight--
	}
}

// GetSize reports the total number of tasks still queued across both
// deques.
func (s *ScanScheduler) GetSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for e := s.active.Front(); e != nil; e = e.Next() {
		n += e.Value.(*chunkHeap).heap.Size()
	}
	for e := s.pending.Front(); e != nil; e = e.Next() {
		n += e.Value.(*chunkHeap).heap.Size()
	}
	return n
}

// GetInFlight reports the number of tasks currently admitted.
func (s *ScanScheduler) GetInFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// RemoveQuery drains every still-queued (not yet dispatched) task
// belonging to queryID out of both deques and returns them, for
// moveUserQuery/boot-policy demotion (spec §4.6: "a query may be moved
// explicitly ... its host query is moved to a slower scheduler").
// Running tasks are unaffected; only queued ones can be relocated.
func (s *ScanScheduler) RemoveQuery(queryID int64) []*Runnable {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Runnable
	for _, dq := range []*list.List{s.active, s.pending} {
		var next *list.Element
		for e := dq.Front(); e != nil; e = next {
			next = e.Next()
			ch := e.Value.(*chunkHeap)
			kept := NewSlowTableHeap()
			for !ch.heap.Empty() {
				t := ch.heap.Pop()
				if t.QueryID == queryID {
					out = append(out, &Runnable{Task: t, ChunkID: ch.chunkID})
				} else {
					kept.Push(t)
				}
			}
			ch.heap = kept
			if ch.heap.Empty() {
				dq.Remove(e)
				if dq == s.active {
					delete(s.activeByChunk, ch.chunkID)
				} else {
					delete(s.pendingByChunk, ch.chunkID)
				}
			}
		}
	}
	return out
}

// CancelQuery marks every still-queued task belonging to queryID
// cancelled, without removing it from the deque; the task runner (pkg/wdb)
// observes Task.Cancelled() cooperatively (spec §4.6 squash, §5).
func (s *ScanScheduler) CancelQuery(queryID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dq := range []*list.List{s.active, s.pending} {
		for e := dq.Front(); e != nil; e = e.Next() {
			ch := e.Value.(*chunkHeap)
			ch.heap.each(func(t *base.Task) {
				if t.QueryID == queryID {
					t.Cancel()
				}
			})
		}
	}
}
