// Package wsched implements the blend scheduler (spec §4.6, C6): a group
// (interactive) scheduler plus one scan scheduler per scan-slowness band,
// composed behind thread-reservation admission control and a priority
// order of group < fast < medium < slow. Grounded on
// original_source/src/wsched/{GroupScheduler,ScanScheduler,BlendScheduler,
// ChunkTasksQueue}.cc and their shapes exercised by testSchedulers.cc.
package wsched

import (
	"container/list"
	"sync"

	"github.com/lsst/qserv-sub010/pkg/base"
)

// Runnable is the unit the schedulers queue and release: a task plus the
// chunk it's grouped by. Task execution itself (pkg/wdb) is out of scope
// here; the scheduler only orders and admits.
type Runnable struct {
	Task    *base.Task
	ChunkID int32
}

// group holds the FIFO of tasks queued for one chunk, capped at
// maxPerGroup entries: the (maxPerGroup+1)th task for a chunk starts a
// new group appended at the back of the chunk order, exactly like the
// source's "this should get its own group" behavior once a chunk's
// current group fills up.
type group struct {
	chunkID int32
	tasks   []*Runnable
	// added counts every task ever queued to this group, independent of
	// how many have since been popped: the cap gates admission into the
	// group ("max entries added to a single group"), not its current
	// remaining depth, so a group that's partly drained still refuses
	// new arrivals once it has received maxPerGroup tasks.
	added int
}

// GroupScheduler is the interactive-query scheduler (spec §4.6):
// round-robins across chunks in first-arrival order, draining each
// chunk's current group (up to maxPerGroup tasks) before moving to the
// next chunk group in queue order. Mirrors GroupScheduler.
type GroupScheduler struct {
	name        string
	maxThreads  int
	minRating   int
	maxPerGroup int

	mu       sync.Mutex
	order    *list.List // of *group, FIFO across chunk groups
	byChunk  map[int32]*list.Element // last (newest) group for this chunk
	inFlight int
}

// NewGroupScheduler constructs a GroupScheduler. maxThreads bounds
// concurrently-admitted tasks (0 means unbounded); maxPerGroup bounds how
// many tasks accumulate in one chunk's group before a new group for that
// chunk is started.
func NewGroupScheduler(name string, maxThreads, minRating, maxPerGroup int) *GroupScheduler {
	return &GroupScheduler{
		name:        name,
		maxThreads:  maxThreads,
		minRating:   minRating,
		maxPerGroup: maxPerGroup,
		order:       list.New(),
		byChunk:     make(map[int32]*list.Element),
	}
}

// QueueTask enqueues r, joining the chunk's current group if it has room
// or starting a fresh group (appended to the back of the overall order)
// otherwise.
func (g *GroupScheduler) QueueTask(r *Runnable) {
	g.mu.Lock()
	defer g.mu.Unlock()

	elem, ok := g.byChunk[r.ChunkID]
	if ok {
		grp := elem.Value.(*group)
		if g.maxPerGroup <= 0 || grp.added < g.maxPerGroup {
			grp.tasks = append(grp.tasks, r)
			grp.added++
			return
		}
	}
	grp := &group{chunkID: r.ChunkID, tasks: []*Runnable{r}, added: 1}
	newElem := g.order.PushBack(grp)
	g.byChunk[r.ChunkID] = newElem
}

// Empty reports whether no tasks remain queued (not counting in-flight
// tasks already handed out via GetCmd).
func (g *GroupScheduler) Empty() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.order.Len() == 0
}

// Ready reports whether a task can be handed out right now: something is
// queued and the thread cap (if any) isn't exhausted.
func (g *GroupScheduler) Ready() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.order.Len() > 0 && (g.maxThreads <= 0 || g.inFlight < g.maxThreads)
}

// GetCmd pops and returns the next runnable task, or nil if none is
// available. advance is accepted for signature parity with the source's
// getCmd(bool) (which uses it to interact with BlendScheduler's thread
// reservations); GroupScheduler used standalone always admits. Once a
// group is fully drained it's removed from the chunk order and, if it is
// still the chunk's newest group, from byChunk too, so the chunk's next
// arrival starts a fresh group (a drained group is simply gone, not
// "reset").
func (g *GroupScheduler) GetCmd(advance bool) *Runnable {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.order.Len() == 0 {
		return nil
	}
	if g.maxThreads > 0 && g.inFlight >= g.maxThreads {
		return nil
	}
	front := g.order.Front()
	grp := front.Value.(*group)
	r := grp.tasks[0]
	grp.tasks = grp.tasks[1:]
	if len(grp.tasks) == 0 {
		g.order.Remove(front)
		if existing, ok := g.byChunk[grp.chunkID]; ok && existing == front {
			delete(g.byChunk, grp.chunkID)
		}
	}
	g.inFlight++
	return r
}

// CommandFinish records that a previously handed-out task has completed,
// freeing one thread slot.
func (g *GroupScheduler) CommandFinish(r *Runnable) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inFlight > 0 {
		g.inFlight--
	}
}

// GetSize reports the total number of tasks still queued (across all
// chunk groups), for diagnostics and tests.
func (g *GroupScheduler) GetSize() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for e := g.order.Front(); e != nil; e = e.Next() {
		n += len(e.Value.(*group).tasks)
	}
	return n
}

// GetInFlight reports the number of tasks currently admitted (handed out
// via GetCmd but not yet CommandFinish'd).
func (g *GroupScheduler) GetInFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight
}
