package wsched

import (
	"sync"

	"github.com/cockroachdb/errors"
)

// SubScheduler is the common admission/dequeue surface GroupScheduler and
// ScanScheduler both provide; BlendScheduler only talks to this interface
// so it never needs to know which concrete kind it's holding.
type SubScheduler interface {
	Name() string
	Priority() int
	MinReserved() int
	Ready() bool
	Empty() bool
	GetCmd(advance bool) *Runnable
	CommandFinish(r *Runnable)
	GetInFlight() int
	GetSize() int
}

// Name/Priority/MinReserved for GroupScheduler, matching the SubScheduler
// interface. The group (interactive) scheduler is always the
// highest-priority sub-scheduler (spec §4.6: "the default ordering is
// group < fast < medium < slow, group highest priority").
func (g *GroupScheduler) Name() string     { return g.name }
func (g *GroupScheduler) Priority() int    { return 0 }
func (g *GroupScheduler) MinReserved() int { return g.minRating }

// BlendScheduler schedules Tasks from a fixed set of sub-schedulers onto
// a fixed-size thread pool (spec §4.6). It only hands a task out from
// sub-scheduler S when doing so still leaves the pool with at least
// sum(minReserved over every OTHER sub-scheduler) threads free, so every
// queue can always eventually make progress; among schedulers satisfying
// that gate, the one with the smallest Priority() value is served first.
// Mirrors BlendScheduler.
type BlendScheduler struct {
	poolSize int

	mu    sync.Mutex
	subs  []SubScheduler
	total int // tasks currently admitted across all sub-schedulers

	byQuery  map[int64][]SubScheduler // which sub-schedulers currently hold queued/running tasks for a query
	redirect map[int64]string         // queryID -> sub-scheduler name tasks should be queued to instead

	metrics *Metrics
}

// NewBlendScheduler constructs a BlendScheduler over poolSize worker
// threads and the given sub-schedulers (already ordered, or not --
// GetCmd always consults them in ascending Priority() order).
func NewBlendScheduler(poolSize int, subs ...SubScheduler) *BlendScheduler {
	return &BlendScheduler{
		poolSize: poolSize,
		subs:     subs,
		byQuery:  make(map[int64][]SubScheduler),
		redirect: make(map[int64]string),
	}
}

func (b *BlendScheduler) subByName(name string) SubScheduler {
	for _, s := range b.subs {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

// QueueTask routes r to the sub-scheduler named target, or (if the
// query previously had moveUserQuery/boot-policy redirect it elsewhere)
// to the redirect target instead.
func (b *BlendScheduler) QueueTask(target string, r *Runnable) error {
	b.mu.Lock()
	qid := r.Task.QueryID
	if redirected, ok := b.redirect[qid]; ok {
		target = redirected
	}
	b.mu.Unlock()

	sub := b.subByName(target)
	if sub == nil {
		return errors.Newf("wsched: no sub-scheduler named %q", target)
	}
	switch s := sub.(type) {
	case *GroupScheduler:
		s.QueueTask(r)
	case *ScanScheduler:
		s.QueueTask(r)
	default:
		return errors.Newf("wsched: sub-scheduler %q has unsupported type", target)
	}

	b.mu.Lock()
	b.byQuery[qid] = appendUnique(b.byQuery[qid], sub)
	b.mu.Unlock()
	return nil
}

func appendUnique(subs []SubScheduler, s SubScheduler) []SubScheduler {
	for _, existing := range subs {
		if existing == s {
			return subs
		}
	}
	return append(subs, s)
}

// minReservedExcept sums MinReserved() over every sub-scheduler other
// than skip.
func (b *BlendScheduler) minReservedExcept(skip SubScheduler) int {
	n := 0
	for _, s := range b.subs {
		if s != skip {
			n += s.MinReserved()
		}
	}
	return n
}

// GetCmd consults sub-schedulers in ascending Priority() order and
// returns the first task that both (a) its sub-scheduler is Ready() to
// hand out and (b) handing it out still leaves poolSize-1-total threads
// free, i.e. at least minReservedExcept(that sub-scheduler) (spec §4.6,
// §8: "no scheduler may hold a task if giving it out would leave
// free_threads < sum(minReserved of others)"). Returns nil if nothing is
// currently eligible.
func (b *BlendScheduler) GetCmd() *Runnable {
	r, _ := b.GetCmdOrigin()
	return r
}

// GetCmdOrigin behaves like GetCmd but also returns the sub-scheduler
// that yielded the returned Runnable, so a caller that doesn't otherwise
// track which queue a task came from (e.g. pkg/foreman's worker pool)
// can still report CommandFinish against the right one.
func (b *BlendScheduler) GetCmdOrigin() (*Runnable, SubScheduler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ordered := orderedByPriority(b.subs)
	for _, s := range ordered {
		if !s.Ready() {
			continue
		}
		freeAfter := b.poolSize - (b.total + 1)
		if freeAfter < b.minReservedExcept(s) {
			continue
		}
		r := s.GetCmd(true)
		if r == nil {
			continue
		}
		b.total++
		b.recordAdmit()
		return r, s
	}
	return nil, nil
}

func orderedByPriority(subs []SubScheduler) []SubScheduler {
	out := append([]SubScheduler(nil), subs...)
	for i := 1; i < len(out); i++ {
		j := i
		for j > 0 && out[j-1].Priority() > out[j].Priority() {
			out[j-1], out[j] = out[j], out[j-1]
			j--
		}
	}
	return out
}

// CommandFinish records that a task handed out by GetCmd has completed,
// freeing its sub-scheduler's slot and the pool-wide admission count.
func (b *BlendScheduler) CommandFinish(origin SubScheduler, r *Runnable) {
	origin.CommandFinish(r)
	b.mu.Lock()
	if b.total > 0 {
		b.total--
	}
	b.recordFinish()
	b.mu.Unlock()
}

// Total reports the number of tasks currently admitted pool-wide.
func (b *BlendScheduler) Total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// MoveUserQuery relocates every still-queued task of queryID from the
// sub-scheduler named from to the one named to, and remembers the
// redirect so future QueueTask calls for this query land on to as well
// (spec §4.6: "a query may also be moved explicitly by admin request via
// moveUserQuery(qid, from, to)"; also the landing point of boot-policy
// demotion).
func (b *BlendScheduler) MoveUserQuery(queryID int64, from, to string) error {
	fromSub := b.subByName(from)
	toSub := b.subByName(to)
	if fromSub == nil || toSub == nil {
		return errors.Newf("wsched: moveUserQuery: unknown sub-scheduler %q or %q", from, to)
	}
	fromScan, ok := fromSub.(*ScanScheduler)
	if !ok {
		return errors.Newf("wsched: moveUserQuery: %q is not a scan scheduler", from)
	}
	toScan, ok := toSub.(*ScanScheduler)
	if !ok {
		return errors.Newf("wsched: moveUserQuery: %q is not a scan scheduler", to)
	}

	moved := fromScan.RemoveQuery(queryID)
	for _, r := range moved {
		toScan.QueueTask(r)
	}

	b.mu.Lock()
	b.redirect[queryID] = to
	b.byQuery[queryID] = appendUnique(b.byQuery[queryID], toSub)
	b.mu.Unlock()
	return nil
}

// Squash marks every still-queued task of queryID cancelled, across
// every sub-scheduler it has touched (spec §4.6: "squash marks every
// task of a query cancelled ... idempotent"). Running tasks observe the
// flag cooperatively in the task runner (pkg/wdb); Squash itself never
// waits for them.
func (b *BlendScheduler) Squash(queryID int64) {
	b.mu.Lock()
	subs := append([]SubScheduler(nil), b.byQuery[queryID]...)
	b.mu.Unlock()

	for _, s := range subs {
		switch sub := s.(type) {
		case *ScanScheduler:
			sub.CancelQuery(queryID)
		case *GroupScheduler:
			sub.CancelQuery(queryID)
		}
	}
}

// cancelQuery support for GroupScheduler: group-queued tasks are a flat
// FIFO of Runnables per chunk group, so cancellation just walks every
// group's remaining tasks.
func (g *GroupScheduler) CancelQuery(queryID int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for e := g.order.Front(); e != nil; e = e.Next() {
		grp := e.Value.(*group)
		for _, r := range grp.tasks {
			if r.Task.QueryID == queryID {
				r.Task.Cancel()
			}
		}
	}
}
