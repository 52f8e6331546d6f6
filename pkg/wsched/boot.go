package wsched

import (
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/lsst/qserv-sub010/pkg/base"
)

// BootPolicy bounds the boot (demotion) sweep (spec §4.6): a running task
// whose elapsed time exceeds Multiplier times its chunk's established
// baseline is "booted" -- its host query is a candidate for migration to
// a slower scheduler -- up to MaxBooted booted tasks per query (a cap
// that "prevents runaway demotion").
type BootPolicy struct {
	// Multiplier is how many times the baseline a running task may take
	// before it's considered booted.
	Multiplier float64
	// MaxBooted caps how many times a single query may be booted before
	// examineAll stops demoting it further.
	MaxBooted int
}

// DefaultBootPolicy matches the values named in spec §4.6 ("a cap
// (default 5 booted tasks / 25 'dark' tasks)"); MaxDark (tasks examined
// without a baseline to compare against) is tracked by the caller, not
// this type, since it's a sweep-wide count rather than per-query.
func DefaultBootPolicy() BootPolicy {
	return BootPolicy{Multiplier: 100, MaxBooted: 5}
}

type runningTask struct {
	task    *base.Task
	chunkID int32
	band    string
	start   time.Time
}

type queryBootState struct {
	tasksBooted int
}

// QueriesAndChunks tracks, per chunk, the baseline runtime established by
// the first completed task to run there, and per query, how many times
// its running tasks have been judged "booted" against that baseline
// (spec §4.6). It does not itself move tasks between schedulers --
// ExamineAll reports which queries crossed the threshold and the caller
// (normally wired to BlendScheduler.MoveUserQuery) performs the move, so
// this type has no dependency on the scheduler it's advising.
type QueriesAndChunks struct {
	clock  clock.Clock
	policy BootPolicy

	mu       sync.Mutex
	baseline map[int32]time.Duration
	queries  map[int64]*queryBootState
	running  map[*base.Task]*runningTask
	darkSeen int
}

// NewQueriesAndChunks constructs a QueriesAndChunks using clk as its time
// source (tests can inject clock.NewMock() for determinism) and policy to
// govern the boot threshold and cap.
func NewQueriesAndChunks(clk clock.Clock, policy BootPolicy) *QueriesAndChunks {
	if clk == nil {
		clk = clock.New()
	}
	return &QueriesAndChunks{
		clock:    clk,
		policy:   policy,
		baseline: make(map[int32]time.Duration),
		queries:  make(map[int64]*queryBootState),
		running:  make(map[*base.Task]*runningTask),
	}
}

// Started records that task has begun executing on chunkID, dispatched
// via the sub-scheduler named band. Call once per task dispatch.
func (q *QueriesAndChunks) Started(task *base.Task, chunkID int32, band string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.running[task] = &runningTask{task: task, chunkID: chunkID, band: band, start: q.clock.Now()}
}

// Completed records that task has finished, and -- if chunkID has no
// baseline yet -- establishes one from this completion (spec §4.6: "based
// on the first N=1 completed baseline tasks").
func (q *QueriesAndChunks) Completed(task *base.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rt, ok := q.running[task]
	if !ok {
		return
	}
	delete(q.running, task)
	if _, has := q.baseline[rt.chunkID]; !has {
		q.baseline[rt.chunkID] = q.clock.Now().Sub(rt.start)
	}
}

// TasksBooted reports how many times queryID has been booted so far.
func (q *QueriesAndChunks) TasksBooted(queryID int64) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	qs, ok := q.queries[queryID]
	if !ok {
		return 0
	}
	return qs.tasksBooted
}

// BootedQuery is one (query, from-band) pair ExamineAll judged should be
// demoted.
type BootedQuery struct {
	QueryID int64
	Band    string
}

// ExamineAll is the periodic sweep (spec §4.6): for every task currently
// running whose chunk has an established baseline, if the task has run
// longer than Multiplier*baseline, its query is charged one boot. A
// query already at MaxBooted is left alone (its demotion has already
// happened and hammering it further wouldn't change anything). Returns
// the set of (query, band) pairs that crossed the threshold on this
// sweep, for the caller to act on (typically via
// BlendScheduler.MoveUserQuery(qid, band, slowerBand)).
func (q *QueriesAndChunks) ExamineAll() []BootedQuery {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	var booted []BootedQuery
	for _, rt := range q.running {
		baseline, ok := q.baseline[rt.chunkID]
		if !ok {
			q.darkSeen++
			continue
		}
		if baseline <= 0 {
			continue
		}
		elapsed := now.Sub(rt.start)
		threshold := time.Duration(float64(baseline) * q.policy.Multiplier)
		if elapsed <= threshold {
			continue
		}
		qs, ok := q.queries[rt.task.QueryID]
		if !ok {
			qs = &queryBootState{}
			q.queries[rt.task.QueryID] = qs
		}
		if qs.tasksBooted >= q.policy.MaxBooted {
			continue
		}
		qs.tasksBooted++
		booted = append(booted, BootedQuery{QueryID: rt.task.QueryID, Band: rt.band})
	}
	return booted
}

// DarkTasks reports the cumulative number of ExamineAll observations made
// of tasks whose chunk had no baseline yet to compare against (spec
// §4.6's "dark" count).
func (q *QueriesAndChunks) DarkTasks() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.darkSeen
}
