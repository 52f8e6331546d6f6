// Package foreman wires the blend scheduler, the subchunk manager, and
// the task runner into the pool-of-workers loop that actually executes
// queued tasks, mirroring original_source/core/modules/wcontrol/Foreman.cc:
// newly arrived tasks are pushed onto the scheduler (processTask), and a
// fixed pool of goroutines repeatedly pulls the scheduler's next command
// and runs it (the thread-pool half of util::ThreadPool::newThreadPool).
package foreman

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lsst/qserv-sub010/pkg/base"
	"github.com/lsst/qserv-sub010/pkg/wbase"
	"github.com/lsst/qserv-sub010/pkg/wdb"
	"github.com/lsst/qserv-sub010/pkg/wlog"
	"github.com/lsst/qserv-sub010/pkg/wsched"
)

// ConnFactory builds a fresh wdb.QueryConn for one task's Runner. In
// production this dials a MySQL connection from a pool; tests can supply
// a fake.
type ConnFactory func(ctx context.Context) (wdb.QueryConn, error)

// Foreman owns the pool of worker goroutines draining the blend
// scheduler and the subchunk manager/connection factory they execute
// tasks against. It does not itself parse SQL or manage chunk
// partitioning (spec §1's Non-goal): it only wires already-built
// collaborators together.
type Foreman struct {
	scheduler *wsched.BlendScheduler
	mgr       *wdb.Manager
	connFac   ConnFactory
	log       wlog.AmbientContext

	channels *taskChannels
	wake     chan struct{}

	poolSize int
	wg       sync.WaitGroup
	stop     chan struct{}

	boot          *wsched.QueriesAndChunks
	demote        func(band string) (to string, ok bool)
	sweepInterval time.Duration

	connMgr *wdb.SqlConnMgr
	exec    Executive
	tmgr    *wbase.TransmitMgr
}

// Executive receives per-job completion notifications, mirroring
// wdb::QueryRunner's `_task->getSendChannel()->getExecutive()->
// markCompleted` hand-off (spec §4.5 step 8). The czar-side executive is
// outside this core; tests and cmd/worker supply small local
// implementations.
type Executive interface {
	MarkCompleted(jobID int64, success bool)
}

// SetBootPolicy wires the boot (demotion) sweep into the foreman (spec
// §4.6: "an examineAll periodic sweep marks tasks that have exceeded
// their baseline by a configurable factor as booted"). Every dispatched
// task is recorded with boot.Started/Completed around its Run call, and
// a background sweep goroutine periodically calls boot.ExamineAll and
// moves any booted query's queued tasks via demote(band), which returns
// the slower sub-scheduler's name to move to (typically FAST -> SLOW) or
// ok=false if band has no slower sibling (e.g. the group scheduler).
func (f *Foreman) SetBootPolicy(boot *wsched.QueriesAndChunks, demote func(band string) (string, bool), sweepInterval time.Duration) {
	f.boot = boot
	f.demote = demote
	f.sweepInterval = sweepInterval
}

// SetConnMgr installs the database-connection admission gate applied
// before a task's connection is dialed (spec §4.5 step 2). Without one,
// tasks dial unconditionally.
func (f *Foreman) SetConnMgr(m *wdb.SqlConnMgr) { f.connMgr = m }

// SetExecutive installs the completion sink notified after every task
// run (spec §4.5 step 8).
func (f *Foreman) SetExecutive(e Executive) { f.exec = e }

// SetTransmitMgr installs the worker-global transmit admission gate,
// attached to every task's shared channel before it streams (spec §4.4).
func (f *Foreman) SetTransmitMgr(m *wbase.TransmitMgr) { f.tmgr = m }

// New constructs a Foreman with poolSize worker goroutines, matching
// Foreman::Foreman's `util::ThreadPool::newThreadPool(poolSize, _scheduler)`.
func New(scheduler *wsched.BlendScheduler, mgr *wdb.Manager, connFac ConnFactory, poolSize int) *Foreman {
	f := &Foreman{
		scheduler: scheduler,
		mgr:       mgr,
		connFac:   connFac,
		poolSize:  poolSize,
		channels:  newTaskChannels(),
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
	f.log.AddLogTag("foreman", nil)
	return f
}

// ProcessTask registers channel as task's result sink and enqueues task
// onto target (one of the blend scheduler's named sub-schedulers),
// mirroring Foreman::processTask's `_scheduler->queCmd(task)` after
// validating the wire protocol (spec §4.5: "protocol version < 2 is
// rejected with UnsupportedProtocol before any query runs").
func (f *Foreman) ProcessTask(target string, task *base.Task, channel wbase.Channel) error {
	if task.Protocol < wdb.MinSupportedProtocol {
		if !task.Cancelled() {
			channel.SendError("Unsupported wire protocol", 1)
		}
		return errors.Newf("foreman: task %d: unsupported protocol %d", task.QueryID, task.Protocol)
	}
	f.channels.set(task, channel)
	if err := f.scheduler.QueueTask(target, &wsched.Runnable{Task: task, ChunkID: task.ChunkID}); err != nil {
		f.channels.take(task)
		return err
	}
	f.notify()
	return nil
}

func (f *Foreman) notify() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// taskChannels resolves the wbase.Channel wrapping a task, handed in by
// the caller at ProcessTask time and recovered here via a per-task
// registry, since the scheduler only carries *base.Task/chunk pairs.
type taskChannels struct {
	mu sync.Mutex
	m  map[*base.Task]wbase.Channel
}

func newTaskChannels() *taskChannels { return &taskChannels{m: make(map[*base.Task]wbase.Channel)} }

func (t *taskChannels) set(task *base.Task, ch wbase.Channel) {
	t.mu.Lock()
	t.m[task] = ch
	t.mu.Unlock()
}

func (t *taskChannels) take(task *base.Task) wbase.Channel {
	t.mu.Lock()
	ch := t.m[task]
	delete(t.m, task)
	t.mu.Unlock()
	return ch
}

// Start launches poolSize worker goroutines, each looping: pull the next
// runnable command from the scheduler, build a Runner for it, run it to
// completion, and report it finished back to the scheduler. Stop()
// signals them to exit once the current command (if any) completes.
func (f *Foreman) Start(ctx context.Context) {
	for i := 0; i < f.poolSize; i++ {
		f.wg.Add(1)
		go f.worker(ctx)
	}
	if f.boot != nil {
		f.wg.Add(1)
		go f.bootSweep(ctx)
	}
}

// bootSweep periodically runs the boot policy's ExamineAll and, for
// every query it judges booted, moves that query's queued tasks to the
// slower sibling scheduler named by demote (spec §4.6, §8 scenario 5).
func (f *Foreman) bootSweep(ctx context.Context) {
	defer f.wg.Done()
	interval := f.sweepInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-f.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, b := range f.boot.ExamineAll() {
			to, ok := f.demote(b.Band)
			if !ok {
				continue
			}
			if err := f.scheduler.MoveUserQuery(b.QueryID, b.Band, to); err != nil {
				wlog.Warningf(f.log.AnnotateCtx(ctx), "foreman: boot sweep: move query %d from %s to %s: %v", b.QueryID, b.Band, to, err)
			}
		}
	}
}

// worker drains the scheduler until told to stop. Between commands it
// blocks on wake (signaled by ProcessTask/CommandFinish) rather than
// spinning, waking at least once a tick to cover redirects/boot-policy
// moves that land work without going through ProcessTask.
func (f *Foreman) worker(ctx context.Context) {
	defer f.wg.Done()
	const idlePoll = 50 * time.Millisecond
	timer := time.NewTimer(idlePoll)
	defer timer.Stop()
	for {
		select {
		case <-f.stop:
			return
		case <-ctx.Done():
			return
		case <-f.wake:
		case <-timer.C:
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		for {
			r, origin := f.scheduler.GetCmdOrigin()
			if r == nil {
				break
			}
			f.runOne(ctx, r, origin)
		}
		timer.Reset(idlePoll)
	}
}

func (f *Foreman) runOne(ctx context.Context, r *wsched.Runnable, origin wsched.SubScheduler) {
	ctx = f.log.AnnotateCtx(ctx)
	ch := f.channels.take(r.Task)
	if ch == nil {
		ch = wbase.NewNopChannel()
	}
	if f.connMgr != nil {
		lock, err := f.connMgr.Acquire(ctx, wdb.TreatAsInteractive(r.Task, 1))
		if err != nil {
			wlog.Errorf(ctx, "foreman: connection admission: %v", err)
			ch.SendError(err.Error(), 1)
			f.finishOne(r, origin, false)
			return
		}
		defer lock.Release()
	}
	conn, err := f.connFac(ctx)
	if err != nil {
		wlog.Errorf(ctx, "foreman: connection factory: %v", err)
		ch.SendError(err.Error(), 1)
		f.finishOne(r, origin, false)
		return
	}
	defer conn.Close()

	shared := wbase.NewSendChannelShared(ch, 1)
	if f.tmgr != nil {
		shared.SetTransmitMgr(f.tmgr, r.Task.CzarID, r.Task.Interactive)
	}
	runner := wdb.NewRunner(r.Task, f.mgr, conn, shared)
	if f.boot != nil {
		f.boot.Started(r.Task, r.ChunkID, origin.Name())
	}
	err = runner.Run(ctx)
	if err == nil && !ch.IsDead() {
		// Run returns once its final message is queued; wait for the
		// transmit loop to deliver it before reporting completion.
		if terr := <-shared.Done(); terr != nil {
			err = terr
		}
	}
	if err != nil {
		wlog.Errorf(ctx, "foreman: task %d: %v", r.Task.QueryID, err)
	}
	if f.boot != nil {
		f.boot.Completed(r.Task)
	}
	f.finishOne(r, origin, err == nil)
}

// finishOne reports a task's terminal outcome: the scheduler gets its
// thread back, the executive (if any) learns whether the job succeeded,
// and an idle worker is woken in case the finish unblocked a queue.
func (f *Foreman) finishOne(r *wsched.Runnable, origin wsched.SubScheduler, success bool) {
	if f.exec != nil {
		f.exec.MarkCompleted(r.Task.JobID, success)
	}
	f.scheduler.CommandFinish(origin, r)
	f.notify()
}

// Stop signals every worker goroutine to exit once idle, then waits for
// them to drain (mirroring ~Foreman's `_pool->endAll()`).
func (f *Foreman) Stop() {
	close(f.stop)
	f.wg.Wait()
}
