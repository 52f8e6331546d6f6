package wdb

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/lsst/qserv-sub010/pkg/base"
	"github.com/lsst/qserv-sub010/pkg/wlog"
	"github.com/lsst/qserv-sub010/pkg/workererr"
)

// chunkEntry tracks, for one (db, chunk), the set of materialized
// subchunk tables and their reference counts. Mirrors ChunkEntry's
// TableMap in the original (a map keyed by DbTable of subchunk-id ->
// refcount), kept behind the chunk's own mutex rather than the manager's
// global one so unrelated chunks never contend.
type chunkEntry struct {
	mu       sync.Mutex
	tables   map[base.DbTable]map[int32]int
	inFlight map[base.DbTable]map[int32]chan struct{}
}

func newChunkEntry() *chunkEntry {
	return &chunkEntry{
		tables:   make(map[base.DbTable]map[int32]int),
		inFlight: make(map[base.DbTable]map[int32]chan struct{}),
	}
}

// OwnershipChecker re-verifies that this process still holds the
// exclusive process-wide memory-database lock (spec §4.3: "every
// mutating operation must re-verify ownership before touching the
// backend"). *ProcessLock satisfies this interface; FakeBackend-backed
// tests simply never set one.
type OwnershipChecker interface {
	IsOwner(ctx context.Context) (bool, error)
}

// Manager is the subchunk resource manager (spec §4.3, C3): it
// materializes subchunk tables on first reference, keeps them alive while
// any task holds a Reservation, and discards them when the refcount drops
// to zero. Mirrors ChunkResourceMgr.
type Manager struct {
	backend Backend
	db      string
	owner   OwnershipChecker

	mu      sync.Mutex
	chunks  map[int32]*chunkEntry
	log     wlog.AmbientContext
}

// NewManager constructs a Manager that materializes tables in db via
// backend.
func NewManager(backend Backend, db string) *Manager {
	m := &Manager{
		backend: backend,
		db:      db,
		chunks:  make(map[int32]*chunkEntry),
	}
	m.log.AddLogTag("wdb", nil)
	return m
}

// SetOwnershipChecker installs the process-global lock re-verification
// hook; every Acquire/Release call will re-check it immediately before
// touching the backend and exit the process (spec §9: "model as a
// singleton ... no implicit acquisition anywhere else") if ownership was
// silently lost. Not required for FakeBackend-backed tests.
func (m *Manager) SetOwnershipChecker(owner OwnershipChecker) {
	m.owner = owner
}

// verifyOwnership re-checks the process-global memory lock, exiting the
// process immediately if it has been silently lost (spec §4.3, §7 `Bug`:
// "Fatal per-process conditions ... exit the process immediately; silent
// continuation is forbidden"). A nil checker (tests, FakeBackend) is
// always considered owned.
func (m *Manager) verifyOwnership(ctx context.Context) {
	if m.owner == nil {
		return
	}
	ok, err := m.owner.IsOwner(ctx)
	if err != nil {
		workererr.ExitOnBug(func(format string, args ...interface{}) {
			wlog.Errorf(m.log.AnnotateCtx(ctx), format, args...)
		}, errors.Wrap(err, "wdb: re-verify process lock ownership"))
		return
	}
	if !ok {
		workererr.ExitOnBug(func(format string, args ...interface{}) {
			wlog.Errorf(m.log.AnnotateCtx(ctx), format, args...)
		}, workererr.Bug("wdb: lost exclusive ownership of the in-memory scratch database lock"))
	}
}

func (m *Manager) entry(chunkID int32) *chunkEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.chunks[chunkID]
	if !ok {
		e = newChunkEntry()
		m.chunks[chunkID] = e
	}
	return e
}

// Reservation grants the holder exclusive rights to read from a set of
// materialized subchunk tables for one chunk; Release must be called
// exactly once, from the same task runner that Acquired it (spec §4.3).
// Clone returns an independent Reservation over the same tables with its
// own refcount share, for a task's per-fragment subchunk sets that
// overlap the task's overall chunk reservation.
type Reservation struct {
	mgr        *Manager
	chunkID    int32
	db         string
	tables     []base.DbTable
	subChunks  []int32
	released   bool
	mu         sync.Mutex
}

// Acquire materializes (if not already present) the subchunk tables named
// by tables x subChunkIDs for chunkID, blocking until any concurrent
// acquire/discard for the same (table, subchunk) pair completes, and
// returns a Reservation the caller must Release when done reading
// (spec §4.3: "ref-counted; the Nth acquire ... is a no-op besides
// incrementing; the corresponding release decrements, and the table is
// dropped only when the count reaches zero").
func (m *Manager) Acquire(ctx context.Context, chunkID int32, db string, tables []base.DbTable, subChunkIDs []int32) (*Reservation, error) {
	e := m.entry(chunkID)
	acquired := make([]base.DbTable, 0, len(tables))
	acquiredSC := make([]int32, 0, len(tables)*len(subChunkIDs))

	for _, t := range tables {
		for _, sc := range subChunkIDs {
			if err := m.acquireOne(ctx, e, t, chunkID, db, sc); err != nil {
				// Roll back everything acquired so far in this call.
				for i := len(acquiredSC) - 1; i >= 0; i-- {
					_ = m.releaseOne(context.Background(), e, acquired[i], chunkID, db, acquiredSC[i])
				}
				return nil, err
			}
			acquired = append(acquired, t)
			acquiredSC = append(acquiredSC, sc)
		}
	}

	return &Reservation{
		mgr:       m,
		chunkID:   chunkID,
		db:        db,
		tables:    tables,
		subChunks: subChunkIDs,
	}, nil
}

// acquireOne increments the refcount for (table, subChunkID), loading it
// via the backend if this is the first reference. Concurrent acquires for
// the same key serialize on a per-key "in flight" channel so a second
// caller never observes a partially-loaded table.
func (m *Manager) acquireOne(ctx context.Context, e *chunkEntry, t base.DbTable, chunkID int32, db string, subChunkID int32) error {
	for {
		e.mu.Lock()
		if ch, busy := e.inFlight[t][subChunkID]; busy {
			e.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		counts, ok := e.tables[t]
		if !ok {
			counts = make(map[int32]int)
			e.tables[t] = counts
		}
		if counts[subChunkID] > 0 {
			counts[subChunkID]++
			e.mu.Unlock()
			return nil
		}
		// First reference: mark in-flight and load outside the lock.
		done := make(chan struct{})
		if _, ok := e.inFlight[t]; !ok {
			e.inFlight[t] = make(map[int32]chan struct{})
		}
		e.inFlight[t][subChunkID] = done
		e.mu.Unlock()

		m.verifyOwnership(ctx)
		err := m.backend.Load(ctx, m.db, t, chunkID, subChunkID)

		e.mu.Lock()
		delete(e.inFlight[t], subChunkID)
		if err == nil {
			e.tables[t][subChunkID] = 1
		}
		e.mu.Unlock()
		close(done)
		return err
	}
}

func (m *Manager) releaseOne(ctx context.Context, e *chunkEntry, t base.DbTable, chunkID int32, db string, subChunkID int32) error {
	e.mu.Lock()
	counts, ok := e.tables[t]
	if !ok || counts[subChunkID] <= 0 {
		e.mu.Unlock()
		return errors.AssertionFailedf("wdb: release of unreferenced subchunk %s chunk %d sc %d", t, chunkID, subChunkID)
	}
	counts[subChunkID]--
	last := counts[subChunkID] == 0
	var done chan struct{}
	if last {
		delete(counts, subChunkID)
		// Mark the discard in flight so a concurrent acquireOne waits for
		// the drop to finish before loading the table again.
		done = make(chan struct{})
		if _, ok := e.inFlight[t]; !ok {
			e.inFlight[t] = make(map[int32]chan struct{})
		}
		e.inFlight[t][subChunkID] = done
	}
	e.mu.Unlock()

	if !last {
		return nil
	}
	m.verifyOwnership(ctx)
	err := m.backend.Discard(ctx, m.db, t, chunkID, subChunkID)
	e.mu.Lock()
	delete(e.inFlight[t], subChunkID)
	e.mu.Unlock()
	close(done)
	if err != nil {
		wlog.Warningf(m.log.AnnotateCtx(ctx), "wdb: discard failed for %s chunk %d sc %d: %v", t, chunkID, subChunkID, err)
		return err
	}
	return nil
}

// RefCount reports the current reference count for one (table,
// subChunkID) within chunkID, for tests and diagnostics.
func (m *Manager) RefCount(chunkID int32, t base.DbTable, subChunkID int32) int {
	e := m.entry(chunkID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tables[t][subChunkID]
}

// Release decrements the refcount of every (table, subchunk) this
// Reservation holds, discarding any that drop to zero. Release is
// idempotent: calling it twice is a no-op on the second call.
func (r *Reservation) Release(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return
	}
	r.released = true
	e := r.mgr.entry(r.chunkID)
	for _, t := range r.tables {
		for _, sc := range r.subChunks {
			_ = r.mgr.releaseOne(ctx, e, t, r.chunkID, r.db, sc)
		}
	}
}

// Clone acquires an independent share of the same (table, subchunk) set,
// incrementing each refcount again; the returned Reservation must be
// Released separately from r.
func (r *Reservation) Clone(ctx context.Context) (*Reservation, error) {
	return r.mgr.Acquire(ctx, r.chunkID, r.db, r.tables, r.subChunks)
}
