package wdb

import (
	"context"
	"sync"

	"github.com/marusama/semaphore"

	"github.com/lsst/qserv-sub010/pkg/base"
)

// SqlConnMgr admission-controls database connections for task execution
// (spec §4.5 step 2): every task takes a slot from the shared semaphore,
// but scan (non-interactive) tasks are additionally capped below the
// total so interactive queries always find headroom without waiting
// behind a wall of scans. Mirrors wcontrol::SqlConnMgr's two-tier count.
type SqlConnMgr struct {
	total semaphore.Semaphore
	scan  semaphore.Semaphore
}

// NewSqlConnMgr builds a manager with maxConns total connection slots,
// of which at most maxScanConns may be held by non-interactive tasks.
// maxScanConns is clamped to maxConns-1 so at least one slot is always
// reserved for interactive traffic.
func NewSqlConnMgr(maxConns, maxScanConns int) *SqlConnMgr {
	if maxConns < 2 {
		maxConns = 2
	}
	if maxScanConns >= maxConns {
		maxScanConns = maxConns - 1
	}
	if maxScanConns < 1 {
		maxScanConns = 1
	}
	return &SqlConnMgr{
		total: semaphore.New(maxConns),
		scan:  semaphore.New(maxScanConns),
	}
}

// TreatAsInteractive decides whether a task may use the interactive
// reservation: it must be flagged interactive and be the only task of
// its group. Multi-task queries are never counted as interactive, since
// a group of tasks each holding a reserved slot while waiting on the
// others can deadlock the reserved pool (spec §4.5 step 2).
func TreatAsInteractive(task *base.Task, taskCount int) bool {
	return task.Interactive && taskCount <= 1
}

// ConnLock is a held connection slot; Release must be called when the
// task's connection is returned. Safe to call more than once.
type ConnLock struct {
	mgr         *SqlConnMgr
	interactive bool

	mu       sync.Mutex
	released bool
}

// Acquire blocks until a connection slot is available. Non-interactive
// acquisitions take both a scan slot and a total slot; interactive ones
// take only a total slot, so the gap between the two caps is theirs.
func (m *SqlConnMgr) Acquire(ctx context.Context, interactive bool) (*ConnLock, error) {
	if !interactive {
		if err := m.scan.Acquire(ctx, 1); err != nil {
			return nil, err
		}
	}
	if err := m.total.Acquire(ctx, 1); err != nil {
		if !interactive {
			m.scan.Release(1)
		}
		return nil, err
	}
	return &ConnLock{mgr: m, interactive: interactive}, nil
}

// Release gives the slot(s) back.
func (l *ConnLock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return
	}
	l.released = true
	l.mgr.total.Release(1)
	if !l.interactive {
		l.mgr.scan.Release(1)
	}
}

// SetLimits resizes both caps at runtime, with the same clamping as
// NewSqlConnMgr.
func (m *SqlConnMgr) SetLimits(maxConns, maxScanConns int) {
	if maxConns < 2 {
		maxConns = 2
	}
	if maxScanConns >= maxConns {
		maxScanConns = maxConns - 1
	}
	if maxScanConns < 1 {
		maxScanConns = 1
	}
	m.total.SetLimit(maxConns)
	m.scan.SetLimit(maxScanConns)
}
