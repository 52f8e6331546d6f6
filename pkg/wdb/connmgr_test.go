package wdb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst/qserv-sub010/pkg/base"
)

func TestSqlConnMgrReservesInteractiveHeadroom(t *testing.T) {
	// 2 total slots, 1 for scans: a second scan must wait even though a
	// total slot is free, while an interactive acquire sails through.
	mgr := NewSqlConnMgr(2, 1)
	ctx := context.Background()

	scan1, err := mgr.Acquire(ctx, false)
	require.NoError(t, err)

	scanBlocked := make(chan *ConnLock, 1)
	go func() {
		l, err := mgr.Acquire(ctx, false)
		require.NoError(t, err)
		scanBlocked <- l
	}()

	select {
	case <-scanBlocked:
		t.Fatal("second scan acquire should have blocked on the scan cap")
	case <-time.After(100 * time.Millisecond):
	}

	inter, err := mgr.Acquire(ctx, true)
	require.NoError(t, err)
	inter.Release()

	scan1.Release()
	select {
	case l := <-scanBlocked:
		l.Release()
	case <-time.After(time.Second):
		t.Fatal("second scan acquire never unblocked")
	}
}

func TestSqlConnMgrAcquireHonorsContext(t *testing.T) {
	mgr := NewSqlConnMgr(2, 1)
	ctx := context.Background()

	held, err := mgr.Acquire(ctx, false)
	require.NoError(t, err)
	defer held.Release()

	timed, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = mgr.Acquire(timed, false)
	assert.Error(t, err)
}

func TestConnLockReleaseIsIdempotent(t *testing.T) {
	mgr := NewSqlConnMgr(2, 1)
	l, err := mgr.Acquire(context.Background(), false)
	require.NoError(t, err)
	l.Release()
	l.Release()

	// The slot must be usable again after the double release, not
	// double-freed into a broken semaphore.
	l2, err := mgr.Acquire(context.Background(), false)
	require.NoError(t, err)
	l2.Release()
}

func TestTreatAsInteractive(t *testing.T) {
	interactive := base.NewTask(1, 1, "czar", 10, nil, true)
	scan := base.NewTask(2, 2, "czar", 10, nil, false)

	assert.True(t, TreatAsInteractive(interactive, 1))
	assert.False(t, TreatAsInteractive(interactive, 2), "multi-task queries are never interactive")
	assert.False(t, TreatAsInteractive(scan, 1))
}
