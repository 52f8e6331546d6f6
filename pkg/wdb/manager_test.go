package wdb

import (
	"context"
	"sync"
	"testing"

	"github.com/lsst/qserv-sub010/pkg/base"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func objTable(name string) base.DbTable { return base.DbTable{Db: "LSST", Table: name} }

func TestAcquireLoadsOnFirstReference(t *testing.T) {
	be := NewFakeBackend()
	m := NewManager(be, "qservScratch")
	ctx := context.Background()

	r, err := m.Acquire(ctx, 50, "LSST", []base.DbTable{objTable("Object")}, []int32{1, 2})
	require.NoError(t, err)
	assert.True(t, be.Has("qservScratch", objTable("Object"), 50, 1))
	assert.True(t, be.Has("qservScratch", objTable("Object"), 50, 2))
	assert.Equal(t, 1, m.RefCount(50, objTable("Object"), 1))

	r.Release(ctx)
	assert.False(t, be.Has("qservScratch", objTable("Object"), 50, 1))
	assert.False(t, be.Has("qservScratch", objTable("Object"), 50, 2))
}

func TestSecondAcquireIsRefcountOnly(t *testing.T) {
	be := NewFakeBackend()
	m := NewManager(be, "qservScratch")
	ctx := context.Background()

	r1, err := m.Acquire(ctx, 50, "LSST", []base.DbTable{objTable("Object")}, []int32{1})
	require.NoError(t, err)
	r2, err := m.Acquire(ctx, 50, "LSST", []base.DbTable{objTable("Object")}, []int32{1})
	require.NoError(t, err)
	assert.Equal(t, 2, m.RefCount(50, objTable("Object"), 1))

	r1.Release(ctx)
	assert.True(t, be.Has("qservScratch", objTable("Object"), 50, 1), "still referenced by r2")
	r2.Release(ctx)
	assert.False(t, be.Has("qservScratch", objTable("Object"), 50, 1))
}

func TestReleaseIsIdempotent(t *testing.T) {
	be := NewFakeBackend()
	m := NewManager(be, "qservScratch")
	ctx := context.Background()

	r, err := m.Acquire(ctx, 50, "LSST", []base.DbTable{objTable("Object")}, []int32{1})
	require.NoError(t, err)
	r.Release(ctx)
	r.Release(ctx) // must not double-decrement or panic
	assert.Equal(t, 0, m.RefCount(50, objTable("Object"), 1))
}

func TestCloneSharesUnderlyingTableWithIndependentRefcount(t *testing.T) {
	be := NewFakeBackend()
	m := NewManager(be, "qservScratch")
	ctx := context.Background()

	r1, err := m.Acquire(ctx, 50, "LSST", []base.DbTable{objTable("Object")}, []int32{1})
	require.NoError(t, err)
	r2, err := r1.Clone(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, m.RefCount(50, objTable("Object"), 1))

	r1.Release(ctx)
	assert.True(t, be.Has("qservScratch", objTable("Object"), 50, 1))
	r2.Release(ctx)
	assert.False(t, be.Has("qservScratch", objTable("Object"), 50, 1))
}

func TestConcurrentAcquireOfSameSubchunkLoadsOnce(t *testing.T) {
	be := NewFakeBackend()
	m := NewManager(be, "qservScratch")
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	reservations := make([]*Reservation, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := m.Acquire(ctx, 75, "LSST", []base.DbTable{objTable("Source")}, []int32{3})
			require.NoError(t, err)
			reservations[i] = r
		}(i)
	}
	wg.Wait()

	assert.Equal(t, n, m.RefCount(75, objTable("Source"), 3))
	for _, r := range reservations {
		r.Release(ctx)
	}
	assert.Equal(t, 0, m.RefCount(75, objTable("Source"), 3))
}

func TestAcquireRollsBackOnPartialFailure(t *testing.T) {
	be := NewFakeBackend()
	m := NewManager(be, "qservScratch")
	ctx := context.Background()

	// First table loads fine; fail the (shared) backend before the
	// second subchunk, to exercise the rollback path.
	_, err := m.Acquire(ctx, 50, "LSST", []base.DbTable{objTable("Object")}, []int32{1})
	require.NoError(t, err)

	be.FailLoad = assert.AnError
	_, err = m.Acquire(ctx, 50, "LSST", []base.DbTable{objTable("Object")}, []int32{2, 3})
	require.Error(t, err)
	// Subchunk 1 (pre-existing) must be untouched; 2 and 3 never got in.
	assert.True(t, be.Has("qservScratch", objTable("Object"), 50, 1))
	assert.False(t, be.Has("qservScratch", objTable("Object"), 50, 2))
	assert.False(t, be.Has("qservScratch", objTable("Object"), 50, 3))
}
