package wsched

import (
	"testing"

	"github.com/lsst/qserv-sub010/pkg/base"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func blendTask(qid, id int64, chunkID int32) *base.Task {
	return base.NewTask(qid, id, "cz1", chunkID, nil, qid < 0)
}

// TestBlendPriorityOrder: with both a group and a scan scheduler ready
// and no reservation pressure, the group (interactive) scheduler is
// always served first (spec §4.6: "group highest priority").
func TestBlendPriorityOrder(t *testing.T) {
	group := NewGroupScheduler("group", 0, 0, 3)
	fast := NewScanScheduler("fast", 0, 0, 1)
	bs := NewBlendScheduler(10, group, fast)

	scanT := blendTask(1, 1, 5)
	groupT := blendTask(2, 2, 5)
	require.NoError(t, bs.QueueTask("fast", &Runnable{Task: scanT, ChunkID: 5}))
	require.NoError(t, bs.QueueTask("group", &Runnable{Task: groupT, ChunkID: 5}))

	got := bs.GetCmd()
	require.NotNil(t, got)
	assert.Same(t, groupT, got.Task)
}

// TestBlendThreadReservation matches spec §8's invariant: no scheduler
// may be handed a task if doing so would leave fewer free threads than
// the sum of every OTHER scheduler's minReserved.
func TestBlendThreadReservation(t *testing.T) {
	// Pool of 3 threads. "slow" reserves 2 for itself; "fast" has none
	// reserved. Handing fast a task when only 3 threads exist and slow
	// needs 2 free must still succeed as long as >=2 stay free;
	// handing out a 2nd fast task would leave only 1 free, violating
	// slow's reservation.
	fast := NewScanScheduler("fast", 0, 0, 1)
	slow := NewScanScheduler("slow", 0, 2, 2)
	bs := NewBlendScheduler(3, fast, slow)

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, bs.QueueTask("fast", &Runnable{Task: blendTask(i, i, 1), ChunkID: 1}))
	}

	first := bs.GetCmd()
	require.NotNil(t, first, "first fast task must be admitted (3 pool - 1 = 2 free, meets slow's reservation of 2)")

	second := bs.GetCmd()
	assert.Nil(t, second, "second fast task must be refused: would leave only 1 free thread, below slow's reservation of 2")

	// Freeing the first slot restores room for exactly one more.
	bs.CommandFinish(fast, first)
	third := bs.GetCmd()
	assert.NotNil(t, third)
}

func TestBlendMoveUserQueryAndSquash(t *testing.T) {
	fast := NewScanScheduler("fast", 0, 0, 1)
	slow := NewScanScheduler("slow", 0, 0, 2)
	bs := NewBlendScheduler(100, fast, slow)

	t1 := blendTask(42, 1, 9)
	require.NoError(t, bs.QueueTask("fast", &Runnable{Task: t1, ChunkID: 9}))

	require.NoError(t, bs.MoveUserQuery(42, "fast", "slow"))
	assert.Equal(t, 0, fast.GetSize())
	assert.Equal(t, 1, slow.GetSize())

	// A further enqueue for the same query is redirected to "slow" too.
	t2 := blendTask(42, 2, 9)
	require.NoError(t, bs.QueueTask("fast", &Runnable{Task: t2, ChunkID: 9}))
	assert.Equal(t, 0, fast.GetSize())
	assert.Equal(t, 2, slow.GetSize())

	bs.Squash(42)
	assert.True(t, t1.Cancelled())
	assert.True(t, t2.Cancelled())

	// Idempotent.
	bs.Squash(42)
	assert.True(t, t1.Cancelled())
}
