package wsched

import (
	"testing"

	"github.com/lsst/qserv-sub010/pkg/base"
	"github.com/stretchr/testify/assert"
)

func task(id int64) *base.Task {
	return base.NewTask(id, id, "cz1", 0, nil, false)
}

func run(chunkID int32, id int64) *Runnable {
	return &Runnable{Task: task(id), ChunkID: chunkID}
}

// TestGroupingByChunk matches spec §8 scenario 1: chunks 50, 11, 75, 4
// with a per-group cap of 3.
func TestGroupingByChunk(t *testing.T) {
	gs := NewGroupScheduler("GroupSchedA", 100, 0, 3)
	const a, b, c, d = int32(50), int32(11), int32(75), int32(4)

	assert.True(t, gs.Empty())
	assert.False(t, gs.Ready())

	a1 := run(a, 1)
	gs.QueueTask(a1)
	assert.False(t, gs.Empty())
	assert.True(t, gs.Ready())

	b1 := run(b, 2)
	gs.QueueTask(b1)
	c1 := run(c, 3)
	gs.QueueTask(c1)
	b2 := run(b, 4)
	gs.QueueTask(b2)
	b3 := run(b, 5)
	gs.QueueTask(b3)
	b4 := run(b, 6) // b's group is now full (3 added); this starts a new b group
	gs.QueueTask(b4)
	a2 := run(a, 7)
	gs.QueueTask(a2)
	a3 := run(a, 8)
	gs.QueueTask(a3)
	b5 := run(b, 9) // joins b4's group
	gs.QueueTask(b5)
	d1 := run(d, 10)
	gs.QueueTask(d1)

	assert.Equal(t, 10, gs.GetSize())
	assert.True(t, gs.Ready())

	aa1 := gs.GetCmd(false)
	aa2 := gs.GetCmd(false)
	a4 := run(a, 11) // a's group already has 3 added; gets its own group at the back
	gs.QueueTask(a4)
	aa3 := gs.GetCmd(false)
	assert.Same(t, a1, aa1)
	assert.Same(t, a2, aa2)
	assert.Same(t, a3, aa3)
	assert.Equal(t, 3, gs.GetInFlight())
	assert.True(t, gs.Ready())

	bb1 := gs.GetCmd(false)
	bb2 := gs.GetCmd(false)
	bb3 := gs.GetCmd(false)
	assert.Same(t, b1, bb1)
	assert.Same(t, b2, bb2)
	assert.Same(t, b3, bb3)
	assert.Equal(t, 6, gs.GetInFlight())

	gs.CommandFinish(a1)
	assert.Equal(t, 5, gs.GetInFlight())

	cc1 := gs.GetCmd(false)
	assert.Same(t, c1, cc1)
	assert.Equal(t, 6, gs.GetInFlight())

	bb4 := gs.GetCmd(false)
	bb5 := gs.GetCmd(false)
	assert.Same(t, b4, bb4)
	assert.Same(t, b5, bb5)
	assert.Equal(t, 8, gs.GetInFlight())

	dd1 := gs.GetCmd(false)
	assert.Same(t, d1, dd1)
	assert.Equal(t, 9, gs.GetInFlight())

	aa4 := gs.GetCmd(false)
	assert.Same(t, a4, aa4)
	assert.Equal(t, 10, gs.GetInFlight())
	assert.False(t, gs.Ready())
	assert.True(t, gs.Empty())
}

func TestGroupMaxThreadsBlocksUntilCommandFinish(t *testing.T) {
	gs := NewGroupScheduler("GroupSchedB", 3, 0, 100)
	const chunkA = int32(42)
	for i := int64(1); i <= 4; i++ {
		gs.QueueTask(run(chunkA, i))
	}

	a1 := gs.GetCmd(false)
	assert.NotNil(t, a1)
	a2 := gs.GetCmd(false)
	assert.NotNil(t, a2)
	a3 := gs.GetCmd(false)
	assert.NotNil(t, a3)
	assert.Equal(t, 3, gs.GetInFlight())
	assert.False(t, gs.Ready())
	assert.Nil(t, gs.GetCmd(false))

	gs.CommandFinish(a3)
	assert.True(t, gs.Ready())
	a4 := gs.GetCmd(false)
	assert.NotNil(t, a4)
	assert.False(t, gs.Ready())
}
