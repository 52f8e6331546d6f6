package wsched

import (
	"testing"

	"github.com/lsst/qserv-sub010/pkg/base"
	"github.com/stretchr/testify/assert"
)

func scanTask(id int64, chunkID int32, rating base.ScanRating, tableName string) *base.Task {
	tbl := base.ScannedTable{Table: base.DbTable{Db: "d", Table: tableName}, Rating: rating}
	return base.NewTask(id, id, "cz1", chunkID, []base.ScannedTable{tbl}, false)
}

// TestScanSlowestFirst matches spec §8 scenario 2: within one chunk,
// MEDIUM/charlie, MEDIUM/delta, SLOW/bravo, FAST/alpha must dequeue as
// bravo, delta, charlie, alpha.
func TestScanSlowestFirst(t *testing.T) {
	s := NewScanScheduler("ScanSchedMedium", 0, 0, 2)

	charlie := scanTask(1, 10, base.RatingMedium, "charlie")
	delta := scanTask(2, 10, base.RatingMedium, "delta")
	bravo := scanTask(3, 10, base.RatingSlow, "bravo")
	alpha := scanTask(4, 10, base.RatingFast, "alpha")

	for _, task := range []*base.Task{charlie, delta, bravo, alpha} {
		s.QueueTask(&Runnable{Task: task, ChunkID: 10})
	}

	assert.Same(t, bravo, s.GetCmd(false).Task)
	assert.Same(t, delta, s.GetCmd(false).Task)
	assert.Same(t, charlie, s.GetCmd(false).Task)
	assert.Same(t, alpha, s.GetCmd(false).Task)
	assert.True(t, s.Empty())
}

// TestScanChunkOrderingAndWrap matches spec §5: chunks are visited in
// ascending chunk ID; an arrival for a chunk already passed lands in
// pending and only surfaces after the active deque wraps.
func TestScanChunkOrderingAndWrap(t *testing.T) {
	s := NewScanScheduler("ScanSchedFast", 0, 0, 1)

	c1a := scanTask(1, 1, base.RatingFast, "a")
	c2a := scanTask(2, 2, base.RatingFast, "a")
	s.QueueTask(&Runnable{Task: c1a, ChunkID: 1})
	s.QueueTask(&Runnable{Task: c2a, ChunkID: 2})

	got1 := s.GetCmd(false)
	assert.Same(t, c1a, got1.Task)

	// Chunk 1 is now exhausted and the active front has advanced to
	// chunk 2; a late arrival for chunk 1 must land in pending, not
	// jump the queue ahead of chunk 2.
	c1b := scanTask(3, 1, base.RatingFast, "a")
	s.QueueTask(&Runnable{Task: c1b, ChunkID: 1})

	got2 := s.GetCmd(false)
	assert.Same(t, c2a, got2.Task, "chunk 2 must be served before the late chunk-1 arrival")

	// Active is now empty; wrap-around swaps pending in.
	got3 := s.GetCmd(false)
	assert.Same(t, c1b, got3.Task)
	assert.True(t, s.Empty())
}

func TestScanRemoveQuery(t *testing.T) {
	s := NewScanScheduler("ScanSchedSlow", 0, 0, 3)
	qa1 := scanTask(100, 5, base.RatingSlow, "x")
	qb1 := scanTask(200, 5, base.RatingSlow, "y")
	s.QueueTask(&Runnable{Task: qa1, ChunkID: 5})
	s.QueueTask(&Runnable{Task: qb1, ChunkID: 5})

	moved := s.RemoveQuery(200)
	assert.Len(t, moved, 1)
	assert.Same(t, qb1, moved[0].Task)
	assert.Equal(t, 1, s.GetSize())

	remaining := s.GetCmd(false)
	assert.Same(t, qa1, remaining.Task)
}
