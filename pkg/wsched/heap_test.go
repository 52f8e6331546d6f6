package wsched

import (
	"testing"

	"github.com/lsst/qserv-sub010/pkg/base"
	"github.com/stretchr/testify/assert"
)

func taskWithRating(id int64, rating base.ScanRating, table string) *base.Task {
	tables := []base.ScannedTable{{Table: base.DbTable{Db: "moose", Table: table}, Rating: rating}}
	return base.NewTask(id, 7, "cz1", 7, tables, false)
}

// TestSlowTableHeapOrdering matches SlowTableHeapTest: slowest rating
// wins; ties within a rating are broken by table name, greater first.
func TestSlowTableHeapOrdering(t *testing.T) {
	h := NewSlowTableHeap()
	assert.True(t, h.Empty())

	a1 := taskWithRating(1, base.RatingMedium, "charlie")
	h.Push(a1)
	assert.Same(t, a1, h.Top())

	a2 := taskWithRating(2, base.RatingMedium, "delta")
	h.Push(a2)
	assert.Same(t, a2, h.Top())

	a3 := taskWithRating(3, base.RatingSlow, "bravo")
	h.Push(a3)
	assert.Same(t, a3, h.Top())

	a4 := taskWithRating(4, base.RatingFast, "alpha")
	h.Push(a4)
	assert.Same(t, a3, h.Top())
	assert.Equal(t, 4, h.Size())

	assert.Same(t, a3, h.Pop())
	assert.Same(t, a2, h.Pop())
	assert.Same(t, a1, h.Pop())
	assert.Same(t, a4, h.Pop())
	assert.True(t, h.Empty())
}
