package wsched

import (
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/lsst/qserv-sub010/pkg/base"
	"github.com/stretchr/testify/assert"
)

// TestBootedQueryDemotion matches spec §8 scenario 5: QID A completes a
// task on chunk 7 in 1ms, establishing the baseline. QID B's task on the
// same chunk runs far past Multiplier*baseline and must be booted exactly
// once; QID A is untouched.
func TestBootedQueryDemotion(t *testing.T) {
	mock := clock.NewMock()
	qac := NewQueriesAndChunks(mock, BootPolicy{Multiplier: 100, MaxBooted: 5})

	taskA := base.NewTask(1 /* qid */, 1, "cz1", 7, nil, false)
	qac.Started(taskA, 7, "fast")
	mock.Add(1 * time.Millisecond)
	qac.Completed(taskA)

	taskB := base.NewTask(2 /* qid */, 2, "cz1", 7, nil, false)
	qac.Started(taskB, 7, "fast")
	mock.Add(1 * time.Second) // 1s >> 1ms * 100

	booted := qac.ExamineAll()
	assert.Len(t, booted, 1)
	assert.Equal(t, int64(2), booted[0].QueryID)
	assert.Equal(t, "fast", booted[0].Band)
	assert.Equal(t, 1, qac.TasksBooted(2))
	assert.Equal(t, 0, qac.TasksBooted(1))

	// A second sweep at the same elapsed time re-examines the same
	// still-running task and would boot it again, up to MaxBooted; here
	// we advance further to confirm accumulation and the cap.
	for i := 0; i < 10; i++ {
		mock.Add(1 * time.Second)
		qac.ExamineAll()
	}
	assert.Equal(t, 5, qac.TasksBooted(2), "tasksBooted must not exceed MaxBooted")
}

func TestBootPolicyIgnoresTasksWithoutBaseline(t *testing.T) {
	mock := clock.NewMock()
	qac := NewQueriesAndChunks(mock, DefaultBootPolicy())

	task := base.NewTask(9, 9, "cz1", 99, nil, false)
	qac.Started(task, 99, "slow")
	mock.Add(time.Hour)

	booted := qac.ExamineAll()
	assert.Empty(t, booted, "no baseline yet for chunk 99, so the sweep must not judge it")
	assert.Equal(t, 1, qac.DarkTasks())
}
