package base

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// TaskState is the lifecycle of a Task: QUEUED -> EXECUTING -> READING ->
// {FINISHED, CANCELLED, FAILED}. Matches spec §3.
type TaskState int32

const (
	TaskQueued TaskState = iota
	TaskExecuting
	TaskReading
	TaskFinished
	TaskCancelled
	TaskFailed
)

func (s TaskState) String() string {
	switch s {
	case TaskQueued:
		return "QUEUED"
	case TaskExecuting:
		return "EXECUTING"
	case TaskReading:
		return "READING"
	case TaskFinished:
		return "FINISHED"
	case TaskCancelled:
		return "CANCELLED"
	case TaskFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Fragment is one SQL fragment within a task: a query string plus the
// subchunk IDs it needs materialized (empty means "the whole chunk").
type Fragment struct {
	Query      string
	SubChunks  []int32
	ResultName DbTable // qualified name of the scratch result table, if any
}

// Task is one SQL fragment (or, with multiple Fragments, a small sequence
// of them sharing one chunk reservation) addressed to one chunk. Carries
// everything the scheduler, task runner, and result channel need. Matches
// spec §3.
type Task struct {
	QueryID     int64
	JobID       int64
	Attempt     int
	CzarID      string
	ChunkID     int32
	Tables      []ScannedTable
	Interactive bool
	MaxTableSize int64
	Fragments   []Fragment
	Protocol    int32

	// ResultToken correlates this task with the shared result channel it
	// streams results through. Not a persisted identifier, hence a uuid
	// rather than a ULID (see SPEC_FULL.md Part C).
	ResultToken uuid.UUID

	state      atomic.Int32
	cancelled  atomic.Bool
}

// NewTask builds a Task in the QUEUED state with a fresh result token.
func NewTask(queryID, jobID int64, czarID string, chunkID int32, tables []ScannedTable, interactive bool) *Task {
	t := &Task{
		QueryID:      queryID,
		JobID:        jobID,
		CzarID:       czarID,
		ChunkID:      chunkID,
		Tables:       tables,
		Interactive:  interactive,
		Protocol:     2,
		ResultToken:  uuid.New(),
		MaxTableSize: 0,
	}
	t.state.Store(int32(TaskQueued))
	return t
}

// Rating is the max (slowest) scan rating over the task's referenced
// tables.
func (t *Task) Rating() ScanRating { return SlowestRating(t.Tables) }

// State returns the task's current lifecycle state.
func (t *Task) State() TaskState { return TaskState(t.state.Load()) }

// SetState transitions the task to a new state. Not itself validated
// against the state machine; callers (the task runner) are expected to
// drive it in order.
func (t *Task) SetState(s TaskState) { t.state.Store(int32(s)) }

// Cancel sets the cooperative cancellation flag. Idempotent: a task that
// has already finished observing Cancel is a no-op for callers that check
// Cancelled() at fragment boundaries.
func (t *Task) Cancel() { t.cancelled.Store(true) }

// Cancelled reports whether Cancel has been called.
func (t *Task) Cancelled() bool { return t.cancelled.Load() }
