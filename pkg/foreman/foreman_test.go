package foreman

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst/qserv-sub010/pkg/base"
	"github.com/lsst/qserv-sub010/pkg/codec"
	"github.com/lsst/qserv-sub010/pkg/wbase"
	"github.com/lsst/qserv-sub010/pkg/wdb"
	"github.com/lsst/qserv-sub010/pkg/wsched"
)

type fakeResultSet struct {
	cols []wdb.ColumnInfo
	rows []codec.Row
	pos  int
}

func (f *fakeResultSet) Columns() []wdb.ColumnInfo { return f.cols }
func (f *fakeResultSet) Next() (codec.Row, bool) {
	if f.pos >= len(f.rows) {
		return codec.Row{}, false
	}
	r := f.rows[f.pos]
	f.pos++
	return r, true
}
func (f *fakeResultSet) Err() error   { return nil }
func (f *fakeResultSet) Close() error { return nil }

type fakeConn struct{}

func (c *fakeConn) SetUser(user string) error { return nil }
func (c *fakeConn) QueryUnbuffered(ctx context.Context, query string) (wdb.ResultSet, error) {
	return &fakeResultSet{
		cols: []wdb.ColumnInfo{{Name: "objectId"}},
		rows: []codec.Row{{Cols: []codec.Column{{Data: []byte("1")}}}},
	}, nil
}
func (c *fakeConn) Cancel() error { return nil }
func (c *fakeConn) Close() error  { return nil }

// recordingExecutive collects MarkCompleted calls and signals each one.
type recordingExecutive struct {
	mu       sync.Mutex
	outcomes map[int64]bool
	notify   chan struct{}
}

func newRecordingExecutive() *recordingExecutive {
	return &recordingExecutive{outcomes: make(map[int64]bool), notify: make(chan struct{}, 16)}
}

func (e *recordingExecutive) MarkCompleted(jobID int64, success bool) {
	e.mu.Lock()
	e.outcomes[jobID] = success
	e.mu.Unlock()
	e.notify <- struct{}{}
}

func (e *recordingExecutive) outcome(jobID int64) (bool, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.outcomes[jobID]
	return v, ok
}

func newTestForeman(t *testing.T) (*Foreman, *recordingExecutive) {
	t.Helper()
	group := wsched.NewGroupScheduler("group", 4, 0, 3)
	sched := wsched.NewBlendScheduler(4, group)
	mgr := wdb.NewManager(wdb.NewFakeBackend(), "qservScratch")
	connFac := func(ctx context.Context) (wdb.QueryConn, error) { return &fakeConn{}, nil }

	f := New(sched, mgr, connFac, 2)
	exec := newRecordingExecutive()
	f.SetExecutive(exec)
	f.SetConnMgr(wdb.NewSqlConnMgr(4, 2))
	f.SetTransmitMgr(wbase.NewTransmitMgr(2, 2, 1000, 10))
	return f, exec
}

func TestForemanRunsTaskAndMarksCompleted(t *testing.T) {
	f, exec := newTestForeman(t)
	ctx := context.Background()
	f.Start(ctx)
	defer f.Stop()

	task := base.NewTask(7, 70, "czar1", 50,
		[]base.ScannedTable{{Table: base.DbTable{Db: "LSST", Table: "Object"}}}, true)
	task.Fragments = []base.Fragment{{Query: "SELECT objectId FROM Object_50"}}

	ch := wbase.NewBufferChannel()
	require.NoError(t, f.ProcessTask("group", task, ch))

	select {
	case <-exec.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("task never completed")
	}
	success, ok := exec.outcome(70)
	require.True(t, ok)
	assert.True(t, success)
	assert.NotEmpty(t, ch.Bytes())
}

func TestForemanRejectsOldProtocolBeforeQueueing(t *testing.T) {
	f, _ := newTestForeman(t)

	task := base.NewTask(8, 80, "czar1", 50, nil, true)
	task.Protocol = 1
	ch := wbase.NewBufferChannel()

	err := f.ProcessTask("group", task, ch)
	assert.Error(t, err)
	assert.NotEmpty(t, ch.Errors, "peer must be told about the protocol rejection")
}
