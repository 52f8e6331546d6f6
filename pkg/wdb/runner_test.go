package wdb

import (
	"context"
	"testing"
	"time"

	"github.com/lsst/qserv-sub010/pkg/base"
	"github.com/lsst/qserv-sub010/pkg/codec"
	"github.com/lsst/qserv-sub010/pkg/proto"
	"github.com/lsst/qserv-sub010/pkg/wbase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitChannelDone(t *testing.T, s *wbase.SendChannelShared) error {
	t.Helper()
	select {
	case err := <-s.Done():
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("transmit loop did not finish")
		return nil
	}
}

type fakeResultSet struct {
	cols []ColumnInfo
	rows []codec.Row
	pos  int
}

func (f *fakeResultSet) Columns() []ColumnInfo { return f.cols }
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

type fakeConn struct {
	user      string
	rs        *fakeResultSet
	queries   []string
	cancelled bool
}

func (c *fakeConn) SetUser(user string) error { c.user = user; return nil }
func (c *fakeConn) QueryUnbuffered(ctx context.Context, query string) (ResultSet, error) {
	c.queries = append(c.queries, query)
	return c.rs, nil
}
func (c *fakeConn) Cancel() error { c.cancelled = true; return nil }
func (c *fakeConn) Close() error  { return nil }

func strCol(s string) codec.Column { return codec.Column{Data: []byte(s)} }

func TestRunnerHappyPath(t *testing.T) {
	be := NewFakeBackend()
	mgr := NewManager(be, "qservScratch")
	ch := wbase.NewBufferChannel()
	shared := wbase.NewSendChannelShared(ch, 1)

	task := base.NewTask(1, 1, "czar1", 50, []base.ScannedTable{{Table: base.DbTable{Db: "LSST", Table: "Object"}}}, false)
	task.Fragments = []base.Fragment{
		{Query: "SELECT objectId FROM Object_50", SubChunks: []int32{1}},
	}

	conn := &fakeConn{rs: &fakeResultSet{
		cols: []ColumnInfo{{Name: "objectId"}},
		rows: []codec.Row{{Cols: []codec.Column{strCol("1")}}, {Cols: []codec.Column{strCol("2")}}},
	}}

	r := NewRunner(task, mgr, conn, shared)
	err := r.Run(context.Background())
	require.NoError(t, err)

	require.NoError(t, waitChannelDone(t, shared))
	assert.Equal(t, "czar1", conn.user)
	assert.Equal(t, 0, be.Len(), "subchunk reservation must be released after the fragment runs")
	assert.NotEmpty(t, ch.Bytes())
}

func TestRunnerRejectsOldProtocol(t *testing.T) {
	be := NewFakeBackend()
	mgr := NewManager(be, "qservScratch")
	ch := wbase.NewBufferChannel()
	shared := wbase.NewSendChannelShared(ch, 1)

	task := base.NewTask(1, 1, "czar1", 50, nil, false)
	task.Protocol = 1
	task.Fragments = []base.Fragment{{Query: "SELECT 1"}}

	conn := &fakeConn{rs: &fakeResultSet{}}
	r := NewRunner(task, mgr, conn, shared)
	err := r.Run(context.Background())
	assert.Error(t, err)
	assert.Empty(t, conn.queries, "no query should run under an unsupported protocol")
}

func TestRunnerPoisonCancelsBeforeTransmit(t *testing.T) {
	be := NewFakeBackend()
	mgr := NewManager(be, "qservScratch")
	ch := wbase.NewBufferChannel()
	shared := wbase.NewSendChannelShared(ch, 1)

	task := base.NewTask(1, 1, "czar1", 50, []base.ScannedTable{{Table: base.DbTable{Db: "LSST", Table: "Object"}}}, false)
	task.Fragments = []base.Fragment{
		{Query: "SELECT 1", SubChunks: []int32{1}},
		{Query: "SELECT 2", SubChunks: []int32{2}},
	}
	conn := &fakeConn{rs: &fakeResultSet{cols: []ColumnInfo{{Name: "x"}}}}
	r := NewRunner(task, mgr, conn, shared)

	r.Poison()
	err := r.Run(context.Background())
	assert.Error(t, err)
	assert.True(t, conn.cancelled)
	assert.Empty(t, conn.queries, "poisoned before Run started should execute nothing")
}

func TestResultByteSizeStaysBelowDesiredLimit(t *testing.T) {
	// Does not run the fillRows split path: it builds a result of 100
	// small rows that never crosses ProtoHeaderDesiredLimit -- a
	// true split would require megabytes of row data, so this instead
	// pins down that ByteSize/AddRow accounting stays consistent across
	// many rows, which the split logic depends on.
	result := &proto.Result{}
	for i := 0; i < 100; i++ {
		rb := result.AddRow()
		rb.AddColumn([]byte("x"), false)
	}
	assert.Equal(t, 100, len(result.Row))
	assert.Less(t, result.ByteSize(), proto.ProtoHeaderDesiredLimit)
}
