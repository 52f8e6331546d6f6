package wdb

import (
	"context"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/lsst/qserv-sub010/pkg/base"
	"github.com/lsst/qserv-sub010/pkg/codec"
	"github.com/lsst/qserv-sub010/pkg/proto"
	"github.com/lsst/qserv-sub010/pkg/wbase"
	"github.com/lsst/qserv-sub010/pkg/wlog"
	"github.com/lsst/qserv-sub010/pkg/workererr"
)

// MinSupportedProtocol is the lowest TaskMsg wire protocol this worker
// will execute (spec §4.5: "protocol version < 2 is rejected with
// UnsupportedProtocol before any query runs"), grounded on
// QueryAction::Impl::act's `case 1: throw UnsupportedError`.
const MinSupportedProtocol = 2

// ColumnInfo describes one column of a query's result set, enough to
// build a proto.Schema and to know whether a column is a BLOB family
// type requiring hex-quoted encoding (spec §4.1).
type ColumnInfo struct {
	Name         string
	HasDefault   bool
	DefaultValue string
	SQLType      int32
	MySQLType    int32
	Blob         bool
}

// ResultSet is the cursor QueryRunner drains, the Go analogue of a
// MYSQL_RES wrapped by mysql_fetch_row.
type ResultSet interface {
	Columns() []ColumnInfo
	codec.RowSource
	Err() error
	Close() error
}

// QueryConn executes one SQL statement at a time on behalf of a single
// task's identity, matching MySqlConnection::queryUnbuffered plus its
// cancel() support for poisoning (spec §4.5).
type QueryConn interface {
	// SetUser overrides the connection identity for subsequent queries,
	// mirroring "sc.username = _user" (czar-passed username).
	SetUser(user string) error
	QueryUnbuffered(ctx context.Context, query string) (ResultSet, error)
	// Cancel aborts whatever query is currently executing on this
	// connection (best-effort, matching MysqlConnection::cancel()).
	Cancel() error
	Close() error
}

// Runner executes one Task end to end: reserving subchunk resources,
// running each fragment's queries, and streaming rows out through a
// SendChannelShared (spec §4.5, C5). Mirrors QueryAction::Impl.
type Runner struct {
	task    *base.Task
	mgr     *Manager
	conn    QueryConn
	channel *wbase.SendChannelShared
	log     wlog.AmbientContext
	codec   codec.Config

	poisoned int32
}

// NewRunner constructs a Runner for task, using mgr to reserve subchunk
// tables, conn to execute queries, and channel to stream results.
func NewRunner(task *base.Task, mgr *Manager, conn QueryConn, channel *wbase.SendChannelShared) *Runner {
	r := &Runner{task: task, mgr: mgr, conn: conn, channel: channel, codec: codec.DefaultConfig()}
	r.log.AddLogTag("queryId", task.QueryID)
	r.log.AddLogTag("jobId", task.JobID)
	return r
}

// SetCodecConfig overrides the row-codec dialect (NULL token, separators,
// large-row threshold) used to escape column bytes before they're placed
// in a RowBundle; the zero value from NewRunner is codec.DefaultConfig().
func (r *Runner) SetCodecConfig(cfg codec.Config) { r.codec = cfg }

// Poison stops the task if it's running, or prevents it from starting if
// it hasn't yet (spec §4.5 edge case: cancellation must be safe to call
// at any point in the task's lifecycle), mirroring QueryAction::poison().
func (r *Runner) Poison() {
	atomic.StoreInt32(&r.poisoned, 1)
	r.task.Cancel()
	_ = r.conn.Cancel()
}

func (r *Runner) isPoisoned() bool {
	return atomic.LoadInt32(&r.poisoned) == 1
}

// Run executes the task: acquires subchunk resources per fragment, runs
// each fragment's queries, and streams accumulated rows, returning once
// the task's final message has been queued on the shared channel (or an
// unrecoverable error has occurred). The channel's transmit loop sends
// queued messages asynchronously; its Done reports when they have gone
// out. Mirrors QueryAction::Impl::act/_dispatchChannel.
func (r *Runner) Run(ctx context.Context) error {
	ctx = r.log.AnnotateCtx(ctx)
	wlog.Infof(ctx, "Exec in flight for chunk=%d", r.task.ChunkID)

	if r.task.Protocol < MinSupportedProtocol {
		if !r.task.Cancelled() {
			r.sendLast(ctx, "Unsupported wire protocol", true)
		}
		return errors.Wrapf(workererr.ErrUnsupportedProtocol, "protocol %d", r.task.Protocol)
	}
	if err := r.conn.SetUser(r.task.CzarID); err != nil {
		return errors.Wrap(err, "wdb: set connection user")
	}
	if len(r.task.Fragments) == 0 {
		return workererr.Bug("wdb: no fragments to execute in task")
	}

	result := &proto.Result{}
	firstResult := true
	erred := false

	tables := uniqueTables(r.task.Tables)
	db := ""
	if len(tables) > 0 {
		db = tables[0].Db
	}

	for _, frag := range r.task.Fragments {
		if r.isPoisoned() {
			break
		}
		resv, err := r.mgr.Acquire(ctx, r.task.ChunkID, db, tables, frag.SubChunks)
		if err != nil {
			return errors.Wrap(err, "wdb: acquire subchunk resources")
		}

		rs, err := r.conn.QueryUnbuffered(ctx, frag.Query)
		if err != nil {
			erred = true
		} else {
			if firstResult {
				fillSchema(result, rs.Columns())
				firstResult = false
			}
			if ferr := r.fillRows(ctx, result, rs); ferr != nil {
				erred = true
			}
			if cerr := rs.Close(); cerr != nil {
				wlog.Warningf(ctx, "wdb: close result set: %v", cerr)
			}
		}
		resv.Release(ctx)
	}

	if r.isPoisoned() {
		result.ErrorMsg = "Poisoned."
		r.sendLast(ctx, result.ErrorMsg, true)
		return workererr.ErrCancelled
	}
	if err := r.transmit(ctx, result, true); err != nil {
		return err
	}
	if erred {
		return errors.Newf("wdb: task for chunk %d completed with errors", r.task.ChunkID)
	}
	return nil
}

// fillRows drains rs into result, flushing result through the channel and
// resetting it in place once its accumulated size passes
// proto.ProtoHeaderDesiredLimit, matching
// QueryAction::Impl::_fillRows' mid-stream splitting.
func (r *Runner) fillRows(ctx context.Context, result *proto.Result, rs ResultSet) error {
	for {
		row, ok := rs.Next()
		if !ok {
			break
		}
		rb := result.AddRow()
		for _, c := range row.Cols {
			if c.Null {
				rb.AddColumn(nil, true)
			} else {
				// Escape (or hex-quote, for BLOB-family columns) now so
				// the czar can bulk-load this column directly off the
				// wire without a second escaping pass (spec §4.1, C1;
				// control flow per §2: "streams rows through C1->C4").
				rb.AddColumn(c.Encode(r.codec), false)
			}
		}
		if result.ByteSize() > proto.ProtoHeaderDesiredLimit {
			if result.ByteSize() > proto.ProtoHeaderHardLimit {
				return errors.Wrapf(workererr.ErrRowTooLarge, "wdb: %d bytes", result.ByteSize())
			}
			if err := r.transmit(ctx, result, false); err != nil {
				return err
			}
			*result = proto.Result{Session: result.Session, HasSession: result.HasSession}
		}
	}
	return rs.Err()
}

func (r *Runner) transmit(ctx context.Context, result *proto.Result, last bool) error {
	td, err := wbase.WrapResult(result, last)
	if err != nil {
		return errors.Wrap(err, "wdb: wrap result for transmit")
	}
	ok, err := r.channel.AddTransmit(ctx, r.task.Cancelled(), false, td)
	if err != nil {
		return errors.Wrap(err, "wdb: add transmit")
	}
	if !ok {
		wlog.Warningf(ctx, "wdb: transmit rejected, channel already finished")
	}
	return nil
}

func (r *Runner) sendLast(ctx context.Context, errMsg string, last bool) {
	result := &proto.Result{ErrorMsg: errMsg}
	if err := r.transmit(ctx, result, last); err != nil {
		wlog.Warningf(ctx, "wdb: failed to send terminal error message: %v", err)
	}
}

func fillSchema(result *proto.Result, cols []ColumnInfo) {
	schema := &proto.Schema{}
	for _, c := range cols {
		schema.ColumnSchema = append(schema.ColumnSchema, &proto.ColumnSchema{
			Name:         c.Name,
			HasDefault:   c.HasDefault,
			DefaultValue: c.DefaultValue,
			SQLType:      c.SQLType,
			MySQLType:    c.MySQLType,
		})
	}
	result.RowSchema = schema
}

// uniqueTables returns the de-duplicated DbTable list a task touches.
func uniqueTables(scanned []base.ScannedTable) []base.DbTable {
	seen := make(map[base.DbTable]bool)
	var out []base.DbTable
	for _, t := range scanned {
		if !seen[t.Table] {
			seen[t.Table] = true
			out = append(out, t.Table)
		}
	}
	return out
}
