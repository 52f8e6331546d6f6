package wdb

import (
	"context"
	"database/sql"
	"sync"

	"github.com/lsst/qserv-sub010/pkg/codec"
	"github.com/lsst/qserv-sub010/pkg/wlog"
)

// blobTypeNames are the DatabaseTypeName() values MySQL reports for
// BLOB-family columns, used to set codec.Column.Blob so the row codec
// picks the quoted-hex encoding mode for them (spec §4.1: "selected
// per-column by a schema-derived flag indicating a BLOB-family type").
var blobTypeNames = map[string]bool{
	"BLOB": true, "TINYBLOB": true, "MEDIUMBLOB": true, "LONGBLOB": true,
	"BINARY": true, "VARBINARY": true, "GEOMETRY": true,
}

// SQLQueryConn is the real QueryConn, driving one database/sql
// connection against the go-sql-driver/mysql-registered driver (spec
// §4.5, the "low-level database driver" collaborator assumed to exist
// by §1). Grounded on MySqlConnection::queryUnbuffered (server-side
// cursor query) and MySqlConnection::cancel (KILL QUERY by connection
// id, issued on a second connection since the original is busy running
// the query it's cancelling).
type SQLQueryConn struct {
	db   *sql.DB
	conn *sql.Conn
	log  wlog.AmbientContext

	mu        sync.Mutex
	connID    int64
	cancelled bool
}

// NewSQLQueryConn wraps conn (checked out from db's pool) as a
// QueryConn, recording conn's server-side CONNECTION_ID() up front so
// Cancel can later issue KILL QUERY against it from a different
// connection.
func NewSQLQueryConn(ctx context.Context, db *sql.DB, conn *sql.Conn) (*SQLQueryConn, error) {
	c := &SQLQueryConn{db: db, conn: conn}
	c.log.AddLogTag("wdb-conn", nil)
	if err := conn.QueryRowContext(ctx, "SELECT CONNECTION_ID()").Scan(&c.connID); err != nil {
		return nil, err
	}
	return c, nil
}

// SetUser records the czar-passed identity against the connection as a
// user-defined session variable, for audit logging on the server side
// (spec §4.5: "set the per-task user identity on the connection").
func (c *SQLQueryConn) SetUser(user string) error {
	_, err := c.conn.ExecContext(context.Background(), "SET @qserv_user := ?", user)
	return err
}

// QueryUnbuffered runs query as a server-side (unbuffered) cursor and
// wraps the resulting *sql.Rows as a ResultSet (spec §4.5 step 5: "run
// the fragment as an unbuffered query (server-side cursor) and pull
// rows").
func (c *SQLQueryConn) QueryUnbuffered(ctx context.Context, query string) (ResultSet, error) {
	rows, err := c.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	return newSQLResultSet(rows)
}

// Cancel issues KILL QUERY against this connection's server-side
// connection id from a freshly checked-out connection, logging one of
// the four outcomes spec §4.5 names (NOP, success, connect-to-kill
// failed, processing-kill failed) -- none of which are fatal to the
// caller.
func (c *SQLQueryConn) Cancel() error {
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		wlog.Infof(context.Background(), "wdb: cancel: NOP, connection %d already cancelled", c.connID)
		return nil
	}
	c.cancelled = true
	connID := c.connID
	c.mu.Unlock()

	ctx := context.Background()
	killConn, err := c.db.Conn(ctx)
	if err != nil {
		wlog.Warningf(ctx, "wdb: cancel: connect-to-kill failed for connection %d: %v", connID, err)
		return nil
	}
	defer killConn.Close()

	if _, err := killConn.ExecContext(ctx, "KILL QUERY ?", connID); err != nil {
		wlog.Warningf(ctx, "wdb: cancel: processing-kill failed for connection %d: %v", connID, err)
		return nil
	}
	wlog.Infof(ctx, "wdb: cancel: KILL QUERY succeeded for connection %d", connID)
	return nil
}

// Close releases the underlying pooled connection.
func (c *SQLQueryConn) Close() error { return c.conn.Close() }

var _ QueryConn = (*SQLQueryConn)(nil)

// sqlResultSet adapts *sql.Rows to the ResultSet/codec.RowSource
// interfaces Runner drains, detecting each column's BLOB-family-ness up
// front from its DatabaseTypeName() so codec.Column.Blob is set
// correctly for every row without a second round trip.
type sqlResultSet struct {
	rows *sql.Rows
	cols []ColumnInfo
	blob []bool
	err  error
}

func newSQLResultSet(rows *sql.Rows) (*sqlResultSet, error) {
	cts, err := rows.ColumnTypes()
	if err != nil {
		rows.Close()
		return nil, err
	}
	s := &sqlResultSet{rows: rows, cols: make([]ColumnInfo, len(cts)), blob: make([]bool, len(cts))}
	for i, ct := range cts {
		isBlob := blobTypeNames[ct.DatabaseTypeName()]
		s.blob[i] = isBlob
		s.cols[i] = ColumnInfo{
			Name:      ct.Name(),
			MySQLType: 0,
			Blob:      isBlob,
		}
	}
	return s, nil
}

func (s *sqlResultSet) Columns() []ColumnInfo { return s.cols }

func (s *sqlResultSet) Next() (codec.Row, bool) {
	if !s.rows.Next() {
		s.err = s.rows.Err()
		return codec.Row{}, false
	}
	dest := make([]sql.RawBytes, len(s.cols))
	ptrs := make([]interface{}, len(dest))
	for i := range dest {
		ptrs[i] = &dest[i]
	}
	if err := s.rows.Scan(ptrs...); err != nil {
		s.err = err
		return codec.Row{}, false
	}
	row := codec.Row{Cols: make([]codec.Column, len(dest))}
	for i, d := range dest {
		if d == nil {
			row.Cols[i] = codec.Column{Null: true}
			continue
		}
		row.Cols[i] = codec.Column{Data: append([]byte(nil), d...), Blob: s.blob[i]}
	}
	return row, true
}

func (s *sqlResultSet) Err() error   { return s.err }
func (s *sqlResultSet) Close() error { return s.rows.Close() }

var _ ResultSet = (*sqlResultSet)(nil)
