package wdb

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"
)

// ProcessLock serializes subchunk materialization across every worker
// process sharing the same in-memory scratch database, using a MySQL
// named lock (GET_LOCK/RELEASE_LOCK) held on a single dedicated
// connection (spec §4.3: "a single process-wide exclusive lock ... backed
// by a named lock in a dedicated lock database, so a crashed holder's
// lock is released automatically when its connection drops"). Unlike the
// per-chunk mutexes in Manager, this lock is not sharded: only one
// process in the fleet may be materializing any subchunk table at a time.
type ProcessLock struct {
	conn *sql.Conn
	name string
}

// NewProcessLock acquires name on conn, blocking up to timeoutSeconds (0
// means do not wait and a negative value waits indefinitely, matching
// MySQL's GET_LOCK semantics). The caller
// must keep conn open for as long as the lock is held; closing conn (or
// the process dying) releases the lock server-side.
func NewProcessLock(ctx context.Context, conn *sql.Conn, name string, timeoutSeconds int) (*ProcessLock, error) {
	var got int64
	row := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", name, timeoutSeconds)
	if err := row.Scan(&got); err != nil {
		return nil, errors.Wrapf(err, "wdb: GET_LOCK(%s)", name)
	}
	if got != 1 {
		return nil, errors.Newf("wdb: GET_LOCK(%s) timed out or failed", name)
	}
	return &ProcessLock{conn: conn, name: name}, nil
}

// Release explicitly releases the lock without closing the underlying
// connection, so it can be reacquired later in the same process.
func (l *ProcessLock) Release(ctx context.Context) error {
	var released int64
	row := l.conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", l.name)
	if err := row.Scan(&released); err != nil {
		return errors.Wrapf(err, "wdb: RELEASE_LOCK(%s)", l.name)
	}
	if released != 1 {
		return errors.Newf("wdb: RELEASE_LOCK(%s): not held by this connection", l.name)
	}
	return nil
}

// IsOwner re-verifies that this connection is still the one holding
// name, by comparing IS_USED_LOCK against this connection's own
// CONNECTION_ID (spec §4.3: "every mutating operation must re-verify
// ownership before touching the backend; this protects against silent
// drops of the lock database" -- a dropped connection silently releases
// the MySQL named lock, so a stale *ProcessLock value must not be
// trusted without asking the server again).
func (l *ProcessLock) IsOwner(ctx context.Context) (bool, error) {
	var holder sql.NullInt64
	if err := l.conn.QueryRowContext(ctx, "SELECT IS_USED_LOCK(?)", l.name).Scan(&holder); err != nil {
		return false, errors.Wrapf(err, "wdb: IS_USED_LOCK(%s)", l.name)
	}
	if !holder.Valid {
		return false, nil
	}
	var connID int64
	if err := l.conn.QueryRowContext(ctx, "SELECT CONNECTION_ID()").Scan(&connID); err != nil {
		return false, errors.Wrap(err, "wdb: CONNECTION_ID")
	}
	return holder.Int64 == connID, nil
}
