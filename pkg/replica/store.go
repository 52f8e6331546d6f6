package replica

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/lsst/qserv-sub010/pkg/workererr"
)

// Store is the persistence surface C7 needs: insert-or-update and
// time-bounded history queries over the control-plane schema (spec §4.7,
// §6). SQLStore is the real implementation over database/sql + the
// go-sql-driver/mysql driver; FakeStore backs tests that exercise
// reconciliation and reporting logic without a live database, the same
// split wdb.Backend/wdb.FakeBackend uses for the subchunk manager.
type Store interface {
	SaveController(ctx context.Context, c Controller) error
	SaveJob(ctx context.Context, j Job) error
	SaveRequest(ctx context.Context, r Request) error
	LogEvent(ctx context.Context, e Event) error

	Controllers(ctx context.Context, from, to time.Time, maxEntries int) ([]Controller, error)
	Jobs(ctx context.Context, controllerID string, from, to time.Time, maxEntries int) ([]Job, error)
	Requests(ctx context.Context, jobID string, from, to time.Time, maxEntries int) ([]Request, error)
	Events(ctx context.Context, controllerID string, from, to time.Time, maxEntries int) ([]Event, error)

	SaveReplica(ctx context.Context, r Replica) error
	DeleteReplica(ctx context.Context, worker, database string, chunk int32) error
	LoadReplicas(ctx context.Context, worker, database string) ([]Replica, error)
	LoadReplicaFiles(ctx context.Context, replicaIDs []int64, maxPacketBytes int) (map[int64][]File, error)

	SaveTransaction(ctx context.Context, t Transaction) error
	SaveTransactionContrib(ctx context.Context, c TransactionContrib) error
}

// TimeUnbounded is the spec's "toTimeStamp=0 means unbounded future"
// sentinel (spec §4.7).
var TimeUnbounded = time.Time{}

// unbounded reports whether t represents "no upper bound".
func unbounded(t time.Time) bool { return t.IsZero() }

// inRange reports whether t falls within [from, to], where a zero `to`
// means unbounded future (spec §4.7).
func inRange(t, from, to time.Time) bool {
	if t.Before(from) {
		return false
	}
	if !unbounded(to) && t.After(to) {
		return false
	}
	return true
}

// SQLStore is the real Store, driving a database/sql connection pool
// against the control-plane database via the MySQL driver (spec §1's
// "low-level database driver" collaborator).
type SQLStore struct {
	db    *sql.DB
	clock RetryClock
}

// NewSQLStore constructs a SQLStore over db.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, clock: defaultRetryClock()}
}

// withTx runs fn inside a transaction: begin -> fn -> commit, rolling
// back on any error and retrying once on a retryable deadlock (spec §4.7:
// "begin transaction -> attempt INSERT -> on duplicate-key, UPDATE ... ->
// commit. On any driver error, roll back; on retryable deadlock, retry
// once.").
func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return WithDeadlockRetry(ctx, s.clock, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return errors.Wrap(err, "replica: begin transaction")
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrap(err, "replica: commit transaction")
		}
		return nil
	})
}

// SaveController inserts c, or updates its hostname, pid and start_time
// columns on a duplicate key (spec §4.7's insert-or-update pattern).
func (s *SQLStore) SaveController(ctx context.Context, c Controller) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO controller (id, hostname, pid, start_time) VALUES (?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE hostname = VALUES(hostname), pid = VALUES(pid), start_time = VALUES(start_time)`,
			c.ID, c.Hostname, c.PID, c.StartTime)
		return errors.Wrap(err, "replica: save controller")
	})
}

// SaveJob inserts j, or updates its mutable state/timing columns on a
// duplicate key, then replaces its `job_ext` rows (spec §4.7, §6).
func (s *SQLStore) SaveJob(ctx context.Context, j Job) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var parent interface{}
		if j.ParentJobID != "" {
			parent = j.ParentJobID
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO job (id, controller_id, parent_job_id, type, state, ext_state,
				begin_time, end_time, heartbeat_time, priority)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE state = VALUES(state), ext_state = VALUES(ext_state),
				end_time = VALUES(end_time), heartbeat_time = VALUES(heartbeat_time)`,
			j.ID, j.ControllerID, parent, j.Type, j.State, j.ExtState,
			j.CreateTime, j.FinishTime, j.HeartbeatTime, j.Priority)
		if err != nil {
			return errors.Wrap(err, "replica: save job")
		}
		return saveExtRows(ctx, tx, "job_ext", "job_id", j.ID, j.Ext)
	})
}

// SaveRequest inserts r, or updates its mutable state/timing columns on a
// duplicate key, then replaces its `request_ext` rows.
func (s *SQLStore) SaveRequest(ctx context.Context, r Request) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO request (id, job_id, name, worker, priority, state, ext_state, server_status,
				c_create_time, c_start_time, c_finish_time, w_receive_time, w_start_time, w_finish_time)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE state = VALUES(state), ext_state = VALUES(ext_state),
				server_status = VALUES(server_status), c_finish_time = VALUES(c_finish_time),
				w_receive_time = VALUES(w_receive_time), w_start_time = VALUES(w_start_time),
				w_finish_time = VALUES(w_finish_time)`,
			r.ID, r.JobID, r.Name, r.Worker, r.Priority, r.State, r.ExtState, r.ServerStatus,
			r.CreateTime, r.StartTime, r.FinishTime, r.WorkerReceiveTime, r.WorkerStartTime, r.WorkerFinishTime)
		if err != nil {
			return errors.Wrap(err, "replica: save request")
		}
		return saveExtRows(ctx, tx, "request_ext", "request_id", r.ID, r.Ext)
	})
}

// LogEvent appends one `controller_log` row plus its `controller_log_ext`
// rows. Events are append-only: there is no insert-or-update here.
func (s *SQLStore) LogEvent(ctx context.Context, e Event) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var reqID, jobID interface{}
		if e.RequestID != "" {
			reqID = e.RequestID
		}
		if e.JobID != "" {
			jobID = e.JobID
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO controller_log (controller_id, time, task, operation, status, request_id, job_id)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.ControllerID, e.Time, e.Task, e.Operation, e.Status, reqID, jobID)
		if err != nil {
			return errors.Wrap(err, "replica: log event")
		}
		id, err := res.LastInsertId()
		if err != nil {
			return errors.Wrap(err, "replica: log event: last insert id")
		}
		for k, v := range e.Ext {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO controller_log_ext (controller_log_id, key_, val) VALUES (?, ?, ?)`, id, k, v); err != nil {
				return errors.Wrap(err, "replica: log event ext")
			}
		}
		return nil
	})
}

// saveExtRows replaces every row in extTable for parentID with the
// key/value pairs in ext (spec §4.7: "the extended state ... is written
// into a sibling table"), linked by the parent's ID in fkColumn.
func saveExtRows(ctx context.Context, tx *sql.Tx, extTable, fkColumn, parentID string, ext map[string]string) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM "+extTable+" WHERE "+fkColumn+" = ?", parentID); err != nil {
		return errors.Wrapf(err, "replica: clear %s", extTable)
	}
	for k, v := range ext {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO "+extTable+" ("+fkColumn+", param, value) VALUES (?, ?, ?)", parentID, k, v); err != nil {
			return errors.Wrapf(err, "replica: insert %s", extTable)
		}
	}
	return nil
}

// Jobs, Requests, Events implement the time-range history queries (spec
// §4.7: "fromTimeStamp/toTimeStamp/maxEntries selection ... ordering is
// always DESCending by start time"). The real SQLStore pushes the filter
// into SQL; FakeStore (fake_store.go) applies the identical `inRange`
// predicate in memory so both implementations agree on edge behavior.
func (s *SQLStore) Controllers(ctx context.Context, from, to time.Time, maxEntries int) ([]Controller, error) {
	query := `SELECT id, hostname, pid, start_time FROM controller WHERE start_time >= ?`
	args := []interface{}{from}
	if !unbounded(to) {
		query += " AND start_time <= ?"
		args = append(args, to)
	}
	query += " ORDER BY start_time DESC"
	if maxEntries > 0 {
		query += " LIMIT ?"
		args = append(args, maxEntries)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "replica: query controllers")
	}
	defer rows.Close()

	var out []Controller
	for rows.Next() {
		var c Controller
		if err := rows.Scan(&c.ID, &c.Hostname, &c.PID, &c.StartTime); err != nil {
			return nil, errors.Wrap(err, "replica: scan controller")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLStore) Jobs(ctx context.Context, controllerID string, from, to time.Time, maxEntries int) ([]Job, error) {
	query := `SELECT id, controller_id, parent_job_id, type, state, ext_state,
		begin_time, end_time, heartbeat_time, priority FROM job
		WHERE controller_id = ? AND begin_time >= ?`
	args := []interface{}{controllerID, from}
	if !unbounded(to) {
		query += " AND begin_time <= ?"
		args = append(args, to)
	}
	query += " ORDER BY begin_time DESC"
	if maxEntries > 0 {
		query += " LIMIT ?"
		args = append(args, maxEntries)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "replica: query jobs")
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var j Job
		var parent sql.NullString
		if err := rows.Scan(&j.ID, &j.ControllerID, &parent, &j.Type, &j.State, &j.ExtState,
			&j.CreateTime, &j.FinishTime, &j.HeartbeatTime, &j.Priority); err != nil {
			return nil, errors.Wrap(err, "replica: scan job")
		}
		j.ParentJobID = parent.String
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *SQLStore) Requests(ctx context.Context, jobID string, from, to time.Time, maxEntries int) ([]Request, error) {
	query := `SELECT id, job_id, name, worker, priority, state, ext_state, server_status,
		c_create_time, c_start_time, c_finish_time, w_receive_time, w_start_time, w_finish_time
		FROM request WHERE job_id = ? AND c_start_time >= ?`
	args := []interface{}{jobID, from}
	if !unbounded(to) {
		query += " AND c_start_time <= ?"
		args = append(args, to)
	}
	query += " ORDER BY c_start_time DESC"
	if maxEntries > 0 {
		query += " LIMIT ?"
		args = append(args, maxEntries)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "replica: query requests")
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		var r Request
		if err := rows.Scan(&r.ID, &r.JobID, &r.Name, &r.Worker, &r.Priority, &r.State, &r.ExtState, &r.ServerStatus,
			&r.CreateTime, &r.StartTime, &r.FinishTime, &r.WorkerReceiveTime, &r.WorkerStartTime, &r.WorkerFinishTime); err != nil {
			return nil, errors.Wrap(err, "replica: scan request")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStore) Events(ctx context.Context, controllerID string, from, to time.Time, maxEntries int) ([]Event, error) {
	query := `SELECT id, controller_id, time, task, operation, status, request_id, job_id
		FROM controller_log WHERE controller_id = ? AND time >= ?`
	args := []interface{}{controllerID, from}
	if !unbounded(to) {
		query += " AND time <= ?"
		args = append(args, to)
	}
	query += " ORDER BY time DESC"
	if maxEntries > 0 {
		query += " LIMIT ?"
		args = append(args, maxEntries)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "replica: query events")
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var reqID, jobID sql.NullString
		if err := rows.Scan(&e.ID, &e.ControllerID, &e.Time, &e.Task, &e.Operation, &e.Status, &reqID, &jobID); err != nil {
			return nil, errors.Wrap(err, "replica: scan event")
		}
		e.RequestID, e.JobID = reqID.String, jobID.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveReplica implements spec §4.7's single-replica save: COMPLETE
// replicas are inserted (files cascade-owned, never updated in place);
// an incomplete replica instead deletes any existing row for its key. A
// duplicate-key on insert means a newer verification of the same
// replica arrived concurrently; the handler deletes the old row and
// recurses exactly once (spec: "never in-place mutation of file rows,
// because file rows are cascade-owned by the replica row").
func (s *SQLStore) SaveReplica(ctx context.Context, r Replica) error {
	return s.saveReplica(ctx, r, true)
}

func (s *SQLStore) saveReplica(ctx context.Context, r Replica, allowRecurse bool) error {
	if !r.Complete() {
		return s.DeleteReplica(ctx, r.Worker, r.Database, r.Chunk)
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO replica (worker, database_, chunk, verify_time) VALUES (?, ?, ?, ?)`,
			r.Worker, r.Database, r.Chunk, r.VerifyTime)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return errors.Wrap(err, "replica: last insert id")
		}
		for _, f := range r.Files {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO replica_file (replica_id, name, size, mtime, cs, begin_create_time, end_create_time)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				id, f.Name, f.Size, f.MTime, f.Checksum, f.BeginTransferTime, f.EndTransferTime); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil && isDuplicateKey(err) && allowRecurse {
		if derr := s.DeleteReplica(ctx, r.Worker, r.Database, r.Chunk); derr != nil {
			return errors.Wrap(derr, "replica: delete stale replica before re-insert")
		}
		return s.saveReplica(ctx, r, false)
	}
	return errors.Wrap(err, "replica: save replica")
}

// DeleteReplica removes the (worker, database, chunk) row; the FK
// cascade on `replica_file` drops its files (spec §3, §6).
func (s *SQLStore) DeleteReplica(ctx context.Context, worker, database string, chunk int32) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM replica WHERE worker = ? AND database_ = ? AND chunk = ?`, worker, database, chunk)
		return errors.Wrap(err, "replica: delete replica")
	})
}

func (s *SQLStore) LoadReplicas(ctx context.Context, worker, database string) ([]Replica, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, worker, database_, chunk, verify_time FROM replica WHERE worker = ? AND database_ = ?`,
		worker, database)
	if err != nil {
		return nil, errors.Wrap(err, "replica: load replicas")
	}
	defer rows.Close()

	var out []Replica
	var ids []int64
	byID := make(map[int64]*Replica)
	for rows.Next() {
		var r Replica
		if err := rows.Scan(&r.ID, &r.Worker, &r.Database, &r.Chunk, &r.VerifyTime); err != nil {
			return nil, errors.Wrap(err, "replica: scan replica")
		}
		out = append(out, r)
		ids = append(ids, r.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		byID[out[i].ID] = &out[i]
	}

	files, err := s.LoadReplicaFiles(ctx, ids, DefaultMaxPacketBytes)
	if err != nil {
		return nil, err
	}
	for id, fs := range files {
		if r, ok := byID[id]; ok {
			r.Files = fs
		}
	}
	return out, nil
}

// DefaultMaxPacketBytes mirrors a conservative MySQL max_allowed_packet
// for callers that don't have the session's actual value handy.
const DefaultMaxPacketBytes = 4 * 1024 * 1024

// loadFilesConcurrency bounds how many batches LoadReplicaFiles runs in
// flight at once, so a very long replica-ID list doesn't open one
// connection per batch against the pool all at once.
const loadFilesConcurrency = 4

// LoadReplicaFiles fetches file rows for replicaIDs, batching the IN-list
// per BatchIDs so no single query can exceed maxPacketBytes (spec §4.7:
// "Batched file fetch"). Batches are independent SELECTs, so they run
// concurrently (bounded by loadFilesConcurrency) instead of one at a
// time; the first batch to fail cancels the rest via the errgroup's
// derived context.
func (s *SQLStore) LoadReplicaFiles(ctx context.Context, replicaIDs []int64, maxPacketBytes int) (map[int64][]File, error) {
	batches, err := BatchIDs(replicaIDs, maxPacketBytes)
	if err != nil {
		return nil, err
	}
	out := make(map[int64][]File)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(loadFilesConcurrency)
	for _, batch := range batches {
		batch := batch
		g.Go(func() error {
			placeholders, args := inListArgs(batch)
			rows, err := s.db.QueryContext(gctx,
				`SELECT replica_id, name, size, mtime, cs, begin_create_time, end_create_time
				 FROM replica_file WHERE replica_id IN (`+placeholders+`)`, args...)
			if err != nil {
				return errors.Wrap(err, "replica: load replica files")
			}
			defer rows.Close()

			batchOut := make(map[int64][]File)
			for rows.Next() {
				var id int64
				var f File
				if err := rows.Scan(&id, &f.Name, &f.Size, &f.MTime, &f.Checksum, &f.BeginTransferTime, &f.EndTransferTime); err != nil {
					return errors.Wrap(err, "replica: scan replica file")
				}
				batchOut[id] = append(batchOut[id], f)
			}
			if err := rows.Err(); err != nil {
				return err
			}

			mu.Lock()
			for id, fs := range batchOut {
				out[id] = append(out[id], fs...)
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func inListArgs(ids []int64) (string, []interface{}) {
	placeholders := ""
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args[i] = id
	}
	return placeholders, args
}

func (s *SQLStore) SaveTransaction(ctx context.Context, t Transaction) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO transaction (id, database_, state, begin_time, end_time, context)
			VALUES (?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE state = VALUES(state), end_time = VALUES(end_time), context = VALUES(context)`,
			t.ID, t.Database, t.State, t.BeginTime, t.EndTime, t.Context)
		return errors.Wrap(err, "replica: save transaction")
	})
}

func (s *SQLStore) SaveTransactionContrib(ctx context.Context, c TransactionContrib) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO transaction_contrib (id, transaction_id, worker, database_, table_, chunk, is_overlap,
				url, type, num_bytes, num_rows, create_time, start_time, read_time, load_time, status,
				tmp_file, http_error, system_error, error, retry_allowed)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE status = VALUES(status), read_time = VALUES(read_time),
				load_time = VALUES(load_time), http_error = VALUES(http_error),
				system_error = VALUES(system_error), error = VALUES(error)`,
			c.ID, c.TransactionID, c.Worker, c.Database, c.Table, c.Chunk, c.IsOverlap,
			c.URL, c.Type, c.NumBytes, c.NumRows, c.CreateTime, c.StartTime, c.ReadTime, c.LoadTime, c.Status,
			c.TmpFile, c.HTTPError, c.SystemError, c.Error, c.RetryAllowed)
		return errors.Wrap(err, "replica: save transaction contrib")
	})
}

// isDuplicateKey reports whether err is a MySQL duplicate-key error
// (1062), wrapped or not.
func isDuplicateKey(err error) bool {
	return mysqlErrNumber(err) == 1062
}

// ErrNotFound wraps workererr.ErrNotFound for history-query lookups that
// find no matching row (spec §7).
var ErrNotFound = workererr.ErrNotFound
