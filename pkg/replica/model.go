// Package replica implements the replica/job persistence layer (spec
// §4.7, C7): insert-or-update bookkeeping for controllers, jobs,
// requests, events, and replicas, plus the set-theoretic reconciliation
// of worker-reported replica collections against persisted state.
// Grounded on original_source/core/modules/replica/{DatabaseServicesMySQL,
// QservGetReplicasJob,SemanticMaps}.{h,cc} and the schema in spec §6,
// following the teacher's own persistence idiom in
// kv/kvserver/protectedts/ptreconcile/reconciler.go (read-reconcile-write
// against a backing store, one mutating call per top-level transaction).
package replica

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// SentinelChunk is the reserved pseudo-chunk used for metadata rows; it
// is always excluded from replication counting (spec §3).
const SentinelChunk int32 = 1234567890

// NewID mints a new stringified ULID for a Controller/Job/Request/Event/
// Transaction row's primary key (spec §3: "keyed by stringified ULIDs").
func NewID() string {
	return ulid.Make().String()
}

// State is the shared lifecycle enum for Job and Request rows.
type State int32

const (
	StateCreated State = iota
	StateInProgress
	StateFinished
	StateFailed
	StateCancelled
)

// Controller is one `controller` row: a running controller process.
type Controller struct {
	ID        string
	Hostname  string
	PID       int32
	StartTime time.Time
}

// Job is one `job` row, optionally a child of another job
// (ParentJobID != "").
type Job struct {
	ID           string
	ControllerID string
	ParentJobID  string
	Type         string
	State        State
	ExtState     string
	CreateTime   time.Time
	StartTime    time.Time
	FinishTime   time.Time
	HeartbeatTime time.Time
	Priority     int32
	Ext          map[string]string
}

// Request is one `request` row, a child of exactly one Job.
type Request struct {
	ID         string
	JobID      string
	Name       string
	Worker     string
	Priority   int32
	State      State
	ExtState   string
	ServerStatus string

	CreateTime time.Time // c_create_time
	StartTime  time.Time // c_start_time
	FinishTime time.Time // c_finish_time

	WorkerReceiveTime time.Time // w_receive_time
	WorkerStartTime   time.Time // w_start_time
	WorkerFinishTime  time.Time // w_finish_time

	Ext map[string]string
}

// Event is one `controller_log` row: a point-in-time audit entry,
// optionally correlated to a request or job.
type Event struct {
	ID           int64
	ControllerID string
	Time         time.Time
	Task         string
	Operation    string
	Status       string
	RequestID    string
	JobID        string
	Ext          map[string]string
}

// File is one `replica_file` row: one file qserv expects to find on disk
// for a given replica.
type File struct {
	Name               string
	Size               int64
	MTime              int64
	Checksum           string
	BeginTransferTime  time.Time
	EndTransferTime    time.Time
}

// Replica is one `replica` row plus its owned files (spec §3). Declared
// is the set of file names the chunk's metadata says should exist;
// Complete is derived from Declared vs. Files, never persisted directly
// (spec: "a replica is considered COMPLETE iff all its declared files are
// present").
type Replica struct {
	ID         int64
	Worker     string
	Database   string
	Chunk      int32
	VerifyTime time.Time
	Declared   []string
	Files      []File
}

// Complete reports whether every declared file name has a matching File
// entry (spec §3: "only COMPLETE replicas may be persisted").
func (r Replica) Complete() bool {
	if len(r.Declared) == 0 {
		return false
	}
	have := make(map[string]bool, len(r.Files))
	for _, f := range r.Files {
		have[f.Name] = true
	}
	for _, name := range r.Declared {
		if !have[name] {
			return false
		}
	}
	return true
}

// Key returns the (worker, database, chunk) identity used for
// reconciliation and as the unique constraint on the `replica` table.
func (r Replica) Key() (string, string, int32) { return r.Worker, r.Database, r.Chunk }

// SameFiles deep-compares two replicas' file lists, ignoring order, for
// the reconciliation "deep-compare and delete-then-insert if different"
// rule (spec §4.7 point 6).
func (r Replica) SameFiles(o Replica) bool {
	if len(r.Files) != len(o.Files) {
		return false
	}
	byName := make(map[string]File, len(r.Files))
	for _, f := range r.Files {
		byName[f.Name] = f
	}
	for _, f := range o.Files {
		g, ok := byName[f.Name]
		if !ok {
			return false
		}
		if f.Size != g.Size || f.MTime != g.MTime || f.Checksum != g.Checksum {
			return false
		}
	}
	return true
}

// Equal reports whether r and o represent the same replica state: same
// key, same verify time, and same files (spec §4.7 point 6).
func (r Replica) Equal(o Replica) bool {
	wr, dr, cr := r.Key()
	wo, do, co := o.Key()
	return wr == wo && dr == do && cr == co && r.VerifyTime.Equal(o.VerifyTime) && r.SameFiles(o)
}

// Transaction is one `transaction` row: a database-ingest transaction
// grouping many `transaction_contrib` rows.
type Transaction struct {
	ID         int64
	Database   string
	State      string
	BeginTime  time.Time
	EndTime    time.Time
	Context    string
}

// TransactionContrib is one `transaction_contrib` row: one worker's
// contribution (a single table/chunk ingest) to a Transaction.
type TransactionContrib struct {
	ID            int64
	TransactionID int64
	Worker        string
	Database      string
	Table         string
	Chunk         int32
	IsOverlap     bool
	URL           string
	Type          string
	NumBytes      int64
	NumRows       int64
	CreateTime    time.Time
	StartTime     time.Time
	ReadTime      time.Time
	LoadTime      time.Time
	Status        string
	TmpFile       string
	HTTPError     int32
	SystemError   int32
	Error         string
	RetryAllowed  bool
}
