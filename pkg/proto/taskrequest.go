package proto

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/lsst/qserv-sub010/pkg/base"
)

// TaskRequest is the first frame a client sends on a new xport stream:
// everything needed to reconstruct the base.Task the worker will run
// (spec §3, §4.5). Framed as plain JSON, the same choice MarshalResult
// makes for Result bodies, since no .proto file is compiled in this tree.
type TaskRequest struct {
	QueryID      int64
	JobID        int64
	Attempt      int
	CzarID       string
	ChunkID      int32
	Tables       []base.ScannedTable
	Interactive  bool
	MaxTableSize int64
	Fragments    []base.Fragment
	Protocol     int32
}

// FromTask captures t's fields into a TaskRequest for transmission.
func FromTask(t *base.Task) *TaskRequest {
	return &TaskRequest{
		QueryID:      t.QueryID,
		JobID:        t.JobID,
		Attempt:      t.Attempt,
		CzarID:       t.CzarID,
		ChunkID:      t.ChunkID,
		Tables:       t.Tables,
		Interactive:  t.Interactive,
		MaxTableSize: t.MaxTableSize,
		Fragments:    t.Fragments,
		Protocol:     t.Protocol,
	}
}

// ToTask reconstructs a base.Task from a received TaskRequest.
func (r *TaskRequest) ToTask() *base.Task {
	t := base.NewTask(r.QueryID, r.JobID, r.CzarID, r.ChunkID, r.Tables, r.Interactive)
	t.Attempt = r.Attempt
	t.MaxTableSize = r.MaxTableSize
	t.Fragments = r.Fragments
	if r.Protocol != 0 {
		t.Protocol = r.Protocol
	}
	return t
}

// MarshalTaskRequest serializes r to JSON.
func MarshalTaskRequest(r *TaskRequest) ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, errors.Wrap(err, "proto: marshal TaskRequest")
	}
	return b, nil
}

// UnmarshalTaskRequest is the inverse of MarshalTaskRequest.
func UnmarshalTaskRequest(b []byte) (*TaskRequest, error) {
	var r TaskRequest
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, errors.Wrap(err, "proto: unmarshal TaskRequest")
	}
	return &r, nil
}
