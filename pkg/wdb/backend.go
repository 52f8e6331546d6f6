// Package wdb implements the subchunk resource manager (spec §4.3, C3) and
// the task runner (spec §4.5, C5), mirroring the teacher's wdb package
// which in the original houses both ChunkResource.{h,cc} and
// QueryRunner.{h,cc}/QueryAction.{h,cc} side by side.
package wdb

import (
	"context"
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/lsst/qserv-sub010/pkg/base"
)

// Backend materializes and discards subchunk tables in a dedicated
// in-memory database. It is the worker-side analogue of SQLBackend (spec
// §4.3, §6: "CREATE_SUBCHUNK_SCRIPT" / "CLEANUP_SUBCHUNK_SCRIPT").
type Backend interface {
	// Load issues the bulk CREATE TABLE ... SELECT ... WHERE subChunkId = ?
	// sequence for one subchunk table.
	Load(ctx context.Context, db string, table base.DbTable, chunkID, subChunkID int32) error
	// Discard drops a materialized subchunk table.
	Discard(ctx context.Context, db string, table base.DbTable, chunkID, subChunkID int32) error
}

// SubChunkColumn is the special column name used for subchunk membership
// (spec §6).
const SubChunkColumn = "subChunkId"

// CreateSubchunkScript formats the CREATE_SUBCHUNK_SCRIPT template (spec
// §6): it materializes one subchunk's rows into a scratch table.
func CreateSubchunkScript(db string, table base.DbTable, spatialColumn string, chunkID, subChunkID int32) string {
	scratch := fmt.Sprintf("Subchunks_%s_%d", table.Table, chunkID)
	return fmt.Sprintf(
		"CREATE TABLE %s.%s_%d SELECT * FROM %s.%s WHERE %s = %d AND %s = %d",
		db, scratch, subChunkID, table.Db, table.Table, spatialColumn, chunkID, SubChunkColumn, subChunkID,
	)
}

// CleanupSubchunkScript formats the CLEANUP_SUBCHUNK_SCRIPT template
// (spec §6): it drops a previously materialized scratch table.
func CleanupSubchunkScript(db string, table base.DbTable, chunkID, subChunkID int32) string {
	scratch := fmt.Sprintf("Subchunks_%s_%d", table.Table, chunkID)
	return fmt.Sprintf("DROP TABLE IF EXISTS %s.%s_%d", db, scratch, subChunkID)
}

// SQLBackend is the real Backend, driving a database/sql connection pool
// against the in-memory scratch database via the MySQL driver (the
// "low-level database driver" spec §1 assumes exists).
type SQLBackend struct {
	exec       Execer
	spatialCol string
}

// Execer is the subset of *sql.DB this package needs, so tests can supply
// a fake without a real MySQL server.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) error
}

// NewSQLBackend constructs a Backend over exec, using spatialColumn as the
// column referenced by CreateSubchunkScript.
func NewSQLBackend(exec Execer, spatialColumn string) *SQLBackend {
	return &SQLBackend{exec: exec, spatialCol: spatialColumn}
}

func (b *SQLBackend) Load(ctx context.Context, db string, table base.DbTable, chunkID, subChunkID int32) error {
	script := CreateSubchunkScript(db, table, b.spatialCol, chunkID, subChunkID)
	if err := b.exec.ExecContext(ctx, script); err != nil {
		return errors.Wrapf(err, "wdb: load %s chunk %d subchunk %d", table, chunkID, subChunkID)
	}
	return nil
}

func (b *SQLBackend) Discard(ctx context.Context, db string, table base.DbTable, chunkID, subChunkID int32) error {
	script := CleanupSubchunkScript(db, table, chunkID, subChunkID)
	if err := b.exec.ExecContext(ctx, script); err != nil {
		return errors.Wrapf(err, "wdb: discard %s chunk %d subchunk %d", table, chunkID, subChunkID)
	}
	return nil
}

// FakeBackend is a Backend for tests: it records "(db:chunk:table:subchunk)"
// strings in a set; Load inserts, Discard removes (spec §4.3). It never
// acquires the real process lock.
type FakeBackend struct {
	mu      sync.Mutex
	entries map[string]bool
	// FailLoad, when set, is returned by Load instead of succeeding, to
	// exercise the "surface the error and decrement the just-incremented
	// entries" rollback path.
	FailLoad error
}

func NewFakeBackend() *FakeBackend {
	return &FakeBackend{entries: make(map[string]bool)}
}

func key(db string, table base.DbTable, chunkID, subChunkID int32) string {
	return fmt.Sprintf("%s:%d:%s:%d", db, chunkID, table.Table, subChunkID)
}

func (f *FakeBackend) Load(ctx context.Context, db string, table base.DbTable, chunkID, subChunkID int32) error {
	if f.FailLoad != nil {
		return f.FailLoad
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[key(db, table, chunkID, subChunkID)] = true
	return nil
}

func (f *FakeBackend) Discard(ctx context.Context, db string, table base.DbTable, chunkID, subChunkID int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, key(db, table, chunkID, subChunkID))
	return nil
}

// Has reports whether (db, table, chunkID, subChunkID) is currently
// loaded, for test assertions.
func (f *FakeBackend) Has(db string, table base.DbTable, chunkID, subChunkID int32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries[key(db, table, chunkID, subChunkID)]
}

// Len reports how many subchunk tables are currently recorded as loaded.
func (f *FakeBackend) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}
