// Package workererr defines the error kinds shared across the worker-side
// query execution core (scheduler, subchunk manager, result channel, task
// runner, and replica/job persistence). Every fallible operation in this
// module returns an error built with github.com/cockroachdb/errors and, for
// the kinds below, wraps one of these sentinels so callers can test with
// errors.Is instead of string matching.
package workererr

import (
	"os"

	"github.com/cockroachdb/errors"
)

// Sentinel error kinds. These correspond 1:1 with spec §7.
var (
	// ErrUnsupportedProtocol: incoming task protocol version < 2.
	ErrUnsupportedProtocol = errors.New("unsupported protocol version")
	// ErrBufferTooSmall: codec/transmit buffer cannot hold a single unit.
	ErrBufferTooSmall = errors.New("buffer too small")
	// ErrRowTooLarge: a single row exceeds the hard protobuf size limit.
	ErrRowTooLarge = errors.New("row too large")
	// ErrDuplicateKey: persistence INSERT hit a unique constraint it
	// could not resolve via UPDATE or delete-then-insert.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrDeadlockRetry: persistence transaction hit a retryable deadlock
	// and the single automatic retry also failed.
	ErrDeadlockRetry = errors.New("deadlock, retry exhausted")
	// ErrNotFound: a history-query lookup found no matching row.
	ErrNotFound = errors.New("not found")
	// ErrInvalidArgument: unknown database/worker, empty id, or a
	// reversed time range.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrCancelled: produced by cooperative cancellation checks.
	ErrCancelled = errors.New("cancelled")
	// ErrTransportDead: the send channel discovered the transport is
	// finished; further sends are no-ops.
	ErrTransportDead = errors.New("transport dead")
)

// Bug panics with an AssertionFailed-wrapped error. Use only for invariant
// violations that must never happen in correct code (e.g. a subchunk
// refcount going negative). Callers at a process boundary should recover
// and call ExitOnBug.
func Bug(format string, args ...interface{}) error {
	return errors.AssertionFailedf(format, args...)
}

// IsBug reports whether err originated from Bug.
func IsBug(err error) bool {
	return errors.HasAssertionFailure(err)
}

// ExitOnBug logs a fatal invariant violation and terminates the process
// immediately. Matches the source's "exit due to conflict" handler: silent
// continuation after a Bug is forbidden.
//
// logf is injected so this package doesn't depend on the logging package;
// callers pass their own logger's Fatalf-shaped function.
func ExitOnBug(logf func(format string, args ...interface{}), err error) {
	logf("fatal invariant violation: %+v", err)
	os.Exit(1)
}
