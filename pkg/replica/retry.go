package replica

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/cockroachdb/errors"
	"github.com/facebookgo/clock"
	"github.com/go-sql-driver/mysql"
	"github.com/lsst/qserv-sub010/pkg/workererr"
)

// mysqlDeadlockErrno and mysqlLockWaitTimeoutErrno are the two MySQL
// error numbers the persistence layer treats as retryable (spec §4.7:
// "on retryable deadlock, retry once").
const (
	mysqlDeadlockErrno         = 1213
	mysqlLockWaitTimeoutErrno  = 1205
)

// mysqlErrNumber extracts the MySQL error number from err, or 0 if err
// isn't (or doesn't wrap) a *mysql.MySQLError.
func mysqlErrNumber(err error) int {
	var merr *mysql.MySQLError
	if errors.As(err, &merr) {
		return int(merr.Number)
	}
	return 0
}

func isRetryableDeadlock(err error) bool {
	n := mysqlErrNumber(err)
	return n == mysqlDeadlockErrno || n == mysqlLockWaitTimeoutErrno
}

// RetryClock is the subset of facebookgo/clock.Clock the retry helper
// needs, narrowed so tests can inject clock.NewMock() the same way
// pkg/rpc/breaker.go's breakerClock bridges a clock to backoff/circuit
// breaker consumers.
type RetryClock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

func defaultRetryClock() RetryClock { return clock.New() }

// WithDeadlockRetry runs fn once, and if it fails with a retryable MySQL
// deadlock or lock-wait-timeout error, waits one short backoff interval
// (via cenkalti/backoff, the same retry library the teacher wires into
// its own reconnect logic) and retries exactly once more (spec §4.7,
// §7: "DeadlockRetry -- persistence transaction retried once; else
// surfaced").
func WithDeadlockRetry(ctx context.Context, clk RetryClock, fn func() error) error {
	err := fn()
	if err == nil || !isRetryableDeadlock(err) {
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 0 // a single retry, bounded by the caller's ctx

	select {
	case <-clk.After(b.NextBackOff()):
	case <-ctx.Done():
		return ctx.Err()
	}

	retryErr := fn()
	if retryErr != nil && isRetryableDeadlock(retryErr) {
		return workererr.ErrDeadlockRetry
	}
	return retryErr
}
