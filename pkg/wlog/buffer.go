// Package wlog is the worker's ambient logging layer. It follows the
// teacher's util/log package: a severity-leveled logger built around a
// pooled byte buffer (to avoid per-line allocation on the hot path) plus an
// AmbientContext that threads structured log tags through context.Context
// using the real github.com/cockroachdb/logtags package, exactly as
// util/log/ambient_context_test.go exercises it upstream.
package wlog

import (
	"bytes"
	"sync"
)

// buffer holds a byte Buffer for reuse while constructing log lines. The
// zero value is ready for use. Pooling avoids an allocation per log call.
type buffer struct {
	bytes.Buffer
}

var bufPool = sync.Pool{New: func() interface{} { return new(buffer) }}

func getBuffer() *buffer {
	b := bufPool.Get().(*buffer)
	b.Reset()
	return b
}

func putBuffer(b *buffer) {
	if b.Len() >= 256 {
		// Let big buffers die a natural death instead of pooling them
		// forever.
		return
	}
	bufPool.Put(b)
}
