package wbase

import (
	"context"
	"encoding/binary"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/lsst/qserv-sub010/pkg/wlog"
)

// FileSpoolChannel is the file-spool variant of the streaming result
// channel (spec §4.4: "optionally the channel spools rows to a local
// result file ... instead of streaming; when the final task finishes it
// flushes, closes, and sends only the single summary message back.
// Partially written files are removed on any failure"). Grounded on
// SPEC_FULL.md Part D.2 / original_source/src/wbase/FileChannelShared.h:
// open-on-first-write, flush+close+send-summary on last task,
// remove-on-error.
//
// Unlike SendChannelShared, a FileSpoolChannel never streams a message
// to the transport until the whole result is spooled: every SendStream
// call appends a length-prefixed frame to the local file, and only the
// final (task-group-complete) call triggers a single summary Send over
// the wrapped Channel.
type FileSpoolChannel struct {
	deadFlag

	channel Channel
	path    string
	log     wlog.AmbientContext

	mu        sync.Mutex
	file      *os.File
	taskCount int
	lastCount int
	bytes     int64
	opened    bool
	failed    bool
}

// NewFileSpoolChannel constructs a FileSpoolChannel that spools rows to
// path and, once every one of taskCount tasks has reported its last
// buffer, sends a single summary message over channel.
func NewFileSpoolChannel(channel Channel, path string, taskCount int) *FileSpoolChannel {
	f := &FileSpoolChannel{channel: channel, path: path, taskCount: taskCount}
	f.log.AddLogTag("filespool", path)
	return f
}

func (f *FileSpoolChannel) openLocked() error {
	if f.opened {
		return nil
	}
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return errors.Wrapf(err, "wbase: open spool file %s", f.path)
	}
	f.file = file
	f.opened = true
	return nil
}

// writeFrame appends one length-prefixed frame (4-byte big-endian length
// followed by the payload) to the spool file, the same framing a
// receiver later re-reads the file with.
func (f *FileSpoolChannel) writeFrame(buf []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(buf)))
	if _, err := f.file.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := f.file.Write(buf); err != nil {
		return err
	}
	f.bytes += int64(len(lenBuf)) + int64(len(buf))
	return nil
}

// SendStream appends buf as one framed record to the spool file. When
// last is true and every task sharing this channel has now reported its
// last buffer, the file is flushed and closed and a single summary
// message is sent over the wrapped Channel.
func (f *FileSpoolChannel) SendStream(buf []byte, last bool) bool {
	if f.IsDead() {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.openLocked(); err != nil {
		f.abortLocked(err)
		return false
	}
	if err := f.writeFrame(buf); err != nil {
		f.abortLocked(err)
		return false
	}
	if !last {
		return true
	}
	f.lastCount++
	if f.lastCount < f.taskCount {
		return true
	}
	return f.finishLocked()
}

// Send and SetMetadata pass straight through to the wrapped channel;
// only row data is ever spooled to the file.
func (f *FileSpoolChannel) Send(buf []byte) bool {
	if f.IsDead() {
		return false
	}
	return f.channel.Send(buf)
}

func (f *FileSpoolChannel) SetMetadata(buf []byte) bool {
	if f.IsDead() {
		return false
	}
	return f.channel.SetMetadata(buf)
}

// SendError aborts the spool (removing the partial file) and forwards
// the error to the wrapped channel.
func (f *FileSpoolChannel) SendError(msg string, code int) bool {
	f.mu.Lock()
	f.abortLocked(errors.Newf("wbase: %s (code %d)", msg, code))
	f.mu.Unlock()
	if f.Kill() {
		return false
	}
	return f.channel.SendError(msg, code)
}

// finishLocked flushes and closes the spool file and sends the single
// summary message over the wrapped channel, matching
// FileChannelShared's "flush, close, send summary" sequence on the
// group's last task.
func (f *FileSpoolChannel) finishLocked() bool {
	if err := f.file.Sync(); err != nil {
		f.abortLocked(err)
		return false
	}
	if err := f.file.Close(); err != nil {
		f.abortLocked(err)
		return false
	}
	f.Kill()
	return f.channel.SendStream([]byte(f.path), true)
}

// abortLocked removes the partially written spool file on any failure
// (spec §4.4: "partially written files are removed on any failure").
func (f *FileSpoolChannel) abortLocked(cause error) {
	if f.failed {
		return
	}
	f.failed = true
	if f.file != nil {
		_ = f.file.Close()
	}
	if f.opened {
		_ = os.Remove(f.path)
	}
	wlog.Errorf(f.log.AnnotateCtx(context.Background()), "wbase: file-spool channel aborted: %v", cause)
}

// BytesWritten reports how many bytes (including frame length prefixes)
// have been written to the spool file so far, for tests and diagnostics.
func (f *FileSpoolChannel) BytesWritten() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bytes
}

var _ Channel = (*FileSpoolChannel)(nil)
