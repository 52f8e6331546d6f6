// Package wbase implements the streaming result channel (spec §4.4, C4):
// a bounded-queue, header-prefixed byte stream feeding a single logical
// reply, plus the admission-controlled TransmitMgr that fairly multiplexes
// many tasks' transmits across the worker. Grounded on
// original_source/core/modules/wbase/SendChannel.cc (SendChannel,
// SendChannelShared's addTransmit/_transmitLoop) and
// core/modules/wcontrol/Foreman.cc (TransmitMgr admission control).
package wbase

import (
	"sync"
	"sync/atomic"
)

// Channel is the abstract sink a task's results are written to,
// mirroring SendChannel. Concrete channels are gRPC streams in
// production; NopChannel and BufferChannel stand in for tests the same
// way the source's NopChannel/StringChannel do.
type Channel interface {
	// Send writes a single buffer outside of the streaming-envelope
	// protocol (used for metadata).
	Send(buf []byte) bool
	// SendError kills the channel and reports msg/code to the peer.
	SendError(msg string, code int) bool
	// SendStream writes one framed buffer; last marks end of stream.
	SendStream(buf []byte, last bool) bool
	// SetMetadata attaches out-of-band metadata (the first header, in
	// this package's usage).
	SetMetadata(buf []byte) bool
	// Kill marks the channel dead, returning whether it was already
	// dead (so callers can tell whether they're the one killing it).
	Kill() bool
	IsDead() bool
}

// deadFlag is shared behavior for Kill/IsDead across channel
// implementations.
type deadFlag struct {
	dead int32
}

func (d *deadFlag) Kill() bool {
	return atomic.SwapInt32(&d.dead, 1) == 1
}

func (d *deadFlag) IsDead() bool {
	return atomic.LoadInt32(&d.dead) == 1
}

// NopChannel discards everything; used for development and benchmarking
// without a real transport attached.
type NopChannel struct {
	deadFlag
}

func NewNopChannel() *NopChannel { return &NopChannel{} }

func (c *NopChannel) Send(buf []byte) bool             { return !c.IsDead() }
func (c *NopChannel) SendError(msg string, code int) bool { c.Kill(); return true }
func (c *NopChannel) SendStream(buf []byte, last bool) bool { return !c.IsDead() }
func (c *NopChannel) SetMetadata(buf []byte) bool       { return true }

// BufferChannel accumulates everything written to it, for tests that
// assert on the exact byte stream produced.
type BufferChannel struct {
	deadFlag
	mu       sync.Mutex
	data     []byte
	metadata []byte
	Errors   []string
}

func NewBufferChannel() *BufferChannel { return &BufferChannel{} }

func (c *BufferChannel) Send(buf []byte) bool {
	if c.IsDead() {
		return false
	}
	c.mu.Lock()
	c.data = append(c.data, buf...)
	c.mu.Unlock()
	return true
}

func (c *BufferChannel) SendError(msg string, code int) bool {
	if c.Kill() {
		return false
	}
	c.mu.Lock()
	c.Errors = append(c.Errors, msg)
	c.mu.Unlock()
	return true
}

func (c *BufferChannel) SendStream(buf []byte, last bool) bool {
	if c.IsDead() {
		return false
	}
	c.mu.Lock()
	c.data = append(c.data, buf...)
	c.mu.Unlock()
	return true
}

func (c *BufferChannel) SetMetadata(buf []byte) bool {
	c.mu.Lock()
	c.metadata = append([]byte(nil), buf...)
	c.mu.Unlock()
	return true
}

// Bytes returns everything written via Send/SendStream so far.
func (c *BufferChannel) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.data...)
}

// Metadata returns the last buffer set via SetMetadata.
func (c *BufferChannel) Metadata() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.metadata...)
}
