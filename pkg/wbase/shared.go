package wbase

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/lsst/qserv-sub010/pkg/proto"
	"github.com/lsst/qserv-sub010/pkg/wlog"
	"github.com/lsst/qserv-sub010/pkg/workererr"
)

// DefaultQueueCapacity bounds the transmit FIFO's depth (spec §4.4, §6:
// "a bounded FIFO with a small default capacity, e.g. 2"), matching the
// source's `_transmitQueue.size() < 3` back-pressure check (i.e. at most
// 2 items may be waiting when a 3rd is admitted).
const DefaultQueueCapacity = 2

// TransmitData is one already-encoded message body plus its pre-built
// envelope header, queued for the transmit loop to send (spec §4.4).
type TransmitData struct {
	HeaderMsg []byte
	DataMsg   []byte
	Last      bool

	// urgent is set by AddTransmit for errored/cancelled messages, which
	// acquire the transmit manager at interactive priority (spec §4.4:
	// "Errored or cancelled messages receive interactive priority").
	urgent bool
}

// SendChannelShared multiplexes potentially many tasks in a task group
// onto a single Channel, coordinating which of them sends the
// stream-terminating "last" message (spec §4.4: "a group of tasks
// belonging to one job share one channel; the channel is only closed once
// every task in the group has reported its own last message"). Mirrors
// SendChannelShared.
type SendChannelShared struct {
	channel Channel
	log     wlog.AmbientContext

	mu        sync.Mutex
	queue     []*TransmitData
	notEmpty  *sync.Cond
	notFull   *sync.Cond
	taskCount int
	lastCount int
	lastRecvd bool

	firstTransmit bool

	queueCap int
	started  bool
	done     chan error

	tmgr        *TransmitMgr
	czarID      string
	interactive bool
}

// NewSendChannelShared constructs a shared channel wrapping ch, capable
// of coordinating taskCount tasks' transmits.
func NewSendChannelShared(ch Channel, taskCount int) *SendChannelShared {
	s := &SendChannelShared{
		channel:       ch,
		taskCount:     taskCount,
		firstTransmit: true,
		queueCap:      DefaultQueueCapacity,
		done:          make(chan error, 1),
	}
	s.log.AddLogTag("wbase", nil)
	s.notEmpty = sync.NewCond(&s.mu)
	s.notFull = sync.NewCond(&s.mu)
	return s
}

// SetTransmitMgr attaches the worker-global transmit admission gate. The
// transmit loop acquires it before every SendStream, outside every
// channel lock (spec §5's lock order: transmit-manager admission is
// acquired outside all channel/scheduler locks).
func (s *SendChannelShared) SetTransmitMgr(m *TransmitMgr, czarID string, interactive bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tmgr = m
	s.czarID = czarID
	s.interactive = interactive
}

// SetTaskCount updates the number of tasks contributing "last" messages
// to this shared channel, for cases where the count isn't known at
// construction time.
func (s *SendChannelShared) SetTaskCount(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taskCount = n
}

// transmitTaskLast records one task's "this was my last message" signal
// and reports whether every task in the group has now done so (spec
// §4.4's "last-message coordination": the Nth task's transmit only
// closes the stream once _lastCount reaches _taskCount).
func (s *SendChannelShared) transmitTaskLast(last bool) bool {
	if !last {
		return false
	}
	s.lastCount++
	return s.lastCount >= s.taskCount
}

// AddTransmit enqueues tdata for sending. If cancelled or erred is set,
// it bypasses the queue-depth back-pressure wait (errors must be
// delivered promptly, spec §4.4 edge case). Returns false if the channel
// had already received its final message or died.
func (s *SendChannelShared) AddTransmit(ctx context.Context, cancelled, erred bool, tdata *TransmitData) (bool, error) {
	s.mu.Lock()
	if s.lastRecvd || s.channel.IsDead() {
		s.lastRecvd = true
		s.notEmpty.Broadcast()
		s.mu.Unlock()
		return false, nil
	}
	reallyLast := s.transmitTaskLast(tdata.Last)
	tdata.urgent = erred || cancelled
	if reallyLast {
		// The group's final header is the stream's one endnodata marker
		// (spec §8: a channel with taskCount = N emits exactly one
		// endnodata = true message, after all N tasks report last).
		tdata.HeaderMsg = markEndNoData(tdata.HeaderMsg)
	}

	if !erred && !cancelled {
		for len(s.queue) >= s.queueCap+1 {
			s.notFull.Wait()
		}
	}
	s.queue = append(s.queue, tdata)
	if reallyLast || erred || cancelled {
		s.lastRecvd = true
	}
	if !s.started {
		s.started = true
		go s.transmitLoop(ctx)
	}
	s.notEmpty.Broadcast()
	s.mu.Unlock()
	return true, nil
}

// Done returns a channel that is sent the transmit loop's terminal error
// (nil on success) once it exits.
func (s *SendChannelShared) Done() <-chan error { return s.done }

// transmitLoop drains the queue, attaching each item's successor's header
// so the receiver can always see the next frame coming (spec §4.4: "each
// transmitted frame is followed by the header of the next one, so a
// receiver always knows how much more to expect without a separate
// control message"), the same chaining SendChannelShared::_transmitLoop
// does.
func (s *SendChannelShared) transmitLoop(ctx context.Context) {
	var finalErr error
	for {
		s.mu.Lock()
		for len(s.queue) < 2 && !s.lastRecvd {
			s.notEmpty.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			break
		}
		this := s.queue[0]
		s.queue = s.queue[1:]

		var nextHeader []byte
		if len(s.queue) > 0 {
			nextHeader = s.queue[0].HeaderMsg
		} else if !s.lastRecvd {
			s.mu.Unlock()
			finalErr = workererr.Bug("wbase: transmit queue empty but not last")
			break
		}
		reallyLast := s.lastRecvd && len(s.queue) == 0
		tmgr, czarID, interactive := s.tmgr, s.czarID, s.interactive
		s.notFull.Broadcast()
		s.mu.Unlock()

		body := append(append([]byte(nil), this.DataMsg...), nextHeader...)

		var tlock *TransmitLock
		if tmgr != nil {
			var err error
			tlock, err = tmgr.Acquire(ctx, czarID, interactive || this.urgent)
			if err != nil {
				finalErr = errors.Wrap(err, "wbase: transmit admission")
				break
			}
		}
		if s.firstTransmit {
			s.firstTransmit = false
			if !s.channel.SetMetadata(this.HeaderMsg) {
				if tlock != nil {
					tlock.Release()
				}
				finalErr = errors.New("wbase: failed to set channel metadata")
				break
			}
		}
		sent := s.channel.SendStream(body, reallyLast)
		if tlock != nil {
			tlock.Release()
		}
		if !sent {
			finalErr = errors.New("wbase: failed to send stream buffer")
			break
		}
		if reallyLast {
			break
		}
	}
	s.done <- finalErr
}

// workerHostname is stamped into every outgoing ProtoHeader's Wname so
// the czar can attribute a stream to its worker (spec §4.4, §6).
var workerHostname = func() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}()

// WrapResult marshals r, computes its ProtoHeader envelope (payload
// size, payload MD5, worker hostname), and returns the pair ready to
// hand to AddTransmit.
func WrapResult(r *proto.Result, last bool) (*TransmitData, error) {
	r.Continues = !last
	body, err := proto.MarshalResult(r)
	if err != nil {
		return nil, err
	}
	sum := md5.Sum(body)
	header, err := proto.MarshalHeader(&proto.ProtoHeader{
		Protocol: 2,
		Size:     int32(len(body)),
		MD5:      hex.EncodeToString(sum[:]),
		Wname:    workerHostname,
	})
	if err != nil {
		return nil, err
	}
	return &TransmitData{HeaderMsg: header, DataMsg: body, Last: last}, nil
}

// markEndNoData rewrites a header envelope with the endnodata flag set.
// A buffer that isn't a parseable envelope (tests hand in opaque bytes)
// is returned unchanged.
func markEndNoData(headerMsg []byte) []byte {
	h, err := proto.UnmarshalHeader(headerMsg)
	if err != nil {
		return headerMsg
	}
	h.EndNoData = true
	env, err := proto.MarshalHeader(h)
	if err != nil {
		return headerMsg
	}
	return env
}
