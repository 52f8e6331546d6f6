package xport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/lsst/qserv-sub010/pkg/wbase"
	"github.com/lsst/qserv-sub010/pkg/wlog"
	"google.golang.org/grpc"
)

// Server wraps a *grpc.Server registered with ServiceDesc, and adapts
// each incoming stream into a wbase.Channel handed to accept.
type Server struct {
	grpc   *grpc.Server
	accept func(ctx context.Context, ch wbase.Channel, firstFrame []byte)
	log    wlog.AmbientContext
}

// NewServer constructs a Server; accept is invoked once per incoming
// stream with a Channel wrapping it and the first frame the client sent
// (the serialized task request), the way Foreman::newTask dispatches a
// freshly accepted connection to the scheduler (spec §1, §4.4).
func NewServer(accept func(ctx context.Context, ch wbase.Channel, firstFrame []byte), opts ...grpc.ServerOption) *Server {
	allOpts := append([]grpc.ServerOption{grpc.ForceServerCodec(rawCodec{})}, opts...)
	s := &Server{grpc: grpc.NewServer(allOpts...), accept: accept}
	s.log.AddLogTag("xport", nil)
	s.grpc.RegisterService(&ServiceDesc, s)
	return s
}

// Stream implements StreamHandler: read the first frame as the task
// request, then hand a Channel wrapping the remainder of the stream's
// lifetime to accept.
func (s *Server) Stream(stream grpc.ServerStream) error {
	var first RawMessage
	if err := stream.RecvMsg(&first); err != nil {
		return errors.Wrap(err, "xport: receive task request")
	}
	ch := &serverChannel{stream: stream}
	s.accept(stream.Context(), ch, first.Data)
	return ch.waitErr()
}

// ListenAndServe starts accepting connections on addr, mirroring
// netutil.ListenAndServeGRPC's listener lifecycle (bind, serve in a
// goroutine, close on stop).
func (s *Server) ListenAndServe(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "xport: listen")
	}
	go func() {
		if err := s.grpc.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			wlog.Errorf(s.log.AnnotateCtx(context.Background()), "xport: serve: %v", err)
		}
	}()
	return ln, nil
}

// Stop gracefully shuts down the gRPC server.
func (s *Server) Stop() { s.grpc.GracefulStop() }

// serverChannel adapts a single gRPC stream into a wbase.Channel: every
// Send/SendStream call becomes one SendMsg of a RawMessage, and the
// channel is considered dead once the peer goes away or a terminal
// frame has been sent.
type serverChannel struct {
	stream grpc.ServerStream
	dead   int32

	mu  sync.Mutex
	err error
}

func (c *serverChannel) Kill() bool    { return atomic.SwapInt32(&c.dead, 1) == 1 }
func (c *serverChannel) IsDead() bool  { return atomic.LoadInt32(&c.dead) == 1 }

func (c *serverChannel) setErr(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}

func (c *serverChannel) waitErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *serverChannel) Send(buf []byte) bool {
	if c.IsDead() {
		return false
	}
	if err := c.stream.SendMsg(&RawMessage{Data: buf}); err != nil {
		c.setErr(err)
		c.Kill()
		return false
	}
	return true
}

func (c *serverChannel) SendError(msg string, code int) bool {
	if c.Kill() {
		return false
	}
	c.setErr(errors.Newf("xport: %s (code %d)", msg, code))
	return true
}

func (c *serverChannel) SendStream(buf []byte, last bool) bool {
	if c.IsDead() {
		return false
	}
	if err := c.stream.SendMsg(&RawMessage{Data: buf}); err != nil {
		c.setErr(err)
		c.Kill()
		return false
	}
	if last {
		c.Kill()
	}
	return true
}

func (c *serverChannel) SetMetadata(buf []byte) bool {
	if c.IsDead() {
		return false
	}
	if err := c.stream.SendMsg(&RawMessage{Data: buf}); err != nil {
		c.setErr(err)
		c.Kill()
		return false
	}
	return true
}

var _ wbase.Channel = (*serverChannel)(nil)
