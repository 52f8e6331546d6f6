package xport

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
	circuit "github.com/cockroachdb/circuitbreaker"
	"github.com/cockroachdb/errors"
	"github.com/facebookgo/clock"
	"github.com/lsst/qserv-sub010/pkg/wlog"
	"google.golang.org/grpc"
)

// maxReconnectBackoff bounds how long the client waits between dial
// attempts, mirroring rpc/breaker.go's maxBackoff for node-to-node RPC
// connections.
const maxReconnectBackoff = time.Second

// Client dials a worker's transport endpoint, guarding reconnect
// attempts with a circuit breaker so a downed worker doesn't cost every
// caller a full dial timeout on every retry (spec §1: "the client
// reconnect policy mirrors the node-to-node RPC context's circuit
// breaker").
type Client struct {
	target  string
	dialOpts []grpc.DialOption
	clock   clock.Clock

	breaker *circuit.Breaker
	conn    *grpc.ClientConn
	log     wlog.AmbientContext
}

// NewClient constructs a Client for target, using the default system
// clock for its breaker/backoff timing. The raw frame codec is always
// forced, regardless of caller-supplied dialOpts, since the transport
// never marshals anything but pre-framed []byte.
func NewClient(target string, dialOpts ...grpc.DialOption) *Client {
	opts := append([]grpc.DialOption{grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{}))}, dialOpts...)
	c := &Client{target: target, dialOpts: opts, clock: clock.New()}
	c.log.AddLogTag("xport-client", target)
	c.breaker = newBreaker(c.clock)
	return c
}

func newBackOff(clk backoff.Clock) backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     500 * time.Millisecond,
		RandomizationFactor: 0.5,
		Multiplier:          1.5,
		MaxInterval:         maxReconnectBackoff,
		MaxElapsedTime:      0,
		Clock:               clk,
	}
	b.Reset()
	return b
}

func newBreaker(clk clock.Clock) *circuit.Breaker {
	return circuit.NewBreakerWithOptions(&circuit.Options{
		BackOff:    newBackOff(clk),
		Clock:      clk,
		ShouldTrip: circuit.ThresholdTripFunc(1),
	})
}

// dial establishes the underlying connection if not already connected,
// tripping the breaker on failure so subsequent calls fail fast until
// the backoff interval elapses.
func (c *Client) dial(ctx context.Context) (*grpc.ClientConn, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	if !c.breaker.Ready() {
		return nil, errors.Newf("xport: circuit breaker open for %s", c.target)
	}
	conn, err := grpc.DialContext(ctx, c.target, append([]grpc.DialOption{grpc.WithBlock()}, c.dialOpts...)...)
	if err != nil {
		c.breaker.Fail()
		return nil, errors.Wrapf(err, "xport: dial %s", c.target)
	}
	c.breaker.Success()
	c.conn = conn
	return conn, nil
}

// Send opens a Stream to the worker, sends request as the first frame,
// and returns the stream for the caller to drain with Recv until it
// sees the final frame (§4.6's "frame carries the next header inline"
// framing tells the caller when to stop).
func (c *Client) Send(ctx context.Context, request []byte) (grpc.ClientStream, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.NewStream(ctx, &transmitStreamDesc, "/"+serviceName+"/Stream")
	if err != nil {
		c.breaker.Fail()
		return nil, errors.Wrap(err, "xport: open stream")
	}
	if err := stream.SendMsg(&RawMessage{Data: request}); err != nil {
		return nil, errors.Wrap(err, "xport: send task request")
	}
	return stream, nil
}

// Close tears down the underlying connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
