package xport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/lsst/qserv-sub010/pkg/wbase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

// TestServerClientRoundTrip drives a whole request/response cycle over
// an in-memory bufconn listener: the client opens a stream, sends a
// task request frame, and the server's accept callback streams back two
// frames via the Channel adapter.
func TestServerClientRoundTrip(t *testing.T) {
	lis := bufconn.Listen(1024 * 1024)

	var gotRequest []byte
	accept := func(ctx context.Context, ch wbase.Channel, firstFrame []byte) {
		gotRequest = firstFrame
		assert.True(t, ch.SetMetadata([]byte("meta")))
		assert.True(t, ch.SendStream([]byte("frame-1"), false))
		assert.True(t, ch.SendStream([]byte("frame-2"), true))
	}
	srv := NewServer(accept)
	go func() { _ = srv.grpc.Serve(lis) }()
	defer srv.Stop()

	dialer := func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }
	client := NewClient("bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.Send(ctx, []byte("task-request"))
	require.NoError(t, err)

	var frames [][]byte
	for i := 0; i < 3; i++ {
		var msg RawMessage
		if err := stream.RecvMsg(&msg); err != nil {
			break
		}
		frames = append(frames, msg.Data)
	}

	require.Len(t, frames, 3)
	assert.Equal(t, "meta", string(frames[0]))
	assert.Equal(t, "frame-1", string(frames[1]))
	assert.Equal(t, "frame-2", string(frames[2]))
	assert.Equal(t, "task-request", string(gotRequest))
}
