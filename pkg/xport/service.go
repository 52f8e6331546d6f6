package xport

import (
	"github.com/cockroachdb/errors"
	"google.golang.org/grpc"
)

var errNotRawMessage = errors.New("xport: codec given a non-*RawMessage value")

// serviceName is the gRPC service path, mirroring how a generated
// <pkg>_grpc.pb.go file would name it from a .proto package/service
// declaration.
const serviceName = "qserv.worker.Transmit"

// transmitStreamDesc describes the single bidi-streaming method the
// transport exposes: the worker receives one TaskRequest-shaped
// RawMessage describing the query, then streams back a sequence of
// RawMessage frames (ProtoHeader envelope followed by ProtoResult body,
// repeated) until the final "last" frame, mirroring how the original
// xrootd/czar wire protocol multiplexes a whole result set over one
// connection (spec §4.6).
var transmitStreamDesc = grpc.StreamDesc{
	StreamName:    "Stream",
	ServerStreams: true,
	ClientStreams: true,
}

// ServiceDesc is the hand-written equivalent of what
// protoc-gen-go-grpc would emit for a service with one bidi streaming
// RPC named Stream. Registering it directly with grpc.Server avoids
// requiring a compiled .proto in this tree.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*StreamHandler)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    transmitStreamDesc.StreamName,
			Handler:       streamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "xport/transmit.proto",
}

// StreamHandler is implemented by the worker-side RPC handler registered
// against ServiceDesc.
type StreamHandler interface {
	Stream(grpc.ServerStream) error
}

func streamHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(StreamHandler).Stream(stream)
}
