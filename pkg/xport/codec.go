// Package xport is the gRPC transport binding wbase.Channel to the wire
// (spec §1's "network transport" collaborator, §4.6). No .proto file is
// compiled in this tree (spec Non-goals: no SQL/protobuf codegen
// pipeline), so the service is described by hand the way
// grpc-go's own protoc-gen-go-grpc output would, and messages are
// pre-framed []byte produced by pkg/proto -- grpc is used purely as a
// stream-multiplexing transport, not as a second serialization layer.
// Grounded on util/netutil/net.go's ListenAndServeGRPC (listener
// lifecycle) and rpc/breaker.go's backoff/circuit-breaker wiring
// (reconnect policy).
package xport

import "google.golang.org/grpc/encoding"

// rawCodecName is registered with grpc's encoding package so the
// transport can move pre-framed []byte without a protobuf descriptor.
const rawCodecName = "qserv-raw"

// rawCodec implements grpc/encoding.Codec over bytes already framed by
// pkg/proto: Marshal/Unmarshal are a no-op copy, since the framing
// (length-prefixed envelope, MD5, continuation headers) is already done
// by the caller.
type rawCodec struct{}

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	b, ok := v.(*RawMessage)
	if !ok {
		return nil, errNotRawMessage
	}
	return b.Data, nil
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	b, ok := v.(*RawMessage)
	if !ok {
		return errNotRawMessage
	}
	b.Data = append([]byte(nil), data...)
	return nil
}

func (rawCodec) Name() string { return rawCodecName }

// RawMessage is the sole payload type the transport ever marshals: an
// already-framed buffer produced by pkg/proto.MarshalHeader/MarshalResult.
type RawMessage struct {
	Data []byte
}

func init() {
	encoding.RegisterCodec(rawCodec{})
}
