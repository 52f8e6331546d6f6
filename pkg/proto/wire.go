// Package proto defines the worker's wire messages and the envelope
// framing used to multiplex them over a single stream (spec §4.6).
// Grounded on original_source/core/modules/proto/worker.proto (message
// shapes) and proto/ProtoHeaderWrap.h (the fixed 256-byte envelope),
// using gogo/protobuf's proto.Buffer the way the teacher's own protobuf
// plumbing (sql/execinfrapb-style messages elsewhere in the pack) does.
package proto

import (
	"encoding/json"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/gogo/protobuf/proto"
)

// HeaderEnvelopeSize is the fixed size of the length-prefixed envelope
// wrapping a serialized ProtoHeader (spec §4.6, §6: "a length byte
// followed by the serialized ProtoHeader, zero-padded out to 256 bytes
// total"). A header's serialized form must be under 255 bytes.
const HeaderEnvelopeSize = 256

// ProtoHeaderDesiredLimit and ProtoHeaderHardLimit bound how large a
// single Result message's accumulated row bytes may grow before it must
// be split (desired) or is rejected outright (hard), mirroring
// PROTOBUFFER_DESIRED_LIMIT / PROTOBUFFER_HARD_LIMIT.
const (
	ProtoHeaderDesiredLimit = 2 * 1000 * 1000
	ProtoHeaderHardLimit    = 64 * 1000 * 1000
)

// ProtoHeader precedes every Result chunk on the wire (spec §4.6, §6).
// Wname carries the sending worker's hostname so a receiving czar can
// attribute a stream to its worker without a separate handshake; EndNoData
// marks the header of the stream's final message, set once every task
// sharing the channel has reported its last buffer, so the receiver knows
// no further header follows.
type ProtoHeader struct {
	Protocol  int32
	Size      int32
	MD5       string
	Wname     string
	EndNoData bool
}

func (h *ProtoHeader) Reset()         { *h = ProtoHeader{} }
func (h *ProtoHeader) String() string { return proto.CompactTextString(h) }
func (*ProtoHeader) ProtoMessage()    {}

// ColumnSchema describes one result column (spec §4.6).
type ColumnSchema struct {
	Name         string
	HasDefault   bool
	DefaultValue string
	SQLType      int32
	MySQLType    int32
}

func (c *ColumnSchema) Reset()         { *c = ColumnSchema{} }
func (c *ColumnSchema) String() string { return proto.CompactTextString(c) }
func (*ColumnSchema) ProtoMessage()    {}

// Schema is the ordered list of ColumnSchema for a result set.
type Schema struct {
	ColumnSchema []*ColumnSchema
}

func (s *Schema) Reset()         { *s = Schema{} }
func (s *Schema) String() string { return proto.CompactTextString(s) }
func (*Schema) ProtoMessage()    {}

// RowBundle is one encoded result row: parallel Column/IsNull slices
// (spec §4.6; IsNull lets a zero-length column be distinguished from
// SQL NULL).
type RowBundle struct {
	Column [][]byte
	IsNull []bool
}

func (r *RowBundle) Reset()         { *r = RowBundle{} }
func (r *RowBundle) String() string { return proto.CompactTextString(r) }
func (*RowBundle) ProtoMessage()    {}

func (r *RowBundle) AddColumn(data []byte, isNull bool) {
	r.Column = append(r.Column, data)
	r.IsNull = append(r.IsNull, isNull)
}

// byteSize approximates the protobuf-encoded size of the row, used only
// to decide when a Result has grown past ProtoHeaderDesiredLimit; exact
// framing size is computed at marshal time.
func (r *RowBundle) byteSize() int {
	n := 0
	for _, c := range r.Column {
		n += len(c) + 2
	}
	n += len(r.IsNull)
	return n
}

// Result is one chunk of a streamed query result (spec §4.6).
type Result struct {
	Session    int32
	HasSession bool
	RowSchema  *Schema
	Row        []*RowBundle
	Continues  bool
	ErrorMsg   string
}

func (r *Result) Reset()         { *r = Result{} }
func (r *Result) String() string { return proto.CompactTextString(r) }
func (*Result) ProtoMessage()    {}

// AddRow appends a new empty RowBundle and returns it.
func (r *Result) AddRow() *RowBundle {
	rb := &RowBundle{}
	r.Row = append(r.Row, rb)
	return rb
}

// ByteSize sums the approximate encoded size of all rows added so far,
// matching how QueryAction::Impl::_fillRows decides when to split a
// message (spec §4.5 edge case: "a Result message must be flushed once
// its accumulated row bytes exceed the desired limit").
func (r *Result) ByteSize() int {
	n := 0
	for _, row := range r.Row {
		n += row.byteSize()
	}
	return n
}

// MarshalHeader serializes h using a gogo/protobuf Buffer and wraps it in
// the fixed-size length-prefixed envelope (spec §4.6, §6): byte 0 is the
// serialized length, followed by that many bytes of the message, then
// ASCII '0' padding out to HeaderEnvelopeSize.
func MarshalHeader(h *ProtoHeader) ([]byte, error) {
	body, err := marshalProtoHeader(h)
	if err != nil {
		return nil, err
	}
	if len(body) >= 255 {
		return nil, errors.Newf("proto: serialized ProtoHeader too large (%d bytes)", len(body))
	}
	env := make([]byte, HeaderEnvelopeSize)
	env[0] = byte(len(body))
	copy(env[1:], body)
	for i := 1 + len(body); i < len(env); i++ {
		env[i] = '0'
	}
	return env, nil
}

// UnmarshalHeader extracts and decodes a ProtoHeader from a
// HeaderEnvelopeSize-byte envelope.
func UnmarshalHeader(env []byte) (*ProtoHeader, error) {
	if len(env) < HeaderEnvelopeSize {
		return nil, errors.Newf("proto: short header envelope (%d bytes)", len(env))
	}
	n := int(env[0])
	if n+1 > len(env) {
		return nil, errors.Newf("proto: header length byte %d exceeds envelope", n)
	}
	h := &ProtoHeader{}
	if err := unmarshalProtoHeader(env[1:1+n], h); err != nil {
		return nil, errors.Wrap(err, "proto: unmarshal ProtoHeader")
	}
	return h, nil
}

// MarshalResult serializes a Result for transmission. Result's row
// payloads are arbitrary opaque bytes already escaped by pkg/codec, so
// they're wrapped here with plain JSON framing rather than a generated
// .pb.go -- only ProtoHeader needs bit-exact wire framing, since it's the
// part a receiver must be able to parse before it knows anything else
// about the stream (spec §4.6).
func MarshalResult(r *Result) ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, errors.Wrap(err, "proto: marshal Result")
	}
	return b, nil
}

// UnmarshalResult is the inverse of MarshalResult.
func UnmarshalResult(b []byte, r *Result) error {
	if err := json.Unmarshal(b, r); err != nil {
		return errors.Wrap(err, "proto: unmarshal Result")
	}
	return nil
}

// marshalProtoHeader and unmarshalProtoHeader hand-encode ProtoHeader's
// five fields using the same varint/length-delimited wire primitives
// gogo/protobuf's generated code would, since no .proto file is compiled
// in this tree (spec Non-goals: no SQL/protobuf codegen pipeline).
func marshalProtoHeader(h *ProtoHeader) ([]byte, error) {
	buf := proto.NewBuffer(nil)
	if err := buf.EncodeVarint(1<<3 | 0); err != nil {
		return nil, err
	}
	if err := buf.EncodeVarint(uint64(h.Protocol)); err != nil {
		return nil, err
	}
	if err := buf.EncodeVarint(2<<3 | 0); err != nil {
		return nil, err
	}
	if err := buf.EncodeVarint(uint64(h.Size)); err != nil {
		return nil, err
	}
	if h.MD5 != "" {
		if err := buf.EncodeVarint(3<<3 | 2); err != nil {
			return nil, err
		}
		if err := buf.EncodeStringBytes(h.MD5); err != nil {
			return nil, err
		}
	}
	if h.Wname != "" {
		if err := buf.EncodeVarint(4<<3 | 2); err != nil {
			return nil, err
		}
		if err := buf.EncodeStringBytes(h.Wname); err != nil {
			return nil, err
		}
	}
	if h.EndNoData {
		if err := buf.EncodeVarint(5<<3 | 0); err != nil {
			return nil, err
		}
		if err := buf.EncodeVarint(1); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func unmarshalProtoHeader(b []byte, h *ProtoHeader) error {
	buf := proto.NewBuffer(b)
	for {
		tag, err := buf.DecodeVarint()
		if err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return err
		}
		field, wire := tag>>3, tag&7
		switch {
		case field == 1 && wire == 0:
			v, err := buf.DecodeVarint()
			if err != nil {
				return err
			}
			h.Protocol = int32(v)
		case field == 2 && wire == 0:
			v, err := buf.DecodeVarint()
			if err != nil {
				return err
			}
			h.Size = int32(v)
		case field == 3 && wire == 2:
			s, err := buf.DecodeStringBytes()
			if err != nil {
				return err
			}
			h.MD5 = s
		case field == 4 && wire == 2:
			s, err := buf.DecodeStringBytes()
			if err != nil {
				return err
			}
			h.Wname = s
		case field == 5 && wire == 0:
			v, err := buf.DecodeVarint()
			if err != nil {
				return err
			}
			h.EndNoData = v != 0
		default:
			return errors.Newf("proto: unknown ProtoHeader field %d wire %d", field, wire)
		}
	}
	return nil
}
