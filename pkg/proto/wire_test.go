package proto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := &ProtoHeader{Protocol: 2, Size: 1234, MD5: "deadbeefdeadbeefdeadbeefdeadbeef"}
	env, err := MarshalHeader(h)
	require.NoError(t, err)
	assert.Equal(t, HeaderEnvelopeSize, len(env))

	got, err := UnmarshalHeader(env)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestHeaderEnvelopeIsASCIIZeroPadded(t *testing.T) {
	h := &ProtoHeader{Protocol: 2, Size: 1, MD5: "x"}
	env, err := MarshalHeader(h)
	require.NoError(t, err)
	n := int(env[0])
	for i := 1 + n; i < len(env); i++ {
		assert.Equal(t, byte('0'), env[i], "byte %d should be '0' padding", i)
	}
}

func TestMarshalHeaderRejectsOversizedHeader(t *testing.T) {
	h := &ProtoHeader{Protocol: 2, Size: 1, MD5: strings.Repeat("a", 300)}
	_, err := MarshalHeader(h)
	assert.Error(t, err)
}

func TestUnmarshalHeaderRejectsShortEnvelope(t *testing.T) {
	_, err := UnmarshalHeader(make([]byte, 10))
	assert.Error(t, err)
}

func TestResultByteSizeAndMarshalRoundTrip(t *testing.T) {
	r := &Result{Session: 7, HasSession: true}
	row := r.AddRow()
	row.AddColumn([]byte("42"), false)
	row.AddColumn(nil, true)
	assert.Greater(t, r.ByteSize(), 0)

	b, err := MarshalResult(r)
	require.NoError(t, err)
	var got Result
	require.NoError(t, UnmarshalResult(b, &got))
	assert.Equal(t, r.Session, got.Session)
	require.Len(t, got.Row, 1)
	assert.Equal(t, "42", string(got.Row[0].Column[0]))
	assert.True(t, got.Row[0].IsNull[1])
}
