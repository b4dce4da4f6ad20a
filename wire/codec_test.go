package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Message{
		{ContextID: 0, Payload: Ok{}},
		{ContextID: 1, Payload: Keepalive{}},
		{ContextID: 0, Payload: HandshakeHello{Version: Version{Major: 1, Minor: 2, Patch: 3}}},
		{ContextID: 0, Payload: HandshakeAck{}},
		{ContextID: 1, Payload: OpenSubStream{StreamID: 42, Integrity: Unreliable}},
		{ContextID: 7, Payload: Data{Bytes: []byte("hello world")}},
		{ContextID: 7, Payload: Data{Bytes: []byte{}}},
		{ContextID: 3, Payload: Close{Reason: "peer shutdown"}},
	}

	for _, m := range cases {
		b, err := Encode(m)
		require.NoError(t, err)

		got, err := Decode(b)
		require.NoError(t, err)
		assert.Equal(t, m.ContextID, got.ContextID)
		assert.Equal(t, m.Payload, got.Payload)
	}
}

func TestEncodeUnsupportedPayload(t *testing.T) {
	_, err := Encode(Message{ContextID: 1, Payload: nil})
	assert.Error(t, err)
	var encErr *EncodeError
	assert.ErrorAs(t, err, &encErr)
}

func TestDecodeRejectsUnknownPayloadTag(t *testing.T) {
	// field 1 (context id) = 5, field 99 (unknown) = empty bytes.
	var b []byte
	b = protowire.AppendTag(b, fieldContextID, protowire.VarintType)
	b = protowire.AppendVarint(b, 5)
	b = protowire.AppendTag(b, 99, protowire.BytesType)
	b = protowire.AppendBytes(b, nil)

	_, err := Decode(b)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownPayload)
}

func TestDecodeRejectsTruncated(t *testing.T) {
	_, err := Decode([]byte{0x08}) // tag byte only, no varint value
	assert.Error(t, err)
}

func TestDecodeEmptyInput(t *testing.T) {
	_, err := Decode(nil)
	assert.ErrorIs(t, err, ErrTruncated)
}
