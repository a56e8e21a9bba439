package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rpcerr "msg-rpc/errors"
)

func TestEncodeDecode(t *testing.T) {
	body := []byte("hello world")
	header := Header{CodecType: CodecTypeJSON, MsgType: MsgTypeRequest, BodyLen: uint32(len(body))}

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &header, body))
	assert.Equal(t, HeaderSize+len(body), buf.Len())

	got, gotBody, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, header, *got)
	assert.Equal(t, body, gotBody)
}

func TestBackToBackFrames(t *testing.T) {
	var buf bytes.Buffer
	for _, s := range []string{"one", "", "three"} {
		h := Header{CodecType: CodecTypeBinary, MsgType: MsgTypeResponse, BodyLen: uint32(len(s))}
		require.NoError(t, Encode(&buf, &h, []byte(s)))
	}
	for _, want := range []string{"one", "", "three"} {
		_, body, err := Decode(&buf)
		require.NoError(t, err)
		assert.Equal(t, want, string(body))
	}
	_, _, err := Decode(&buf)
	assert.Equal(t, io.EOF, err)
}

func TestDecodeEmptyBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &Header{MsgType: MsgTypeHeartbeat}, nil))

	h, body, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgTypeHeartbeat, h.MsgType)
	assert.Empty(t, body)
}

func TestDecodeRejectsBadHeaders(t *testing.T) {
	frame := func(mutate func([]byte)) *bytes.Reader {
		b := []byte{MagicNumber, MagicByte2, MagicByte3, Version, CodecTypeJSON, byte(MsgTypeRequest), 0, 0, 0, 0}
		mutate(b)
		return bytes.NewReader(b)
	}

	cases := map[string]struct {
		mutate func([]byte)
		msg    string
	}{
		"magic":   {func(b []byte) { b[0] = 0 }, "invalid magic number"},
		"version": {func(b []byte) { b[3] = 0xFF }, "unsupported version"},
		"codec":   {func(b []byte) { b[4] = 9 }, "unsupported codec type"},
		"type":    {func(b []byte) { b[5] = 9 }, "unsupported message type"},
		"size":    {func(b []byte) { binary.BigEndian.PutUint32(b[6:], MaxBodyLen+1) }, "exceeds limit"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := Decode(frame(tc.mutate))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.msg)
			assert.True(t, errors.Is(err, rpcerr.ErrSerialization))
		})
	}
}

func TestDecodeTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	body := []byte("hello")
	require.NoError(t, Encode(&buf, &Header{BodyLen: uint32(len(body))}, body))

	_, _, err := Decode(bytes.NewReader(buf.Bytes()[:buf.Len()-2]))
	require.Error(t, err)
	assert.True(t, errors.Is(err, rpcerr.ErrNetwork))
}

func TestEncodeRejectsLengthMismatch(t *testing.T) {
	var buf bytes.Buffer
	err := Encode(&buf, &Header{BodyLen: 3}, []byte("hello"))
	assert.True(t, errors.Is(err, rpcerr.ErrSerialization))
	assert.Zero(t, buf.Len())
}

func TestDecodeLargeBody(t *testing.T) {
	largeBody := make([]byte, 1024*1024)
	for i := range largeBody {
		largeBody[i] = byte(i % 256)
	}

	var buf bytes.Buffer
	header := &Header{CodecType: CodecTypeBinary, MsgType: MsgTypeRequest, BodyLen: uint32(len(largeBody))}
	require.NoError(t, Encode(&buf, header, largeBody))

	_, decoded, err := Decode(&buf)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(decoded, largeBody))
}
