// Package codec turns envelopes into bytes for the transports, and argument and
// result values into bytes for the envelopes.
//
// The two concerns are separate: a Codec frames a whole *message.Envelope, a
// Serializer encodes the opaque values the envelope carries. Any Codec can be
// combined with any Serializer.
package codec

import (
	"strings"

	rpcerr "msg-rpc/errors"
	"msg-rpc/message"
)

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeBinary:
		return "binary"
	}
	return "unknown"
}

// Codec encodes and decodes envelopes.
type Codec interface {
	Encode(env *message.Envelope) ([]byte, error)
	Decode(data []byte, env *message.Envelope) error
	Type() CodecType // 0=JSON, 1=Binary
}

// GetCodec returns the codec for codecType. Unknown types get the binary codec.
func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}

	return &BinaryCodec{}
}

// ParseCodecType maps a configuration name to a codec type.
func ParseCodecType(name string) (CodecType, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return CodecTypeJSON, nil
	case "binary":
		return CodecTypeBinary, nil
	}
	return 0, rpcerr.Newf(rpcerr.Configuration, "unknown codec %q", name)
}
