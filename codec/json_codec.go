package codec

import (
	"encoding/json"

	rpcerr "msg-rpc/errors"
	"msg-rpc/message"
)

// JSONCodec uses Go's standard library encoding/json for serialization.
// Pros: human-readable, cross-language, easy to debug.
// Cons: slower due to reflection + string parsing, byte slices are base64 encoded.
type JSONCodec struct{}

func (c *JSONCodec) Encode(env *message.Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.Serialization, err, "json encode envelope")
	}
	return data, nil
}

func (c *JSONCodec) Decode(data []byte, env *message.Envelope) error {
	if err := json.Unmarshal(data, env); err != nil {
		return rpcerr.Wrap(rpcerr.Serialization, err, "json decode envelope")
	}
	return nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
