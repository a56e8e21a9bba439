package codec

import (
	"encoding/binary"
	"math"
	"time"

	rpcerr "msg-rpc/errors"
	"msg-rpc/message"
)

// BinaryCodec lays an envelope out as big-endian, length-prefixed fields:
//
//	kind(1) oneWay(1) createdAt(8, unix nanos)
//	id, service, method, errorKind, correlationID, replyTo   (2-byte length + bytes each)
//	error                                                    (4-byte length + bytes)
//	argCount(2) { argLen(4) arg }*
//	hasPayload(1) [ payloadLen(4) payload ]
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(env *message.Envelope) ([]byte, error) {
	shortFields := []string{env.ID, env.Service, env.Method, env.ErrorKind, env.CorrelationID, env.ReplyTo}

	// Calculate the length of message
	total := 1 + 1 + 8 + 4 + len(env.Error) + 2 + 1
	for _, s := range shortFields {
		if len(s) > math.MaxUint16 {
			return nil, rpcerr.Newf(rpcerr.Serialization, "binary codec: field of %d bytes is too long", len(s))
		}
		total += 2 + len(s)
	}
	if len(env.Args) > math.MaxUint16 {
		return nil, rpcerr.Newf(rpcerr.Serialization, "binary codec: %d arguments is too many", len(env.Args))
	}
	for _, arg := range env.Args {
		total += 4 + len(arg)
	}
	if env.Payload != nil {
		total += 4 + len(env.Payload)
	}

	buf := make([]byte, 0, total)
	buf = append(buf, byte(env.Kind))
	if env.OneWay {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	var nanos int64
	if !env.CreatedAt.IsZero() {
		nanos = env.CreatedAt.UnixNano()
	}
	buf = binary.BigEndian.AppendUint64(buf, uint64(nanos))

	for _, s := range shortFields {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
		buf = append(buf, s...)
	}

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(env.Error)))
	buf = append(buf, env.Error...)

	buf = binary.BigEndian.AppendUint16(buf, uint16(len(env.Args)))
	for _, arg := range env.Args {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(arg)))
		buf = append(buf, arg...)
	}

	if env.Payload == nil {
		buf = append(buf, 0)
	} else {
		buf = append(buf, 1)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(env.Payload)))
		buf = append(buf, env.Payload...)
	}
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, env *message.Envelope) error {
	r := &binaryReader{data: data}

	env.Kind = message.Kind(r.byte())
	env.OneWay = r.byte() == 1
	if nanos := int64(r.uint64()); nanos != 0 {
		env.CreatedAt = time.Unix(0, nanos)
	} else {
		env.CreatedAt = time.Time{}
	}

	env.ID = r.shortString()
	env.Service = r.shortString()
	env.Method = r.shortString()
	env.ErrorKind = r.shortString()
	env.CorrelationID = r.shortString()
	env.ReplyTo = r.shortString()
	env.Error = string(r.bytes(int(r.uint32())))

	env.Args = nil
	if n := int(r.uint16()); n > 0 {
		env.Args = make([][]byte, n)
		for i := range env.Args {
			env.Args[i] = r.bytes(int(r.uint32()))
		}
	}

	env.Payload = nil
	if r.byte() == 1 {
		env.Payload = r.bytes(int(r.uint32()))
		if env.Payload == nil && r.err == nil {
			env.Payload = []byte{}
		}
	}

	if r.err != nil {
		return r.err
	}
	if r.off != len(data) {
		return rpcerr.Newf(rpcerr.Serialization, "binary codec: %d trailing bytes", len(data)-r.off)
	}
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

// binaryReader consumes data front to back. After the first short read every
// call returns zero values and err stays set.
type binaryReader struct {
	data []byte
	off  int
	err  error
}

func (r *binaryReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.data)-r.off < n {
		r.err = rpcerr.Newf(rpcerr.Serialization, "binary codec: truncated data at offset %d", r.off)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *binaryReader) byte() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *binaryReader) uint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *binaryReader) uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *binaryReader) uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *binaryReader) shortString() string {
	return string(r.take(int(r.uint16())))
}

// bytes copies n bytes so the result does not alias the frame buffer.
func (r *binaryReader) bytes(n int) []byte {
	b := r.take(n)
	if b == nil || n == 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}
