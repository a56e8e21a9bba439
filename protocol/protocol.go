// Package protocol frames envelopes on byte-stream transports.
//
// A stream has no message boundaries, so every envelope is preceded by a
// fixed 10-byte header that carries the body length. The reader takes the
// header first and then exactly that many body bytes.
//
// Frame format:
//
//	0      3  4  5  6         10
//	┌──────┬──┬──┬──┬─────────┬───────────────┐
//	│magic │v │ct│mt│ bodyLen │    body ...    │
//	│ mrp  │01│  │  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴───────────────┘
//
// Unlike a sequence-numbered protocol the header carries no call id: replies
// are matched by the envelope's correlation id, which the codec carries in the
// body.
package protocol

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	rpcerr "msg-rpc/errors"
)

const (
	MagicNumber byte = 0x6d // 'm'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 10 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (bodyLen)

	// MaxBodyLen bounds the allocation a peer can force with a forged header.
	MaxBodyLen uint32 = 16 << 20
)

// MsgType distinguishes request, response, and heartbeat frames.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 0
	MsgTypeResponse  MsgType = 1
	MsgTypeHeartbeat MsgType = 2 // no body
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeRequest:
		return "request"
	case MsgTypeResponse:
		return "response"
	case MsgTypeHeartbeat:
		return "heartbeat"
	}
	return "unknown"
}

// Codec type constants, mirrored from the codec package which imports message.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

// Header is the fixed frame header.
type Header struct {
	CodecType byte    // 0=JSON, 1=Binary
	MsgType   MsgType // Request, Response, or Heartbeat
	BodyLen   uint32
}

// Encode writes header and body to w as one Write call. Callers sharing w
// across goroutines must still serialize calls to Encode.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint32(len(body)) != h.BodyLen {
		return rpcerr.Newf(rpcerr.Serialization, "body is %d bytes, header says %d", len(body), h.BodyLen)
	}
	if h.BodyLen > MaxBodyLen {
		return rpcerr.Newf(rpcerr.Serialization, "body of %d bytes exceeds limit of %d", h.BodyLen, MaxBodyLen)
	}

	buf := make([]byte, HeaderSize, HeaderSize+len(body))
	buf[0], buf[1], buf[2] = MagicNumber, MagicByte2, MagicByte3
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], h.BodyLen)
	buf = append(buf, body...)

	if _, err := w.Write(buf); err != nil {
		return rpcerr.Wrap(rpcerr.Network, err, "writing frame")
	}
	return nil
}

// Decode reads one frame from r. A clean end of stream before any header byte
// is returned as io.EOF unwrapped so read loops can tell it from a failure.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		if err == io.EOF {
			return nil, nil, err
		}
		return nil, nil, rpcerr.Wrap(rpcerr.Network, err, "reading frame header")
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, rpcerr.Newf(rpcerr.Serialization, "invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, rpcerr.Newf(rpcerr.Serialization, "unsupported version: %d", headerBuf[3])
	}
	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeBinary {
		return nil, nil, rpcerr.Newf(rpcerr.Serialization, "unsupported codec type: %d", headerBuf[4])
	}
	msgType := MsgType(headerBuf[5])
	if msgType != MsgTypeRequest && msgType != MsgTypeResponse && msgType != MsgTypeHeartbeat {
		return nil, nil, rpcerr.Newf(rpcerr.Serialization, "unsupported message type: %d", headerBuf[5])
	}

	bodyLen := binary.BigEndian.Uint32(headerBuf[6:10])
	if bodyLen > MaxBodyLen {
		return nil, nil, rpcerr.Newf(rpcerr.Serialization, "body of %d bytes exceeds limit of %d", bodyLen, MaxBodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, rpcerr.Wrap(rpcerr.Network, errors.WithStack(err), "reading frame body")
	}

	return &Header{
		CodecType: headerBuf[4],
		MsgType:   msgType,
		BodyLen:   bodyLen,
	}, body, nil
}
