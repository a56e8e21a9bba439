// Package websocket carries envelopes over websocket connections, so RPC
// traffic can pass through HTTP infrastructure.
//
// Each protocol frame travels as one binary websocket message. The reading
// side stitches messages back into a byte stream, which lets the framed
// stream connection of package transport run unchanged on top.
package websocket

import (
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"msg-rpc/codec"
)

const closeGrace = time.Second

type options struct {
	codec            codec.Codec
	heartbeat        time.Duration
	handshakeTimeout time.Duration
	logger           *zap.Logger
}

type Option func(*options)

func WithCodec(t codec.CodecType) Option {
	return func(o *options) {
		o.codec = codec.GetCodec(t)
	}
}

// WithHeartbeat sets the keep-alive interval; 0 disables heartbeats.
func WithHeartbeat(d time.Duration) Option {
	return func(o *options) {
		o.heartbeat = d
	}
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) {
		o.handshakeTimeout = d
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func newOptions(opts []Option) options {
	o := options{
		codec:            codec.GetCodec(codec.CodecTypeJSON),
		heartbeat:        30 * time.Second,
		handshakeTimeout: 10 * time.Second,
		logger:           zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// IsExpectedCloseError reports whether err is a clean disconnection.
func IsExpectedCloseError(err error) bool {
	return err == io.EOF || err == io.ErrClosedPipe || websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure,
	)
}

// stream emulates an io.ReadWriteCloser on top of a websocket connection.
// Writes are not safe for concurrent use; the framed connection above
// serializes them.
type stream struct {
	conn      *websocket.Conn
	r         io.Reader // current message
	closeOnce sync.Once
}

func newStream(conn *websocket.Conn) *stream {
	return &stream{conn: conn}
}

func (s *stream) Read(p []byte) (int, error) {
	for {
		if s.r == nil {
			_, r, err := s.conn.NextReader()
			if err != nil {
				if IsExpectedCloseError(err) {
					return 0, io.EOF
				}
				return 0, err
			}
			s.r = r
		}
		n, err := s.r.Read(p)
		if err == io.EOF {
			s.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *stream) Write(p []byte) (int, error) {
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *stream) SetWriteDeadline(t time.Time) error {
	return s.conn.SetWriteDeadline(t)
}

// Close says goodbye to the peer, best effort, and closes the connection.
func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		err = s.conn.Close()
	})
	return err
}
